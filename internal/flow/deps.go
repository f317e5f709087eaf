package flow

import (
	"errors"
	"fmt"
)

// ErrUnknownTag reports an output-data tag with no input-variable mapping.
// It is a resolution-time failure, distinct from a missing artifact file.
var ErrUnknownTag = errors.New("flow: unknown output-data tag")

// tagVars maps output-artifact tags to the input variables a dependent task
// uses to locate them.
var tagVars = map[string]string{
	"DEN": "getden_path",
	"WFK": "getwfk_path",
	"SCR": "getscr_path",
	"QPS": "getqps_path",
}

// Dep is an immutable dependency descriptor: a producing task, its
// registration id and the set of requested output-artifact tags.
type Dep struct {
	task *Task
	id   int
	tags []string
}

// NewDep builds a descriptor for task with registration id and requested tags.
func NewDep(task *Task, id int, tags ...string) Dep {
	return Dep{task: task, id: id, tags: append([]string(nil), tags...)}
}

func (d Dep) Task() *Task { return d.task }

// ID is the 1-based registration index of the producing task.
func (d Dep) ID() int { return d.id }

func (d Dep) Tags() []string { return append([]string(nil), d.tags...) }

// WithOutputData returns a new descriptor for the same producing task with
// the given requested tags. The previous tag set is replaced, not merged.
func (d Dep) WithOutputData(tags ...string) Dep {
	return NewDep(d.task, d.id, tags...)
}

// Resolve maps every requested tag to its input variable and the producing
// task's artifact path. Requesting a tag with no table entry fails with
// ErrUnknownTag.
func (d Dep) Resolve() (map[string]string, error) {
	vars := make(map[string]string, len(d.tags))
	for _, tag := range d.tags {
		varname, ok := tagVars[tag]
		if !ok {
			return nil, fmt.Errorf("resolve dependency on task %d: tag %q: %w", d.id, tag, ErrUnknownTag)
		}
		vars[varname] = d.task.OdataPath(tag)
	}
	return vars, nil
}
