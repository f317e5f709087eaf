// Package input supplies the default collaborators the engine consumes
// through narrow interfaces: a variable deck implementing flow.Input, the
// output completeness probe, the error/warning/comment extractor and the
// job-script generator.
package input

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bo-li/abiflow/internal/flow"
)

// Deck is an ordered variable deck serialized as "name value" lines, the
// input format consumed by the external program. Insertion order is
// preserved; dependency-resolved path variables are appended in sorted order.
type Deck struct {
	keys  []string
	vals  map[string]string
	extra []string
}

func NewDeck() *Deck {
	return &Deck{vals: make(map[string]string)}
}

// Set assigns a variable. Values are rendered with fmt.Sprint, so numbers
// and slices of numbers serialize naturally.
func (d *Deck) Set(name string, value interface{}) *Deck {
	if _, ok := d.vals[name]; !ok {
		d.keys = append(d.keys, name)
	}
	switch v := value.(type) {
	case string:
		d.vals[name] = v
	case []int:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = fmt.Sprint(n)
		}
		d.vals[name] = strings.Join(parts, " ")
	case []float64:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = fmt.Sprint(n)
		}
		d.vals[name] = strings.Join(parts, " ")
	default:
		d.vals[name] = fmt.Sprint(v)
	}
	return d
}

// Get returns the rendered value of a variable.
func (d *Deck) Get(name string) (string, bool) {
	v, ok := d.vals[name]
	return v, ok
}

// AddFile appends an extra file path (a pseudopotential, typically) to be
// listed in the run.files body after the standard entries.
func (d *Deck) AddFile(path string) *Deck {
	d.extra = append(d.extra, path)
	return d
}

// Files implements flow.FileProvider.
func (d *Deck) Files() []string {
	return append([]string(nil), d.extra...)
}

// Copy implements flow.Input.
func (d *Deck) Copy() flow.Input {
	cp := NewDeck()
	cp.keys = append([]string(nil), d.keys...)
	for k, v := range d.vals {
		cp.vals[k] = v
	}
	cp.extra = append([]string(nil), d.extra...)
	return cp
}

// Text implements flow.Input.
func (d *Deck) Text() string {
	var b strings.Builder
	for _, k := range d.keys {
		fmt.Fprintf(&b, "%s %s\n", k, d.vals[k])
	}
	return b.String()
}

// WithVars implements flow.Input: a copy augmented with the given
// variable -> path bindings, appended in sorted key order for deterministic
// serialization.
func (d *Deck) WithVars(vars map[string]string) flow.Input {
	cp := d.Copy().(*Deck)
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cp.Set(k, vars[k])
	}
	return cp
}
