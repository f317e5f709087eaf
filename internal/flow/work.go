package flow

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// reportBasename is the plain-text aggregate report written under the work
// directory, readable by downstream tooling.
const reportBasename = "data.txt"

// RunRecord is the ledger entry for one completed task run.
type RunRecord struct {
	Workdir    string
	ExitCode   int
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder persists run records. A nil recorder disables persistence.
type Recorder interface {
	Record(RunRecord) error
}

// Work is an ordered collection of tasks sharing a working directory and a
// configuration blob. Registration order is permanent and is the order used
// for sequential execution.
//
// Dependency descriptors passed to Register are resolved into input variable
// paths and then recorded per task index for introspection only; they are
// never consulted to order or gate execution. Callers must register tasks in
// an order consistent with their true dependencies.
type Work struct {
	workdir string
	opts    Options

	tasks   []*Task
	deps    map[int][]Dep
	metrics Metrics

	recorder Recorder
}

// NewWork creates a Work rooted at workdir. opts may be nil.
func NewWork(workdir string, opts *Options) (*Work, error) {
	abs, err := filepath.Abs(workdir)
	if err != nil {
		return nil, fmt.Errorf("work workdir %s: %w", workdir, err)
	}
	return &Work{
		workdir: abs,
		opts:    opts.withDefaults(),
		deps:    make(map[int][]Dep),
	}, nil
}

func (w *Work) Workdir() string { return w.workdir }

func (w *Work) Len() int { return len(w.tasks) }

// Tasks returns the tasks in registration order.
func (w *Work) Tasks() []*Task { return append([]*Task(nil), w.tasks...) }

// Task returns the task with the given 1-based registration id.
func (w *Work) Task(id int) (*Task, error) {
	if id < 1 || id > len(w.tasks) {
		return nil, fmt.Errorf("work %s: no task %d (have %d)", w.workdir, id, len(w.tasks))
	}
	return w.tasks[id-1], nil
}

// Deps returns the dependency descriptors recorded at registration time for
// the given task id. Bookkeeping only.
func (w *Work) Deps(id int) []Dep { return append([]Dep(nil), w.deps[id]...) }

// SetRecorder attaches a run-record sink consulted after every task run.
func (w *Work) SetRecorder(r Recorder) { w.recorder = r }

// Metrics exposes run counters for this work.
func (w *Work) Metrics() *Metrics { return &w.metrics }

// PathInWorkdir resolves filename inside the work directory.
func (w *Work) PathInWorkdir(filename string) string {
	return filepath.Join(w.workdir, filename)
}

// Register allocates the next sequential index, creates a task in the
// task_<index> subdirectory and appends it. The variable paths resolved from
// every supplied descriptor are merged into the task input; on key collision
// the later descriptor silently wins (the defined merge order). The returned
// descriptor is bound to the new task with an empty tag set, ready for
// WithOutputData.
func (w *Work) Register(in Input, deps ...Dep) (Dep, error) {
	id := len(w.tasks) + 1
	taskDir := filepath.Join(w.workdir, "task_"+strconv.Itoa(id))

	var varpaths map[string]string
	if len(deps) > 0 {
		varpaths = make(map[string]string)
		for _, dep := range deps {
			vars, err := dep.Resolve()
			if err != nil {
				return Dep{}, fmt.Errorf("register task %d: %w", id, err)
			}
			for k, v := range vars {
				varpaths[k] = v
			}
		}
	}

	task, err := NewTask(in, taskDir, &w.opts, varpaths)
	if err != nil {
		return Dep{}, fmt.Errorf("register task %d: %w", id, err)
	}

	w.tasks = append(w.tasks, task)
	w.deps[id] = append([]Dep(nil), deps...)

	return NewDep(task, id), nil
}

// Build ensures the work directory exists, then builds every task in
// registration order. Idempotent.
func (w *Work) Build() error {
	if err := os.MkdirAll(w.workdir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", w.workdir, err)
	}
	for i, task := range w.tasks {
		if err := task.Build(); err != nil {
			return fmt.Errorf("build task %d: %w", i+1, err)
		}
	}
	return nil
}

// Run executes every task. With concurrency 1 the tasks run sequentially in
// registration order, each blocking until its process exits; the first
// launch failure aborts the loop. With concurrency > 1 a fixed pool of
// workers drains one FIFO queue of task-run requests and Run blocks until
// the queue is empty and all workers are idle; launch failures are collected
// and returned combined. Neither mode consults dependency edges.
func (w *Work) Run(concurrency int) error {
	if concurrency <= 1 {
		for i, task := range w.tasks {
			if err := w.runOne(task); err != nil {
				return fmt.Errorf("run task %d: %w", i+1, err)
			}
		}
		return nil
	}

	log.Debug().Int("workers", concurrency).Int("tasks", len(w.tasks)).Msg("starting worker pool")

	queue := make(chan *Task, len(w.tasks))
	for _, task := range w.tasks {
		queue <- task
	}
	close(queue)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				if err := w.runOne(task); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("work run: %d task(s) failed to launch: %v", len(errs), errs)
	}
	return nil
}

func (w *Work) runOne(task *Task) error {
	start := time.Now()
	code, err := task.Run()
	w.metrics.RecordRun(time.Since(start), err != nil || code != 0)
	if err != nil {
		return err
	}
	if w.recorder != nil {
		rec := RunRecord{
			Workdir:    task.Workdir(),
			ExitCode:   code,
			Status:     task.Status().String(),
			StartedAt:  start,
			FinishedAt: time.Now(),
		}
		if rerr := w.recorder.Record(rec); rerr != nil {
			log.Warn().Err(rerr).Str("task", task.Name()).Msg("record run")
		}
	}
	return nil
}

// Start acquires the work-level lock, runs the setup hook, executes all
// tasks with the configured concurrency and runs the teardown hook. The lock
// is released on every exit path.
func (w *Work) Start() error {
	lock := NewFileLock(w.PathInWorkdir(taskBasename.lock))
	if err := lock.Acquire(); err != nil {
		return fmt.Errorf("work %s: %w", w.workdir, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn().Err(err).Str("workdir", w.workdir).Msg("release work lock")
		}
	}()

	if w.opts.Setup != nil {
		if err := w.opts.Setup(w); err != nil {
			return fmt.Errorf("work setup: %w", err)
		}
	}
	if err := w.Run(w.opts.Concurrency); err != nil {
		return err
	}
	if w.opts.Teardown != nil {
		if err := w.opts.Teardown(w); err != nil {
			return fmt.Errorf("work teardown: %w", err)
		}
	}
	return nil
}

// Statuses derives every task's status in registration order.
func (w *Work) Statuses() []Status {
	statuses := make([]Status, len(w.tasks))
	for i, task := range w.tasks {
		statuses[i] = task.Status()
	}
	return statuses
}

// Status summarizes the work with the single highest-severity task status.
func (w *Work) Status() Status {
	return MaxStatus(w.Statuses())
}

// CollectResults extracts the named numeric value from each task's output
// artifact with extension ext. An unreadable or corrupt artifact degrades to
// +Inf for that task only; the returned slice is always aligned 1:1 with
// registration order.
func (w *Work) CollectResults(ext, key string) []float64 {
	values := make([]float64, len(w.tasks))
	for i, task := range w.tasks {
		v, err := ReadResult(task.OdataPath(ext), key)
		if err != nil {
			log.Debug().Err(err).Str("task", task.Name()).Msg("result unavailable")
			values[i] = math.Inf(1)
			continue
		}
		values[i] = v
	}
	return values
}

// ReadResult parses "key value" lines from a text artifact and returns the
// value for key. The last occurrence wins.
func ReadResult(path, key string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	found := false
	var value float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != key {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s in %s: %w", key, path, err)
		}
		value = v
		found = true
	}
	if !found {
		return 0, fmt.Errorf("%s: no %q entry", path, key)
	}
	return value, nil
}

// WriteReport collects the named result from every task and writes the
// plain-text aggregate report under the work directory. Unavailable entries
// are reported as +Inf, never aborting the batch.
func (w *Work) WriteReport(ext, key string) (string, error) {
	values := w.CollectResults(ext, key)
	statuses := w.Statuses()

	var b strings.Builder
	fmt.Fprintf(&b, "# task status %s\n", key)
	for i := range w.tasks {
		fmt.Fprintf(&b, "%d %s %g\n", i+1, statuses[i], values[i])
	}

	path := w.PathInWorkdir(reportBasename)
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("write report %s: %w", path, err)
	}
	return path, nil
}

// Destroy removes the whole work tree, tasks included. Best-effort unless
// configured strict.
func (w *Work) Destroy() error {
	if err := os.RemoveAll(w.workdir); err != nil {
		if w.opts.Strict {
			return fmt.Errorf("destroy %s: %w", w.workdir, err)
		}
		log.Warn().Err(err).Str("workdir", w.workdir).Msg("ignoring destroy error")
	}
	return nil
}

// Encode would serialize the work to a storable form. Not supported.
func (w *Work) Encode() ([]byte, error) {
	return nil, fmt.Errorf("encode work: %w", ErrNotImplemented)
}
