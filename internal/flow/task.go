package flow

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrNotImplemented marks operations the engine deliberately refuses to
// perform (storable serialization, run-time resource hints).
var ErrNotImplemented = errors.New("flow: not implemented")

// ExitUnknown is reported by ExitCode before the first completed Run.
const ExitUnknown = 666

// Fixed prefixes and basenames for the generated files. These must never
// change: existing job directories are only interoperable by name.
type prefixSet struct {
	idata string
	odata string
	tdata string
}

type basenameSet struct {
	input  string
	output string
	files  string
	log    string
	stderr string
	job    string
	lock   string
}

var (
	taskPrefix = prefixSet{
		idata: "in",
		odata: filepath.Join("output", "out"),
		tdata: filepath.Join("temporary", "tmp"),
	}
	taskBasename = basenameSet{
		input:  "run.input",
		output: filepath.Join("output", "out"),
		files:  "run.files",
		log:    "log",
		stderr: "stderr",
		job:    "job.sh",
		lock:   "__lock__",
	}
)

// Input is the narrow capability interface the engine requires of a job
// input object. Concrete scientific input types implement it.
type Input interface {
	// Copy returns an independent copy.
	Copy() Input
	// Text serializes the input to the format the external program reads.
	Text() string
	// WithVars returns a copy augmented with extra variable -> file-path
	// bindings (typically resolved from dependency descriptors).
	WithVars(vars map[string]string) Input
}

// FileProvider is optionally implemented by inputs that require extra files
// (pseudopotentials and the like) to be listed in run.files.
type FileProvider interface {
	Files() []string
}

// Task is one external-process job bound to a working directory, an owned
// input copy and a fixed set of generated files. Input and file layout are
// immutable after construction; only the recorded exit code and the derived
// Status change over the task's life.
type Task struct {
	workdir string
	input   Input
	opts    Options

	inputFile  File
	outputFile File
	filesFile  File
	logFile    File
	stderrFile File
	jobFile    File

	mu       sync.Mutex
	exitCode int
	ran      bool
}

// NewTask builds a Task rooted at workdir. varpaths, when non-nil, is merged
// into the owned input copy before it is stored.
func NewTask(in Input, workdir string, opts *Options, varpaths map[string]string) (*Task, error) {
	if in == nil {
		return nil, fmt.Errorf("task %s: nil input", workdir)
	}
	abs, err := filepath.Abs(workdir)
	if err != nil {
		return nil, fmt.Errorf("task workdir %s: %w", workdir, err)
	}

	owned := in.Copy()
	if len(varpaths) > 0 {
		owned = owned.WithVars(varpaths)
	}

	t := &Task{
		workdir:    abs,
		input:      owned,
		opts:       opts.withDefaults(),
		inputFile:  NewFile(taskBasename.input, abs),
		outputFile: NewFile(taskBasename.output, abs),
		filesFile:  NewFile(taskBasename.files, abs),
		logFile:    NewFile(taskBasename.log, abs),
		stderrFile: NewFile(taskBasename.stderr, abs),
		jobFile:    NewFile(taskBasename.job, abs),
	}
	return t, nil
}

func (t *Task) Workdir() string { return t.workdir }

// Name identifies the task in logs and reports.
func (t *Task) Name() string { return filepath.Base(t.workdir) }

func (t *Task) Input() Input { return t.input }

func (t *Task) InputFile() File  { return t.inputFile }
func (t *Task) OutputFile() File { return t.outputFile }
func (t *Task) FilesFile() File  { return t.filesFile }
func (t *Task) LogFile() File    { return t.logFile }
func (t *Task) StderrFile() File { return t.stderrFile }
func (t *Task) JobFile() File    { return t.jobFile }

// PathInWorkdir resolves filename inside the working directory.
func (t *Task) PathInWorkdir(filename string) string {
	return filepath.Join(t.workdir, filename)
}

func (t *Task) outFilesDir() string { return filepath.Dir(filepath.Join(t.workdir, taskPrefix.odata)) }
func (t *Task) tmpFilesDir() string { return filepath.Dir(filepath.Join(t.workdir, taskPrefix.tdata)) }

// OdataPath returns the path of the output artifact with extension ext.
// A leading underscore is prepended when missing, so OdataPath("GSR") and
// OdataPath("_GSR") resolve identically.
func (t *Task) OdataPath(ext string) string {
	if !strings.HasPrefix(ext, "_") {
		ext = "_" + ext
	}
	return filepath.Join(t.workdir, taskPrefix.odata+ext)
}

// OutFiles lists the output artifacts produced so far: a directory scan for
// the output prefix, not a manifest. Missing directory yields an empty list.
func (t *Task) OutFiles() []string {
	return scanPrefix(t.outFilesDir(), filepath.Base(taskPrefix.odata))
}

// TmpFiles lists the temporary files produced so far.
func (t *Task) TmpFiles() []string {
	return scanPrefix(t.tmpFilesDir(), filepath.Base(taskPrefix.tdata))
}

func scanPrefix(dir, prefix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files
}

// filesText renders the run.files body: input path, output path, the three
// data prefixes, then any extra files the input requires.
func (t *Task) filesText() string {
	lines := []string{
		t.inputFile.Path(),
		t.outputFile.Path(),
		filepath.Join(t.workdir, taskPrefix.idata),
		filepath.Join(t.workdir, taskPrefix.odata),
		filepath.Join(t.workdir, taskPrefix.tdata),
	}
	if fp, ok := t.input.(FileProvider); ok {
		lines = append(lines, fp.Files()...)
	}
	return strings.Join(lines, "\n")
}

// Build creates the working directory tree and writes the input file, the
// files list and the job script. Existing files are never overwritten, so
// Build is safe to call repeatedly.
func (t *Task) Build() error {
	for _, dir := range []string{t.workdir, t.outFilesDir(), t.tmpFilesDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if !t.inputFile.Exists() {
		if err := t.inputFile.Write(t.input.Text()); err != nil {
			return err
		}
	}
	if !t.filesFile.Exists() {
		if err := t.filesFile.Write(t.filesText()); err != nil {
			return err
		}
	}
	if !t.jobFile.Exists() {
		script := t.opts.Script(ScriptSpec{
			Shell:      t.opts.Shell,
			Executable: t.opts.Executable,
			FilesPath:  t.filesFile.Path(),
			LogPath:    t.logFile.Path(),
			StderrPath: t.stderrFile.Path(),
			Env:        t.opts.Env,
		})
		if err := os.WriteFile(t.jobFile.Path(), []byte(script), 0755); err != nil {
			return fmt.Errorf("write %s: %w", t.jobFile.Path(), err)
		}
	}
	return nil
}

// IsComplete delegates to the external completeness probe over the output file.
func (t *Task) IsComplete() bool {
	return t.opts.Probes.IsComplete(t.outputFile.Path())
}

// ReadEWC extracts errors, warnings and comments from the main output and
// the log file.
func (t *Task) ReadEWC() (main EWC, logEWC EWC, err error) {
	main, err = t.opts.Probes.ParseEWC(t.outputFile.Path())
	if err != nil {
		return main, logEWC, fmt.Errorf("parse %s: %w", t.outputFile.Path(), err)
	}
	logEWC, err = t.opts.Probes.ParseEWC(t.logFile.Path())
	if err != nil {
		return main, logEWC, fmt.Errorf("parse %s: %w", t.logFile.Path(), err)
	}
	return main, logEWC, nil
}

// Run executes the job script with the working directory as cwd and records
// the exit code. The task lock is held for the whole invocation and released
// on every exit path; concurrent Run calls on the same task fail with
// ErrLockHeld. The teardown hook runs only after a zero exit code.
func (t *Task) Run() (int, error) {
	lock := NewFileLock(t.PathInWorkdir(taskBasename.lock))
	if err := lock.Acquire(); err != nil {
		return ExitUnknown, fmt.Errorf("task %s: %w", t.Name(), err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn().Err(err).Str("task", t.Name()).Msg("release task lock")
		}
	}()

	if t.opts.TaskSetup != nil {
		if err := t.opts.TaskSetup(t); err != nil {
			return ExitUnknown, fmt.Errorf("task %s setup: %w", t.Name(), err)
		}
	}

	log.Debug().Str("task", t.Name()).Str("workdir", t.workdir).Msg("running job script")

	cmd := exec.Command(t.opts.Shell, t.jobFile.Path())
	cmd.Dir = t.workdir
	cmd.Env = append(os.Environ(), envPairs(t.opts.Env)...)

	code := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return ExitUnknown, fmt.Errorf("task %s: launch job script: %w", t.Name(), err)
		}
		code = exitErr.ExitCode()
	}

	t.mu.Lock()
	t.exitCode = code
	t.ran = true
	t.mu.Unlock()

	log.Info().Str("task", t.Name()).Int("exit_code", code).Msg("job finished")

	if code == 0 && t.opts.TaskTeardown != nil {
		if err := t.opts.TaskTeardown(t); err != nil {
			return code, fmt.Errorf("task %s teardown: %w", t.Name(), err)
		}
	}
	return code, nil
}

// ExitCode returns the recorded exit code of the last Run, or ExitUnknown if
// the task has not been run by this process.
func (t *Task) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ran {
		return ExitUnknown
	}
	return t.exitCode
}

// Destroy removes the working-directory tree. Removal errors are ignored
// unless the task was configured strict.
func (t *Task) Destroy() error {
	if err := os.RemoveAll(t.workdir); err != nil {
		if t.opts.Strict {
			return fmt.Errorf("destroy %s: %w", t.workdir, err)
		}
		log.Warn().Err(err).Str("workdir", t.workdir).Msg("ignoring destroy error")
	}
	return nil
}

// Encode would serialize the task to a storable form. Not supported.
func (t *Task) Encode() ([]byte, error) {
	return nil, fmt.Errorf("encode task: %w", ErrNotImplemented)
}

// RunHints would estimate parallelism and memory for the job. Not supported.
type RunHints struct {
	MPIProcs   int
	OMPThreads int
	MemoryGB   float64
}

// Hints is not supported; callers must size jobs themselves.
func (t *Task) Hints(maxProcs int) (RunHints, error) {
	return RunHints{}, fmt.Errorf("run hints: %w", ErrNotImplemented)
}

func envPairs(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}
