package flow

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestWork(t *testing.T, opts *Options) *Work {
	t.Helper()
	work, err := NewWork(filepath.Join(t.TempDir(), "w"), opts)
	if err != nil {
		t.Fatalf("new work: %v", err)
	}
	return work
}

func TestWorkRegisterAllocatesSequentialDirs(t *testing.T) {
	work := newTestWork(t, nil)
	for i := 0; i < 3; i++ {
		dep, err := work.Register(newFakeInput(nil))
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if dep.ID() != i+1 {
			t.Errorf("dep id = %d, want %d", dep.ID(), i+1)
		}
	}
	if work.Len() != 3 {
		t.Fatalf("len = %d, want 3", work.Len())
	}
	for i, task := range work.Tasks() {
		want := filepath.Join(work.Workdir(), "task_"+strconv.Itoa(i+1))
		if task.Workdir() != want {
			t.Errorf("task %d workdir = %s, want %s", i+1, task.Workdir(), want)
		}
	}
}

func TestWorkRegisterMergesVarpathsLaterWins(t *testing.T) {
	work := newTestWork(t, nil)
	depA, err := work.Register(newFakeInput(nil))
	if err != nil {
		t.Fatalf("register A: %v", err)
	}
	depB, err := work.Register(newFakeInput(nil))
	if err != nil {
		t.Fatalf("register B: %v", err)
	}

	// Both descriptors bind getden_path; the later one must win.
	_, err = work.Register(newFakeInput(nil), depA.WithOutputData("DEN"), depB.WithOutputData("DEN"))
	if err != nil {
		t.Fatalf("register C: %v", err)
	}
	taskC, err := work.Task(3)
	if err != nil {
		t.Fatalf("task 3: %v", err)
	}
	text := taskC.Input().Text()
	taskB, _ := work.Task(2)
	if !strings.Contains(text, "getden_path "+taskB.OdataPath("DEN")) {
		t.Errorf("expected later descriptor's path in input:\n%s", text)
	}
	taskA, _ := work.Task(1)
	if strings.Contains(text, taskA.OdataPath("DEN")) {
		t.Errorf("earlier descriptor's path leaked into input:\n%s", text)
	}
}

func TestWorkRegisterUnknownTagFails(t *testing.T) {
	work := newTestWork(t, nil)
	dep, err := work.Register(newFakeInput(nil))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := work.Register(newFakeInput(nil), dep.WithOutputData("POT")); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestWorkTaskBounds(t *testing.T) {
	work := newTestWork(t, nil)
	if _, err := work.Register(newFakeInput(nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := work.Task(1); err != nil {
		t.Errorf("task 1: %v", err)
	}
	for _, id := range []int{0, 2, -1} {
		if _, err := work.Task(id); err == nil {
			t.Errorf("expected error for task id %d", id)
		}
	}
}

func TestWorkRunSequentialOrder(t *testing.T) {
	trace := filepath.Join(t.TempDir(), "trace")
	opts := &Options{Script: scriptConst(`basename "$PWD" >> ` + trace)}
	work := newTestWork(t, opts)
	for i := 0; i < 3; i++ {
		if _, err := work.Register(newFakeInput(nil)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := work.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := work.Run(1); err != nil {
		t.Fatalf("run: %v", err)
	}
	data, err := os.ReadFile(trace)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	want := "task_1\ntask_2\ntask_3\n"
	if string(data) != want {
		t.Errorf("sequential order = %q, want %q", data, want)
	}
}

func TestWorkRunSequentialAbortsOnLaunchFailure(t *testing.T) {
	work := newTestWork(t, nil)
	for i := 0; i < 2; i++ {
		if _, err := work.Register(newFakeInput(nil)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	// No Build: the job scripts do not exist, so the first launch fails and
	// the loop aborts before task 2.
	err := work.Run(1)
	if err == nil {
		t.Fatalf("expected launch failure")
	}
	if !strings.Contains(err.Error(), "run task 1") {
		t.Errorf("expected abort at task 1, got %v", err)
	}
}

func TestWorkRunPoolDrainsQueue(t *testing.T) {
	opts := &Options{Script: scriptConst("echo done > marker")}
	work := newTestWork(t, opts)
	const n = 5
	for i := 0; i < n; i++ {
		if _, err := work.Register(newFakeInput(nil)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := work.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := work.Run(3); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, task := range work.Tasks() {
		if _, err := os.Stat(task.PathInWorkdir("marker")); err != nil {
			t.Errorf("task %s did not run: %v", task.Name(), err)
		}
	}
}

func TestWorkRunPoolCollectsLaunchFailures(t *testing.T) {
	work := newTestWork(t, nil)
	for i := 0; i < 3; i++ {
		if _, err := work.Register(newFakeInput(nil)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	// No Build: every launch fails; the pool keeps draining and the combined
	// error reports every failure.
	err := work.Run(2)
	if err == nil {
		t.Fatalf("expected combined launch failure")
	}
	if !strings.Contains(err.Error(), "3 task(s) failed to launch") {
		t.Errorf("expected 3 collected failures, got %v", err)
	}
}

func TestWorkStartLockAndHooks(t *testing.T) {
	var order []string
	opts := &Options{
		Script:   scriptConst("exit 0"),
		Setup:    func(*Work) error { order = append(order, "setup"); return nil },
		Teardown: func(*Work) error { order = append(order, "teardown"); return nil },
	}
	work := newTestWork(t, opts)
	if _, err := work.Register(newFakeInput(nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := work.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := work.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(order) != 2 || order[0] != "setup" || order[1] != "teardown" {
		t.Errorf("unexpected hook order: %v", order)
	}
	if _, err := os.Stat(work.PathInWorkdir("__lock__")); !os.IsNotExist(err) {
		t.Errorf("expected work lock released, stat err = %v", err)
	}
}

func TestWorkStartHeldLock(t *testing.T) {
	work := newTestWork(t, &Options{Script: scriptConst("exit 0")})
	if _, err := work.Register(newFakeInput(nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := work.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
	lock := NewFileLock(work.PathInWorkdir("__lock__"))
	if err := lock.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	if err := work.Start(); !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld, got %v", err)
	}
}

type memRecorder struct {
	mu      sync.Mutex
	records []RunRecord
}

func (m *memRecorder) Record(r RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func TestWorkRecorderAndMetrics(t *testing.T) {
	opts := &Options{Script: scriptConst("exit 0")}
	work := newTestWork(t, opts)
	for i := 0; i < 2; i++ {
		if _, err := work.Register(newFakeInput(nil)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	rec := &memRecorder{}
	work.SetRecorder(rec)
	if err := work.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := work.Run(1); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(rec.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(rec.records))
	}
	for _, r := range rec.records {
		if r.ExitCode != 0 {
			t.Errorf("record exit code = %d, want 0", r.ExitCode)
		}
		if r.FinishedAt.Before(r.StartedAt) {
			t.Errorf("record finished before it started: %+v", r)
		}
	}

	runs, failures, elapsed := work.Metrics().Stats()
	if runs != 2 || failures != 0 {
		t.Errorf("metrics = %d runs, %d failures; want 2, 0", runs, failures)
	}
	if elapsed <= 0 {
		t.Errorf("elapsed = %s, want > 0", elapsed)
	}
}

func TestMetricsCountsFailures(t *testing.T) {
	var m Metrics
	m.RecordRun(10*time.Millisecond, false)
	m.RecordRun(20*time.Millisecond, true)
	runs, failures, elapsed := m.Stats()
	if runs != 2 || failures != 1 {
		t.Errorf("stats = %d runs, %d failures; want 2, 1", runs, failures)
	}
	if elapsed != 30*time.Millisecond {
		t.Errorf("elapsed = %s, want 30ms", elapsed)
	}
}

func TestWorkCollectResults(t *testing.T) {
	work := newTestWork(t, nil)
	for i := 0; i < 3; i++ {
		if _, err := work.Register(newFakeInput(nil)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := work.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}

	writeArtifact := func(id int, body string) {
		task, err := work.Task(id)
		if err != nil {
			t.Fatalf("task %d: %v", id, err)
		}
		if err := os.WriteFile(task.OdataPath("GSR"), []byte(body), 0644); err != nil {
			t.Fatalf("write artifact %d: %v", id, err)
		}
	}
	writeArtifact(1, "etotal -241.5\n")
	// Task 2 has no artifact at all.
	writeArtifact(3, "etotal garbage\n")

	values := work.CollectResults("GSR", "etotal")
	if len(values) != 3 {
		t.Fatalf("expected 3 values, got %v", values)
	}
	if values[0] != -241.5 {
		t.Errorf("values[0] = %g, want -241.5", values[0])
	}
	if !math.IsInf(values[1], 1) {
		t.Errorf("values[1] = %g, want +Inf for missing artifact", values[1])
	}
	if !math.IsInf(values[2], 1) {
		t.Errorf("values[2] = %g, want +Inf for corrupt artifact", values[2])
	}
}

func TestReadResultLastOccurrenceWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out_GSR")
	body := "etotal -1.0\nfermie 0.3\netotal -2.5\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	v, err := ReadResult(path, "etotal")
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if v != -2.5 {
		t.Errorf("value = %g, want -2.5 (last occurrence)", v)
	}
	if _, err := ReadResult(path, "missing"); err == nil {
		t.Errorf("expected error for absent key")
	}
}

func TestWorkWriteReport(t *testing.T) {
	work := newTestWork(t, nil)
	if _, err := work.Register(newFakeInput(nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := work.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
	task, _ := work.Task(1)
	if err := os.WriteFile(task.OdataPath("GSR"), []byte("etotal -5\n"), 0644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	path, err := work.WriteReport("GSR", "etotal")
	if err != nil {
		t.Fatalf("write report: %v", err)
	}
	if filepath.Base(path) != "data.txt" {
		t.Errorf("report path = %s, want data.txt basename", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(data), "1 unstarted -5") {
		t.Errorf("unexpected report body:\n%s", data)
	}
}

func TestWorkStatusAggregates(t *testing.T) {
	work := newTestWork(t, &Options{Probes: statusProbes()})
	for i := 0; i < 2; i++ {
		if _, err := work.Register(newFakeInput(nil)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := work.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
	task, _ := work.Task(1)
	if err := os.WriteFile(task.OutputFile().Path(), []byte("DONE\n"), 0644); err != nil {
		t.Fatalf("write output: %v", err)
	}

	statuses := work.Statuses()
	if statuses[0] != StatusCompleted || statuses[1] != StatusUnstarted {
		t.Fatalf("statuses = %v", statuses)
	}
	// unstarted (rank 2) outranks completed (rank 1).
	if got := work.Status(); got != StatusUnstarted {
		t.Errorf("aggregate status = %s, want unstarted", got)
	}
}

func TestWorkDestroy(t *testing.T) {
	work := newTestWork(t, nil)
	if _, err := work.Register(newFakeInput(nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := work.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := work.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(work.Workdir()); !os.IsNotExist(err) {
		t.Errorf("expected work tree removed, stat err = %v", err)
	}
}

func TestWorkEncodeNotImplemented(t *testing.T) {
	work := newTestWork(t, nil)
	if _, err := work.Encode(); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("Encode: expected ErrNotImplemented, got %v", err)
	}
}
