package flow

import "os"

// Status classifies a Task's progress. It is never persisted: every value is
// derived on demand from the filesystem state of the task directory.
type Status int

const (
	StatusUnstarted Status = iota
	StatusRunning
	StatusCompleted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusUnstarted:
		return "unstarted"
	case StatusRunning:
		return "running"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Rank is the severity used to aggregate statuses across tasks. The table is
// fixed: completed=1 < unstarted=2 < running=4 < error=8. Note that it does
// not follow evaluation order; unstarted ranks below running even though it
// is the evaluation fallback.
func (s Status) Rank() int {
	switch s {
	case StatusCompleted:
		return 1
	case StatusUnstarted:
		return 2
	case StatusRunning:
		return 4
	case StatusError:
		return 8
	default:
		return 0
	}
}

// MaxStatus returns the status with the highest severity rank.
func MaxStatus(statuses []Status) Status {
	highest := StatusCompleted
	for i, s := range statuses {
		if i == 0 || s.Rank() > highest.Rank() {
			highest = s
		}
	}
	return highest
}

// EWC holds the error, warning and comment messages extracted from an output
// or log file by the injected ParseEWC probe.
type EWC struct {
	Errors   []string
	Warnings []string
	Comments []string
}

// Status derives a fresh classification of the task:
//
//  1. output passes the completeness probe -> completed
//  2. else, if both output and log exist, inspect both for error messages:
//     any error -> error, otherwise running. A non-empty stderr file forces
//     error, but never overrides completed from step 1.
//  3. else -> unstarted.
func (t *Task) Status() Status {
	if t.IsComplete() {
		return StatusCompleted
	}

	if t.outputFile.Exists() && t.logFile.Exists() {
		status := StatusRunning
		main, _ := t.opts.Probes.ParseEWC(t.outputFile.Path())
		logEWC, _ := t.opts.Probes.ParseEWC(t.logFile.Path())
		if len(main.Errors) > 0 || len(logEWC.Errors) > 0 {
			status = StatusError
		}
		if info, err := os.Stat(t.stderrFile.Path()); err == nil && info.Size() > 0 {
			status = StatusError
		}
		return status
	}

	return StatusUnstarted
}
