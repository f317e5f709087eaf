package api

// Public snapshot types for status and result reporting.

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunUnstarted RunStatus = "unstarted"
	RunRunning   RunStatus = "running"
	RunError     RunStatus = "error"
)

type TaskReport struct {
	ID       int       `json:"id" yaml:"id"`
	Workdir  string    `json:"workdir" yaml:"workdir"`
	Status   RunStatus `json:"status" yaml:"status"`
	ExitCode int       `json:"exit_code" yaml:"exit_code"`
	OutFiles []string  `json:"out_files,omitempty" yaml:"out_files,omitempty"`
}

type WorkReport struct {
	Workdir string       `json:"workdir" yaml:"workdir"`
	Overall RunStatus    `json:"overall" yaml:"overall"`
	Tasks   []TaskReport `json:"tasks" yaml:"tasks"`
}
