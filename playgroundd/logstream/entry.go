// Package logstream turns the raw, interleaved output of a playground
// execution into a structured, step-indexed progress model. Input lines are
// partially structured (STEP_LOG / STEP_PROGRESS markers with JSON payloads)
// and partially freeform Python output; the classifier maps every line onto
// at most one entry and the step machine folds entries into per-step state.
package logstream

import "time"

// Level of a log entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
	LevelDebug   Level = "debug"
)

// Source records which classifier rule produced an entry.
type Source string

const (
	SourceStep     Source = "step"
	SourceProgress Source = "progress"
	SourcePython   Source = "python"
	SourceSystem   Source = "system"
)

// StepSystem is the fallback attribution for lines no step vocabulary
// matches, and the forced attribution for Python fatal errors.
const StepSystem = "system"

// Steps are the five canonical phases of a standard run, in pipeline order.
// Order matters for current-step inference; any step may be skipped or
// revisited in the input.
var Steps = []string{"dataset", "problem", "optimizer", "execution", "results"}

// LogEntry is one classified line of raw output.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Step      string    `json:"step"`
	Source    Source    `json:"source"`
	Progress  *float64  `json:"progress,omitempty"`
}

// StepStatus of one canonical step within one execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
)

// StepState accumulates everything attributed to one step. Completed and
// error are terminal: later entries still append to Logs but never move the
// status back to pending or running.
type StepState struct {
	Status    StepStatus `json:"status"`
	Progress  float64    `json:"progress"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Logs      []LogEntry `json:"logs"`
	Errors    []string   `json:"errors"`
}

// Summary is the point-in-time rollup of an execution. Counts and overall
// progress cover the five canonical steps; the aggregate status also
// reflects errors attributed to the system step.
type Summary struct {
	TotalSteps      int        `json:"total_steps"`
	PendingSteps    int        `json:"pending_steps"`
	RunningSteps    int        `json:"running_steps"`
	CompletedSteps  int        `json:"completed_steps"`
	ErrorSteps      int        `json:"error_steps"`
	OverallProgress float64    `json:"overall_progress"`
	Status          StepStatus `json:"status"`
	CurrentStep     string     `json:"current_step,omitempty"`
}

// Snapshot is the client-ready view broadcast to subscribers: the most
// recent window of logs, the full step states and the summary.
type Snapshot struct {
	ExecutionID string               `json:"execution_id"`
	Logs        []LogEntry           `json:"logs"`
	StepStates  map[string]StepState `json:"step_states"`
	Summary     Summary              `json:"summary"`
	Timestamp   time.Time            `json:"timestamp"`
}
