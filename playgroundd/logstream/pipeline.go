package logstream

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// execution is the per-id accumulator. Guarded by its own mutex so distinct
// executions ingest fully in parallel.
type execution struct {
	mu      sync.Mutex
	logs    []LogEntry
	steps   map[string]*StepState
	current string
}

// Pipeline owns all per-execution log state. Ingest, Snapshot and Dispose
// are safe for concurrent use across ids; updates within one id are
// serialized.
type Pipeline struct {
	mu         sync.RWMutex
	executions map[string]*execution

	window int
	logger *slog.Logger
	now    func() time.Time
}

// IngestResult is what one Ingest call produced and observed.
type IngestResult struct {
	NewEntries []LogEntry           `json:"new_entries"`
	StepStates map[string]StepState `json:"step_states"`
	Summary    Summary              `json:"summary"`
}

func NewPipeline(window int, logger *slog.Logger) *Pipeline {
	if window < 1 {
		window = 100
	}
	return &Pipeline{
		executions: make(map[string]*execution),
		window:     window,
		logger:     logger.With("component", "log-pipeline"),
		now:        time.Now,
	}
}

func (p *Pipeline) get(executionID string) *execution {
	p.mu.Lock()
	defer p.mu.Unlock()
	ex, ok := p.executions[executionID]
	if !ok {
		ex = &execution{steps: make(map[string]*StepState)}
		for _, name := range Steps {
			ex.steps[name] = &StepState{Status: StepPending}
		}
		p.executions[executionID] = ex
	}
	return ex
}

// Ingest classifies every non-blank line of raw output, folds the resulting
// entries into the step states, and returns what changed. Malformed
// structured markers degrade or drop per line; they never abort the rest of
// the stream.
func (p *Pipeline) Ingest(executionID, rawText string) IngestResult {
	ex := p.get(executionID)
	now := p.now()

	ex.mu.Lock()
	defer ex.mu.Unlock()

	newEntries := []LogEntry{}
	for _, line := range strings.Split(rawText, "\n") {
		entry, ok := classifyLine(line, now)
		if !ok {
			continue
		}
		ex.apply(entry)
		newEntries = append(newEntries, entry)
	}

	p.logger.Debug("Ingested raw output", "executionID", executionID, "entries", len(newEntries))
	return IngestResult{
		NewEntries: newEntries,
		StepStates: ex.copyStates(),
		Summary:    ex.summary(),
	}
}

// Snapshot returns the client-ready view for an execution: the execution
// id, the most recent window of logs, the full step states and the summary.
// Returns false for an unknown id.
func (p *Pipeline) Snapshot(executionID string) (Snapshot, bool) {
	p.mu.RLock()
	ex, ok := p.executions[executionID]
	p.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	logs := ex.logs
	if len(logs) > p.window {
		logs = logs[len(logs)-p.window:]
	}
	out := make([]LogEntry, len(logs))
	copy(out, logs)

	return Snapshot{
		ExecutionID: executionID,
		Logs:        out,
		StepStates:  ex.copyStates(),
		Summary:     ex.summary(),
		Timestamp:   p.now(),
	}, true
}

// Dispose drops all state for an execution. Call once a consumer has
// durably recorded the final result.
func (p *Pipeline) Dispose(executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.executions, executionID)
}

// apply folds one entry into the step machine. Called with ex.mu held.
func (ex *execution) apply(entry LogEntry) {
	st, ok := ex.steps[entry.Step]
	if !ok {
		// The system pseudo-step is tracked lazily; canonical steps are
		// always present.
		st = &StepState{Status: StepPending}
		ex.steps[entry.Step] = st
	}

	switch {
	case entry.Level == LevelError:
		// Errors force the step into its terminal error state even past
		// completed; only regression to pending/running is forbidden.
		if st.Status != StepError {
			st.Status = StepError
			if st.EndTime == nil {
				t := entry.Timestamp
				st.EndTime = &t
			}
		}
		st.Errors = append(st.Errors, entry.Message)

	case st.Status == StepCompleted || st.Status == StepError:
		// Terminal; the entry still lands in Logs below.

	case entry.Progress != nil:
		if st.Status == StepPending {
			ex.markRunning(entry.Step, st, entry.Timestamp)
		}
		// Progress never regresses while running; out-of-order markers with
		// a lower value are ignored.
		if *entry.Progress > st.Progress {
			st.Progress = *entry.Progress
		}
		if st.Progress >= 100 {
			st.Status = StepCompleted
			st.Progress = 100
			t := entry.Timestamp
			st.EndTime = &t
		}

	case messageSignalsSuccess(entry.Message):
		if st.StartTime == nil {
			t := entry.Timestamp
			st.StartTime = &t
		}
		st.Status = StepCompleted
		st.Progress = 100
		t := entry.Timestamp
		st.EndTime = &t

	case st.Status == StepPending:
		ex.markRunning(entry.Step, st, entry.Timestamp)
	}

	st.Logs = append(st.Logs, entry)
	ex.logs = append(ex.logs, entry)
}

func (ex *execution) markRunning(step string, st *StepState, ts time.Time) {
	st.Status = StepRunning
	t := ts
	st.StartTime = &t
	ex.current = step
}

func messageSignalsSuccess(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "completed") || strings.Contains(lower, "success")
}

// copyStates deep-copies the step states. Called with ex.mu held.
func (ex *execution) copyStates() map[string]StepState {
	out := make(map[string]StepState, len(ex.steps))
	for name, st := range ex.steps {
		copied := *st
		copied.Logs = append([]LogEntry(nil), st.Logs...)
		copied.Errors = append([]string(nil), st.Errors...)
		out[name] = copied
	}
	return out
}

// summary rolls the step states up. Called with ex.mu held.
func (ex *execution) summary() Summary {
	s := Summary{TotalSteps: len(Steps), CurrentStep: ex.current}
	for _, name := range Steps {
		switch ex.steps[name].Status {
		case StepPending:
			s.PendingSteps++
		case StepRunning:
			s.RunningSteps++
		case StepCompleted:
			s.CompletedSteps++
		case StepError:
			s.ErrorSteps++
		}
	}
	s.OverallProgress = float64(s.CompletedSteps) / float64(s.TotalSteps) * 100

	anyError := s.ErrorSteps > 0
	if sys, ok := ex.steps[StepSystem]; ok && sys.Status == StepError {
		anyError = true
	}
	switch {
	case anyError:
		s.Status = StepError
	case s.CompletedSteps == s.TotalSteps:
		s.Status = StepCompleted
	case s.RunningSteps > 0:
		s.Status = StepRunning
	default:
		s.Status = StepPending
	}
	return s
}
