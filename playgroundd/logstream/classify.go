package logstream

import (
	"encoding/json"
	"strings"
	"time"
)

// Structured marker prefixes emitted by the playground container scripts.
const (
	stepLogMarker      = "STEP_LOG:"
	stepProgressMarker = "STEP_PROGRESS:"
)

type stepLogPayload struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Step      string `json:"step"`
}

type stepProgressPayload struct {
	Timestamp string   `json:"timestamp"`
	Step      string   `json:"step"`
	Progress  *float64 `json:"progress"`
	Message   string   `json:"message"`
}

// fatalSignatures identify Python-fatal output. Matched lines are forced to
// level=error, step=system regardless of which stage raised them, so step
// attribution is not fault-localizing for tracebacks.
var fatalSignatures = []string{
	"Traceback (most recent call last)",
	"Fatal error",
	"ModuleNotFoundError:",
	"ImportError:",
	"SyntaxError:",
}

// levelRules map freeform keywords to levels, checked in order.
var levelRules = []struct {
	keywords []string
	level    Level
}{
	{[]string{"error", "failed", "exception"}, LevelError},
	{[]string{"warning", "warn"}, LevelWarning},
	{[]string{"success", "completed"}, LevelSuccess},
}

// stepVocab maps freeform keywords to canonical steps, checked in canonical
// step order with the first match winning.
var stepVocab = map[string][]string{
	"dataset":   {"dataset", "data load", "loading data"},
	"problem":   {"problem"},
	"optimizer": {"optimizer"},
	"execution": {"execution", "executing", "optimization", "running"},
	"results":   {"result"},
}

// classifyLine maps one raw line onto at most one entry. Returns false for
// blank lines and for malformed progress markers, which are dropped
// entirely.
func classifyLine(line string, now time.Time) (LogEntry, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return LogEntry{}, false
	}

	if idx := strings.Index(trimmed, stepLogMarker); idx >= 0 {
		return classifyStepLog(strings.TrimSpace(trimmed[idx+len(stepLogMarker):]), now), true
	}
	if idx := strings.Index(trimmed, stepProgressMarker); idx >= 0 {
		return classifyStepProgress(strings.TrimSpace(trimmed[idx+len(stepProgressMarker):]), now)
	}
	for _, sig := range fatalSignatures {
		if strings.HasPrefix(trimmed, sig) {
			return LogEntry{
				Timestamp: now,
				Level:     LevelError,
				Message:   trimmed,
				Step:      StepSystem,
				Source:    SourcePython,
			}, true
		}
	}
	return classifyFreeform(trimmed, now, SourceSystem), true
}

func classifyStepLog(payload string, now time.Time) LogEntry {
	var p stepLogPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		// Malformed payload degrades to freeform classification of the
		// remainder, keeping its provenance.
		entry := classifyFreeform(payload, now, SourceStep)
		return entry
	}
	entry := LogEntry{
		Timestamp: parseTimestamp(p.Timestamp, now),
		Level:     normalizeLevel(p.Level),
		Message:   p.Message,
		Step:      normalizeStep(p.Step),
		Source:    SourceStep,
	}
	if entry.Message == "" {
		entry.Message = payload
	}
	return entry
}

func classifyStepProgress(payload string, now time.Time) (LogEntry, bool) {
	var p stepProgressPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return LogEntry{}, false
	}
	entry := LogEntry{
		Timestamp: parseTimestamp(p.Timestamp, now),
		Level:     LevelInfo,
		Message:   p.Message,
		Step:      normalizeStep(p.Step),
		Source:    SourceProgress,
		Progress:  clampProgress(p.Progress),
	}
	if entry.Message == "" && entry.Progress != nil {
		entry.Message = "progress update"
	}
	return entry, true
}

func classifyFreeform(line string, now time.Time, source Source) LogEntry {
	lower := strings.ToLower(line)

	level := LevelInfo
	for _, rule := range levelRules {
		if containsAny(lower, rule.keywords) {
			level = rule.level
			break
		}
	}

	step := StepSystem
	for _, name := range Steps {
		if containsAny(lower, stepVocab[name]) {
			step = name
			break
		}
	}

	return LogEntry{
		Timestamp: now,
		Level:     level,
		Message:   line,
		Step:      step,
		Source:    source,
	}
}

func containsAny(haystack string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func normalizeLevel(level string) Level {
	switch Level(strings.ToLower(level)) {
	case LevelInfo, LevelWarning, LevelError, LevelSuccess, LevelDebug:
		return Level(strings.ToLower(level))
	default:
		return LevelInfo
	}
}

// normalizeStep maps unknown step names onto the system fallback so the
// step machine only ever tracks canonical steps plus system.
func normalizeStep(step string) string {
	step = strings.ToLower(strings.TrimSpace(step))
	for _, name := range Steps {
		if step == name {
			return name
		}
	}
	return StepSystem
}

func parseTimestamp(value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return fallback
}

func clampProgress(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return &v
}
