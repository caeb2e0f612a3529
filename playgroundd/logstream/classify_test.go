package logstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestClassifyBlankLineDropped(t *testing.T) {
	_, ok := classifyLine("   ", testNow)
	require.False(t, ok)
	_, ok = classifyLine("", testNow)
	require.False(t, ok)
}

func TestClassifyStepLogMarker(t *testing.T) {
	entry, ok := classifyLine(`STEP_LOG: {"timestamp":"2025-06-01T11:59:00Z","level":"warning","message":"low sample count","step":"dataset"}`, testNow)
	require.True(t, ok)
	require.Equal(t, SourceStep, entry.Source)
	require.Equal(t, LevelWarning, entry.Level)
	require.Equal(t, "dataset", entry.Step)
	require.Equal(t, "low sample count", entry.Message)
	require.Equal(t, time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC), entry.Timestamp)
}

func TestClassifyStepLogMalformedFallsBackToMessage(t *testing.T) {
	entry, ok := classifyLine(`STEP_LOG: optimizer warming up {broken`, testNow)
	require.True(t, ok)
	require.Equal(t, SourceStep, entry.Source)
	require.Equal(t, "optimizer warming up {broken", entry.Message)
	require.Equal(t, "optimizer", entry.Step)
	require.Equal(t, LevelInfo, entry.Level)
}

func TestClassifyStepLogUnknownStepFallsBackToSystem(t *testing.T) {
	entry, ok := classifyLine(`STEP_LOG: {"level":"info","message":"hello","step":"warmup"}`, testNow)
	require.True(t, ok)
	require.Equal(t, StepSystem, entry.Step)
}

func TestClassifyProgressMarker(t *testing.T) {
	entry, ok := classifyLine(`STEP_PROGRESS: {"step":"execution","progress":42.5,"message":"iteration 425/1000"}`, testNow)
	require.True(t, ok)
	require.Equal(t, SourceProgress, entry.Source)
	require.Equal(t, "execution", entry.Step)
	require.NotNil(t, entry.Progress)
	require.InEpsilon(t, 42.5, *entry.Progress, 0.001)
	require.Equal(t, "iteration 425/1000", entry.Message)
}

func TestClassifyProgressMarkerMalformedDropped(t *testing.T) {
	_, ok := classifyLine(`STEP_PROGRESS: {not valid json`, testNow)
	require.False(t, ok)
}

func TestClassifyProgressClamped(t *testing.T) {
	entry, ok := classifyLine(`STEP_PROGRESS: {"step":"execution","progress":150}`, testNow)
	require.True(t, ok)
	require.Equal(t, float64(100), *entry.Progress)
}

func TestClassifyPythonTraceback(t *testing.T) {
	entry, ok := classifyLine(`Traceback (most recent call last):`, testNow)
	require.True(t, ok)
	require.Equal(t, LevelError, entry.Level)
	require.Equal(t, StepSystem, entry.Step)
	require.Equal(t, SourcePython, entry.Source)
}

func TestClassifyFreeformLevelInference(t *testing.T) {
	cases := []struct {
		line  string
		level Level
	}{
		{"something failed badly", LevelError},
		{"Warning: using default parameters", LevelWarning},
		{"Optimization completed successfully", LevelSuccess},
		{"just a status line", LevelInfo},
	}
	for _, tc := range cases {
		entry, ok := classifyLine(tc.line, testNow)
		require.True(t, ok, tc.line)
		require.Equal(t, tc.level, entry.Level, tc.line)
	}
}

func TestClassifyFreeformStepInference(t *testing.T) {
	cases := []struct {
		line string
		step string
	}{
		{"Loading dataset from repository", "dataset"},
		{"Problem loaded", "problem"},
		{"Optimizer initialized", "optimizer"},
		{"Executing main loop", "execution"},
		{"Best result found", "results"},
		{"nothing recognizable here", StepSystem},
	}
	for _, tc := range cases {
		entry, ok := classifyLine(tc.line, testNow)
		require.True(t, ok, tc.line)
		require.Equal(t, tc.step, entry.Step, tc.line)
	}
}

func TestClassifyStepVocabOrderPrefersEarlierStep(t *testing.T) {
	// When a line mentions two steps the earlier pipeline stage wins.
	entry, ok := classifyLine("dataset handed to optimizer", testNow)
	require.True(t, ok)
	require.Equal(t, "dataset", entry.Step)
}
