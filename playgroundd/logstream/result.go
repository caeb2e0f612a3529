package logstream

import (
	"encoding/json"
	"strings"
)

// Sentinels the playground container prints around its final result block.
const (
	resultStartMarker = "QUBOTS_RESULT_JSON_START"
	resultEndMarker   = "QUBOTS_RESULT_JSON_END"
)

// ExtractResult locates the sentinel-delimited block in raw output and
// parses its interior as one JSON document. This is the only sanctioned way
// to recover a structured final result from otherwise free-text output.
// Returns false if the block is absent or malformed.
func ExtractResult(rawText string) (map[string]any, bool) {
	start := strings.Index(rawText, resultStartMarker)
	if start < 0 {
		return nil, false
	}
	rest := rawText[start+len(resultStartMarker):]
	end := strings.Index(rest, resultEndMarker)
	if end < 0 {
		return nil, false
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &result); err != nil {
		return nil, false
	}
	return result, true
}
