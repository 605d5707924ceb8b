// Package sseutil provides small shared SSE helpers used by the provider
// plugins and the HTTP layer without creating circular dependencies.
package sseutil

import "bytes"

// Pre-allocated byte slices for zero-copy comparisons
var (
	doneMarker  = []byte("[DONE]")
	dataPrefix  = []byte("data:")
	eventPrefix = []byte("event:")

	framePrefix = []byte("data: ")
	frameSuffix = []byte("\n\n")
	doneFrame   = []byte("data: [DONE]\n\n")
)

// JSONPayload extracts a JSON payload from an SSE line.
// Returns nil if the line is empty, [DONE], event:, or not a JSON object.
func JSONPayload(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if bytes.Equal(trimmed, doneMarker) {
		return nil
	}
	if bytes.HasPrefix(trimmed, eventPrefix) {
		return nil
	}
	if bytes.HasPrefix(trimmed, dataPrefix) {
		trimmed = bytes.TrimSpace(trimmed[len(dataPrefix):])
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	return trimmed
}

// IsDone reports whether the line is the SSE end-of-stream marker, with or
// without its data: prefix.
func IsDone(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	if bytes.HasPrefix(trimmed, dataPrefix) {
		trimmed = bytes.TrimSpace(trimmed[len(dataPrefix):])
	}
	return bytes.Equal(trimmed, doneMarker)
}

// Frame wraps a JSON payload in an SSE data frame.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(framePrefix)+len(payload)+len(frameSuffix))
	out = append(out, framePrefix...)
	out = append(out, payload...)
	out = append(out, frameSuffix...)
	return out
}

// DoneFrame returns the terminating [DONE] frame.
func DoneFrame() []byte { return doneFrame }
