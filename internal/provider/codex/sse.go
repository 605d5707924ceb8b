package codex

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"time"

	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/transport"
	"github.com/tidwall/gjson"
)

const (
	// maxEventSize bounds one SSE line; tool arguments can run long.
	maxEventSize = 1024 * 1024

	scannerStartSize  = 64 * 1024
	streamBufferSize  = 128
	streamIdleTimeout = 5 * time.Minute
)

var (
	dataPrefix  = []byte("data:")
	eventPrefix = []byte("event:")
	doneMarker  = []byte("[DONE]")
)

// eventScanner yields one SSE event payload at a time. data: lines
// accumulate until the blank separator line and multi-line payloads join
// with \n; event: lines are dropped since the payload carries its own type
// field.
type eventScanner struct {
	scanner *bufio.Scanner
	data    [][]byte
	done    bool
}

func newEventScanner(r io.Reader) *eventScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, scannerStartSize), maxEventSize)
	return &eventScanner{scanner: sc}
}

// Next returns the next event payload. A nil payload with nil error means
// the stream ended, either at [DONE] or EOF.
func (s *eventScanner) Next() ([]byte, error) {
	if s.done {
		return nil, nil
	}
	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		if len(bytes.TrimSpace(line)) == 0 {
			if payload := s.flush(); payload != nil {
				if bytes.Equal(payload, doneMarker) {
					s.done = true
					return nil, nil
				}
				return payload, nil
			}
			continue
		}

		if bytes.HasPrefix(line, eventPrefix) {
			continue
		}
		if bytes.HasPrefix(line, dataPrefix) {
			s.data = append(s.data, bytes.Clone(bytes.TrimSpace(line[len(dataPrefix):])))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}

	// Flush a trailing event when the stream closes without a blank line.
	s.done = true
	if payload := s.flush(); payload != nil && !bytes.Equal(payload, doneMarker) {
		return payload, nil
	}
	return nil, nil
}

func (s *eventScanner) flush() []byte {
	if len(s.data) == 0 {
		return nil
	}
	payload := bytes.TrimSpace(bytes.Join(s.data, []byte("\n")))
	s.data = s.data[:0]
	if len(payload) == 0 {
		return nil
	}
	return payload
}

// pump drains the upstream SSE body through the translator and delivers
// chunks until the stream ends, the translator reports a terminal error, or
// the context is cancelled. It owns body and out.
func (p *Plugin) pump(ctx context.Context, body io.ReadCloser, tr *translator, out chan<- provider.StreamChunk) {
	defer close(out)

	reader := transport.NewStreamReader(ctx, body, streamIdleTimeout, "codex stream")
	defer reader.Close()

	events := newEventScanner(reader)
	for {
		payload, err := events.Next()
		if err != nil {
			sendChunk(ctx, out, provider.StreamChunk{Err: &provider.Error{
				Kind:       provider.KindTransient,
				Message:    "codex stream read: " + err.Error(),
				HTTPStatus: 502,
			}})
			return
		}
		if payload == nil {
			return
		}
		if !gjson.ValidBytes(payload) {
			log.Debugf("codex stream: dropping non-JSON SSE payload (%d bytes)", len(payload))
			continue
		}

		chunks, usage, perr := tr.ProcessEvent(payload)
		if perr != nil {
			sendChunk(ctx, out, provider.StreamChunk{Err: perr})
			return
		}
		for i, data := range chunks {
			c := provider.StreamChunk{Data: data}
			if usage != nil && i == len(chunks)-1 {
				c.Usage = usage
			}
			if !sendChunk(ctx, out, c) {
				return
			}
		}
	}
}

func sendChunk(ctx context.Context, out chan<- provider.StreamChunk, c provider.StreamChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
