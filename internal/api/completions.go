package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/sseutil"
)

// chatCompletions serves POST /v1/chat/completions. The body is forwarded to
// the selected backend as-is except for the rotor-control fields (priority,
// timeout), which never reach the upstream.
func (s *Server) chatCompletions(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeError(c, &provider.Error{
			Kind:       provider.KindInvalidRequest,
			Message:    "failed to read request body: " + err.Error(),
			HTTPStatus: http.StatusBadRequest,
		})
		return
	}
	req, perr := s.buildRequest(body)
	if perr != nil {
		writeError(c, perr)
		return
	}

	if req.Stream {
		s.streamCompletion(c, req)
		return
	}

	resp, err := s.rotor.Completion(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(resp.StatusCode, "application/json", resp.Body)
}

// buildRequest validates the payload, resolves the model id, and lifts the
// rotor-control fields out of the body.
func (s *Server) buildRequest(body []byte) (*provider.Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, &provider.Error{
			Kind:       provider.KindInvalidRequest,
			Message:    "request body must be a JSON object",
			HTTPStatus: http.StatusBadRequest,
		}
	}

	modelID := gjson.GetBytes(body, "model").String()
	if modelID == "" {
		return nil, &provider.Error{
			Kind:       provider.KindInvalidRequest,
			Code:       "missing_model",
			Message:    "missing required field: model",
			HTTPStatus: http.StatusBadRequest,
		}
	}
	providerName, model, ok := s.rotor.Resolve(modelID)
	if !ok {
		return nil, &provider.Error{
			Kind:       provider.KindInvalidRequest,
			Code:       "model_not_found",
			Message:    fmt.Sprintf("unknown model %q, expected provider/model from GET /v1/models", modelID),
			HTTPStatus: http.StatusBadRequest,
		}
	}

	req := &provider.Request{
		Provider: providerName,
		Model:    model,
		Stream:   gjson.GetBytes(body, "stream").Bool(),
	}
	if f := gjson.GetBytes(body, "priority"); f.Exists() {
		req.Priority = int(f.Int())
		body, _ = sjson.DeleteBytes(body, "priority")
	}
	if f := gjson.GetBytes(body, "timeout"); f.Exists() {
		if secs := f.Float(); secs > 0 {
			req.Timeout = time.Duration(secs * float64(time.Second))
		}
		body, _ = sjson.DeleteBytes(body, "timeout")
	}
	req.Payload = body
	return req, nil
}

// streamCompletion relays a committed stream as SSE. Errors before the first
// chunk still produce a plain JSON envelope; after commit they become an
// error frame followed by the [DONE] sentinel.
func (s *Server) streamCompletion(c *gin.Context, req *provider.Request) {
	chunks, err := s.rotor.CompletionStream(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for chunk := range chunks {
		if chunk.Err != nil {
			log.Debugf("stream for %s/%s failed mid-flight: %v", req.Provider, req.Model, chunk.Err)
			_, _ = c.Writer.Write(sseutil.Frame(errorFrame(chunk.Err)))
			_, _ = c.Writer.Write(sseutil.DoneFrame())
			c.Writer.Flush()
			return
		}
		if _, err := c.Writer.Write(sseutil.Frame(chunk.Data)); err != nil {
			// Client went away; the engine notices via the request context.
			return
		}
		c.Writer.Flush()
	}

	_, _ = c.Writer.Write(sseutil.DoneFrame())
	c.Writer.Flush()
}
