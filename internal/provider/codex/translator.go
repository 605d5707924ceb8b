package codex

import (
	"fmt"
	"strings"
	"time"

	"github.com/nghyane/llm-rotor/internal/json"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/tidwall/gjson"
)

// chunk is one outbound chat.completion.chunk frame.
type chunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []choice     `json:"choices"`
	Usage   *usageTotals `json:"usage,omitempty"`
}

type choice struct {
	Index        int     `json:"index"`
	Delta        delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type delta struct {
	Content   *string         `json:"content,omitempty"`
	ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
}

type toolCallDelta struct {
	Index    int            `json:"index"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function *functionDelta `json:"function,omitempty"`
}

type functionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type usageTotals struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// translator converts the Codex response.* SSE event taxonomy into OpenAI
// chat.completion chunks. One instance per stream; not safe for concurrent
// use.
type translator struct {
	model      string
	responseID string
	created    int64

	toolIndex map[string]int    // call id -> tool_calls index, in order of first sight
	toolNames map[string]string // call id -> function name
	opened    map[string]bool   // call ids whose opening delta went out
	argsSeen  map[string]bool   // call ids that streamed non-empty arguments
	sawTool   bool
	finished  bool
}

func newTranslator(model string) *translator {
	return &translator{
		model:     model,
		created:   time.Now().Unix(),
		toolIndex: make(map[string]int),
		toolNames: make(map[string]string),
		opened:    make(map[string]bool),
		argsSeen:  make(map[string]bool),
	}
}

// ProcessEvent consumes one SSE data payload and returns zero or more
// translated chunks. Usage is non-nil when the event carried terminal token
// accounting. A returned error ends the stream; it is already typed for the
// rotation classifier.
func (t *translator) ProcessEvent(data []byte) ([][]byte, *provider.Usage, error) {
	eventType := gjson.GetBytes(data, "type").Str
	if eventType == "" {
		return nil, nil, nil
	}

	// Capture the upstream response id and timestamp as soon as any event
	// carries them so every chunk shares the same identity.
	if resp := gjson.GetBytes(data, "response"); resp.IsObject() {
		if id := resp.Get("id"); id.Type == gjson.String && id.Str != "" {
			t.responseID = id.Str
		}
		if created := resp.Get("created_at"); created.Type == gjson.Number && created.Int() > 0 {
			t.created = created.Int()
		}
	}

	switch eventType {
	case "response.output_item.added":
		return t.toolCallOpened(gjson.GetBytes(data, "item")), nil, nil
	case "response.function_call_arguments.delta":
		return t.argumentsDelta(data), nil, nil
	case "response.function_call_arguments.done":
		return t.argumentsDone(data), nil, nil
	case "error", "response.failed":
		return nil, nil, t.streamError(data, eventType)
	case "response.completed", "response.incomplete":
		return t.terminal(data, eventType)
	}

	if text := textDelta(data, eventType); text != "" {
		return [][]byte{t.buildChunk(delta{Content: &text}, nil, nil)}, nil, nil
	}
	return nil, nil, nil
}

// textDelta pulls assistant text out of the content event family, covering
// both the observed taxonomy and its planned aliases.
func textDelta(data []byte, eventType string) string {
	switch eventType {
	case "response.output_text.delta":
		if d := gjson.GetBytes(data, "delta"); d.Type == gjson.String {
			return d.Str
		}
	case "response.content_part.delta":
		if d := gjson.GetBytes(data, "delta"); d.Type == gjson.String {
			return d.Str
		}
		part := gjson.GetBytes(data, "part")
		if d := part.Get("delta"); d.Type == gjson.String {
			return d.Str
		}
		if txt := part.Get("text"); txt.Type == gjson.String {
			return txt.Str
		}
	case "response.content_part.added":
		if txt := gjson.GetBytes(data, "part.text"); txt.Type == gjson.String {
			return txt.Str
		}
	}
	return ""
}

func (t *translator) toolCallOpened(item gjson.Result) [][]byte {
	if item.Get("type").Str != "function_call" {
		return nil
	}
	callID := toolCallID(item)
	if callID == "" {
		return nil
	}

	idx := t.indexFor(callID)
	name := item.Get("name").Str
	if name != "" {
		t.toolNames[callID] = name
	}
	initial := ""
	if args := item.Get("arguments"); args.Type == gjson.String {
		initial = args.Str
	}

	t.sawTool = true
	t.opened[callID] = true
	if initial != "" {
		t.argsSeen[callID] = true
	}

	return [][]byte{t.buildChunk(delta{ToolCalls: []toolCallDelta{{
		Index:    idx,
		ID:       callID,
		Type:     "function",
		Function: &functionDelta{Name: name, Arguments: initial},
	}}}, nil, nil)}
}

func (t *translator) argumentsDelta(data []byte) [][]byte {
	callID := toolCallID(gjson.ParseBytes(data))
	d := gjson.GetBytes(data, "delta")
	if callID == "" || d.Type != gjson.String {
		return nil
	}

	idx := t.indexFor(callID)
	t.sawTool = true
	if d.Str != "" {
		t.argsSeen[callID] = true
	}

	if !t.opened[callID] {
		// Upstream skipped output_item.added for this call; open it with
		// whatever identity we have so clients can aggregate.
		t.opened[callID] = true
		return [][]byte{t.buildChunk(delta{ToolCalls: []toolCallDelta{{
			Index:    idx,
			ID:       callID,
			Type:     "function",
			Function: &functionDelta{Name: t.toolNames[callID], Arguments: d.Str},
		}}}, nil, nil)}
	}

	// Subsequent frames carry only the argument fragment, matching the
	// chat-completions convention of append-only tool deltas.
	return [][]byte{t.buildChunk(delta{ToolCalls: []toolCallDelta{{
		Index:    idx,
		Function: &functionDelta{Arguments: d.Str},
	}}}, nil, nil)}
}

// argumentsDone is a no-op when fragments already streamed; emitting the
// full text again would double the arguments for aggregating clients. Only
// upstreams that send nothing but the done event get the complete payload
// here.
func (t *translator) argumentsDone(data []byte) [][]byte {
	callID := toolCallID(gjson.ParseBytes(data))
	if callID == "" {
		return nil
	}

	idx := t.indexFor(callID)
	t.sawTool = true
	if t.argsSeen[callID] {
		return nil
	}
	t.argsSeen[callID] = true

	args := ""
	if a := gjson.GetBytes(data, "arguments"); a.Type == gjson.String {
		args = a.Str
	}

	tc := toolCallDelta{
		Index:    idx,
		Function: &functionDelta{Arguments: args},
	}
	if !t.opened[callID] {
		t.opened[callID] = true
		tc.ID = callID
		tc.Type = "function"
		tc.Function.Name = t.toolNames[callID]
	}
	return [][]byte{t.buildChunk(delta{ToolCalls: []toolCallDelta{tc}}, nil, nil)}
}

func (t *translator) terminal(data []byte, eventType string) ([][]byte, *provider.Usage, error) {
	if t.finished {
		return nil, nil, nil
	}
	t.finished = true

	finish := "stop"
	if responseStatus(data, eventType) == "incomplete" {
		finish = incompleteReason(gjson.GetBytes(data, "response.incomplete_details.reason").Str)
	}
	if t.sawTool {
		finish = "tool_calls"
	}

	var usage *provider.Usage
	var totals *usageTotals
	if u := gjson.GetBytes(data, "response.usage"); u.IsObject() {
		prompt := u.Get("input_tokens").Int()
		completion := u.Get("output_tokens").Int()
		total := u.Get("total_tokens").Int()
		if total == 0 {
			total = prompt + completion
		}
		usage = &provider.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      total,
		}
		totals = &usageTotals{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
	}

	return [][]byte{t.buildChunk(delta{}, &finish, totals)}, usage, nil
}

func (t *translator) streamError(data []byte, eventType string) error {
	payload := gjson.GetBytes(data, "error")
	if !payload.IsObject() {
		payload = gjson.GetBytes(data, "response.error")
	}

	status := errorStatus(payload)
	message := payload.Get("message").Str
	if message == "" {
		message = fmt.Sprintf("codex stream failed (%s)", eventType)
	}

	body := data
	if payload.IsObject() {
		body = []byte(`{"error":` + payload.Raw + `}`)
	}

	perr := &provider.Error{
		Code:       payload.Get("code").Str,
		Message:    message,
		HTTPStatus: status,
		Body:       body,
	}
	if status == 429 {
		if after, ok := quotaRetryAfter(nil, body); ok {
			perr.RetryAfter = &after
		}
	}
	return perr
}

// errorStatus maps an in-stream error payload onto the HTTP status the same
// failure would have carried as a response code.
func errorStatus(payload gjson.Result) int {
	text := strings.ToLower(payload.Get("code").Str + " " + payload.Get("type").Str + " " + payload.Get("message").Str)
	switch {
	case containsAny(text, "rate_limit", "usage_limit", "quota"):
		return 429
	case containsAny(text, "auth", "unauthorized", "invalid_api_key"):
		return 401
	case strings.Contains(text, "forbidden"):
		return 403
	case containsAny(text, "context", "max_output_tokens"):
		return 400
	default:
		return 500
	}
}

func containsAny(s string, tokens ...string) bool {
	for _, tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

func responseStatus(data []byte, eventType string) string {
	if s := gjson.GetBytes(data, "response.status"); s.Type == gjson.String && s.Str != "" {
		return s.Str
	}
	switch eventType {
	case "response.incomplete":
		return "incomplete"
	case "response.failed":
		return "failed"
	}
	return "completed"
}

func incompleteReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "stop", "completed":
		return "stop"
	case "max_output_tokens", "max_tokens", "length":
		return "length"
	case "tool_calls", "tool_call":
		return "tool_calls"
	case "content_filter", "content_filtered":
		return "content_filter"
	default:
		return "length"
	}
}

// toolCallID resolves the call identifier from either an event or an
// output item, checking the known key spellings in preference order.
func toolCallID(v gjson.Result) string {
	for _, key := range []string{"call_id", "item_id", "id"} {
		if s := v.Get(key); s.Type == gjson.String && s.Str != "" {
			return s.Str
		}
	}
	item := v.Get("item")
	for _, key := range []string{"call_id", "id"} {
		if s := item.Get(key); s.Type == gjson.String && s.Str != "" {
			return s.Str
		}
	}
	return ""
}

func (t *translator) indexFor(callID string) int {
	if idx, ok := t.toolIndex[callID]; ok {
		return idx
	}
	idx := len(t.toolIndex)
	t.toolIndex[callID] = idx
	return idx
}

func (t *translator) buildChunk(d delta, finish *string, totals *usageTotals) []byte {
	if t.responseID == "" {
		t.responseID = fmt.Sprintf("chatcmpl-codex-%d", time.Now().UnixMilli())
	}
	buf, _ := json.Marshal(chunk{
		ID:      t.responseID,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []choice{{Index: 0, Delta: d, FinishReason: finish}},
		Usage:   totals,
	})
	return buf
}
