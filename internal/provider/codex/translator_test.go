package codex

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/tidwall/gjson"
)

func processOne(t *testing.T, tr *translator, event string) []byte {
	t.Helper()
	chunks, _, err := tr.ProcessEvent([]byte(event))
	if err != nil {
		t.Fatalf("ProcessEvent(%s): %v", event, err)
	}
	if len(chunks) != 1 {
		t.Fatalf("ProcessEvent(%s): got %d chunks, want 1", event, len(chunks))
	}
	return chunks[0]
}

func processNone(t *testing.T, tr *translator, event string) {
	t.Helper()
	chunks, _, err := tr.ProcessEvent([]byte(event))
	if err != nil {
		t.Fatalf("ProcessEvent(%s): %v", event, err)
	}
	if len(chunks) != 0 {
		t.Fatalf("ProcessEvent(%s): got %d chunks, want 0", event, len(chunks))
	}
}

func TestTranslatorTextDeltas(t *testing.T) {
	cases := []struct {
		name  string
		event string
		want  string
	}{
		{"output_text delta", `{"type":"response.output_text.delta","delta":"Hello"}`, "Hello"},
		{"content_part delta top level", `{"type":"response.content_part.delta","delta":"Hi"}`, "Hi"},
		{"content_part delta nested", `{"type":"response.content_part.delta","part":{"delta":"there"}}`, "there"},
		{"content_part delta text fallback", `{"type":"response.content_part.delta","part":{"text":"world"}}`, "world"},
		{"content_part added text", `{"type":"response.content_part.added","part":{"text":"lead"}}`, "lead"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTranslator("gpt-5.1-codex")
			data := processOne(t, tr, tc.event)

			if got := gjson.GetBytes(data, "object").Str; got != "chat.completion.chunk" {
				t.Errorf("object = %q, want chat.completion.chunk", got)
			}
			if got := gjson.GetBytes(data, "model").Str; got != "gpt-5.1-codex" {
				t.Errorf("model = %q", got)
			}
			if got := gjson.GetBytes(data, "choices.0.delta.content").Str; got != tc.want {
				t.Errorf("content = %q, want %q", got, tc.want)
			}
			if fr := gjson.GetBytes(data, "choices.0.finish_reason"); fr.Type != gjson.Null {
				t.Errorf("finish_reason = %v, want null", fr)
			}
			if id := gjson.GetBytes(data, "id").Str; !strings.HasPrefix(id, "chatcmpl-codex-") {
				t.Errorf("fallback id = %q, want chatcmpl-codex- prefix", id)
			}
		})
	}
}

func TestTranslatorEmptyAndUnknownEventsAreSilent(t *testing.T) {
	tr := newTranslator("gpt-5-codex")

	for _, event := range []string{
		`{"type":"response.in_progress"}`,
		`{"type":"response.output_item.done","item":{"type":"function_call","call_id":"c1"}}`,
		`{"type":"response.output_text.delta","delta":""}`,
		`{"type":"response.content_part.added","part":{"text":""}}`,
		`{"no_type":true}`,
	} {
		processNone(t, tr, event)
	}
}

func TestTranslatorAdoptsUpstreamIdentity(t *testing.T) {
	tr := newTranslator("gpt-5.1-codex")

	processNone(t, tr, `{"type":"response.created","response":{"id":"resp_abc","created_at":1712000000}}`)
	data := processOne(t, tr, `{"type":"response.output_text.delta","delta":"x"}`)

	if got := gjson.GetBytes(data, "id").Str; got != "resp_abc" {
		t.Errorf("id = %q, want resp_abc", got)
	}
	if got := gjson.GetBytes(data, "created").Int(); got != 1712000000 {
		t.Errorf("created = %d, want 1712000000", got)
	}
}

func TestTranslatorToolCallFlow(t *testing.T) {
	tr := newTranslator("gpt-5.1-codex")

	open := processOne(t, tr, `{"type":"response.output_item.added","item":{"type":"function_call","call_id":"call_1","name":"get_weather","arguments":""}}`)
	tc := gjson.GetBytes(open, "choices.0.delta.tool_calls.0")
	if tc.Get("index").Int() != 0 || tc.Get("id").Str != "call_1" || tc.Get("type").Str != "function" {
		t.Errorf("open delta = %s", tc.Raw)
	}
	if tc.Get("function.name").Str != "get_weather" {
		t.Errorf("function.name = %q", tc.Get("function.name").Str)
	}
	if tc.Get("function.arguments").Str != "" {
		t.Errorf("initial arguments = %q, want empty", tc.Get("function.arguments").Str)
	}

	frag := processOne(t, tr, `{"type":"response.function_call_arguments.delta","item_id":"call_1","delta":"{\"city\":"}`)
	ftc := gjson.GetBytes(frag, "choices.0.delta.tool_calls.0")
	if ftc.Get("function.arguments").Str != `{"city":` {
		t.Errorf("fragment arguments = %q", ftc.Get("function.arguments").Str)
	}
	if ftc.Get("id").Exists() || ftc.Get("function.name").Str != "" {
		t.Errorf("fragment re-sent identity: %s", ftc.Raw)
	}

	processOne(t, tr, `{"type":"response.function_call_arguments.delta","item_id":"call_1","delta":"\"Hanoi\"}"}`)

	// Arguments already streamed, so the done event adds nothing.
	processNone(t, tr, `{"type":"response.function_call_arguments.done","item_id":"call_1","arguments":"{\"city\":\"Hanoi\"}"}`)

	second := processOne(t, tr, `{"type":"response.output_item.added","item":{"type":"function_call","call_id":"call_2","name":"get_time"}}`)
	if got := gjson.GetBytes(second, "choices.0.delta.tool_calls.0.index").Int(); got != 1 {
		t.Errorf("second call index = %d, want 1", got)
	}

	chunks, usage, err := tr.ProcessEvent([]byte(`{"type":"response.completed","response":{"id":"resp_1","status":"completed","usage":{"input_tokens":20,"output_tokens":9,"total_tokens":29}}}`))
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("completed chunks = %d, want 1", len(chunks))
	}
	if got := gjson.GetBytes(chunks[0], "choices.0.finish_reason").Str; got != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", got)
	}
	if usage == nil || usage.PromptTokens != 20 || usage.CompletionTokens != 9 || usage.TotalTokens != 29 {
		t.Errorf("usage = %+v", usage)
	}
	if got := gjson.GetBytes(chunks[0], "usage.total_tokens").Int(); got != 29 {
		t.Errorf("chunk usage total = %d, want 29", got)
	}
}

func TestTranslatorArgumentsWithoutOpenEvent(t *testing.T) {
	tr := newTranslator("gpt-5-codex")

	// First fragment for an unseen call id opens the tool call.
	first := processOne(t, tr, `{"type":"response.function_call_arguments.delta","call_id":"call_9","delta":"{\"a\""}`)
	tc := gjson.GetBytes(first, "choices.0.delta.tool_calls.0")
	if tc.Get("id").Str != "call_9" || tc.Get("type").Str != "function" {
		t.Errorf("implicit open = %s", tc.Raw)
	}
	if tc.Get("function.arguments").Str != `{"a"` {
		t.Errorf("implicit open arguments = %q", tc.Get("function.arguments").Str)
	}
}

func TestTranslatorArgumentsDoneOnly(t *testing.T) {
	tr := newTranslator("gpt-5-codex")

	// Upstream that sends no fragments delivers everything on done.
	data := processOne(t, tr, `{"type":"response.function_call_arguments.done","call_id":"call_3","arguments":"{\"q\":1}"}`)
	tc := gjson.GetBytes(data, "choices.0.delta.tool_calls.0")
	if tc.Get("id").Str != "call_3" || tc.Get("function.arguments").Str != `{"q":1}` {
		t.Errorf("done-only delta = %s", tc.Raw)
	}
}

func TestTranslatorCompleted(t *testing.T) {
	tr := newTranslator("gpt-5.1-codex")

	processOne(t, tr, `{"type":"response.output_text.delta","delta":"done."}`)
	chunks, usage, err := tr.ProcessEvent([]byte(`{"type":"response.completed","response":{"id":"resp_2","status":"completed","usage":{"input_tokens":12,"output_tokens":3}}}`))
	if err != nil || len(chunks) != 1 {
		t.Fatalf("completed: chunks=%d err=%v", len(chunks), err)
	}

	if got := gjson.GetBytes(chunks[0], "choices.0.finish_reason").Str; got != "stop" {
		t.Errorf("finish_reason = %q, want stop", got)
	}
	if usage == nil || usage.TotalTokens != 15 {
		t.Errorf("usage total = %+v, want summed 15", usage)
	}

	// A stray second terminal event is swallowed.
	processNone(t, tr, `{"type":"response.completed","response":{"id":"resp_2","status":"completed"}}`)
}

func TestTranslatorIncompleteReasons(t *testing.T) {
	cases := []struct {
		reason string
		want   string
	}{
		{"max_output_tokens", "length"},
		{"max_tokens", "length"},
		{"content_filter", "content_filter"},
		{"tool_call", "tool_calls"},
		{"", "length"},
		{"something_else", "length"},
	}

	for _, tc := range cases {
		name := tc.reason
		if name == "" {
			name = "missing reason"
		}
		t.Run(name, func(t *testing.T) {
			tr := newTranslator("gpt-5-codex")
			event := `{"type":"response.incomplete","response":{"id":"r","status":"incomplete","incomplete_details":{"reason":"` + tc.reason + `"}}}`
			if tc.reason == "" {
				event = `{"type":"response.incomplete","response":{"id":"r"}}`
			}
			data := processOne(t, tr, event)
			if got := gjson.GetBytes(data, "choices.0.finish_reason").Str; got != tc.want {
				t.Errorf("finish_reason = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTranslatorStreamErrors(t *testing.T) {
	cases := []struct {
		name       string
		event      string
		wantStatus int
		wantAfter  time.Duration
	}{
		{
			"rate limit with default window",
			`{"type":"error","error":{"code":"rate_limit_exceeded","message":"Rate limit reached"}}`,
			429, time.Minute,
		},
		{
			"usage limit with reset epoch",
			`{"type":"error","error":{"type":"usage_limit_reached","message":"limit","resets_at":` + itoa(time.Now().Add(2*time.Minute).Unix()) + `}}`,
			429, 0, // checked approximately below
		},
		{
			"auth failure",
			`{"type":"error","error":{"message":"Unauthorized request"}}`,
			401, 0,
		},
		{
			"nested failure payload",
			`{"type":"response.failed","response":{"error":{"message":"forbidden for this workspace"}}}`,
			403, 0,
		},
		{
			"context overflow",
			`{"type":"error","error":{"message":"context length exceeded"}}`,
			400, 0,
		},
		{
			"unclassified",
			`{"type":"response.failed","response":{}}`,
			500, 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTranslator("gpt-5.1-codex")
			chunks, _, err := tr.ProcessEvent([]byte(tc.event))
			if len(chunks) != 0 {
				t.Fatalf("error event emitted %d chunks", len(chunks))
			}
			var perr *provider.Error
			if !errors.As(err, &perr) {
				t.Fatalf("error type = %T, want *provider.Error", err)
			}
			if perr.HTTPStatus != tc.wantStatus {
				t.Errorf("status = %d, want %d", perr.HTTPStatus, tc.wantStatus)
			}
			switch tc.name {
			case "rate limit with default window":
				if perr.RetryAfter == nil || *perr.RetryAfter != tc.wantAfter {
					t.Errorf("RetryAfter = %v, want %v", perr.RetryAfter, tc.wantAfter)
				}
			case "usage limit with reset epoch":
				if perr.RetryAfter == nil || *perr.RetryAfter < 100*time.Second || *perr.RetryAfter > 125*time.Second {
					t.Errorf("RetryAfter = %v, want about 2m", perr.RetryAfter)
				}
			}
			if tc.wantStatus == 500 && !strings.Contains(perr.Message, "codex stream failed") {
				t.Errorf("fallback message = %q", perr.Message)
			}
		})
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
