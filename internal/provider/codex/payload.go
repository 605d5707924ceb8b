package codex

import (
	"os"
	"strings"

	"github.com/nghyane/llm-rotor/internal/json"
	"github.com/tidwall/gjson"
)

const defaultInstructions = "You are a helpful assistant."

// buildPayload rewrites an OpenAI chat-completions body into the responses
// payload the Codex backend accepts. The endpoint only serves streaming
// calls, so stream is always on; non-streaming requests aggregate the
// stream client-side.
func buildPayload(model string, body []byte) ([]byte, error) {
	instructions, input := convertMessages(gjson.GetBytes(body, "messages"))

	payload := map[string]any{
		"model":        model,
		"stream":       true,
		"store":        false,
		"instructions": instructions,
		"input":        input,
		// gpt-5.1-codex rejects low verbosity, so medium is the floor.
		"text": map[string]any{"verbosity": textVerbosity()},
	}

	if v := gjson.GetBytes(body, "temperature"); v.Type == gjson.Number {
		payload["temperature"] = v.Value()
	}
	if v := gjson.GetBytes(body, "top_p"); v.Type == gjson.Number {
		payload["top_p"] = v.Value()
	}
	if v := gjson.GetBytes(body, "max_tokens"); v.Type == gjson.Number {
		payload["max_output_tokens"] = v.Value()
	}

	if tools := convertTools(gjson.GetBytes(body, "tools")); len(tools) > 0 {
		payload["tools"] = tools
		payload["tool_choice"] = normalizeToolChoice(gjson.GetBytes(body, "tool_choice"))
		payload["parallel_tool_calls"] = true
	}

	if sid := sessionKey(body); sid != "" {
		payload["prompt_cache_key"] = sid
		payload["prompt_cache_retention"] = "in-memory"
	}

	return json.Marshal(payload)
}

func textVerbosity() string {
	if v := os.Getenv("OPENAI_CODEX_TEXT_VERBOSITY"); v != "" {
		return v
	}
	return "medium"
}

func sessionKey(body []byte) string {
	for _, key := range []string{"session_id", "conversation_id"} {
		if v := gjson.GetBytes(body, key); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// convertMessages splits the chat transcript into the instructions string
// (system and developer turns) and the responses input list.
func convertMessages(messages gjson.Result) (string, []any) {
	var instructions []string
	var input []any

	messages.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").Str
		content := msg.Get("content")

		switch role {
		case "system", "developer":
			if text := strings.TrimSpace(extractText(content)); text != "" {
				instructions = append(instructions, text)
			}

		case "user":
			input = append(input, map[string]any{
				"role":    "user",
				"content": userParts(content),
			})

		case "assistant":
			if text := strings.TrimSpace(extractText(content)); text != "" {
				input = append(input, map[string]any{
					"role":    "assistant",
					"content": []any{map[string]any{"type": "output_text", "text": text}},
				})
			}
			msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				callID := tc.Get("id").Str
				fn := tc.Get("function")
				name := fn.Get("name").Str
				if callID == "" || name == "" {
					return true
				}
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   callID,
					"name":      name,
					"arguments": argumentsText(fn.Get("arguments")),
				})
				return true
			})

		case "tool":
			callID := msg.Get("tool_call_id").Str
			if callID == "" {
				return true
			}
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": callID,
				"output":  extractText(content),
			})
		}
		return true
	})

	joined := strings.TrimSpace(strings.Join(instructions, "\n\n"))
	if joined == "" {
		// The endpoint rejects empty instructions.
		joined = defaultInstructions
	}
	if len(input) == 0 {
		input = []any{map[string]any{
			"role":    "user",
			"content": []any{map[string]any{"type": "input_text", "text": ""}},
		}}
	}
	return joined, input
}

// extractText flattens any of the chat content shapes (string, block list,
// object) into plain text.
func extractText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.Str
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String {
				parts = append(parts, item.Str)
				return true
			}
			switch item.Get("type").Str {
			case "text", "input_text", "output_text":
				if txt := item.Get("text"); txt.Type == gjson.String {
					parts = append(parts, txt.Str)
				}
			case "refusal":
				if r := item.Get("refusal"); r.Type == gjson.String {
					parts = append(parts, r.Str)
				}
			}
			return true
		})
		return strings.Join(parts, "\n")
	case content.IsObject():
		if txt := content.Get("text"); txt.Type == gjson.String {
			return txt.Str
		}
		return content.Raw
	case !content.Exists() || content.Type == gjson.Null:
		return ""
	default:
		return content.Raw
	}
}

// userParts converts user content into responses input parts, keeping text
// and image blocks and flattening anything else to input_text.
func userParts(content gjson.Result) []any {
	if content.Type == gjson.String {
		return []any{map[string]any{"type": "input_text", "text": content.Str}}
	}

	var parts []any
	if content.IsArray() {
		content.ForEach(func(_, item gjson.Result) bool {
			if !item.IsObject() {
				return true
			}
			switch item.Get("type").Str {
			case "text", "input_text":
				if txt := item.Get("text"); txt.Type == gjson.String {
					parts = append(parts, map[string]any{"type": "input_text", "text": txt.Str})
				}
			case "image_url":
				url := item.Get("image_url")
				if url.IsObject() {
					url = url.Get("url")
				}
				if url.Type == gjson.String && url.Str != "" {
					parts = append(parts, map[string]any{"type": "input_image", "image_url": url.Str, "detail": "auto"})
				}
			case "input_image":
				if url := item.Get("image_url"); url.Type == gjson.String && url.Str != "" {
					detail := "auto"
					if d := item.Get("detail"); d.Type == gjson.String {
						detail = d.Str
					}
					parts = append(parts, map[string]any{"type": "input_image", "image_url": url.Str, "detail": detail})
				}
			}
			return true
		})
	}
	if len(parts) > 0 {
		return parts
	}
	return []any{map[string]any{"type": "input_text", "text": extractText(content)}}
}

func argumentsText(args gjson.Result) string {
	if args.Type == gjson.String {
		return args.Str
	}
	if !args.Exists() || args.Type == gjson.Null {
		return "{}"
	}
	return args.Raw
}

// convertTools maps chat-format tool definitions onto the responses shape.
// Tools already in responses format pass through untouched.
func convertTools(tools gjson.Result) []any {
	if !tools.IsArray() {
		return nil
	}

	var converted []any
	tools.ForEach(func(_, tool gjson.Result) bool {
		if !tool.IsObject() || tool.Get("type").Str != "function" {
			return true
		}

		if fn := tool.Get("function"); fn.IsObject() {
			name := fn.Get("name").Str
			if name == "" {
				return true
			}
			var schema map[string]any
			if params := fn.Get("parameters"); params.IsObject() {
				_ = json.Unmarshal([]byte(params.Raw), &schema)
			}
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			// The responses endpoint rejects the chat-side strictness flag.
			delete(schema, "additionalProperties")

			converted = append(converted, map[string]any{
				"type":        "function",
				"name":        name,
				"description": fn.Get("description").Str,
				"parameters":  schema,
			})
			return true
		}

		if tool.Get("name").Type == gjson.String {
			var passthrough map[string]any
			if err := json.Unmarshal([]byte(tool.Raw), &passthrough); err == nil {
				converted = append(converted, passthrough)
			}
		}
		return true
	})
	return converted
}

// normalizeToolChoice reduces the chat tool_choice forms to what the Codex
// endpoint handles reliably; required degrades to auto.
func normalizeToolChoice(tc gjson.Result) any {
	if tc.Type == gjson.String {
		switch tc.Str {
		case "auto", "none":
			return tc.Str
		default:
			return "auto"
		}
	}

	if tc.IsObject() {
		if tc.Get("type").Str == "function" {
			if name := tc.Get("function.name"); name.Type == gjson.String && name.Str != "" {
				return map[string]any{"type": "function", "name": name.Str}
			}
		}
		if name := tc.Get("name"); name.Type == gjson.String && name.Str != "" {
			return map[string]any{"type": "function", "name": name.Str}
		}
	}

	return "auto"
}
