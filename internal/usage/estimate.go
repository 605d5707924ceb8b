package usage

import (
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
	"github.com/tiktoken-go/tokenizer/codec"

	"github.com/nghyane/llm-rotor/internal/provider"
)

// Fixed per-message costs from the OpenAI token-counting cookbook.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensPerRequest = 3
)

var (
	estimatorOnce  sync.Once
	estimatorCodec tokenizer.Codec
)

func estimatorEncoding() tokenizer.Codec {
	estimatorOnce.Do(func() {
		estimatorCodec = codec.NewO200kBase()
	})
	return estimatorCodec
}

// EstimateUsage approximates token accounting with a local tokenizer for
// responses that carried none. payload is the OpenAI-shaped chat request
// body; completion is the aggregated response text.
func EstimateUsage(payload []byte, completion string) provider.Usage {
	enc := estimatorEncoding()

	var prompt int64
	messages := gjson.GetBytes(payload, "messages")
	messages.ForEach(func(_, msg gjson.Result) bool {
		prompt += tokensPerMessage + tokensPerRole
		prompt += countTokens(enc, messageText(msg))
		return true
	})
	if prompt > 0 {
		prompt += tokensPerRequest
	}

	out := countTokens(enc, completion)

	return provider.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
		Estimated:        true,
	}
}

// messageText flattens a chat message content field, which is either a
// plain string or a list of typed parts.
func messageText(msg gjson.Result) string {
	content := msg.Get("content")
	if content.Type == gjson.String {
		return content.Str
	}
	if !content.IsArray() {
		return ""
	}
	var b strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Type == gjson.String {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(t.Str)
		}
		return true
	})
	return b.String()
}

func countTokens(enc tokenizer.Codec, text string) int64 {
	if text == "" {
		return 0
	}
	ids, _, err := enc.Encode(text)
	if err != nil {
		// Rough 4-chars-per-token fallback keeps accounting monotone.
		return int64(len(text) / 4)
	}
	return int64(len(ids))
}
