// Package json routes all JSON handling through bytedance/sonic so the rest
// of the codebase never imports an encoder directly.
package json

import (
	"io"

	"github.com/bytedance/sonic"
)

func Marshal(v any) ([]byte, error) { return sonic.Marshal(v) }

func Unmarshal(data []byte, v any) error { return sonic.Unmarshal(data, v) }

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return sonic.MarshalIndent(v, prefix, indent)
}

func Valid(data []byte) bool { return sonic.ConfigDefault.Valid(data) }

// Encoder mirrors encoding/json's streaming encoder.
type Encoder = sonic.Encoder

// Decoder mirrors encoding/json's streaming decoder.
type Decoder = sonic.Decoder

func NewEncoder(w io.Writer) Encoder { return sonic.ConfigDefault.NewEncoder(w) }

func NewDecoder(r io.Reader) Decoder { return sonic.ConfigDefault.NewDecoder(r) }
