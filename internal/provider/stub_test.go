package provider

import (
	"context"

	"github.com/nghyane/llm-rotor/internal/credential"
)

type stubPlugin struct {
	name string
}

func (s stubPlugin) Name() string { return s.name }

func (s stubPlugin) Models(context.Context, *credential.Credential) ([]ModelInfo, error) {
	return nil, nil
}

func (s stubPlugin) Execute(context.Context, *credential.Credential, Request) (Response, error) {
	return Response{}, nil
}

func (s stubPlugin) ExecuteStream(context.Context, *credential.Credential, Request) (<-chan StreamChunk, error) {
	return nil, nil
}

var _ Plugin = stubPlugin{}
