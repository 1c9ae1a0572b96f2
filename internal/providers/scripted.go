package providers

import (
	"context"
	"errors"
	"sync"
)

// ScriptedProvider replays a fixed sequence of responses. It exists
// for tests and local development without provider credentials.
type ScriptedProvider struct {
	mu       sync.Mutex
	script   []ScriptStep
	pos      int
	Requests []*ChatRequest
}

// ScriptStep is one scripted reply: a response or an error.
type ScriptStep struct {
	Response *ChatResponse
	Err      error
}

// NewScriptedProvider builds a provider that replays the given steps
// in order.
func NewScriptedProvider(steps ...ScriptStep) *ScriptedProvider {
	return &ScriptedProvider{script: steps}
}

// Name returns "scripted".
func (p *ScriptedProvider) Name() string { return "scripted" }

// Chat records the request and returns the next scripted step.
func (p *ScriptedProvider) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.pos >= len(p.script) {
		return nil, errors.New("scripted: no more responses")
	}
	step := p.script[p.pos]
	p.pos++
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

// Calls returns how many requests the provider has served.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// StaticEmbedder returns deterministic vectors derived from text
// content, for tests that exercise similarity logic.
type StaticEmbedder struct {
	// Vectors maps exact input text to its vector. Unknown texts get
	// Fallback, or a zero vector when Fallback is nil.
	Vectors  map[string][]float32
	Fallback []float32
	Dim      int
}

// Embed returns one vector per text from the static table.
func (e *StaticEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	dim := e.Dim
	if dim == 0 {
		dim = 4
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := e.Vectors[text]; ok {
			out[i] = v
			continue
		}
		if e.Fallback != nil {
			out[i] = e.Fallback
			continue
		}
		out[i] = make([]float32, dim)
	}
	return out, nil
}
