// Package llmtest provides a Reasoner that replays canned responses.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flitsinc/brons/internal/llm"
)

// Step produces one response. It sees the request so tests can assert on
// the history the engine sent.
type Step func(req llm.Request) (llm.Response, error)

type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	requests []llm.Request
	// Fallback answers once the script is exhausted. Nil means error.
	Fallback Step
}

func New(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

func (s *Scripted) Reason(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var step Step
	if len(s.steps) > 0 {
		step = s.steps[0]
		s.steps = s.steps[1:]
	} else {
		step = s.Fallback
	}
	s.mu.Unlock()

	if step == nil {
		return llm.Response{}, fmt.Errorf("llmtest: script exhausted")
	}
	return step(req)
}

func (s *Scripted) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

// Text answers with a single text block and no tool calls.
func Text(text string) Step {
	return func(llm.Request) (llm.Response, error) {
		return llm.Response{Content: []llm.Block{llm.TextBlock(text)}, StopReason: "end_turn"}, nil
	}
}

// ToolCall answers with an optional text block followed by one tool_use.
func ToolCall(id, name string, input any, text string) Step {
	return func(llm.Request) (llm.Response, error) {
		raw, err := json.Marshal(input)
		if err != nil {
			return llm.Response{}, err
		}
		var blocks []llm.Block
		if text != "" {
			blocks = append(blocks, llm.TextBlock(text))
		}
		blocks = append(blocks, llm.ToolUseBlock(id, name, raw))
		return llm.Response{Content: blocks, StopReason: "tool_use"}, nil
	}
}

func Fail(err error) Step {
	return func(llm.Request) (llm.Response, error) {
		return llm.Response{}, err
	}
}
