package prompt

import (
	"context"
	"strings"

	"github.com/flitsinc/brons/internal/llm"
)

const summarizeInstruction = "Summarize the following for future context. Keep durable facts about the user, their contacts and preferences. Be concise and factual."

// Compactor condenses text into a short memory summary.
type Compactor interface {
	Summarize(ctx context.Context, input string) (string, error)
}

type LLMCompactor struct {
	Reasoner llm.Reasoner
}

func NewLLMCompactor(r llm.Reasoner) *LLMCompactor {
	return &LLMCompactor{Reasoner: r}
}

func (c *LLMCompactor) Summarize(ctx context.Context, input string) (string, error) {
	if c == nil || c.Reasoner == nil || strings.TrimSpace(input) == "" {
		return "", nil
	}
	resp, err := c.Reasoner.Reason(ctx, llm.Request{
		System:   summarizeInstruction,
		Messages: []llm.Message{llm.UserText(input)},
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == llm.BlockText {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// MemoryInput joins the previous summary with the latest exchange.
func MemoryInput(previous string, transcript []string) string {
	var sb strings.Builder
	if previous != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Latest conversation:\n")
	sb.WriteString(strings.Join(transcript, "\n"))
	return sb.String()
}
