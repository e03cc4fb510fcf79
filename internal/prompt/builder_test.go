package prompt

import (
	"context"
	"strings"
	"testing"

	"github.com/flitsinc/brons/internal/llm"
	"github.com/flitsinc/brons/internal/llm/llmtest"
	"github.com/flitsinc/brons/internal/state"
)

func TestBuilderOrdering(t *testing.T) {
	b := NewBuilder()
	b.Add(Block{ID: "low", Priority: 1, Content: "low"})
	b.Add(Block{ID: "high", Priority: 10, Content: "high"})
	b.Add(Block{ID: "mid", Priority: 5, Content: "mid"})
	b.Add(Block{ID: "empty", Priority: 7, Content: "  "})

	got := b.Build()
	expected := "high\n\nmid\n\nlow"
	if got != expected {
		t.Fatalf("unexpected build: %q", got)
	}
}

func TestSystemPromptOrder(t *testing.T) {
	got := SystemPrompt(state.Bron{Name: "Ada", SystemPrompt: "Sign as Ada.", MemorySummary: "Prefers short replies."})

	if !strings.HasPrefix(got, "You are Ada, an AI assistant that helps with email-related tasks.\n") {
		t.Fatalf("identity must come first: %q", got[:80])
	}
	order := []string{
		"You have access to the following capabilities:",
		"\nAdditional Instructions:\nSign as Ada.",
		"\nContext from previous interactions:\nPrefers short replies.",
		"Tool Usage Guidelines:",
	}
	last := -1
	for _, part := range order {
		idx := strings.Index(got, part)
		if idx < 0 {
			t.Fatalf("missing %q", part)
		}
		if idx <= last {
			t.Fatalf("%q is out of order", part)
		}
		last = idx
	}
}

func TestSystemPromptSkipsEmptySections(t *testing.T) {
	got := SystemPrompt(state.Bron{Name: "Ada"})
	if strings.Contains(got, "Additional Instructions") || strings.Contains(got, "Context from previous interactions") {
		t.Fatalf("empty sections must be omitted: %q", got)
	}
}

func TestLLMCompactor(t *testing.T) {
	fake := llmtest.New(llmtest.Text("  Works at ACME.  "))
	c := NewLLMCompactor(fake)

	got, err := c.Summarize(context.Background(), MemoryInput("Likes tea.", []string{"user: hi", "assistant: hello"}))
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got != "Works at ACME." {
		t.Fatalf("unexpected summary %q", got)
	}
	reqs := fake.Requests()
	if len(reqs) != 1 || reqs[0].System != summarizeInstruction {
		t.Fatalf("unexpected request %+v", reqs)
	}
	in := reqs[0].Messages[0].Content[0].Text
	if !strings.Contains(in, "Previous summary:\nLikes tea.") || reqs[0].Messages[0].Role != llm.RoleUser {
		t.Fatalf("unexpected input %q", in)
	}
}
