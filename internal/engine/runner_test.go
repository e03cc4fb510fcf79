package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/llm"
	"github.com/flitsinc/brons/internal/llm/llmtest"
	"github.com/flitsinc/brons/internal/runs"
	"github.com/flitsinc/brons/internal/tools"
)

func lastMessage(req llm.Request) llm.Message {
	return req.Messages[len(req.Messages)-1]
}

func toolUse(id, name string, input any) (llm.Response, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Content: []llm.Block{llm.ToolUseBlock(id, name, raw)}, StopReason: "tool_use"}, nil
}

func TestRunnerSpawnsAndAwaitsChild(t *testing.T) {
	reasoner := reasonerFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		last := lastMessage(req)
		first := last.Content[0]
		switch {
		case first.Type == llm.BlockText && first.Text == "parent task":
			return toolUse("spawn-1", tools.SpawnBron, map[string]any{"prompt": "child task", "title": "Child"})
		case first.Type == llm.BlockText && first.Text == "child task":
			return llm.Response{Content: []llm.Block{llm.TextBlock("child done")}}, nil
		case first.Type == llm.BlockToolResult && first.ToolUseID == "spawn-1":
			var out struct {
				RunID string `json:"runId"`
			}
			if err := json.Unmarshal([]byte(first.Content), &out); err != nil {
				return llm.Response{}, err
			}
			return toolUse("await-1", tools.AwaitBron, map[string]any{"runId": out.RunID, "timeoutMs": 5000})
		case first.Type == llm.BlockToolResult && first.ToolUseID == "await-1":
			if !strings.Contains(first.Content, `"status":"succeeded"`) {
				t.Errorf("unexpected await result: %s", first.Content)
			}
			return llm.Response{Content: []llm.Block{llm.TextBlock("parent done")}}, nil
		}
		t.Errorf("unexpected request: %+v", last)
		return llm.Response{}, errors.New("unexpected request")
	})
	h := newHarness(t, reasoner)
	ctx := context.Background()
	parent := h.createRun(t, "parent task")

	if err := h.runner.Start(ctx, parent.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitStatus(t, parent.ID, runs.StatusSucceeded)

	children, err := h.runs.Children(ctx, parent.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 1 || children[0].Status != runs.StatusSucceeded || children[0].Title != "Child" {
		t.Fatalf("unexpected children: %+v", children)
	}

	var mirrored []string
	for _, evt := range h.events(t, parent.ID) {
		if evt.Type != eventlog.TypeChildRun {
			continue
		}
		var p eventlog.ChildRunPayload
		if err := evt.Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		mirrored = append(mirrored, p.Status)
	}
	if strings.Join(mirrored, ",") != "queued,succeeded" {
		t.Fatalf("unexpected child statuses on parent: %v", mirrored)
	}
}

func TestRunnerWarnsWhenMailDisconnected(t *testing.T) {
	h := newHarness(t, llmtest.New(llmtest.Text("ok")))
	h.mailbox.Disconnected = true
	run := h.createRun(t, "hello")

	if err := h.runner.Start(context.Background(), run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitStatus(t, run.ID, runs.StatusSucceeded)

	logs := h.logMessages(t, run.ID)
	if len(logs) == 0 || logs[0].Message != gmailWarning || logs[0].Level != eventlog.LevelWarn {
		t.Fatalf("expected gmail warning first, got %+v", logs)
	}
}

func TestRunnerStartRejectsNonQueued(t *testing.T) {
	h := newHarness(t, llmtest.New(llmtest.Text("ok")))
	run := h.createRun(t, "hello")
	ctx := context.Background()
	if err := h.runner.Start(ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitStatus(t, run.ID, runs.StatusSucceeded)

	if err := h.runner.Start(ctx, run.ID); !errors.Is(err, errs.ErrIllegalState) {
		t.Fatalf("expected illegal state, got %v", err)
	}
	if err := h.runner.Start(ctx, "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunnerCancelInterruptsExecution(t *testing.T) {
	entered := make(chan struct{}, 1)
	reasoner := reasonerFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	})
	h := newHarness(t, reasoner)
	run := h.createRun(t, "block")
	ctx := context.Background()

	if err := h.runner.Start(ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("reasoner never called")
	}

	if _, err := h.runner.Cancel(ctx, run.ID, "user"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.waitStatus(t, run.ID, runs.StatusCanceled)

	deadline := time.Now().Add(5 * time.Second)
	for h.runner.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("execution did not stop")
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, evt := range h.events(t, run.ID) {
		if evt.Type != eventlog.TypeStatus {
			continue
		}
		var p eventlog.StatusPayload
		_ = evt.Decode(&p)
		if p.Status == string(runs.StatusFailed) {
			t.Fatalf("canceled run must not be failed afterwards")
		}
	}
}

func TestRunnerShutdownInterruptsAndRefusesNewRuns(t *testing.T) {
	entered := make(chan struct{}, 1)
	reasoner := reasonerFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	})
	h := newHarness(t, reasoner)
	run := h.createRun(t, "block")
	ctx := context.Background()

	if err := h.runner.Start(ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered

	shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := h.runner.Shutdown(shutdownCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	got := h.waitStatus(t, run.ID, runs.StatusFailed)
	if got.Error == nil || got.Error.Code != "interrupted" {
		t.Fatalf("unexpected run error: %+v", got.Error)
	}

	next := h.createRun(t, "after shutdown")
	if err := h.runner.Start(ctx, next.ID); !errors.Is(err, errs.ErrIllegalState) {
		t.Fatalf("expected illegal state after shutdown, got %v", err)
	}
}

func TestRunnerRecoverFailsStuckRuns(t *testing.T) {
	h := newHarness(t, llmtest.New())
	ctx := context.Background()
	run := h.createRun(t, "stuck")
	if _, err := h.runs.Transition(ctx, run.ID, runs.StatusRunning, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	ids, err := h.runner.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(ids) != 1 || ids[0] != run.ID {
		t.Fatalf("unexpected recovered ids: %v", ids)
	}
	got := h.waitStatus(t, run.ID, runs.StatusFailed)
	if got.Error == nil || got.Error.Message != "interrupted by restart" {
		t.Fatalf("unexpected run error: %+v", got.Error)
	}
}
