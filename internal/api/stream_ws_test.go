package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/llm/llmtest"
	"github.com/flitsinc/brons/internal/runs"
)

type fakeWSWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func TestFollowWritesEventsThenComplete(t *testing.T) {
	h := newAPIHarness(t)
	run := h.createQueuedRun(t, "Socket me")
	if _, err := h.runs.Cancel(context.Background(), run.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	writer := &fakeWSWriter{}
	if err := h.server.follow(ctx, run.ID, 0, &wsSink{ctx: ctx, w: writer}); err != nil {
		t.Fatalf("follow: %v", err)
	}

	if len(writer.messages) < 2 {
		t.Fatalf("expected events and a completion, got %d frames", len(writer.messages))
	}
	var first eventlog.Event
	if err := json.Unmarshal(writer.messages[0], &first); err != nil {
		t.Fatalf("decode first frame: %v", err)
	}
	if first.Seq != 1 || first.Type != eventlog.TypeStatus {
		t.Fatalf("unexpected first frame: %+v", first)
	}
	var last struct {
		Type   string      `json:"type"`
		Status runs.Status `json:"status"`
	}
	if err := json.Unmarshal(writer.messages[len(writer.messages)-1], &last); err != nil {
		t.Fatalf("decode last frame: %v", err)
	}
	if last.Type != "complete" || last.Status != runs.StatusCanceled {
		t.Fatalf("unexpected completion frame: %+v", last)
	}
}

func TestStreamWebSocketLiveRun(t *testing.T) {
	h := newAPIHarness(t, llmtest.Text("Finished."))
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	run := h.createQueuedRun(t, "Watch over socket")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/runs/" + run.ID + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	h.expect(t, h.do(t, http.MethodPost, "/api/runs/"+run.ID+"/start", nil), http.StatusAccepted, nil)

	var types []string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v (got %v)", err, types)
		}
		var frame struct {
			Type   string      `json:"type"`
			Status runs.Status `json:"status"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		types = append(types, frame.Type)
		if frame.Type == "complete" {
			if frame.Status != runs.StatusSucceeded {
				t.Fatalf("expected succeeded, got %s", frame.Status)
			}
			break
		}
	}
	if types[0] != "status" || !strings.Contains(strings.Join(types, ","), "message") {
		t.Fatalf("unexpected frames %v", types)
	}
}

func TestStreamWebSocketUnknownRun(t *testing.T) {
	h := newAPIHarness(t)
	h.expect(t, h.do(t, http.MethodGet, "/api/runs/missing/ws", nil), http.StatusNotFound, nil)
}
