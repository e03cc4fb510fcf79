package api

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/runs"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

type wsPinger interface {
	Ping(ctx context.Context) error
}

// handleStreamWS sends the same event JSON as the SSE stream, one event per
// text frame, followed by {"type":"complete","status":...}.
func (s *Server) handleStreamWS(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")
	if _, err := s.Runs.Get(ctx, runID); err != nil {
		return err
	}
	afterSeq, err := parseSeq(c.QueryParam("afterSeq"))
	if err != nil {
		return err
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx = conn.CloseRead(ctx)
	if err := s.follow(ctx, runID, afterSeq, &wsSink{ctx: ctx, w: conn, p: conn}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return nil
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
	return nil
}

type wsSink struct {
	ctx context.Context
	w   wsWriter
	p   wsPinger
}

func (s *wsSink) Event(evt eventlog.Event) error {
	return s.send(evt)
}

func (s *wsSink) Heartbeat() error {
	if s.p == nil {
		return nil
	}
	return s.p.Ping(s.ctx)
}

func (s *wsSink) Failure(msg string) error {
	return s.send(map[string]string{"type": "error", "message": msg})
}

func (s *wsSink) Complete(status runs.Status) error {
	return s.send(map[string]any{"type": "complete", "status": status})
}

func (s *wsSink) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.w.Write(s.ctx, websocket.MessageText, payload)
}
