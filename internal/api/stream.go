package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/runs"
)

const (
	defaultHeartbeat    = 15 * time.Second
	defaultPollInterval = 500 * time.Millisecond
	defaultBatchSize    = 50
	defaultRetryDelay   = 2 * time.Second
)

type StreamConfig struct {
	Heartbeat    time.Duration
	PollInterval time.Duration
	BatchSize    int
	RetryDelay   time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Heartbeat <= 0 {
		c.Heartbeat = defaultHeartbeat
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// streamSink receives what a follower produces. Any returned error ends
// the stream; it means the client is gone.
type streamSink interface {
	Event(evt eventlog.Event) error
	Heartbeat() error
	Failure(msg string) error
	Complete(status runs.Status) error
}

// follow delivers the events of runID after afterSeq in order until the
// run is terminal or ctx ends. The log subscription only wakes the loop
// early; events always come from Read, so a lossy subscription never
// drops anything.
func (s *Server) follow(ctx context.Context, runID string, afterSeq int64, sink streamSink) error {
	cfg := s.Stream.withDefaults()
	wake := s.Log.Subscribe(ctx, runID)
	heartbeat := time.NewTicker(cfg.Heartbeat)
	defer heartbeat.Stop()

	lastSeq := afterSeq
	for {
		status, next, err := s.drain(ctx, runID, lastSeq, cfg.BatchSize, sink)
		lastSeq = next
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if _, ok := err.(sinkError); ok {
				return err
			}
			s.logger().Warn("stream poll", "run_id", runID, "error", err)
			if err := sink.Failure("Failed to fetch events"); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(cfg.RetryDelay):
			}
			continue
		}
		if runs.IsTerminalStatus(status) {
			return sink.Complete(status)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if err := sink.Heartbeat(); err != nil {
				return err
			}
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-time.After(cfg.PollInterval):
		}
	}
}

type sinkError struct{ error }

// drain reads the run status first and then every event after lastSeq.
// Terminal status events are committed with the status itself, so a
// terminal status seen here guarantees the drain includes the last event.
func (s *Server) drain(ctx context.Context, runID string, lastSeq int64, batch int, sink streamSink) (runs.Status, int64, error) {
	run, err := s.Runs.Get(ctx, runID)
	if err != nil {
		return "", lastSeq, err
	}
	for {
		events, err := s.Log.Read(ctx, runID, lastSeq, batch)
		if err != nil {
			return "", lastSeq, err
		}
		for _, evt := range events {
			if err := sink.Event(evt); err != nil {
				return "", lastSeq, sinkError{err}
			}
			lastSeq = evt.Seq
		}
		if len(events) < batch {
			return run.Status, lastSeq, nil
		}
	}
}

func (s *Server) handleStream(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")
	if _, err := s.Runs.Get(ctx, runID); err != nil {
		return err
	}
	afterSeq, err := resumeSeq(c)
	if err != nil {
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache, no-transform")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	sse := &sseSink{res: res}
	if err := sse.write("", "connected", map[string]string{"runId": runID}); err != nil {
		return nil
	}
	_ = s.follow(ctx, runID, afterSeq, sse)
	return nil
}

// resumeSeq honors Last-Event-ID from reconnecting EventSource clients
// before the afterSeq query parameter.
func resumeSeq(c echo.Context) (int64, error) {
	if v := c.Request().Header.Get("Last-Event-ID"); v != "" {
		return parseSeq(v)
	}
	return parseSeq(c.QueryParam("afterSeq"))
}

type sseSink struct {
	res *echo.Response
}

func (s *sseSink) Event(evt eventlog.Event) error {
	return s.write(fmt.Sprint(evt.Seq), string(evt.Type), evt)
}

func (s *sseSink) Heartbeat() error {
	if _, err := fmt.Fprint(s.res, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.res.Flush()
	return nil
}

func (s *sseSink) Failure(msg string) error {
	return s.write("", "error", map[string]string{"message": msg})
}

func (s *sseSink) Complete(status runs.Status) error {
	return s.write("", "complete", map[string]runs.Status{"status": status})
}

func (s *sseSink) write(id, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(s.res, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.res, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.res.Flush()
	return nil
}
