package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/brons/internal/errs"
)

// Log is the append-only, per-run sequenced event store. Appends for the
// same run are serialized in-process and the sequence number is computed
// inside the insert statement, so concurrent writers never share a seq.
type Log struct {
	db    *sql.DB
	nowFn func() time.Time

	lockMu sync.Mutex
	locks  map[string]*runLock

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

type subscriber struct {
	runID string
	ch    chan Event
}

type Option func(*Log)

func WithClock(nowFn func() time.Time) Option {
	return func(l *Log) {
		if nowFn != nil {
			l.nowFn = nowFn
		}
	}
}

func New(db *sql.DB, opts ...Option) *Log {
	l := &Log{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
		locks: map[string]*runLock{},
		subs:  map[string]*subscriber{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Log) Append(ctx context.Context, runID string, typ Type, payload any) (Event, error) {
	return l.AppendTx(ctx, runID, nil, typ, payload)
}

// AppendTx runs fn and the event insert in one transaction. If fn fails
// nothing is written. Runs that already reached a terminal status accept
// no further events.
func (l *Log) AppendTx(ctx context.Context, runID string, fn func(*sql.Tx) error, typ Type, payload any) (Event, error) {
	return l.append(ctx, runID, fn, typ, payload, true)
}

// AppendNew writes the first event of a run whose row is inserted by fn.
func (l *Log) AppendNew(ctx context.Context, runID string, fn func(*sql.Tx) error, typ Type, payload any) (Event, error) {
	return l.append(ctx, runID, fn, typ, payload, false)
}

func (l *Log) append(ctx context.Context, runID string, fn func(*sql.Tx) error, typ Type, payload any, guard bool) (Event, error) {
	if strings.TrimSpace(runID) == "" {
		return Event{}, errs.Validation("run id is required")
	}
	if !typ.Valid() {
		return Event{}, errs.Validation("unknown event type %q", typ)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode payload: %w", err)
	}

	unlock := l.lock(runID)
	defer unlock()

	var evt Event
	err = withBusyRetry(ctx, func() error {
		var txErr error
		evt, txErr = l.appendOnce(ctx, runID, fn, typ, data, guard)
		return txErr
	})
	if err != nil {
		return Event{}, err
	}

	l.broadcast(evt)
	return evt, nil
}

func (l *Log) appendOnce(ctx context.Context, runID string, fn func(*sql.Tx) error, typ Type, data []byte, guard bool) (Event, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if guard {
		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, errs.NotFound("run")
		}
		if err != nil {
			return Event{}, fmt.Errorf("load run status: %w", err)
		}
		if isTerminal(status) {
			return Event{}, errs.IllegalState("run %s is %s and accepts no events", runID, status)
		}
	}

	if fn != nil {
		if err := fn(tx); err != nil {
			return Event{}, err
		}
	}

	evt := Event{
		ID:        ulid.Make().String(),
		RunID:     runID,
		Type:      typ,
		Payload:   json.RawMessage(data),
		CreatedAt: l.nowFn(),
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO run_events (id, run_id, seq, type, payload, created_at)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ? FROM run_events WHERE run_id = ?
		RETURNING seq
	`, evt.ID, runID, string(typ), string(data), evt.CreatedAt.Format(time.RFC3339Nano), runID).Scan(&evt.Seq)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("commit event: %w", err)
	}
	return evt, nil
}

// Read returns events with seq > afterSeq in ascending order.
func (l *Log) Read(ctx context.Context, runID string, afterSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, run_id, seq, type, payload, created_at FROM run_events
		WHERE run_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?
	`, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var evt Event
		var typ, payload, createdAt string
		if err := rows.Scan(&evt.ID, &evt.RunID, &evt.Seq, &typ, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Type = Type(typ)
		evt.Payload = json.RawMessage(payload)
		evt.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Subscribe delivers events committed after the call. Delivery is lossy:
// slow subscribers miss events and should fall back to Read. An empty
// runID subscribes to every run.
func (l *Log) Subscribe(ctx context.Context, runID string) <-chan Event {
	ch := make(chan Event, 64)
	id := ulid.Make().String()

	l.mu.Lock()
	l.subs[id] = &subscriber{runID: runID, ch: ch}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (l *Log) SubscriberCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

func (l *Log) broadcast(evt Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, sub := range l.subs {
		if sub.runID != "" && sub.runID != evt.RunID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func (l *Log) lock(runID string) func() {
	l.lockMu.Lock()
	rl, ok := l.locks[runID]
	if !ok {
		rl = &runLock{}
		l.locks[runID] = rl
	}
	rl.refs++
	l.lockMu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.lockMu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, runID)
		}
		l.lockMu.Unlock()
	}
}

func isTerminal(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	default:
		return false
	}
}

func withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = fn()
		if err == nil || !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
		}
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
