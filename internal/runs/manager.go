package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/idgen"
)

// Prompt and title limits, counted in characters.
const (
	MaxPromptLen = 10000
	MaxTitleLen  = 200
)

type Status string

const (
	StatusQueued        Status = "queued"
	StatusRunning       Status = "running"
	StatusNeedsApproval Status = "needs_approval"
	StatusSucceeded     Status = "succeeded"
	StatusFailed        Status = "failed"
	StatusCanceled      Status = "canceled"
)

// RunError is the terminal error recorded on a failed run.
type RunError struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

type Run struct {
	ID          string     `json:"id"`
	BronID      string     `json:"bron_id"`
	ParentRunID string     `json:"parent_run_id,omitempty"`
	Title       string     `json:"title"`
	Prompt      string     `json:"prompt"`
	Status      Status     `json:"status"`
	Error       *RunError  `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type Spec struct {
	BronID      string `json:"bron_id"`
	ParentRunID string `json:"parent_run_id,omitempty"`
	Title       string `json:"title,omitempty"`
	Prompt      string `json:"prompt"`
}

type ListFilter struct {
	BronID      string
	ParentRunID string
	Status      Status
	Limit       int
}

type Manager struct {
	db     *sql.DB
	log    *eventlog.Log
	logger *slog.Logger

	nowFn   func() time.Time
	newIDFn func() string
}

var ErrInvalidStatusTransition = errors.New("invalid run status transition")

type StatusTransitionError struct {
	RunID string
	From  Status
	To    Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid run status transition for %s: %s -> %s", e.RunID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() []error {
	return []error{ErrInvalidStatusTransition, errs.ErrIllegalState}
}

type Option func(*Manager)

func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(m *Manager) {
		if newIDFn != nil {
			m.newIDFn = newIDFn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(db *sql.DB, log *eventlog.Log, opts ...Option) *Manager {
	m := &Manager{
		db:      db,
		log:     log,
		logger:  slog.Default(),
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) now() time.Time {
	return m.nowFn().UTC()
}

// Create inserts a queued run together with its first status event.
func (m *Manager) Create(ctx context.Context, spec Spec) (Run, error) {
	prompt := strings.TrimSpace(spec.Prompt)
	if strings.TrimSpace(spec.BronID) == "" {
		return Run{}, errs.Validation("bron_id is required")
	}
	if prompt == "" {
		return Run{}, errs.Validation("prompt is required")
	}
	if utf8.RuneCountInString(spec.Prompt) > MaxPromptLen {
		return Run{}, errs.Validation("prompt must be at most %d characters", MaxPromptLen)
	}
	if utf8.RuneCountInString(spec.Title) > MaxTitleLen {
		return Run{}, errs.Validation("title must be at most %d characters", MaxTitleLen)
	}
	if err := m.requireBron(ctx, spec.BronID); err != nil {
		return Run{}, err
	}
	if spec.ParentRunID != "" {
		if _, err := m.Get(ctx, spec.ParentRunID); err != nil {
			return Run{}, fmt.Errorf("parent run: %w", err)
		}
	}

	title := strings.TrimSpace(spec.Title)
	if title == "" {
		title = GenerateTitle(spec.Prompt)
	}
	run := Run{
		ID:          m.newIDFn(),
		BronID:      spec.BronID,
		ParentRunID: spec.ParentRunID,
		Title:       title,
		Prompt:      spec.Prompt,
		Status:      StatusQueued,
		CreatedAt:   m.now(),
	}

	_, err := m.log.AppendNew(ctx, run.ID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, bron_id, parent_run_id, title, prompt, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.ID, run.BronID, nullString(run.ParentRunID), run.Title, run.Prompt, run.Status, formatTime(run.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	}, eventlog.TypeStatus, eventlog.StatusPayload{Status: string(StatusQueued)})
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

func (m *Manager) Get(ctx context.Context, runID string) (Run, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, bron_id, parent_run_id, title, prompt, status, error, created_at, started_at, finished_at
		FROM runs WHERE id = ?
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, errs.NotFound("run")
	}
	if err != nil {
		return Run{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

func (m *Manager) List(ctx context.Context, filter ListFilter) ([]Run, error) {
	query := `SELECT id, bron_id, parent_run_id, title, prompt, status, error, created_at, started_at, finished_at FROM runs`
	var clauses []string
	var args []any
	if filter.BronID != "" {
		clauses = append(clauses, "bron_id = ?")
		args = append(args, filter.BronID)
	}
	if filter.ParentRunID != "" {
		clauses = append(clauses, "parent_run_id = ?")
		args = append(args, filter.ParentRunID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	order := "DESC"
	if filter.ParentRunID != "" {
		order = "ASC"
	}
	query += " ORDER BY created_at " + order + " LIMIT ?"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (m *Manager) Children(ctx context.Context, parentRunID string) ([]Run, error) {
	return m.List(ctx, ListFilter{ParentRunID: parentRunID, Limit: 1000})
}

// Transition moves a run to status `to` and appends the matching status
// event in the same transaction. Entering running stamps started_at;
// entering a terminal status stamps finished_at and records runErr.
func (m *Manager) Transition(ctx context.Context, runID string, to Status, runErr *RunError) (Run, error) {
	current, err := m.currentStatus(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if !canTransition(current, to) {
		return Run{}, &StatusTransitionError{RunID: runID, From: current, To: to}
	}
	if to == StatusFailed && (runErr == nil || strings.TrimSpace(runErr.Message) == "") {
		runErr = &RunError{Message: "run failed"}
	}
	if to != StatusFailed && to != StatusCanceled {
		runErr = nil
	}
	errJSON, err := encodeJSON(runErr)
	if err != nil {
		return Run{}, fmt.Errorf("encode run error: %w", err)
	}
	now := formatTime(m.now())

	_, err = m.log.AppendTx(ctx, runID, func(tx *sql.Tx) error {
		query := `UPDATE runs SET status = ?, error = ?`
		args := []any{to, nullString(errJSON)}
		if to == StatusRunning {
			query += `, started_at = ?`
			args = append(args, now)
		}
		if IsTerminalStatus(to) {
			query += `, finished_at = ?`
			args = append(args, now)
		}
		query += ` WHERE id = ? AND status = ?`
		args = append(args, runID, current)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update run status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update run status rows affected: %w", err)
		}
		if affected == 0 {
			var latest Status
			if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&latest); err != nil {
				return fmt.Errorf("load run status: %w", err)
			}
			return &StatusTransitionError{RunID: runID, From: latest, To: to}
		}
		return nil
	}, eventlog.TypeStatus, eventlog.StatusPayload{Status: string(to)})
	if err != nil {
		var transitionErr *StatusTransitionError
		if !errors.As(err, &transitionErr) && errors.Is(err, errs.ErrIllegalState) {
			// The run went terminal between the read and the append.
			latest, _ := m.currentStatus(ctx, runID)
			return Run{}, &StatusTransitionError{RunID: runID, From: latest, To: to}
		}
		return Run{}, err
	}

	run, err := m.Get(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if IsTerminalStatus(to) && run.ParentRunID != "" {
		m.notifyParent(ctx, run)
	}
	return run, nil
}

// Cancel stops a non-terminal run and its non-terminal descendants.
func (m *Manager) Cancel(ctx context.Context, runID, reason string) (Run, error) {
	return m.cancelWithChildren(ctx, runID, reason, map[string]struct{}{})
}

func (m *Manager) cancelWithChildren(ctx context.Context, runID, reason string, visited map[string]struct{}) (Run, error) {
	if _, ok := visited[runID]; ok {
		return Run{}, nil
	}
	visited[runID] = struct{}{}

	current, err := m.currentStatus(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if IsTerminalStatus(current) {
		return Run{}, &StatusTransitionError{RunID: runID, From: current, To: StatusCanceled}
	}
	if reason == "" {
		reason = "Run canceled by user"
	}
	if _, err := m.log.Append(ctx, runID, eventlog.TypeLog, eventlog.LogPayload{Message: reason, Level: eventlog.LevelInfo}); err != nil {
		return Run{}, err
	}
	run, err := m.Transition(ctx, runID, StatusCanceled, &RunError{Message: reason, Code: "canceled"})
	if err != nil {
		return Run{}, err
	}

	children, err := m.Children(ctx, runID)
	if err != nil {
		return run, err
	}
	for _, child := range children {
		if IsTerminalStatus(child.Status) {
			continue
		}
		if _, err := m.cancelWithChildren(ctx, child.ID, "Parent run canceled", visited); err != nil {
			var transitionErr *StatusTransitionError
			if errors.As(err, &transitionErr) {
				continue
			}
			return run, err
		}
	}
	return run, nil
}

// RecoverInterrupted fails runs left running by a previous process. Runs
// waiting for approval keep their state.
func (m *Manager) RecoverInterrupted(ctx context.Context) ([]string, error) {
	stuck, err := m.List(ctx, ListFilter{Status: StatusRunning, Limit: 10000})
	if err != nil {
		return nil, err
	}
	var recovered []string
	for _, run := range stuck {
		if _, err := m.log.Append(ctx, run.ID, eventlog.TypeLog, eventlog.LogPayload{Message: "Run interrupted by restart", Level: eventlog.LevelError}); err != nil {
			m.logger.Debug("append log", "run_id", run.ID, "error", err)
		}
		if _, err := m.Transition(ctx, run.ID, StatusFailed, &RunError{Message: "interrupted by restart", Code: "interrupted"}); err != nil {
			m.logger.Warn("recover run", "run_id", run.ID, "error", err)
			continue
		}
		recovered = append(recovered, run.ID)
	}
	return recovered, nil
}

func (m *Manager) notifyParent(ctx context.Context, child Run) {
	_, err := m.log.Append(ctx, child.ParentRunID, eventlog.TypeChildRun, eventlog.ChildRunPayload{
		ChildRunID: child.ID,
		Title:      child.Title,
		Status:     string(child.Status),
	})
	if err != nil {
		m.logger.Debug("child status not mirrored to parent", "parent_run_id", child.ParentRunID, "child_run_id", child.ID, "error", err)
	}
}

func (m *Manager) requireBron(ctx context.Context, bronID string) error {
	var exists int
	err := m.db.QueryRowContext(ctx, `SELECT 1 FROM brons WHERE id = ?`, bronID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound("bron")
	}
	if err != nil {
		return fmt.Errorf("load bron: %w", err)
	}
	return nil
}

func (m *Manager) currentStatus(ctx context.Context, runID string) (Status, error) {
	if runID == "" {
		return "", errs.Validation("run id is required")
	}
	var status Status
	err := m.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errs.NotFound("run")
		}
		return "", fmt.Errorf("load run status: %w", err)
	}
	return status, nil
}

func canTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed || to == StatusCanceled
	case StatusRunning:
		return to == StatusNeedsApproval || to == StatusSucceeded || to == StatusFailed || to == StatusCanceled
	case StatusNeedsApproval:
		return to == StatusSucceeded || to == StatusFailed || to == StatusCanceled
	default:
		return false
	}
}

func IsTerminalStatus(status Status) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var parentID, errStr, startedAt, finishedAt sql.NullString
	var createdAt string
	if err := row.Scan(&run.ID, &run.BronID, &parentID, &run.Title, &run.Prompt, &run.Status, &errStr, &createdAt, &startedAt, &finishedAt); err != nil {
		return Run{}, err
	}
	run.ParentRunID = parentID.String
	run.CreatedAt = parseTime(createdAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		run.FinishedAt = &t
	}
	if errStr.Valid && errStr.String != "" {
		var runErr RunError
		if err := json.Unmarshal([]byte(errStr.String), &runErr); err == nil {
			run.Error = &runErr
		} else {
			run.Error = &RunError{Message: errStr.String}
		}
	}
	return run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func encodeJSON(v *RunError) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
