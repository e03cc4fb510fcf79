package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/idgen"
)

const DefaultSystemPrompt = `You are a helpful personal AI assistant. You can help with various tasks including:
- Searching and reading emails
- Extracting information from attachments
- Drafting and sending emails (with user approval)

Always be clear about what you're doing and ask for confirmation before taking important actions.`

// AvatarColors is the palette new brons pick from when no color is given.
var AvatarColors = []string{
	"#6366f1", "#8b5cf6", "#d946ef", "#ec4899", "#f43f5e", "#ef4444", "#f97316",
	"#eab308", "#84cc16", "#22c55e", "#14b8a6", "#06b6d4", "#0ea5e9", "#3b82f6",
}

type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) DB() *sql.DB { return s.db }

type Bron struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	AvatarColor   string    `json:"avatar_color"`
	SystemPrompt  string    `json:"system_prompt"`
	MemorySummary string    `json:"memory_summary,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type BronInput struct {
	Name         string  `json:"name" yaml:"name"`
	AvatarColor  *string `json:"avatar_color,omitempty" yaml:"avatar_color"`
	SystemPrompt *string `json:"system_prompt,omitempty" yaml:"system_prompt"`
}

type Message struct {
	ID        int64     `json:"id"`
	BronID    string    `json:"bron_id"`
	RunID     string    `json:"run_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Artifact struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Kind      string         `json:"kind"`
	Locator   string         `json:"locator,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Store) CreateBron(ctx context.Context, in BronInput) (Bron, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > 100 {
		return Bron{}, errs.Validation("name must be 1-100 characters")
	}
	color := AvatarColors[rand.IntN(len(AvatarColors))]
	if in.AvatarColor != nil {
		if !validColor(*in.AvatarColor) {
			return Bron{}, errs.Validation("avatar_color must look like #rrggbb")
		}
		color = *in.AvatarColor
	}
	prompt := DefaultSystemPrompt
	if in.SystemPrompt != nil && strings.TrimSpace(*in.SystemPrompt) != "" {
		prompt = *in.SystemPrompt
	}

	bron := Bron{
		ID:           idgen.New(),
		Name:         name,
		AvatarColor:  color,
		SystemPrompt: prompt,
		CreatedAt:    s.nowFn(),
	}
	bron.UpdatedAt = bron.CreatedAt
	_, err := s.db.ExecContext(ctx, `INSERT INTO brons (id, name, avatar_color, system_prompt, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		bron.ID, bron.Name, bron.AvatarColor, bron.SystemPrompt, formatTime(bron.CreatedAt), formatTime(bron.UpdatedAt))
	if err != nil {
		return Bron{}, fmt.Errorf("insert bron: %w", err)
	}
	return bron, nil
}

func (s *Store) GetBron(ctx context.Context, id string) (Bron, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, avatar_color, system_prompt, memory_summary, created_at, updated_at FROM brons WHERE id = ?`, id)
	bron, err := scanBron(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Bron{}, errs.NotFound("bron")
	}
	if err != nil {
		return Bron{}, fmt.Errorf("load bron: %w", err)
	}
	return bron, nil
}

func (s *Store) ListBrons(ctx context.Context, limit int) ([]Bron, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, avatar_color, system_prompt, memory_summary, created_at, updated_at FROM brons ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list brons: %w", err)
	}
	defer rows.Close()

	var out []Bron
	for rows.Next() {
		bron, err := scanBron(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bron: %w", err)
		}
		out = append(out, bron)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate brons: %w", err)
	}
	return out, nil
}

// UpdateBron applies the non-nil fields of in. An empty Name keeps the
// current name.
func (s *Store) UpdateBron(ctx context.Context, id string, in BronInput) (Bron, error) {
	bron, err := s.GetBron(ctx, id)
	if err != nil {
		return Bron{}, err
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		if len(name) > 100 {
			return Bron{}, errs.Validation("name must be 1-100 characters")
		}
		bron.Name = name
	}
	if in.AvatarColor != nil {
		if !validColor(*in.AvatarColor) {
			return Bron{}, errs.Validation("avatar_color must look like #rrggbb")
		}
		bron.AvatarColor = *in.AvatarColor
	}
	if in.SystemPrompt != nil {
		bron.SystemPrompt = *in.SystemPrompt
	}
	bron.UpdatedAt = s.nowFn()
	_, err = s.db.ExecContext(ctx, `UPDATE brons SET name = ?, avatar_color = ?, system_prompt = ?, updated_at = ? WHERE id = ?`,
		bron.Name, bron.AvatarColor, bron.SystemPrompt, formatTime(bron.UpdatedAt), id)
	if err != nil {
		return Bron{}, fmt.Errorf("update bron: %w", err)
	}
	return bron, nil
}

// DeleteBron removes a bron that has never run. Runs are an audit trail
// and keep their bron alive.
func (s *Store) DeleteBron(ctx context.Context, id string) error {
	if _, err := s.GetBron(ctx, id); err != nil {
		return err
	}
	var runCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE bron_id = ?`, id).Scan(&runCount); err != nil {
		return fmt.Errorf("count bron runs: %w", err)
	}
	if runCount > 0 {
		return errs.IllegalState("bron %s has %d runs", id, runCount)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM brons WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete bron: %w", err)
	}
	return nil
}

func (s *Store) UpdateMemorySummary(ctx context.Context, bronID, summary string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE brons SET memory_summary = ?, updated_at = ? WHERE id = ?`,
		nullString(summary), formatTime(s.nowFn()), bronID)
	if err != nil {
		return fmt.Errorf("update memory summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("bron")
	}
	return nil
}

func (s *Store) SaveMessage(ctx context.Context, bronID, runID, role, content string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO bron_messages (bron_id, run_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		bronID, nullString(runID), role, content, formatTime(s.nowFn()))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit messages of a bron, oldest first.
func (s *Store) RecentMessages(ctx context.Context, bronID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bron_id, run_id, role, content, created_at FROM (
			SELECT id, bron_id, run_id, role, content, created_at FROM bron_messages
			WHERE bron_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, bronID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var runID sql.NullString
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.BronID, &runID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.RunID = runID.String
		msg.CreatedAt = parseTime(createdAt)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) CreateArtifact(ctx context.Context, runID, kind, locator string, data map[string]any) (Artifact, error) {
	dataJSON, err := encodeJSON(data)
	if err != nil {
		return Artifact{}, fmt.Errorf("encode artifact data: %w", err)
	}
	art := Artifact{ID: idgen.New(), RunID: runID, Kind: kind, Locator: locator, Data: data, CreatedAt: s.nowFn()}
	_, err = s.db.ExecContext(ctx, `INSERT INTO artifacts (id, run_id, kind, locator, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		art.ID, runID, kind, nullString(locator), nullString(dataJSON), formatTime(art.CreatedAt))
	if err != nil {
		return Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	return art, nil
}

func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, kind, locator, data, created_at FROM artifacts WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := []Artifact{}
	for rows.Next() {
		var art Artifact
		var locator, data sql.NullString
		var createdAt string
		if err := rows.Scan(&art.ID, &art.RunID, &art.Kind, &locator, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		art.Locator = locator.String
		art.Data = decodeJSONMap(data.String)
		art.CreatedAt = parseTime(createdAt)
		out = append(out, art)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBron(row rowScanner) (Bron, error) {
	var bron Bron
	var systemPrompt, memory sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&bron.ID, &bron.Name, &bron.AvatarColor, &systemPrompt, &memory, &createdAt, &updatedAt); err != nil {
		return Bron{}, err
	}
	bron.SystemPrompt = systemPrompt.String
	bron.MemorySummary = memory.String
	bron.CreatedAt = parseTime(createdAt)
	bron.UpdatedAt = parseTime(updatedAt)
	return bron, nil
}

func validColor(v string) bool {
	if len(v) != 7 || v[0] != '#' {
		return false
	}
	for _, c := range v[1:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
