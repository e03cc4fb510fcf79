package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/testutil"
)

func seedRun(t *testing.T, db *sql.DB, runID, status string) {
	t.Helper()
	bron := testutil.SeedBron(t, db, "log-test")
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.Exec(`INSERT INTO runs (id, bron_id, title, prompt, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, bron.ID, "t", "p", status, now)
	require.NoError(t, err)
}

func TestAppendAssignsSequentialSeq(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	seedRun(t, db, "run-1", "running")

	log := New(db)
	ctx := context.Background()

	first, err := log.Append(ctx, "run-1", TypeLog, LogPayload{Message: "one", Level: LevelInfo})
	require.NoError(t, err)
	second, err := log.Append(ctx, "run-1", TypeLog, LogPayload{Message: "two", Level: LevelInfo})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)

	var payload LogPayload
	require.NoError(t, second.Decode(&payload))
	assert.Equal(t, "two", payload.Message)
}

func TestConcurrentAppendsNeverShareSeq(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	seedRun(t, db, "run-c", "running")

	log := New(db)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			evt, err := log.Append(ctx, "run-c", TypeTool, ToolPayload{Name: "gmail_search", Phase: PhaseEnd})
			if err != nil {
				errCh <- err
				return
			}
			seqs <- evt.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)
	close(errCh)

	for err := range errCh {
		t.Fatalf("append: %v", err)
	}
	seen := map[int64]bool{}
	for seq := range seqs {
		assert.False(t, seen[seq], "duplicate seq %d", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, n)

	events, err := log.Read(ctx, "run-c", 0, 500)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.Seq)
	}
}

func TestReadAfterCursor(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	seedRun(t, db, "run-r", "running")

	log := New(db)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := log.Append(ctx, "run-r", TypeLog, LogPayload{Message: "x", Level: LevelInfo})
		require.NoError(t, err)
	}

	events, err := log.Read(ctx, "run-r", 4, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(5), events[0].Seq)
	assert.Equal(t, int64(6), events[1].Seq)

	capped, err := log.Read(ctx, "run-r", 0, 3)
	require.NoError(t, err)
	assert.Len(t, capped, 3)
}

func TestAppendRejectsTerminalAndMissingRuns(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	seedRun(t, db, "run-done", "succeeded")

	log := New(db)
	ctx := context.Background()

	_, err := log.Append(ctx, "run-done", TypeLog, LogPayload{Message: "late"})
	assert.True(t, errors.Is(err, errs.ErrIllegalState))

	_, err = log.Append(ctx, "nope", TypeLog, LogPayload{Message: "x"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = log.Append(ctx, "run-done", Type("bogus"), nil)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestAppendTxRollsBackOnFnError(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	seedRun(t, db, "run-tx", "running")

	log := New(db)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := log.AppendTx(ctx, "run-tx", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE runs SET status = 'failed' WHERE id = ?`, "run-tx"); err != nil {
			return err
		}
		return boom
	}, TypeStatus, StatusPayload{Status: "failed"})
	require.ErrorIs(t, err, boom)

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM runs WHERE id = ?`, "run-tx").Scan(&status))
	assert.Equal(t, "running", status)

	events, err := log.Read(ctx, "run-tx", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSubscribeReceivesOnlyItsRun(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	seedRun(t, db, "run-a", "running")
	seedRun(t, db, "run-b", "running")

	log := New(db)
	ctx, cancel := context.WithCancel(context.Background())
	sub := log.Subscribe(ctx, "run-a")
	assert.Equal(t, 1, log.SubscriberCount())

	_, err := log.Append(context.Background(), "run-b", TypeLog, LogPayload{Message: "b"})
	require.NoError(t, err)
	_, err = log.Append(context.Background(), "run-a", TypeLog, LogPayload{Message: "a"})
	require.NoError(t, err)

	select {
	case evt := <-sub:
		assert.Equal(t, "run-a", evt.RunID)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event")
	}

	cancel()
	for range sub {
	}
	assert.Equal(t, 0, log.SubscriberCount())
}

func TestAppendWithWriteContention(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	seedRun(t, db, "run-w", "running")

	log := New(db)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec(`UPDATE runs SET title = 'held' WHERE id = ?`, "run-w")
	if err != nil {
		_ = tx.Rollback()
		t.Fatalf("hold write lock: %v", err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = tx.Commit()
	}()

	evt, err := log.Append(context.Background(), "run-w", TypeLog, LogPayload{Message: "contention"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), evt.Seq)
}
