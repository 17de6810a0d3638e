package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func TestInsertDirectoryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id1, err := s.InsertDirectory(ctx, "/srv/data")
	require.NoError(t, err)

	id2, err := s.InsertDirectory(ctx, "/srv/data")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)

	n, err := s.CountDirectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpsertRemoteFileItemStateMachine(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dirID, err := s.InsertDirectory(ctx, "/srv/data")
	require.NoError(t, err)

	mod1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	item, action, err := s.UpsertRemoteFileItem(ctx, FileItem{
		DirID: dirID, Path: "a.txt", Len: 10, Sha1: "AAA", Modified: mod1, HasModified: true,
	}, false)
	require.NoError(t, err)
	assert.Equal(t, ActionInsert, action)
	assert.NotZero(t, item.ID)

	// same content: no-op
	item2, action2, err := s.UpsertRemoteFileItem(ctx, FileItem{
		DirID: dirID, Path: "a.txt", Len: 10, Sha1: "AAA", Modified: mod1, HasModified: true,
	}, false)
	require.NoError(t, err)
	assert.Equal(t, ActionNoOp, action2)
	assert.Equal(t, item.ID, item2.ID)

	// changed content: update, changed flag set
	mod2 := mod1.Add(time.Hour)
	item3, action3, err := s.UpsertRemoteFileItem(ctx, FileItem{
		DirID: dirID, Path: "a.txt", Len: 20, Sha1: "BBB", Modified: mod2, HasModified: true,
	}, false)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, action3)
	assert.True(t, item3.Changed)

	stored, err := s.FindRemoteFileItem(ctx, dirID, "a.txt")
	require.NoError(t, err)
	assert.True(t, stored.Changed)

	// same content again: changed flag clears via ActionUpdateChangedField
	item4, action4, err := s.UpsertRemoteFileItem(ctx, FileItem{
		DirID: dirID, Path: "a.txt", Len: 20, Sha1: "BBB", Modified: mod2, HasModified: true,
	}, false)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdateChangedField, action4)
	assert.False(t, item4.Changed)
}

func TestUpsertRemoteFileItemBatchDefersWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dirID, err := s.InsertDirectory(ctx, "/srv/data")
	require.NoError(t, err)

	_, action, err := s.UpsertRemoteFileItem(ctx, FileItem{DirID: dirID, Path: "a.txt", Len: 1}, true)
	require.NoError(t, err)
	assert.Equal(t, ActionInsert, action)

	_, err = s.FindRemoteFileItem(ctx, dirID, "a.txt")
	assert.ErrorIs(t, err, ErrNotFound, "batch upsert must not write immediately")
}

func TestCountRemoteFileItemByChanged(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dirID, err := s.InsertDirectory(ctx, "/srv/data")
	require.NoError(t, err)

	_, _, err = s.UpsertRemoteFileItem(ctx, FileItem{DirID: dirID, Path: "a.txt", Len: 1}, false)
	require.NoError(t, err)
	_, _, err = s.UpsertRemoteFileItem(ctx, FileItem{DirID: dirID, Path: "b.txt", Len: 2}, false)
	require.NoError(t, err)
	_, _, err = s.UpsertRemoteFileItem(ctx, FileItem{DirID: dirID, Path: "b.txt", Len: 3}, false)
	require.NoError(t, err)

	changed := true

	n, err := s.CountRemoteFileItem(ctx, &changed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	total, err := s.CountRemoteFileItem(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestIterateFilesByDirectory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dirID, err := s.InsertDirectory(ctx, "/srv/data")
	require.NoError(t, err)
	_, _, err = s.UpsertRemoteFileItem(ctx, FileItem{DirID: dirID, Path: "a.txt", Len: 1}, false)
	require.NoError(t, err)

	var dirsSeen []string
	var filesSeen []string

	err = s.IterateFilesByDirectory(ctx,
		func(_ int64, path string) error { dirsSeen = append(dirsSeen, path); return nil },
		func(it FileItem) error { filesSeen = append(filesSeen, it.Path); return nil },
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"/srv/data"}, dirsSeen)
	assert.Equal(t, []string{"a.txt"}, filesSeen)
}

func TestScheduleDoneLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	when := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertNextExecute(ctx, "servers/a.yml", "backup", when))

	sd, err := s.FindNextExecute(ctx, "servers/a.yml", "backup")
	require.NoError(t, err)
	assert.False(t, sd.Done)

	require.NoError(t, s.UpdateNextExecuteDone(ctx, sd.ID))

	sd2, err := s.FindNextExecute(ctx, "servers/a.yml", "backup")
	require.NoError(t, err)
	assert.True(t, sd2.Done)

	n, err := s.CountNextExecute(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.DeleteNextExecute(ctx, sd2.ID))

	_, err = s.FindNextExecute(ctx, "servers/a.yml", "backup")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertNextExecuteAllowsRepeatedRunsOfTheSameTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertNextExecute(ctx, "servers/a.yml", "backup", first))

	row1, err := s.FindNextExecute(ctx, "servers/a.yml", "backup")
	require.NoError(t, err)
	require.NoError(t, s.UpdateNextExecuteDone(ctx, row1.ID))

	// A recurring schedule inserts a new row for the very same
	// (server_yml_path, task_name) pair on every subsequent fire; this must
	// not collide with the now-done row from the previous slot.
	second := first.Add(24 * time.Hour)
	require.NoError(t, s.InsertNextExecute(ctx, "servers/a.yml", "backup", second))

	row2, err := s.FindNextExecute(ctx, "servers/a.yml", "backup")
	require.NoError(t, err)
	assert.False(t, row2.Done)
	assert.True(t, row2.TimeExecution.Equal(second))

	n, err := s.CountNextExecute(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestInsertNextExecuteRejectsASecondPendingRowForTheSameTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	when := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertNextExecute(ctx, "servers/a.yml", "backup", when))

	// The first row is still pending (not done): a second insert for the
	// same key before it's marked done must fail the partial unique index,
	// mirroring evaluate()'s own in-flight check in internal/scheduler.
	err := s.InsertNextExecute(ctx, "servers/a.yml", "backup", when.Add(time.Minute))
	assert.Error(t, err)
}

func TestPruneScheduleDoneRespectsRetention(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	recent := time.Now().UTC().Add(-1 * time.Hour)

	require.NoError(t, s.InsertNextExecute(ctx, "servers/a.yml", "old-task", old))
	oldRow, err := s.FindNextExecute(ctx, "servers/a.yml", "old-task")
	require.NoError(t, err)
	require.NoError(t, s.UpdateNextExecuteDone(ctx, oldRow.ID))

	require.NoError(t, s.InsertNextExecute(ctx, "servers/a.yml", "recent-task", recent))
	recentRow, err := s.FindNextExecute(ctx, "servers/a.yml", "recent-task")
	require.NoError(t, err)
	require.NoError(t, s.UpdateNextExecuteDone(ctx, recentRow.ID))

	n, err := s.PruneScheduleDone(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	total, err := s.CountNextExecute(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestExecuteBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dirID, err := s.InsertDirectory(ctx, "/srv/data")
	require.NoError(t, err)

	stmts := []string{
		`INSERT INTO remote_file_item (path, sha1, len, time_modified, time_created, dir_id, changed)
		 VALUES ('a.txt', 'AAA', 1, NULL, '2026-01-01T00:00:00Z', ` + itoa(dirID) + `, 0)`,
	}

	require.NoError(t, s.ExecuteBatch(ctx, stmts))

	it, err := s.FindRemoteFileItem(ctx, dirID, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "AAA", it.Sha1)
}

func itoa(n int64) string {
	// local helper to avoid importing strconv just for one call site in a test
	if n == 0 {
		return "0"
	}

	neg := n < 0
	if neg {
		n = -n
	}

	var buf [20]byte

	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	if neg {
		i--
		buf[i] = '-'
	}

	return string(buf[i:])
}
