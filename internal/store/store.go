// Package store is the persisted index (C5): one SQLite database per hub,
// tracking every directory scanned and every RemoteFileItem last seen for
// it, plus the schedule_done ledger the scheduler uses to survive restarts.
// Schema is versioned with embedded goose migrations; the database itself is
// a pure-Go modernc.org/sqlite file, opened sole-writer (one connection).
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go driver, registered under "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// UpsertAction reports what UpsertRemoteFileItem did (or would have done,
// in batch mode) against the persisted row.
type UpsertAction int

const (
	// ActionNoOp means the row already matched; nothing changed.
	ActionNoOp UpsertAction = iota
	// ActionInsert means no row existed for (dir_id, path).
	ActionInsert
	// ActionUpdate means len, sha1 or modified differed from the stored row.
	ActionUpdate
	// ActionUpdateChangedField means the content matched but the row's
	// changed flag was still set from a previous cycle and has been cleared.
	ActionUpdateChangedField
)

func (a UpsertAction) String() string {
	switch a {
	case ActionNoOp:
		return "no_op"
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionUpdateChangedField:
		return "update_changed_field"
	default:
		return "unknown"
	}
}

// FileItem mirrors one remote_file_item row.
type FileItem struct {
	ID           int64
	Path         string
	Sha1         string
	Len          uint64
	Modified     time.Time
	HasModified  bool
	Created      time.Time
	DirID        int64
	Changed      bool
}

// ScheduleDone mirrors one schedule_done row: the most recent execution
// record for a (server_yml_path, task_name) pair.
type ScheduleDone struct {
	ID            int64
	ServerYmlPath string
	TaskName      string
	TimeExecution time.Time
	Done          bool
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// IndexStore is the persistence port C5's callers program against; SQLStore
// is the real modernc.org/sqlite-backed implementation and MemStore (see
// mock.go) is an in-memory double for tests that don't need real SQL.
type IndexStore interface {
	InsertDirectory(ctx context.Context, path string) (int64, error)
	FindDirectory(ctx context.Context, path string) (int64, error)
	CountDirectory(ctx context.Context) (int64, error)

	FindRemoteFileItem(ctx context.Context, dirID int64, path string) (FileItem, error)
	UpsertRemoteFileItem(ctx context.Context, item FileItem, batch bool) (FileItem, UpsertAction, error)
	CountRemoteFileItem(ctx context.Context, changed *bool) (int64, error)
	IterateFilesByDirectory(ctx context.Context, onDirectory func(dirID int64, path string) error, onFile func(FileItem) error) error
	ExecuteBatch(ctx context.Context, statements []string) error

	FindNextExecute(ctx context.Context, serverYmlPath, taskName string) (ScheduleDone, error)
	InsertNextExecute(ctx context.Context, serverYmlPath, taskName string, timeExecution time.Time) error
	UpdateNextExecuteDone(ctx context.Context, id int64) error
	DeleteNextExecute(ctx context.Context, id int64) error
	CountNextExecute(ctx context.Context) (int64, error)
	PruneScheduleDone(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// SQLStore is the modernc.org/sqlite-backed IndexStore.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if absent) the SQLite database at dbPath, applies WAL
// and busy-timeout pragmas suited to a single long-lived writer process, runs
// pending migrations, and returns a ready SQLStore. Pass ":memory:" for an
// ephemeral database, mainly useful in tests.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
				"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
			dbPath,
		)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", dbPath, err)
	}

	// Sole-writer: modernc.org/sqlite serializes writers at the OS file-lock
	// level anyway, but a single connection avoids SQLITE_BUSY churn between
	// this process's own goroutines.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLStore{db: db, logger: logger}, nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration", slog.String("source", r.Source.Path))
	}

	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// InsertDirectory inserts path, returning its id. If path is already
// registered, the existing id is returned instead of a unique-constraint
// error.
func (s *SQLStore) InsertDirectory(ctx context.Context, path string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO directory (path) VALUES (?)`, path)
	if err != nil {
		if isUniqueViolation(err) {
			s.logger.Warn("directory already registered", slog.String("path", path))
			return s.FindDirectory(ctx, path)
		}

		return 0, fmt.Errorf("store: insert directory %s: %w", path, err)
	}

	return res.LastInsertId()
}

// FindDirectory returns the id registered for path.
func (s *SQLStore) FindDirectory(ctx context.Context, path string) (int64, error) {
	var id int64

	err := s.db.QueryRowContext(ctx, `SELECT id FROM directory WHERE path = ?`, path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("store: find directory %s: %w", path, err)
	}

	return id, nil
}

// CountDirectory returns the number of registered directories.
func (s *SQLStore) CountDirectory(ctx context.Context) (int64, error) {
	var n int64

	err := s.db.QueryRowContext(ctx, `SELECT count(id) FROM directory`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count directory: %w", err)
	}

	return n, nil
}

const selectFileItemColumns = `id, path, sha1, len, time_modified, time_created, dir_id, changed`

func scanFileItem(row *sql.Row) (FileItem, error) {
	var (
		it       FileItem
		sha1     sql.NullString
		modified sql.NullString
		created  string
	)

	if err := row.Scan(&it.ID, &it.Path, &sha1, &it.Len, &modified, &created, &it.DirID, &it.Changed); err != nil {
		return FileItem{}, err
	}

	it.Sha1 = sha1.String

	if modified.Valid {
		t, err := time.Parse(time.RFC3339Nano, modified.String)
		if err != nil {
			return FileItem{}, fmt.Errorf("store: parsing time_modified %q: %w", modified.String, err)
		}

		it.Modified = t
		it.HasModified = true
	}

	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return FileItem{}, fmt.Errorf("store: parsing time_created %q: %w", created, err)
	}

	it.Created = t

	return it, nil
}

// FindRemoteFileItem returns the row for (dirID, path), or ErrNotFound.
func (s *SQLStore) FindRemoteFileItem(ctx context.Context, dirID int64, path string) (FileItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectFileItemColumns+` FROM remote_file_item WHERE dir_id = ? AND path = ?`,
		dirID, path)

	it, err := scanFileItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileItem{}, ErrNotFound
	}

	if err != nil {
		return FileItem{}, fmt.Errorf("store: find remote file item %d/%s: %w", dirID, path, err)
	}

	return it, nil
}

// UpsertRemoteFileItem reconciles item against the stored row for
// (item.DirID, item.Path):
//
//   - no row exists: ActionInsert. When batch is false the row is inserted
//     immediately and item.ID is populated; when batch is true the insert is
//     left to the caller (see ExecuteBatch) and item is returned unmodified.
//   - row exists and len/sha1/modified differ: ActionUpdate, changed set.
//     When batch is false the row is updated immediately.
//   - row exists, content matches, but the stored changed flag is still set
//     from a previous cycle: ActionUpdateChangedField, clearing it (again
//     immediate unless batch).
//   - row exists, content matches, changed already false: ActionNoOp.
func (s *SQLStore) UpsertRemoteFileItem(ctx context.Context, item FileItem, batch bool) (FileItem, UpsertAction, error) {
	existing, err := s.FindRemoteFileItem(ctx, item.DirID, item.Path)
	if errors.Is(err, ErrNotFound) {
		if batch {
			return item, ActionInsert, nil
		}

		if item.Created.IsZero() {
			item.Created = time.Now().UTC()
		}

		res, err := s.db.ExecContext(ctx,
			`INSERT INTO remote_file_item (path, sha1, len, time_modified, time_created, dir_id, changed)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			item.Path, nullableString(item.Sha1), item.Len, nullableTime(item.Modified, item.HasModified),
			item.Created.Format(time.RFC3339Nano), item.DirID, item.Changed)
		if err != nil {
			return FileItem{}, ActionNoOp, fmt.Errorf("store: insert remote file item %s: %w", item.Path, err)
		}

		item.ID, err = res.LastInsertId()
		if err != nil {
			return FileItem{}, ActionNoOp, fmt.Errorf("store: insert remote file item %s: %w", item.Path, err)
		}

		return item, ActionInsert, nil
	}

	if err != nil {
		return FileItem{}, ActionNoOp, err
	}

	if existing.Len != item.Len || existing.Sha1 != item.Sha1 || !existing.Modified.Equal(item.Modified) {
		item.ID = existing.ID
		item.Changed = true

		if !batch {
			_, err := s.db.ExecContext(ctx,
				`UPDATE remote_file_item SET len = ?, sha1 = ?, time_modified = ?, changed = 1 WHERE id = ?`,
				item.Len, nullableString(item.Sha1), nullableTime(item.Modified, item.HasModified), item.ID)
			if err != nil {
				return FileItem{}, ActionNoOp, fmt.Errorf("store: update remote file item %d: %w", item.ID, err)
			}
		}

		return item, ActionUpdate, nil
	}

	if existing.Changed {
		existing.Changed = false

		if !batch {
			if _, err := s.db.ExecContext(ctx, `UPDATE remote_file_item SET changed = 0 WHERE id = ?`, existing.ID); err != nil {
				return FileItem{}, ActionNoOp, fmt.Errorf("store: clear changed flag %d: %w", existing.ID, err)
			}
		}

		return existing, ActionUpdateChangedField, nil
	}

	return existing, ActionNoOp, nil
}

// CountRemoteFileItem counts remote_file_item rows, optionally filtered by
// the changed flag.
func (s *SQLStore) CountRemoteFileItem(ctx context.Context, changed *bool) (int64, error) {
	var (
		n   int64
		err error
	)

	if changed == nil {
		err = s.db.QueryRowContext(ctx, `SELECT count(id) FROM remote_file_item`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT count(id) FROM remote_file_item WHERE changed = ?`, *changed).Scan(&n)
	}

	if err != nil {
		return 0, fmt.Errorf("store: count remote file item: %w", err)
	}

	return n, nil
}

// IterateFilesByDirectory walks every directory row (calling onDirectory
// once per directory) followed by every remote_file_item row belonging to
// it (calling onFile once per file), stopping at the first error from
// either callback.
func (s *SQLStore) IterateFilesByDirectory(ctx context.Context, onDirectory func(int64, string) error, onFile func(FileItem) error) error {
	dirRows, err := s.db.QueryContext(ctx, `SELECT id, path FROM directory`)
	if err != nil {
		return fmt.Errorf("store: listing directories: %w", err)
	}

	type dir struct {
		id   int64
		path string
	}

	var dirs []dir

	for dirRows.Next() {
		var d dir
		if err := dirRows.Scan(&d.id, &d.path); err != nil {
			dirRows.Close()
			return fmt.Errorf("store: scanning directory row: %w", err)
		}

		dirs = append(dirs, d)
	}

	dirRows.Close()

	if err := dirRows.Err(); err != nil {
		return fmt.Errorf("store: listing directories: %w", err)
	}

	for _, d := range dirs {
		if err := onDirectory(d.id, d.path); err != nil {
			return err
		}

		rows, err := s.db.QueryContext(ctx, `SELECT `+selectFileItemColumns+` FROM remote_file_item WHERE dir_id = ?`, d.id)
		if err != nil {
			return fmt.Errorf("store: listing files for directory %d: %w", d.id, err)
		}

		walkErr := func() error {
			defer rows.Close()

			for rows.Next() {
				it, err := scanRowsFileItem(rows)
				if err != nil {
					return err
				}

				if err := onFile(it); err != nil {
					return err
				}
			}

			return rows.Err()
		}()
		if walkErr != nil {
			return walkErr
		}
	}

	return nil
}

func scanRowsFileItem(rows *sql.Rows) (FileItem, error) {
	var (
		it       FileItem
		sha1     sql.NullString
		modified sql.NullString
		created  string
	)

	if err := rows.Scan(&it.ID, &it.Path, &sha1, &it.Len, &modified, &created, &it.DirID, &it.Changed); err != nil {
		return FileItem{}, fmt.Errorf("store: scanning file item row: %w", err)
	}

	it.Sha1 = sha1.String

	if modified.Valid {
		t, err := time.Parse(time.RFC3339Nano, modified.String)
		if err != nil {
			return FileItem{}, fmt.Errorf("store: parsing time_modified %q: %w", modified.String, err)
		}

		it.Modified = t
		it.HasModified = true
	}

	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return FileItem{}, fmt.Errorf("store: parsing time_created %q: %w", created, err)
	}

	it.Created = t

	return it, nil
}

// ExecuteBatch runs statements inside a single transaction, for the deferred
// inserts/updates UpsertRemoteFileItem leaves undone when batch is true.
func (s *SQLStore) ExecuteBatch(ctx context.Context, statements []string) error {
	if len(statements) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin batch: %w", err)
	}

	for _, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}

		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: executing batch statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing batch: %w", err)
	}

	return nil
}

// FindNextExecute returns the most recent schedule_done row for
// (serverYmlPath, taskName), or ErrNotFound.
func (s *SQLStore) FindNextExecute(ctx context.Context, serverYmlPath, taskName string) (ScheduleDone, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, server_yml_path, task_name, time_execution, done FROM schedule_done
		 WHERE server_yml_path = ? AND task_name = ?
		 ORDER BY time_execution DESC LIMIT 1`,
		serverYmlPath, taskName)

	var (
		sd   ScheduleDone
		when string
	)

	err := row.Scan(&sd.ID, &sd.ServerYmlPath, &sd.TaskName, &when, &sd.Done)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleDone{}, ErrNotFound
	}

	if err != nil {
		return ScheduleDone{}, fmt.Errorf("store: find next execute %s/%s: %w", serverYmlPath, taskName, err)
	}

	sd.TimeExecution, err = time.Parse(time.RFC3339Nano, when)
	if err != nil {
		return ScheduleDone{}, fmt.Errorf("store: parsing time_execution %q: %w", when, err)
	}

	return sd, nil
}

// InsertNextExecute records a pending (not-yet-done) schedule_done row.
func (s *SQLStore) InsertNextExecute(ctx context.Context, serverYmlPath, taskName string, timeExecution time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_done (server_yml_path, task_name, time_execution, done) VALUES (?, ?, ?, 0)`,
		serverYmlPath, taskName, timeExecution.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert next execute %s/%s: %w", serverYmlPath, taskName, err)
	}

	return nil
}

// UpdateNextExecuteDone marks a schedule_done row complete.
func (s *SQLStore) UpdateNextExecuteDone(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE schedule_done SET done = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: mark next execute %d done: %w", id, err)
	}

	return nil
}

// DeleteNextExecute removes a schedule_done row.
func (s *SQLStore) DeleteNextExecute(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedule_done WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete next execute %d: %w", id, err)
	}

	return nil
}

// CountNextExecute returns the number of schedule_done rows.
func (s *SQLStore) CountNextExecute(ctx context.Context) (int64, error) {
	var n int64

	if err := s.db.QueryRowContext(ctx, `SELECT count(id) FROM schedule_done`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count next execute: %w", err)
	}

	return n, nil
}

// PruneScheduleDone deletes completed schedule_done rows older than
// olderThan, implementing the retention window (schedule_retention_days).
// Returns the number of rows removed.
func (s *SQLStore) PruneScheduleDone(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedule_done WHERE done = 1 AND time_execution < ?`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("store: pruning schedule_done: %w", err)
	}

	return res.RowsAffected()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func nullableTime(t time.Time, has bool) any {
	if !has {
		return nil
	}

	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
