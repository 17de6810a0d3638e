package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory IndexStore double: no SQL, no file I/O, safe for
// concurrent use (one mutex guards every method). It implements the same upsert
// state machine as SQLStore so driver- and scheduler-level tests can assert
// on UpsertAction without spinning up real SQLite.
type MemStore struct {
	mu sync.Mutex

	dirs       map[string]int64
	nextDirID  int64
	items      map[int64]FileItem
	nextItemID int64
	schedules  map[int64]ScheduleDone
	nextSchedID int64
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		dirs:      make(map[string]int64),
		items:     make(map[int64]FileItem),
		schedules: make(map[int64]ScheduleDone),
	}
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) InsertDirectory(_ context.Context, path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.dirs[path]; ok {
		return id, nil
	}

	m.nextDirID++
	m.dirs[path] = m.nextDirID

	return m.nextDirID, nil
}

func (m *MemStore) FindDirectory(_ context.Context, path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.dirs[path]
	if !ok {
		return 0, ErrNotFound
	}

	return id, nil
}

func (m *MemStore) CountDirectory(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.dirs)), nil
}

func (m *MemStore) findLocked(dirID int64, path string) (FileItem, bool) {
	for _, it := range m.items {
		if it.DirID == dirID && it.Path == path {
			return it, true
		}
	}

	return FileItem{}, false
}

func (m *MemStore) FindRemoteFileItem(_ context.Context, dirID int64, path string) (FileItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.findLocked(dirID, path)
	if !ok {
		return FileItem{}, ErrNotFound
	}

	return it, nil
}

func (m *MemStore) UpsertRemoteFileItem(_ context.Context, item FileItem, batch bool) (FileItem, UpsertAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.findLocked(item.DirID, item.Path)
	if !ok {
		if batch {
			return item, ActionInsert, nil
		}

		m.nextItemID++
		item.ID = m.nextItemID

		if item.Created.IsZero() {
			item.Created = time.Now().UTC()
		}

		m.items[item.ID] = item

		return item, ActionInsert, nil
	}

	if existing.Len != item.Len || existing.Sha1 != item.Sha1 || !existing.Modified.Equal(item.Modified) {
		item.ID = existing.ID
		item.Changed = true
		item.Created = existing.Created

		if !batch {
			m.items[item.ID] = item
		}

		return item, ActionUpdate, nil
	}

	if existing.Changed {
		existing.Changed = false

		if !batch {
			m.items[existing.ID] = existing
		}

		return existing, ActionUpdateChangedField, nil
	}

	return existing, ActionNoOp, nil
}

func (m *MemStore) CountRemoteFileItem(_ context.Context, changed *bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if changed == nil {
		return int64(len(m.items)), nil
	}

	var n int64

	for _, it := range m.items {
		if it.Changed == *changed {
			n++
		}
	}

	return n, nil
}

func (m *MemStore) IterateFilesByDirectory(_ context.Context, onDirectory func(int64, string) error, onFile func(FileItem) error) error {
	m.mu.Lock()

	type dir struct {
		id   int64
		path string
	}

	dirs := make([]dir, 0, len(m.dirs))
	for path, id := range m.dirs {
		dirs = append(dirs, dir{id: id, path: path})
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].id < dirs[j].id })

	byDir := make(map[int64][]FileItem, len(m.dirs))
	for _, it := range m.items {
		byDir[it.DirID] = append(byDir[it.DirID], it)
	}

	for id := range byDir {
		sort.Slice(byDir[id], func(i, j int) bool { return byDir[id][i].Path < byDir[id][j].Path })
	}

	m.mu.Unlock()

	for _, d := range dirs {
		if err := onDirectory(d.id, d.path); err != nil {
			return err
		}

		for _, it := range byDir[d.id] {
			if err := onFile(it); err != nil {
				return err
			}
		}
	}

	return nil
}

// ExecuteBatch is a no-op: MemStore has no deferred-write log to replay
// because UpsertRemoteFileItem(batch=true) never stages real mutations here.
func (m *MemStore) ExecuteBatch(_ context.Context, _ []string) error {
	return nil
}

func (m *MemStore) FindNextExecute(_ context.Context, serverYmlPath, taskName string) (ScheduleDone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best  ScheduleDone
		found bool
	)

	for _, sd := range m.schedules {
		if sd.ServerYmlPath != serverYmlPath || sd.TaskName != taskName {
			continue
		}

		if !found || sd.TimeExecution.After(best.TimeExecution) {
			best = sd
			found = true
		}
	}

	if !found {
		return ScheduleDone{}, ErrNotFound
	}

	return best, nil
}

func (m *MemStore) InsertNextExecute(_ context.Context, serverYmlPath, taskName string, timeExecution time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sd := range m.schedules {
		if sd.ServerYmlPath == serverYmlPath && sd.TaskName == taskName && !sd.Done {
			return fmt.Errorf("store: pending schedule_done row already exists for %s/%s", serverYmlPath, taskName)
		}
	}

	m.nextSchedID++
	m.schedules[m.nextSchedID] = ScheduleDone{
		ID:            m.nextSchedID,
		ServerYmlPath: serverYmlPath,
		TaskName:      taskName,
		TimeExecution: timeExecution,
	}

	return nil
}

func (m *MemStore) UpdateNextExecuteDone(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sd, ok := m.schedules[id]
	if !ok {
		return ErrNotFound
	}

	sd.Done = true
	m.schedules[id] = sd

	return nil
}

func (m *MemStore) DeleteNextExecute(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.schedules, id)

	return nil
}

func (m *MemStore) CountNextExecute(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.schedules)), nil
}

func (m *MemStore) PruneScheduleDone(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64

	for id, sd := range m.schedules {
		if sd.Done && sd.TimeExecution.Before(olderThan) {
			delete(m.schedules, id)
			n++
		}
	}

	return n, nil
}

var _ IndexStore = (*MemStore)(nil)
var _ IndexStore = (*SQLStore)(nil)
