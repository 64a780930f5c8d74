package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Transactions are serialized by one
// mutex and applied copy-on-commit, so a failed WithTx leaves no trace.
// It backs tests and the CLI's dry runs; it is not durable.
type MemoryStore struct {
	mu sync.Mutex
	d  *memData
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{d: newMemData()}
}

type memData struct {
	nextTask, nextItem, nextDep, nextFailure int64

	tasks    map[int64]Task
	items    map[int64]Item
	deps     []Dependency
	failures map[int64]Failure
}

func newMemData() *memData {
	return &memData{
		tasks:    make(map[int64]Task),
		items:    make(map[int64]Item),
		failures: make(map[int64]Failure),
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		nextTask:    d.nextTask,
		nextItem:    d.nextItem,
		nextDep:     d.nextDep,
		nextFailure: d.nextFailure,
		tasks:       make(map[int64]Task, len(d.tasks)),
		items:       make(map[int64]Item, len(d.items)),
		deps:        append([]Dependency(nil), d.deps...),
		failures:    make(map[int64]Failure, len(d.failures)),
	}
	for k, v := range d.tasks {
		c.tasks[k] = v
	}
	for k, v := range d.items {
		c.items[k] = v
	}
	for k, v := range d.failures {
		c.failures[k] = v
	}
	return c
}

// WithTx implements Store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.d.clone()
	if err := fn(memQueries{d: work}); err != nil {
		return err
	}
	s.d = work
	return nil
}

func (s *MemoryStore) view() memQueries {
	return memQueries{d: s.d}
}

func (s *MemoryStore) InsertTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertTask(ctx, t)
}

func (s *MemoryStore) UpdateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateTask(ctx, t)
}

func (s *MemoryStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetTask(ctx, id)
}

func (s *MemoryStore) LockTask(ctx context.Context, id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().LockTask(ctx, id)
}

func (s *MemoryStore) ListTasksByStatus(ctx context.Context, status Status, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListTasksByStatus(ctx, status, limit)
}

func (s *MemoryStore) CountRunning(ctx context.Context, importType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CountRunning(ctx, importType)
}

func (s *MemoryStore) FindBlockingTasks(ctx context.Context, importTypes []string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().FindBlockingTasks(ctx, importTypes)
}

func (s *MemoryStore) SearchTasks(ctx context.Context, f TaskFilter) ([]Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().SearchTasks(ctx, f)
}

func (s *MemoryStore) ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListStaleRunning(ctx, before, limit)
}

func (s *MemoryStore) TouchHeartbeat(ctx context.Context, taskID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().TouchHeartbeat(ctx, taskID, at)
}

func (s *MemoryStore) InsertItem(ctx context.Context, it *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertItem(ctx, it)
}

func (s *MemoryStore) UpdateItem(ctx context.Context, it *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateItem(ctx, it)
}

func (s *MemoryStore) GetItem(ctx context.Context, id int64) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetItem(ctx, id)
}

func (s *MemoryStore) LockItem(ctx context.Context, id int64) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().LockItem(ctx, id)
}

func (s *MemoryStore) ListItems(ctx context.Context, taskID int64) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListItems(ctx, taskID)
}

func (s *MemoryStore) NextPendingItem(ctx context.Context, taskID int64) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().NextPendingItem(ctx, taskID)
}

func (s *MemoryStore) InsertDependencies(ctx context.Context, taskID int64, dependsOn []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertDependencies(ctx, taskID, dependsOn)
}

func (s *MemoryStore) ListDependencyTargets(ctx context.Context, taskID int64) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListDependencyTargets(ctx, taskID)
}

func (s *MemoryStore) InsertFailures(ctx context.Context, failures []Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertFailures(ctx, failures)
}

func (s *MemoryStore) SetFailureStatus(ctx context.Context, taskID int64, ids []int64, status FailureStatus, resolvedAt *time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().SetFailureStatus(ctx, taskID, ids, status, resolvedAt)
}

func (s *MemoryStore) CountUnresolvedFailures(ctx context.Context, taskID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CountUnresolvedFailures(ctx, taskID)
}

func (s *MemoryStore) CountFailuresByStatus(ctx context.Context, taskID int64) (map[FailureStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CountFailuresByStatus(ctx, taskID)
}

func (s *MemoryStore) FindFailures(ctx context.Context, f FailureFilter) ([]Failure, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().FindFailures(ctx, f)
}

// memQueries implements Queries over one memData without locking.
type memQueries struct {
	d *memData
}

func (q memQueries) InsertTask(_ context.Context, t *Task) error {
	q.d.nextTask++
	t.ID = q.d.nextTask
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	q.d.tasks[t.ID] = *t
	return nil
}

func (q memQueries) UpdateTask(_ context.Context, t *Task) error {
	if _, ok := q.d.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	t.UpdatedAt = time.Now()
	q.d.tasks[t.ID] = *t
	return nil
}

func (q memQueries) GetTask(_ context.Context, id int64) (*Task, error) {
	t, ok := q.d.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (q memQueries) LockTask(ctx context.Context, id int64) (*Task, error) {
	return q.GetTask(ctx, id)
}

func (q memQueries) sortedTasks(match func(Task) bool) []Task {
	var out []Task
	for _, t := range q.d.tasks {
		if match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (q memQueries) ListTasksByStatus(_ context.Context, status Status, limit int) ([]Task, error) {
	out := q.sortedTasks(func(t Task) bool { return t.Status == status })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q memQueries) CountRunning(_ context.Context, importType string) (int, error) {
	n := 0
	for _, t := range q.d.tasks {
		if t.Status == StatusRunning && (importType == "" || t.ImportType == importType) {
			n++
		}
	}
	return n, nil
}

func (q memQueries) FindBlockingTasks(_ context.Context, importTypes []string) ([]Task, error) {
	types := make(map[string]bool, len(importTypes))
	for _, it := range importTypes {
		types[it] = true
	}
	return q.sortedTasks(func(t Task) bool {
		if !types[t.ImportType] {
			return false
		}
		for _, s := range blockingStatuses {
			if t.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (q memQueries) SearchTasks(_ context.Context, f TaskFilter) ([]Task, int, error) {
	all := q.sortedTasks(func(t Task) bool {
		return (f.ImportType == "" || t.ImportType == f.ImportType) &&
			(f.Status == "" || t.Status == f.Status) &&
			(f.CreatedBy == "" || t.CreatedBy == f.CreatedBy)
	})
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return paginate(all, f.PageRequest), len(all), nil
}

func (q memQueries) ListStaleRunning(_ context.Context, before time.Time, limit int) ([]Task, error) {
	out := q.sortedTasks(func(t Task) bool {
		return t.Status == StatusRunning && lastBeat(&t).Before(before)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q memQueries) TouchHeartbeat(_ context.Context, taskID int64, at time.Time) error {
	t, ok := q.d.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.HeartbeatAt = timePtr(at)
	q.d.tasks[taskID] = t
	return nil
}

func (q memQueries) InsertItem(_ context.Context, it *Item) error {
	if _, ok := q.d.tasks[it.TaskID]; !ok {
		return ErrNotFound
	}
	q.d.nextItem++
	it.ID = q.d.nextItem
	now := time.Now()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	q.d.items[it.ID] = *it
	return nil
}

func (q memQueries) UpdateItem(_ context.Context, it *Item) error {
	prev, ok := q.d.items[it.ID]
	if !ok {
		return ErrNotFound
	}
	if it.FileContent == nil {
		it.FileContent = prev.FileContent
	}
	it.UpdatedAt = time.Now()
	q.d.items[it.ID] = *it
	return nil
}

func (q memQueries) GetItem(_ context.Context, id int64) (*Item, error) {
	it, ok := q.d.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &it, nil
}

func (q memQueries) LockItem(ctx context.Context, id int64) (*Item, error) {
	return q.GetItem(ctx, id)
}

func (q memQueries) ListItems(_ context.Context, taskID int64) ([]Item, error) {
	var out []Item
	for _, it := range q.d.items {
		if it.TaskID == taskID {
			it.FileContent = nil
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo < out[j].SequenceNo })
	return out, nil
}

func (q memQueries) NextPendingItem(ctx context.Context, taskID int64) (*Item, error) {
	items, _ := q.ListItems(ctx, taskID)
	for _, it := range items {
		if it.Status == ItemPending {
			return &it, nil
		}
	}
	return nil, ErrNotFound
}

func (q memQueries) InsertDependencies(_ context.Context, taskID int64, dependsOn []int64) error {
	now := time.Now()
	for _, target := range dependsOn {
		q.d.nextDep++
		q.d.deps = append(q.d.deps, Dependency{ID: q.d.nextDep, TaskID: taskID, DependsOnID: target, CreatedAt: now})
	}
	return nil
}

func (q memQueries) ListDependencyTargets(_ context.Context, taskID int64) ([]Task, error) {
	var out []Task
	for _, d := range q.d.deps {
		if d.TaskID != taskID {
			continue
		}
		if t, ok := q.d.tasks[d.DependsOnID]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (q memQueries) InsertFailures(_ context.Context, failures []Failure) error {
	now := time.Now()
	for i := range failures {
		q.d.nextFailure++
		failures[i].ID = q.d.nextFailure
		if failures[i].CreatedAt.IsZero() {
			failures[i].CreatedAt = now
		}
		q.d.failures[failures[i].ID] = failures[i]
	}
	return nil
}

func (q memQueries) SetFailureStatus(_ context.Context, taskID int64, ids []int64, status FailureStatus, resolvedAt *time.Time) (int, error) {
	n := 0
	for _, id := range ids {
		f, ok := q.d.failures[id]
		if !ok || f.TaskID != taskID {
			continue
		}
		f.Status = status
		f.ResolvedAt = resolvedAt
		q.d.failures[id] = f
		n++
	}
	return n, nil
}

func (q memQueries) CountUnresolvedFailures(_ context.Context, taskID int64) (int, error) {
	n := 0
	for _, f := range q.d.failures {
		if f.TaskID == taskID && f.Status != FailureResolved {
			n++
		}
	}
	return n, nil
}

func (q memQueries) CountFailuresByStatus(_ context.Context, taskID int64) (map[FailureStatus]int, error) {
	out := make(map[FailureStatus]int)
	for _, f := range q.d.failures {
		if f.TaskID == taskID {
			out[f.Status]++
		}
	}
	return out, nil
}

func (q memQueries) FindFailures(_ context.Context, f FailureFilter) ([]Failure, int, error) {
	var all []Failure
	for _, fl := range q.d.failures {
		if fl.TaskID == f.TaskID && (f.Status == "" || fl.Status == f.Status) {
			all = append(all, fl)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginate(all, f.PageRequest), len(all), nil
}

func paginate[T any](all []T, p PageRequest) []T {
	p = p.Normalize()
	lo := p.Offset()
	if lo >= len(all) {
		return []T{}
	}
	hi := min(lo+p.Size, len(all))
	return all[lo:hi]
}
