package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, events ...Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) forTask(id int64) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.TaskID == id {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	store     *MemoryStore
	manager   *Manager
	scheduler *Scheduler
	registry  *Registry
	events    *recordingPublisher
}

func newTestEnv(t *testing.T, deps DependencyConfig, cfg SchedulerConfig) *testEnv {
	t.Helper()

	store := NewMemoryStore()
	registry := NewRegistry()
	events := &recordingPublisher{}

	env := &testEnv{
		store:     store,
		registry:  registry,
		events:    events,
		manager:   NewManager(store, ManagerOptions{Dependencies: deps, Publisher: events}),
		scheduler: NewScheduler(store, registry, events, cfg),
	}

	ctx, cancel := context.WithCancel(context.Background())
	env.scheduler.Start(ctx)
	t.Cleanup(func() {
		cancel()
		waitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = env.scheduler.Wait(waitCtx)
	})
	return env
}

func (e *testEnv) create(t *testing.T, importType string) *Task {
	t.Helper()
	task, err := e.manager.CreateTask(context.Background(), CreateRequest{
		ImportType:  importType,
		FileName:    importType + ".xlsx",
		ContentType: "application/octet-stream",
		Content:     []byte("data"),
		CreatedBy:   "tester",
	})
	require.NoError(t, err)
	return task
}

// tickAndWait runs one tick and waits for every dispatched task to finish.
func (e *testEnv) tickAndWait(t *testing.T) {
	t.Helper()
	require.True(t, e.scheduler.Tick(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.scheduler.WaitIdle(ctx))
}

func (e *testEnv) task(t *testing.T, id int64) *Task {
	t.Helper()
	got, err := e.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return got
}

func staticResult(res ExecutionResult) Handler {
	return HandlerFunc(func(context.Context, ExecutionContext) (*ExecutionResult, error) {
		out := res
		return &out, nil
	})
}
