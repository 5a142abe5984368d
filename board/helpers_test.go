package board

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"taskboard/domain"
	"taskboard/storage"
)

var errBoom = errors.New("boom")

// failingStore fails every write under the collections of the listed users.
type failingStore struct {
	storage.Store
	mu      sync.Mutex
	failFor map[string]bool
	reads   bool
}

func (f *failingStore) failing(p storage.Path) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	segs := p.Segments()
	return len(segs) >= 2 && f.failFor[segs[1]]
}

func (f *failingStore) setFailing(userID string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor == nil {
		f.failFor = map[string]bool{}
	}
	f.failFor[userID] = fail
}

func (f *failingStore) Get(ctx context.Context, p storage.Path) (*storage.Document, error) {
	if f.reads && f.failing(p) {
		return nil, errBoom
	}
	return f.Store.Get(ctx, p)
}

func (f *failingStore) Set(ctx context.Context, p storage.Path, fields storage.Fields) error {
	if f.failing(p) {
		return errBoom
	}
	return f.Store.Set(ctx, p, fields)
}

func (f *failingStore) Update(ctx context.Context, p storage.Path, fields storage.Fields) error {
	if f.failing(p) {
		return errBoom
	}
	return f.Store.Update(ctx, p, fields)
}

func (f *failingStore) Delete(ctx context.Context, p storage.Path) error {
	if f.failing(p) {
		return errBoom
	}
	return f.Store.Delete(ctx, p)
}

type recordingSink struct {
	mu       sync.Mutex
	failures []Failure
}

func (r *recordingSink) Report(_ context.Context, f Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return nil
}

func (r *recordingSink) all() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Failure(nil), r.failures...)
}

type testEnv struct {
	mem      *storage.Memory
	store    *failingStore
	sink     *recordingSink
	resolver *Resolver
	sync     *Synchronizer
	svc      *Service
}

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := storage.NewMemory()
	st := &failingStore{Store: mem}
	sink := &recordingSink{}
	logger := quietLogger()

	resolver := NewResolver(st, logger)
	synchronizer := NewSynchronizer(st, sink, 4, logger)
	svc := NewService(st, resolver, synchronizer, logger)

	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	ids := 0
	svc.newID = func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}

	ctx := context.Background()
	for _, u := range []string{"alice", "bob", "carol"} {
		_, _, err := svc.EnsureUser(ctx, domain.Identity{UserID: u, Email: u + "@example.com"})
		require.NoError(t, err)
	}
	return &testEnv{mem: mem, store: st, sink: sink, resolver: resolver, sync: synchronizer, svc: svc}
}

// sharedBoard creates a board owned by alice with bob and carol as members and
// the given task titles.
func (e *testEnv) sharedBoard(t *testing.T, titles ...string) domain.Board {
	t.Helper()
	ctx := context.Background()
	b, err := e.svc.CreateBoard(ctx, "alice", "Roadmap")
	require.NoError(t, err)
	for _, title := range titles {
		_, err := e.svc.CreateTask(ctx, "alice", b.ID, domain.TaskInput{Title: title, DueDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)})
		require.NoError(t, err)
	}
	require.NoError(t, e.svc.AddMember(ctx, "alice", b.ID, "bob@example.com"))
	require.NoError(t, e.svc.AddMember(ctx, "alice", b.ID, "carol@example.com"))
	b, _, err = e.resolver.Resolve(ctx, "alice", b.ID)
	require.NoError(t, err)
	return b
}

func (e *testEnv) boardCopy(t *testing.T, userID, boardID string) *domain.Board {
	t.Helper()
	doc, err := e.mem.Get(context.Background(), storage.BoardPath(userID, boardID))
	require.NoError(t, err)
	if doc == nil {
		return nil
	}
	b, err := decodeBoard(*doc)
	require.NoError(t, err)
	return &b
}

func (e *testEnv) taskCopies(t *testing.T, userID, boardID string) map[string]domain.Task {
	t.Helper()
	docs, err := e.mem.List(context.Background(), storage.TasksPath(userID, boardID))
	require.NoError(t, err)
	out := make(map[string]domain.Task, len(docs))
	for _, d := range docs {
		task, err := decodeTask(d)
		require.NoError(t, err)
		out[task.ID] = task
	}
	return out
}

// dump returns every board and task document of the given users keyed by path.
func (e *testEnv) dump(t *testing.T, users ...string) map[storage.Path]storage.Fields {
	t.Helper()
	ctx := context.Background()
	out := map[storage.Path]storage.Fields{}
	for _, u := range users {
		boards, err := e.mem.List(ctx, storage.BoardsPath(u))
		require.NoError(t, err)
		for _, b := range boards {
			out[b.Path] = b.Fields
			tasks, err := e.mem.List(ctx, storage.TasksPath(u, b.ID))
			require.NoError(t, err)
			for _, task := range tasks {
				out[task.Path] = task.Fields
			}
		}
	}
	return out
}
