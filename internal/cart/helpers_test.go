package cart

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Thorugoh/GoMarketplace/internal/domain"
	"github.com/Thorugoh/GoMarketplace/internal/storage"
	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("backend down")

// mockPersister wraps a MemoryStore and can be switched into failing mode.
type mockPersister struct {
	*storage.MemoryStore
	failGet  atomic.Bool
	failSet  atomic.Bool
	setCalls atomic.Int32
}

func newMockPersister() *mockPersister {
	return &mockPersister{MemoryStore: storage.NewMemoryStore()}
}

func (m *mockPersister) Get(ctx context.Context, key string) (string, error) {
	if m.failGet.Load() {
		return "", errBackendDown
	}
	return m.MemoryStore.Get(ctx, key)
}

func (m *mockPersister) Set(ctx context.Context, key, value string) error {
	m.setCalls.Add(1)
	if m.failSet.Load() {
		return errBackendDown
	}
	return m.MemoryStore.Set(ctx, key, value)
}

type recordingObserver struct {
	m         sync.Mutex
	mutations []string
	persisted int
	failures  int
}

func (r *recordingObserver) Mutation(op string) {
	r.m.Lock()
	defer r.m.Unlock()
	r.mutations = append(r.mutations, op)
}

func (r *recordingObserver) Persisted(_ time.Duration, err error) {
	r.m.Lock()
	defer r.m.Unlock()
	r.persisted++
	if err != nil {
		r.failures++
	}
}

func (r *recordingObserver) snapshot() ([]string, int, int) {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]string(nil), r.mutations...), r.persisted, r.failures
}

var (
	shoes = domain.Product{ID: "p1", Title: "Shoes", ImageURL: "u", Price: 9.99}
	socks = domain.Product{ID: "p2", Title: "Socks", ImageURL: "v", Price: 2.5}
	hat   = domain.Product{ID: "p3", Title: "Hat", ImageURL: "w", Price: 15}
)

func openTestStore(t *testing.T, p storage.Persister, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithRetry(0, time.Millisecond)}, opts...)
	store, _, err := Open(context.Background(), p, DefaultKey, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func storedItems(t *testing.T, p storage.Persister, key string) []domain.LineItem {
	t.Helper()
	raw, err := p.Get(context.Background(), key)
	require.NoError(t, err)
	items, err := Decode([]byte(raw))
	require.NoError(t, err)
	return items
}
