package cart

import (
	"context"
	"testing"
	"time"

	"github.com/Thorugoh/GoMarketplace/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// slowPersister delays every write.
type slowPersister struct {
	*storage.MemoryStore
	delay time.Duration
}

func (p *slowPersister) Set(ctx context.Context, key, value string) error {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.MemoryStore.Set(ctx, key, value)
}

// gatedPersister holds every read until gate is closed.
type gatedPersister struct {
	*storage.MemoryStore
	gate chan struct{}
}

func (p *gatedPersister) Get(ctx context.Context, key string) (string, error) {
	select {
	case <-p.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.MemoryStore.Get(ctx, key)
}

func (s *Sessions) isBusy(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	return ok && sess.busy != nil
}

func quantity(t *testing.T, store *Store, id string) int {
	t.Helper()
	q, ok := store.Quantity(id)
	require.True(t, ok, "%s not in cart", id)
	return q
}

func TestSessions_ReopenWaitsForReleaseToDrain(t *testing.T) {
	p := &slowPersister{MemoryStore: storage.NewMemoryStore(), delay: 100 * time.Millisecond}
	sessions := newTestSessions(t, p)
	ctx := context.Background()

	store, err := sessions.Open(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, store.AddToCart(shoes))
	require.NoError(t, store.Flush(ctx))
	require.NoError(t, store.Increment("p1"))

	released := make(chan error, 1)
	go func() { released <- sessions.Release(ctx, "s1") }()
	require.Eventually(t, func() bool { return sessions.isBusy("s1") }, time.Second, time.Millisecond)

	reopened, err := sessions.Open(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, <-released)
	assert.NotSame(t, store, reopened)
	assert.Equal(t, 2, quantity(t, reopened, "p1"), "reopened cart sees the drained write")

	require.NoError(t, reopened.Increment("p1"))
	require.NoError(t, reopened.Flush(ctx))
	stored := storedItems(t, p, sessions.Key("s1"))
	require.Len(t, stored, 1)
	assert.Equal(t, 3, stored[0].Quantity)
}

func TestSessions_ReleasedStoreRejectsMutations(t *testing.T) {
	p := storage.NewMemoryStore()
	sessions := newTestSessions(t, p)
	ctx := context.Background()

	held, err := sessions.Open(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, held.AddToCart(shoes))
	require.NoError(t, held.Increment("p1"))

	require.NoError(t, sessions.Release(ctx, "s1"))
	assert.ErrorIs(t, held.Increment("p1"), ErrClosed)

	reopened, err := sessions.Open(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, quantity(t, reopened, "p1"))
	assert.Equal(t, 2, quantity(t, held, "p1"), "held store never diverges from storage")

	require.NoError(t, reopened.Increment("p1"))
	require.NoError(t, reopened.Flush(ctx))
	assert.Equal(t, 3, storedItems(t, p, sessions.Key("s1"))[0].Quantity)
}

func TestSessions_ClearWaitsForHydration(t *testing.T) {
	p := &gatedPersister{MemoryStore: storage.NewMemoryStore(), gate: make(chan struct{})}
	sessions := newTestSessions(t, p)
	ctx := context.Background()
	require.NoError(t, p.Set(ctx, sessions.Key("s1"), `[{"id":"p1","title":"Shoes","quantity":2}]`))

	type opened struct {
		store *Store
		err   error
	}
	openDone := make(chan opened, 1)
	go func() {
		store, err := sessions.Open(ctx, "s1")
		openDone <- opened{store, err}
	}()
	require.Eventually(t, func() bool { return sessions.isBusy("s1") }, time.Second, time.Millisecond)

	clearDone := make(chan error, 1)
	go func() { clearDone <- sessions.Clear(ctx, "s1") }()

	select {
	case err := <-clearDone:
		t.Fatalf("clear finished while the cart was loading: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(p.gate)
	result := <-openDone
	require.NoError(t, result.err)
	require.NoError(t, <-clearDone)

	assert.Equal(t, 0, result.store.Len(), "cleared cart does not come back")
	assert.Empty(t, storedItems(t, p, sessions.Key("s1")))
}

func TestSessions_CancelledOpenDoesNotFailOthers(t *testing.T) {
	p := &gatedPersister{MemoryStore: storage.NewMemoryStore(), gate: make(chan struct{})}
	sessions := newTestSessions(t, p)

	first, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := sessions.Open(first, "s1")
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return sessions.isBusy("s1") }, time.Second, time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		_, err := sessions.Open(context.Background(), "s1")
		secondDone <- err
	}()

	cancel()
	close(p.gate)

	assert.NoError(t, <-secondDone)
	assert.NoError(t, <-firstDone, "the load itself is not tied to the first caller")
	assert.Equal(t, 1, sessions.Len())
}

func TestSessions_ReleaseIdle(t *testing.T) {
	p := storage.NewMemoryStore()
	sessions, err := NewSessions(p, "", zap.NewNop(), WithIdleTimeout(time.Minute))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sessions.now = func() time.Time { return clock }
	ctx := context.Background()

	idle, err := sessions.Open(ctx, "idle")
	require.NoError(t, err)
	require.NoError(t, idle.AddToCart(shoes))
	_, err = sessions.Open(ctx, "active")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	_, err = sessions.Open(ctx, "active")
	require.NoError(t, err)

	assert.Equal(t, 1, sessions.ReleaseIdle(ctx))
	assert.Equal(t, 1, sessions.Len())
	assert.ErrorIs(t, idle.Increment("p1"), ErrClosed)

	reopened, err := sessions.Open(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, 1, quantity(t, reopened, "p1"))
}

func TestSessions_RunReleasesIdleSessions(t *testing.T) {
	p := storage.NewMemoryStore()
	sessions, err := NewSessions(p, "", zap.NewNop(), WithIdleTimeout(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := sessions.Open(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, store.AddToCart(hat))

	go sessions.Run(ctx)

	require.Eventually(t, func() bool { return sessions.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"p3"}, ids(storedItems(t, p, sessions.Key("s1"))))
}

func TestSessions_MaxOpenEvictsLeastRecentlyUsed(t *testing.T) {
	p := storage.NewMemoryStore()
	sessions, err := NewSessions(p, "", zap.NewNop(), WithMaxOpen(2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sessions.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	ctx := context.Background()

	a, err := sessions.Open(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, a.AddToCart(shoes))
	_, err = sessions.Open(ctx, "b")
	require.NoError(t, err)

	_, err = sessions.Open(ctx, "c")
	require.NoError(t, err)

	assert.Equal(t, 2, sessions.Len())
	assert.ErrorIs(t, a.Increment("p1"), ErrClosed, "a was the least recently used")
	assert.Equal(t, []string{"p1"}, ids(storedItems(t, p, sessions.Key("a"))))

	reopened, err := sessions.Open(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, quantity(t, reopened, "p1"))
	assert.Equal(t, 2, sessions.Len())
}

func TestSessions_ReleaseKeepsCartWhenWriteFails(t *testing.T) {
	p := newMockPersister()
	sessions, err := NewSessions(p, "", zap.NewNop(), WithStoreOptions(WithRetry(0, time.Millisecond)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })
	ctx := context.Background()

	store, err := sessions.Open(ctx, "s1")
	require.NoError(t, err)
	p.failSet.Store(true)
	require.NoError(t, store.AddToCart(shoes))

	assert.ErrorIs(t, sessions.Release(ctx, "s1"), ErrPersistence)
	assert.Equal(t, 1, sessions.Len())

	p.failSet.Store(false)
	again, err := sessions.Open(ctx, "s1")
	require.NoError(t, err)
	assert.Same(t, store, again)
	assert.NoError(t, again.Increment("p1"))
}
