package cart

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Thorugoh/GoMarketplace/internal/domain"
	"github.com/Thorugoh/GoMarketplace/internal/storage"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DefaultKey is the storage key of a cart outside any session namespace.
const DefaultKey = "@GoMarketplace:products"

const (
	OpAdd       = "add"
	OpIncrement = "increment"
	OpDecrement = "decrement"
	OpRemove    = "remove"
	OpClear     = "clear"
)

// Observer is notified of committed mutations and of every finished snapshot
// write. Calls come from the mutating goroutine and from the store's writer.
type Observer interface {
	Mutation(op string)
	Persisted(elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) Mutation(string)                {}
func (nopObserver) Persisted(time.Duration, error) {}

// Hydration reports what Open found in storage.
type Hydration int

const (
	HydrationEmpty Hydration = iota
	HydrationRestored
	HydrationCorrupted
)

func (h Hydration) String() string {
	switch h {
	case HydrationRestored:
		return "restored"
	case HydrationCorrupted:
		return "corrupted"
	default:
		return "empty"
	}
}

type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(s *Store) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithRetry sets how often a failed snapshot write is retried and the first
// backoff interval.
func WithRetry(maxRetries uint64, initialInterval time.Duration) Option {
	return func(s *Store) {
		s.maxRetries = maxRetries
		if initialInterval > 0 {
			s.retryInterval = initialInterval
		}
	}
}

// WithWriteTimeout bounds a single snapshot write attempt.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.writeTimeout = timeout
		}
	}
}

// Store holds one session's cart. Mutations are serialized on mu and applied
// to the latest committed list, so concurrent callers never lose an update.
// Every committed mutation schedules a snapshot write on the store's writer
// goroutine; the writer always writes the newest list, so storage converges
// to memory once the writer goes idle.
type Store struct {
	key       string
	persister storage.Persister
	logger    *zap.Logger
	observer  Observer

	maxRetries    uint64
	retryInterval time.Duration
	writeTimeout  time.Duration

	mu      sync.RWMutex
	items   []domain.LineItem
	version uint64
	closed  bool

	// guarded by pmu
	pmu              sync.Mutex
	written          uint64
	attempts         uint64
	attemptedVersion uint64
	lastErr          error
	flushed          chan struct{}

	dirty     chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open builds a store for key and hydrates it from persister before
// returning, so no mutation can run against a list that has not been loaded.
// A corrupt snapshot is logged and treated as an empty cart; an unreachable
// persister is an error.
func Open(ctx context.Context, persister storage.Persister, key string, opts ...Option) (*Store, Hydration, error) {
	if persister == nil {
		return nil, HydrationEmpty, fmt.Errorf("%w: nil persister", ErrConfiguration)
	}
	if key == "" {
		return nil, HydrationEmpty, fmt.Errorf("%w: empty storage key", ErrConfiguration)
	}

	s := &Store{
		key:           key,
		persister:     persister,
		logger:        zap.NewNop(),
		observer:      nopObserver{},
		maxRetries:    3,
		retryInterval: 100 * time.Millisecond,
		writeTimeout:  5 * time.Second,
		items:         []domain.LineItem{},
		flushed:       make(chan struct{}),
		dirty:         make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	hydration, err := s.load(ctx)
	if err != nil {
		return nil, HydrationEmpty, err
	}

	go s.run()
	return s, hydration, nil
}

func (s *Store) load(ctx context.Context) (Hydration, error) {
	raw, err := s.persister.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return HydrationEmpty, nil
	}
	if err != nil {
		return HydrationEmpty, fmt.Errorf("%w: load %s: %w", ErrPersistence, s.key, err)
	}

	items, err := Decode([]byte(raw))
	if err != nil {
		s.logger.Warn("discarding corrupt cart snapshot", zap.String("key", s.key), zap.Error(err))
		return HydrationCorrupted, nil
	}

	s.items = items
	return HydrationRestored, nil
}

func (s *Store) Key() string {
	return s.key
}

// AddToCart puts one unit of p in the cart. A product already in the cart is
// incremented instead. Mutations of a closed store fail with ErrClosed.
func (s *Store) AddToCart(p domain.Product) error {
	return s.mutate(OpAdd, func(items []domain.LineItem) ([]domain.LineItem, bool) {
		return addProduct(items, p)
	})
}

// Increment adds one unit to the line with id. Unknown ids are ignored.
func (s *Store) Increment(id string) error {
	return s.mutate(OpIncrement, func(items []domain.LineItem) ([]domain.LineItem, bool) {
		return adjustQuantity(items, id, 1)
	})
}

// Decrement takes one unit from the line with id and removes the line when
// nothing is left. Unknown ids are ignored.
func (s *Store) Decrement(id string) error {
	return s.mutate(OpDecrement, func(items []domain.LineItem) ([]domain.LineItem, bool) {
		return adjustQuantity(items, id, -1)
	})
}

func (s *Store) Remove(id string) error {
	return s.mutate(OpRemove, func(items []domain.LineItem) ([]domain.LineItem, bool) {
		return removeItem(items, id)
	})
}

func (s *Store) Clear() error {
	return s.mutate(OpClear, func(items []domain.LineItem) ([]domain.LineItem, bool) {
		return []domain.LineItem{}, len(items) > 0
	})
}

// Products returns a copy of the cart in insertion order.
func (s *Store) Products() []domain.LineItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items)
}

func (s *Store) Quantity(id string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx := indexOf(s.items, id); idx >= 0 {
		return s.items[idx].Quantity, true
	}
	return 0, false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) Total() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, item := range s.items {
		total += item.Subtotal()
	}
	return total
}

func (s *Store) mutate(op string, apply func([]domain.LineItem) ([]domain.LineItem, bool)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	next, changed := apply(s.items)
	if changed {
		s.items = next
		s.version++
	}
	s.mu.Unlock()

	if !changed {
		return nil
	}
	s.observer.Mutation(op)
	s.markDirty()
	return nil
}

func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case <-s.dirty:
			s.persist()
		case <-s.stop:
			s.persist()
			return
		}
	}
}

func (s *Store) persist() {
	s.mu.RLock()
	version := s.version
	items := slices.Clone(s.items)
	s.mu.RUnlock()

	s.pmu.Lock()
	upToDate := version <= s.written
	s.pmu.Unlock()
	if upToDate {
		return
	}

	payload, err := Encode(items)
	if err == nil {
		err = s.write(payload)
	}
	s.finish(version, err)
}

func (s *Store) write(payload []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInterval

	start := time.Now()
	err := backoff.RetryNotify(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()

		err := s.persister.Set(ctx, s.key, string(payload))
		if errors.Is(err, storage.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(policy, s.maxRetries), func(err error, wait time.Duration) {
		s.logger.Warn("cart snapshot write failed, retrying",
			zap.String("key", s.key),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
	s.observer.Persisted(time.Since(start), err)

	if err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrPersistence, s.key, err)
	}
	return nil
}

func (s *Store) finish(version uint64, err error) {
	s.pmu.Lock()
	s.attempts++
	s.attemptedVersion = version
	s.lastErr = err
	if err == nil {
		s.written = version
	}
	close(s.flushed)
	s.flushed = make(chan struct{})
	s.pmu.Unlock()

	if err != nil {
		s.logger.Error("cart snapshot not persisted", zap.String("key", s.key), zap.Uint64("version", version), zap.Error(err))
	}
}

// Flush waits until every mutation committed before the call has been
// written. If the write fails, Flush returns that error; the in-memory cart is
// kept and the next mutation or Flush tries again.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	target := s.version
	s.mu.RUnlock()

	s.pmu.Lock()
	start := s.attempts
	s.pmu.Unlock()

	s.markDirty()
	for {
		s.pmu.Lock()
		if s.written >= target {
			s.pmu.Unlock()
			return nil
		}
		if s.attempts > start && s.attemptedVersion >= target && s.lastErr != nil {
			err := s.lastErr
			s.pmu.Unlock()
			return err
		}
		flushed := s.flushed
		s.pmu.Unlock()

		select {
		case <-flushed:
		case <-s.done:
			return s.closedResult(target)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close writes any pending snapshot and stops the writer. Mutations after
// Close fail with ErrClosed, so nothing is changed that would not be written.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.stop) })

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.RLock()
	target := s.version
	s.mu.RUnlock()
	return s.closedResult(target)
}

func (s *Store) closedResult(target uint64) error {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if s.written >= target {
		return nil
	}
	if s.lastErr != nil {
		return s.lastErr
	}
	return ErrClosed
}
