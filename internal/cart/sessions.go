package cart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Thorugoh/GoMarketplace/internal/storage"
	"go.uber.org/zap"
)

// ErrShutdown is returned by Sessions after Close.
var ErrShutdown = errors.New("cart sessions shut down")

type SessionOption func(*Sessions)

// WithStoreOptions applies opts to every store the registry opens.
func WithStoreOptions(opts ...Option) SessionOption {
	return func(s *Sessions) {
		s.opts = append(s.opts, opts...)
	}
}

// WithMaxOpen caps the carts held in memory. Opening one more releases the
// least recently used cart first. Zero means no cap.
func WithMaxOpen(n int) SessionOption {
	return func(s *Sessions) {
		if n > 0 {
			s.maxOpen = n
		}
	}
}

// WithIdleTimeout makes Run release carts that were not opened for d.
func WithIdleTimeout(d time.Duration) SessionOption {
	return func(s *Sessions) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// WithHydrateTimeout bounds loading a cart from storage.
func WithHydrateTimeout(d time.Duration) SessionOption {
	return func(s *Sessions) {
		if d > 0 {
			s.hydrateTimeout = d
		}
	}
}

// session is one registry slot. While busy is non-nil the session is being
// loaded, released or cleared and everyone else waits for busy to close.
type session struct {
	store    *Store
	lastUsed time.Time
	busy     chan struct{}
}

// Sessions keeps one hydrated Store per session id. Each session's snapshot
// lives under "<prefix>:<session id>". Loading, releasing and clearing a
// session never overlap, so a reopened cart always sees what the previous
// store wrote.
type Sessions struct {
	persister storage.Persister
	prefix    string
	logger    *zap.Logger
	opts      []Option

	maxOpen        int
	idleTimeout    time.Duration
	hydrateTimeout time.Duration
	now            func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewSessions(persister storage.Persister, prefix string, logger *zap.Logger, opts ...SessionOption) (*Sessions, error) {
	if persister == nil {
		return nil, fmt.Errorf("%w: nil persister", ErrConfiguration)
	}
	if prefix == "" {
		prefix = DefaultKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sessions{
		persister:      persister,
		prefix:         prefix,
		logger:         logger,
		opts:           []Option{WithLogger(logger)},
		hydrateTimeout: 10 * time.Second,
		now:            time.Now,
		sessions:       make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Sessions) Key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

// Open returns the store of sessionID, hydrating it on first use. Concurrent
// opens of one session share a single hydration.
func (s *Sessions) Open(ctx context.Context, sessionID string) (*Store, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrConfiguration)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	if sess, ok := s.sessions[sessionID]; ok && sess.busy == nil {
		sess.lastUsed = s.now()
		store := sess.store
		s.mu.Unlock()
		return store, nil
	}
	s.mu.Unlock()

	s.makeRoom(ctx, sessionID)

	sess, store, err := s.claim(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if store != nil {
		s.done(sessionID, sess, store)
		return store, nil
	}

	// a cancelled caller must not fail the others waiting on this load
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.hydrateTimeout)
	defer cancel()

	store, hydration, err := Open(hctx, s.persister, s.Key(sessionID), s.opts...)
	s.done(sessionID, sess, store)
	if err != nil {
		return nil, err
	}

	s.logger.Info("cart session opened",
		zap.String("session_id", sessionID),
		zap.Stringer("hydration", hydration),
		zap.Int("lines", store.Len()),
	)
	return store, nil
}

// claim waits until no other load, release or clear of sessionID is running
// and marks the session busy. It returns the open store, or nil.
func (s *Sessions) claim(ctx context.Context, sessionID string) (*session, *Store, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, nil, ErrShutdown
		}
		sess, ok := s.sessions[sessionID]
		if !ok {
			sess = &session{busy: make(chan struct{})}
			s.sessions[sessionID] = sess
			s.mu.Unlock()
			return sess, nil, nil
		}
		if sess.busy == nil {
			sess.busy = make(chan struct{})
			store := sess.store
			s.mu.Unlock()
			return sess, store, nil
		}
		wait := sess.busy
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// done ends a claim, leaving store as the session's cart. A nil store
// removes the session.
func (s *Sessions) done(sessionID string, sess *session, store *Store) {
	s.mu.Lock()
	if store == nil {
		delete(s.sessions, sessionID)
	} else {
		sess.store = store
		sess.lastUsed = s.now()
	}
	busy := sess.busy
	sess.busy = nil
	s.mu.Unlock()
	close(busy)
}

// Clear empties the cart of sessionID and waits for the empty snapshot to be
// stored. Sessions that are not open only have their snapshot deleted.
func (s *Sessions) Clear(ctx context.Context, sessionID string) error {
	sess, store, err := s.claim(ctx, sessionID)
	if err != nil {
		return err
	}
	defer func() { s.done(sessionID, sess, store) }()

	if store != nil {
		if err := store.Clear(); err != nil {
			return err
		}
		return store.Flush(ctx)
	}

	if err := s.persister.Delete(ctx, s.Key(sessionID)); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrPersistence, s.Key(sessionID), err)
	}
	return nil
}

// Release writes the cart of sessionID and drops it from memory. The snapshot
// stays in storage for the next Open, which waits until the write is done. If
// the cart cannot be written it stays open and the error is returned.
func (s *Sessions) Release(ctx context.Context, sessionID string) error {
	return s.release(ctx, sessionID, time.Time{})
}

// release drops sessionID. A non-zero idleSince keeps sessions used after it.
func (s *Sessions) release(ctx context.Context, sessionID string, idleSince time.Time) error {
	sess, store, err := s.claim(ctx, sessionID)
	if errors.Is(err, ErrShutdown) {
		return nil
	}
	if err != nil {
		return err
	}
	if store == nil {
		s.done(sessionID, sess, nil)
		return nil
	}
	if !idleSince.IsZero() && s.usedAfter(sess, idleSince) {
		s.done(sessionID, sess, store)
		return nil
	}

	if err := store.Flush(ctx); err != nil {
		s.done(sessionID, sess, store)
		return err
	}

	err = store.Close(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		// keep the session busy until the writer has stopped
		go func() {
			<-store.done
			s.done(sessionID, sess, nil)
		}()
		return err
	}
	s.done(sessionID, sess, nil)

	s.logger.Info("cart session released", zap.String("session_id", sessionID))
	return err
}

func (s *Sessions) usedAfter(sess *session, t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sess.lastUsed.After(t)
}

// makeRoom releases the least recently used cart when opening sessionID would
// exceed the cap. Concurrent opens may briefly go over it.
func (s *Sessions) makeRoom(ctx context.Context, sessionID string) {
	if s.maxOpen <= 0 {
		return
	}

	s.mu.Lock()
	_, open := s.sessions[sessionID]
	if open || len(s.sessions) < s.maxOpen {
		s.mu.Unlock()
		return
	}
	var victim string
	var oldest time.Time
	for id, sess := range s.sessions {
		if sess.busy != nil {
			continue
		}
		if victim == "" || sess.lastUsed.Before(oldest) {
			victim, oldest = id, sess.lastUsed
		}
	}
	s.mu.Unlock()

	if victim == "" {
		return
	}
	if err := s.Release(ctx, victim); err != nil {
		s.logger.Warn("failed to evict cart session", zap.String("session_id", victim), zap.Error(err))
	}
}

// ReleaseIdle releases every cart that was not opened within the idle
// timeout and returns how many were released.
func (s *Sessions) ReleaseIdle(ctx context.Context) int {
	if s.idleTimeout <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idleTimeout)

	s.mu.Lock()
	var idle []string
	for id, sess := range s.sessions {
		if sess.busy == nil && sess.lastUsed.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(idle)

	released := 0
	for _, id := range idle {
		if err := s.release(ctx, id, cutoff); err != nil {
			s.logger.Warn("failed to release idle cart session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		released++
	}
	return released
}

// Run releases idle carts until ctx is done. It returns at once without an
// idle timeout.
func (s *Sessions) Run(ctx context.Context) {
	if s.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ReleaseIdle(ctx); n > 0 {
				s.logger.Info("released idle cart sessions", zap.Int("count", n))
			}
		}
	}
}

// Len is the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.store != nil {
			n++
		}
	}
	return n
}

// Close releases every open session. Later calls to Open fail with
// ErrShutdown. Loads and releases already running are waited for.
func (s *Sessions) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for {
		s.mu.Lock()
		var (
			id   string
			sess *session
		)
		for k, v := range s.sessions {
			id, sess = k, v
			if v.busy == nil {
				break
			}
		}
		if sess == nil {
			s.mu.Unlock()
			return errors.Join(errs...)
		}
		wait := sess.busy
		if wait == nil {
			delete(s.sessions, id)
		}
		s.mu.Unlock()

		if wait != nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return errors.Join(append(errs, ctx.Err())...)
			}
		}
		if err := sess.store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
}
