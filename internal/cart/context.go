package cart

import "context"

type storeKey struct{}

// WithStore opens a session scope: handlers below it can reach the store
// through FromContext.
func WithStore(ctx context.Context, store *Store) context.Context {
	return context.WithValue(ctx, storeKey{}, store)
}

// FromContext returns the store of the active session scope, or ErrNoSession.
func FromContext(ctx context.Context) (*Store, error) {
	store, ok := ctx.Value(storeKey{}).(*Store)
	if !ok || store == nil {
		return nil, ErrNoSession
	}
	return store, nil
}
