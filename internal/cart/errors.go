package cart

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks wiring mistakes that must surface immediately.
	ErrConfiguration = errors.New("cart configuration error")
	// ErrNoSession is returned when a cart is looked up outside a session scope.
	ErrNoSession = fmt.Errorf("%w: cart used outside of a session scope", ErrConfiguration)

	ErrPersistence     = errors.New("cart persistence error")
	ErrCorruptSnapshot = errors.New("corrupt cart snapshot")
	ErrClosed          = errors.New("cart store closed")
)
