package poller

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Topic carries one message per completed checkout.
const (
	Topic   = "checkout-outbox"
	GroupID = "cart-service-consumer"
)

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// CartClearer empties the cart stored for a session.
type CartClearer interface {
	Clear(ctx context.Context, sessionID string) error
}

// Poller empties a session's cart once its checkout has been recorded.
type Poller struct {
	reader MessageReader
	carts  CartClearer
	logger *zap.Logger
}

func NewPoller(carts CartClearer, logger *zap.Logger, topic, groupID string, brokers ...string) *Poller {
	if topic == "" {
		topic = Topic
	}
	if groupID == "" {
		groupID = GroupID
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
	return NewWithReader(reader, carts, logger)
}

func NewWithReader(reader MessageReader, carts CartClearer, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{reader: reader, carts: carts, logger: logger}
}

// Run consumes messages until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.getMessageAndEmptyCart(ctx)
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.logger.Warn("error closing checkout reader", zap.Error(err))
	}
}

type checkoutEvent struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// sessionID prefers session_id; older producers only send user_id.
func (e checkoutEvent) sessionID() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.UserID
}

func (p *Poller) getMessageAndEmptyCart(ctx context.Context) {
	m, err := p.reader.ReadMessage(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			p.logger.Error("error reading checkout message", zap.Error(err))
		}
		return
	}

	var event checkoutEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		p.logger.Warn("error parsing checkout message", zap.Int64("offset", m.Offset), zap.Error(err))
		return
	}
	sessionID := event.sessionID()
	if sessionID == "" {
		p.logger.Warn("checkout message without session_id", zap.Int64("offset", m.Offset))
		return
	}

	if err := p.carts.Clear(ctx, sessionID); err != nil {
		p.logger.Error("failed to clear cart after checkout", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	p.logger.Info("cart cleared after checkout", zap.String("session_id", sessionID))
}
