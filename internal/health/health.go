package health

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name the cart service reports under in addition to the
// server-wide "" entry.
const ServiceName = "gomarketplace.cart"

type Pinger interface {
	Ping(ctx context.Context) error
}

// Watcher probes the snapshot storage and mirrors the result into a gRPC
// health server.
type Watcher struct {
	server   *health.Server
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	serving  atomic.Bool
}

func NewWatcher(server *health.Server, pinger Pinger, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		server:   server,
		pinger:   pinger,
		interval: interval,
		timeout:  interval / 2,
		logger:   logger,
	}
}

// Check pings storage once and publishes the resulting status.
func (w *Watcher) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := w.pinger.Ping(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		if w.serving.Load() {
			w.logger.Warn("cart storage stopped answering", zap.Error(err))
		}
	} else if !w.serving.Load() {
		w.logger.Info("cart storage reachable")
	}

	w.serving.Store(status == healthpb.HealthCheckResponse_SERVING)
	w.server.SetServingStatus("", status)
	w.server.SetServingStatus(ServiceName, status)
	return status
}

// Serving reports the result of the last Check.
func (w *Watcher) Serving() bool {
	return w.serving.Load()
}

// Run checks on every interval until ctx is done, then marks the server as
// shutting down so clients stop routing to it.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			w.serving.Store(false)
			w.server.Shutdown()
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}
