package app

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/queue"
)

const recoveryBatch = 100

// RunRecovery re-enqueues stalled documents every interval until ctx ends.
func (a *App) RunRecovery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Tracker.RecoverStalled(ctx, a.Config.Pipeline.StallTimeout, recoveryBatch)
			if err != nil {
				a.Logger.Warn("Stall recovery failed", logger.Error(err))
				continue
			}
			if n > 0 {
				a.Logger.Info("Recovered stalled documents", logger.Int("count", n))
			}
		}
	}
}

// StartMemoryWorkers drains the in-process queue when no broker is
// configured. It reports false when the publisher is not the memory queue.
func (a *App) StartMemoryWorkers(ctx context.Context) bool {
	q, ok := a.Publisher.(*queue.MemoryQueue)
	if !ok {
		return false
	}
	q.Start(ctx, a.Config.Worker.Concurrency, a.Tracker.Advance)
	a.closers = append(a.closers, func() error {
		q.Wait()
		return nil
	})
	return true
}

// HealthServer serves the standard gRPC health protocol. The status follows
// the pingers until ctx ends.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	lis    net.Listener
}

func (a *App) NewHealthServer(addr string) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(s, h)
	return &HealthServer{server: s, health: h, lis: lis}, nil
}

// Serve blocks until Stop.
func (h *HealthServer) Serve() error {
	return h.server.Serve(h.lis)
}

// Watch probes the app dependencies every interval and publishes the
// aggregate status under the empty service name.
func (a *App) Watch(ctx context.Context, h *HealthServer, interval time.Duration) {
	check := func() {
		status := healthpb.HealthCheckResponse_SERVING
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		for name, p := range a.Pingers() {
			if err := p.Ping(pctx); err != nil {
				a.Logger.Warn("Dependency unhealthy", logger.String("dependency", name), logger.Error(err))
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
		}
		h.health.SetServingStatus("", status)
	}
	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
