package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// pinger is satisfied by the dashboard facade.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthService serves grpc.health.v1 with a status that follows periodic
// store pings.
type healthService struct {
	server *grpc.Server
	health *health.Server
	ln     net.Listener
}

func newHealthService(addr string) (*healthService, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return &healthService{server: srv, health: hs, ln: ln}, nil
}

func (h *healthService) Addr() string { return h.ln.Addr().String() }

// Run serves until ctx is done. The first ping happens before serving.
func (h *healthService) Run(ctx context.Context, p pinger, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		every = 10 * time.Second
	}
	h.check(ctx, p, logger)

	go func() {
		if err := h.server.Serve(h.ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc_health_server_error", slog.Any("err", err))
		}
	}()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			h.server.GracefulStop()
			return
		case <-ticker.C:
			h.check(ctx, p, logger)
		}
	}
}

func (h *healthService) check(ctx context.Context, p pinger, logger *slog.Logger) {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := p.Ping(pctx); err != nil {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		logger.Warn("health_ping_failed", slog.Any("err", err))
	}
	h.health.SetServingStatus("", status)
}
