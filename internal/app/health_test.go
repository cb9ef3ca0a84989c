package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

type switchPinger struct{ fail atomic.Bool }

func (p *switchPinger) Ping(context.Context) error {
	if p.fail.Load() {
		return errors.New("store down")
	}
	return nil
}

func TestHealthService_FollowsPing(t *testing.T) {
	hs, err := newHealthService("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &switchPinger{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hs.Run(ctx, p, 20*time.Millisecond, discardLogger())
	}()
	defer func() {
		cancel()
		<-done
	}()

	conn, err := grpc.NewClient(hs.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	status := func() grpc_health_v1.HealthCheckResponse_ServingStatus {
		cctx, ccancel := context.WithTimeout(context.Background(), time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &grpc_health_v1.HealthCheckRequest{})
		if err != nil {
			return grpc_health_v1.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}

	waitFor(t, 2*time.Second, func() bool { return status() == grpc_health_v1.HealthCheckResponse_SERVING })
	p.fail.Store(true)
	waitFor(t, 2*time.Second, func() bool { return status() == grpc_health_v1.HealthCheckResponse_NOT_SERVING })
	p.fail.Store(false)
	waitFor(t, 2*time.Second, func() bool { return status() == grpc_health_v1.HealthCheckResponse_SERVING })
}
