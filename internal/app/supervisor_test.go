package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tohenk/bridgeui/internal/bridge"
	"github.com/tohenk/bridgeui/internal/queue"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestBridgeSupervisor_ProcessesAndDrains(t *testing.T) {
	store := queue.NewMemoryStore()
	sync, err := bridge.NewLocal("sync", store, bridge.WithLocalLogger(discardLogger()), bridge.WithLocalIdle(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	fail, _ := json.Marshal(demoPayload{Ref: 2, Fail: "rejected"})
	if _, err := sync.Enqueue("upload", []byte(`{"ref":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := sync.Enqueue("upload", fail); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sup := &bridgeSupervisor{Bridges: []*bridge.Local{sync}, Processor: demoProcessor, Logger: discardLogger()}
	sup.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		n, err := store.QueueLength("")
		return err == nil && n == 0
	})
	if !sup.Drain(time.Second) {
		t.Fatalf("drain timed out")
	}

	processed, _ := store.ProcessedCount()
	if processed != 1 {
		t.Fatalf("processed %d, want 1", processed)
	}
	page, err := store.ListErrors(queue.ListRequest{})
	if err != nil {
		t.Fatalf("ListErrors: %v", err)
	}
	if page.Count != 1 || page.Items[0].Error != "rejected" {
		t.Fatalf("unexpected errors %+v", page)
	}
}

func TestBridgeSupervisor_DrainWithoutStart(t *testing.T) {
	sup := &bridgeSupervisor{}
	sup.Start(context.Background())
	if !sup.Drain(time.Millisecond) {
		t.Fatalf("expected drain of idle supervisor to succeed")
	}
}

func TestDemoProcessor(t *testing.T) {
	ctx := context.Background()
	if err := demoProcessor(ctx, queue.Item{}); err != nil {
		t.Fatalf("empty payload: %v", err)
	}
	err := demoProcessor(ctx, queue.Item{Payload: []byte(`{"ref":7,"fail":"timeout"}`)})
	var c bridge.Categorizer
	if !errors.As(err, &c) || c.Category() != "timeout" {
		t.Fatalf("expected timeout category, got %v", err)
	}
	err = demoProcessor(ctx, queue.Item{Payload: []byte(`not json`)})
	if !errors.As(err, &c) || c.Category() != "invalid-payload" {
		t.Fatalf("expected invalid-payload category, got %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := demoProcessor(cctx, queue.Item{Payload: []byte(`{"work_ms":5000}`)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestRunDemoFeeder_Enqueues(t *testing.T) {
	store := queue.NewMemoryStore()
	b, err := bridge.NewLocal("demo", store, bridge.WithLocalLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runDemoFeeder(ctx, []*bridge.Local{b}, 5*time.Millisecond, discardLogger())
	}()
	waitFor(t, 2*time.Second, func() bool {
		n, _ := store.QueueLength("demo")
		return n >= 2
	})
	cancel()
	<-done
}
