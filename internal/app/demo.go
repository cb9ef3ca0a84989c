package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/tohenk/bridgeui/internal/bridge"
	"github.com/tohenk/bridgeui/internal/queue"
)

var demoOperations = []string{"sync", "upload", "notify", "verify"}

type demoPayload struct {
	Ref    int    `json:"ref"`
	Fail   string `json:"fail,omitempty"`
	WorkMS int    `json:"work_ms"`
}

type demoError struct {
	category string
	ref      int
}

func (e demoError) Error() string    { return fmt.Sprintf("ref %d rejected: %s", e.ref, e.category) }
func (e demoError) Category() string { return e.category }

// demoProcessor simulates work. Items whose payload names a failure
// category fail under that category.
func demoProcessor(ctx context.Context, it queue.Item) error {
	var p demoPayload
	if len(it.Payload) > 0 {
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			return demoError{category: "invalid-payload"}
		}
	}
	if p.WorkMS > 0 {
		t := time.NewTimer(time.Duration(p.WorkMS) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if p.Fail != "" {
		return demoError{category: p.Fail, ref: p.Ref}
	}
	return nil
}

// runDemoFeeder enqueues synthetic work on the local bridges until ctx is
// done. Roughly one item in six fails.
func runDemoFeeder(ctx context.Context, bridges []*bridge.Local, every time.Duration, logger *slog.Logger) {
	if len(bridges) == 0 {
		return
	}
	if every <= 0 {
		every = time.Second
	}
	failures := []string{"timeout", "rejected"}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for ref := 1; ; ref++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p := demoPayload{Ref: ref, WorkMS: 100 + rand.IntN(900)}
		if rand.IntN(6) == 0 {
			p.Fail = failures[rand.IntN(len(failures))]
		}
		body, _ := json.Marshal(p)
		b := bridges[rand.IntN(len(bridges))]
		if _, err := b.Enqueue(demoOperations[rand.IntN(len(demoOperations))], body); err != nil {
			logger.Warn("demo_enqueue_failed", slog.String("bridge", b.Name()), slog.Any("err", err))
		}
	}
}
