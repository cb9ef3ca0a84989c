package push

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tohenk/bridgeui/internal/dashboard"
	"github.com/tohenk/bridgeui/internal/logs"
)

const DefaultInterval = time.Second

// Source is the part of the dashboard facade the poller reads.
type Source interface {
	Updates(ctx context.Context) dashboard.Updates
	Activity(ctx context.Context, cur *logs.Cursor) (logs.Feed, error)
}

// Poller reads the source on every tick and publishes what changed. It owns
// its own activity cursor, separate from any HTTP client's.
type Poller struct {
	Source   Source
	Hub      *Hub
	Clock    clock.Clock
	Interval time.Duration
	Logger   *slog.Logger

	cursor      *logs.Cursor
	lastUpdates []byte
}

// Run ticks immediately and then every Interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	p.Tick(ctx)
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick publishes an updates event when the aggregated state differs from the
// previous tick and an activity event when there are unseen entries.
func (p *Poller) Tick(ctx context.Context) {
	if p.cursor == nil {
		p.cursor = logs.NewCursor()
	}

	data, err := json.Marshal(p.Source.Updates(ctx))
	if err != nil {
		p.logger().Warn("push_marshal_failed", slog.String("event", EventUpdates), slog.Any("err", err))
	} else if !bytes.Equal(data, p.lastUpdates) {
		p.lastUpdates = data
		p.Hub.publishRaw(Event{Name: EventUpdates, Data: data})
	}

	feed, err := p.Source.Activity(ctx, p.cursor)
	if err != nil {
		p.logger().Warn("push_activity_failed", slog.Any("err", err))
		return
	}
	if feed.Present() {
		if err := p.Hub.Publish(EventActivity, feed); err != nil {
			p.logger().Warn("push_marshal_failed", slog.String("event", EventActivity), slog.Any("err", err))
		}
	}
}

func (p *Poller) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
