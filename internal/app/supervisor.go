package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tohenk/bridgeui/internal/bridge"
)

// bridgeSupervisor runs the worker loop of every local bridge until Drain.
type bridgeSupervisor struct {
	Bridges   []*bridge.Local
	Processor bridge.Processor
	Logger    *slog.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func (s *bridgeSupervisor) Start(ctx context.Context) {
	if len(s.Bridges) == 0 || s.Processor == nil {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, b := range s.Bridges {
		s.wg.Add(1)
		go func(b *bridge.Local) {
			defer s.wg.Done()
			if err := b.Run(ctx, s.Processor); err != nil {
				logger.Error("bridge_run_failed", slog.String("bridge", b.Name()), slog.Any("err", err))
			}
		}(b)
	}
}

// Drain stops every worker loop and waits for in-flight items to finish.
// It returns false when timeout expired first.
func (s *bridgeSupervisor) Drain(timeout time.Duration) bool {
	if s.cancel == nil {
		return true
	}
	s.stopOnce.Do(s.cancel)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
