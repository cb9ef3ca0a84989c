package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tohenk/bridgeui/internal/bridge"
	"github.com/tohenk/bridgeui/internal/logs"
	"github.com/tohenk/bridgeui/internal/queue"
)

// Subsystem is the in-process Channel: it owns the queue store and the
// bridge registry.
type Subsystem struct {
	Store    queue.Store
	Registry *bridge.Registry
}

var _ Channel = (*Subsystem)(nil)

func (s *Subsystem) Query(ctx context.Context, cmd Command) (Result, error) {
	if s.Store == nil {
		return Result{}, errors.New("queue store unavailable")
	}
	switch cmd.Cmd {
	case OpCleanErr:
		return s.cleanErr(cmd.Error)
	case OpRestart:
		return s.restart(ctx)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOperation, cmd.Cmd)
	}
}

func (s *Subsystem) cleanErr(category string) (Result, error) {
	n, err := s.Store.DeleteErrors(category)
	if err != nil {
		return Result{}, fmt.Errorf("delete errors %q: %w", category, err)
	}
	s.activity(logs.LevelInfo, "removed "+strconv.Itoa(n)+" error(s) of "+category,
		map[string]string{"op": OpCleanErr, "error": category})
	return Result{Success: true, Removed: &n}, nil
}

// restart returns leased items to the queue first, then asks every
// restartable bridge to restart. A bridge failure does not stop the others.
func (s *Subsystem) restart(ctx context.Context) (Result, error) {
	requeued, err := s.Store.RequeueProcessing()
	if err != nil {
		return Result{}, fmt.Errorf("requeue processing: %w", err)
	}
	res := Result{Requeued: &requeued, Restarted: []string{}}

	var errs []error
	if s.Registry != nil {
		for _, r := range s.Registry.Restarters() {
			if err := r.Restart(ctx); err != nil {
				errs = append(errs, fmt.Errorf("restart %s: %w", r.Name, err))
				continue
			}
			res.Restarted = append(res.Restarted, r.Name)
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.activity(logs.LevelError, "restart incomplete: "+err.Error(), map[string]string{"op": OpRestart})
		res.Message = err.Error()
		return res, err
	}
	msg := "restarted"
	if len(res.Restarted) > 0 {
		msg += " " + strings.Join(res.Restarted, ", ")
	}
	s.activity(logs.LevelWarn, msg, map[string]string{"op": OpRestart, "requeued": strconv.Itoa(requeued)})
	res.Success = true
	return res, nil
}

func (s *Subsystem) activity(level logs.Level, msg string, ctx map[string]string) {
	_, _ = s.Store.AppendActivity(logs.Entry{Level: level, Message: msg, Context: ctx})
}
