// Package dispatcher validates administrative operations and forwards them
// to the bridge/queue subsystem, folding every outcome into a Result.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	OpCleanErr = "clean-err"
	// OpRemove is the HTTP name of OpCleanErr.
	OpRemove  = "remove"
	OpRestart = "restart"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrMissingCategory  = errors.New("error category is required")
)

// Params carries operation parameters. Error is the category for clean-err.
type Params struct {
	Error string `json:"error,omitempty"`
}

// Command is what reaches the Channel after validation.
type Command struct {
	Cmd   string `json:"cmd"`
	Error string `json:"error,omitempty"`
}

// Result is the outcome of one operation. The zero value is a failure.
type Result struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message,omitempty"`
	Removed   *int     `json:"removed,omitempty"`
	Restarted []string `json:"restarted,omitempty"`
	Requeued  *int     `json:"requeued,omitempty"`

	err error
}

// Err is the reason a Result is unsuccessful, if any. It is not part of the
// JSON shape.
func (r Result) Err() error { return r.err }

// Channel forwards a validated command to the subsystem that owns bridge and
// queue state.
type Channel interface {
	Query(ctx context.Context, cmd Command) (Result, error)
}

type ChannelFunc func(ctx context.Context, cmd Command) (Result, error)

func (f ChannelFunc) Query(ctx context.Context, cmd Command) (Result, error) { return f(ctx, cmd) }

type Dispatcher struct {
	Channel Channel
	Logger  *slog.Logger
	// Observe is called once per Execute with the normalized op and result.
	Observe func(op string, r Result)
}

// Normalize maps accepted operation names to their canonical form. The
// second return is false for unknown names.
func Normalize(op string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case OpCleanErr, OpRemove:
		return OpCleanErr, true
	case OpRestart:
		return OpRestart, true
	default:
		return "", false
	}
}

// Execute never returns an error and never panics; every failure is in the
// Result.
func (d *Dispatcher) Execute(ctx context.Context, op string, p Params) (res Result) {
	name, ok := Normalize(op)
	defer func() {
		if d.Observe != nil {
			observed := name
			if !ok {
				observed = "unknown"
			}
			d.Observe(observed, res)
		}
	}()
	if !ok {
		return Result{err: fmt.Errorf("%w: %q", ErrUnknownOperation, op)}
	}

	cmd := Command{Cmd: name}
	if name == OpCleanErr {
		cmd.Error = strings.TrimSpace(p.Error)
		if cmd.Error == "" {
			return Result{err: ErrMissingCategory}
		}
	}
	if d.Channel == nil {
		return Result{Message: "command channel unavailable", err: errors.New("no command channel")}
	}
	return d.query(ctx, cmd)
}

func (d *Dispatcher) query(ctx context.Context, cmd Command) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s: panic: %v", cmd.Cmd, r)
			d.logger().Error("task_panic", slog.String("op", cmd.Cmd), slog.Any("err", err))
			res = Result{Message: "internal error", err: err}
		}
	}()

	res, err := d.Channel.Query(ctx, cmd)
	if err != nil {
		d.logger().Warn("task_failed", slog.String("op", cmd.Cmd), slog.Any("err", err))
		res.Success = false
		if res.Message == "" {
			res.Message = err.Error()
		}
		res.err = err
		return res
	}
	d.logger().Info("task_executed", slog.String("op", cmd.Cmd), slog.Bool("success", res.Success))
	return res
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
