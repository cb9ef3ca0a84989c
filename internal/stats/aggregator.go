// Package stats polls every registered bridge and the global processed
// counter and merges the results into one update keyed by bridge name.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tohenk/bridgeui/internal/bridge"
)

const DefaultTimeout = 2 * time.Second

var ErrNoCounter = errors.New("no counter source configured")

// reserved keys cannot be used as counter names.
var reserved = map[string]struct{}{
	"last":    {},
	"current": {},
	"error":   {},
}

// Counter is the source of the process-wide processed total.
type Counter interface {
	ProcessedCount() (int64, error)
}

type CounterFunc func() (int64, error)

func (f CounterFunc) ProcessedCount() (int64, error) { return f() }

// Update is the outcome of polling one bridge. On failure Err is set and
// Stat, Last and Current are empty.
type Update struct {
	Stat    map[string]int64
	Last    *string
	Current *string
	Err     string
}

func (u Update) Failed() bool { return u.Err != "" }

// MarshalJSON flattens Stat next to last and current. A failed update
// carries only the error marker.
func (u Update) MarshalJSON() ([]byte, error) {
	if u.Failed() {
		return json.Marshal(map[string]any{"error": u.Err})
	}
	out := make(map[string]any, len(u.Stat)+2)
	for k, v := range u.Stat {
		out[k] = v
	}
	out["last"] = u.Last
	out["current"] = u.Current
	return json.Marshal(out)
}

// BridgeStatus is one row of an ordered snapshot.
type BridgeStatus struct {
	Name    string           `json:"name"`
	Stat    map[string]int64 `json:"stat"`
	Last    *string          `json:"last"`
	Current *string          `json:"current"`
	Error   string           `json:"error,omitempty"`
}

type Aggregator struct {
	// Timeout bounds the status read of one bridge. Zero means DefaultTimeout.
	// When it fires the bridge is reported as failed right away, but the
	// goroutine running the read only ends once the Handle returns: a Handle
	// must honor its context or bound its own I/O.
	Timeout time.Duration
	Counter Counter
	Logger  *slog.Logger
	// OnFailure is called once per failed bridge poll.
	OnFailure func(bridge string, err error)
}

// Collect polls every handle concurrently. A failing or slow bridge is
// reported with an error marker and never delays or aborts the others
// beyond Timeout.
func (a *Aggregator) Collect(ctx context.Context, handles []bridge.Handle) map[string]Update {
	results := a.collect(ctx, handles)
	out := make(map[string]Update, len(handles))
	for i, h := range handles {
		out[h.Name()] = results[i]
	}
	return out
}

// Snapshot is Collect in the order of handles.
func (a *Aggregator) Snapshot(ctx context.Context, handles []bridge.Handle) []BridgeStatus {
	results := a.collect(ctx, handles)
	out := make([]BridgeStatus, 0, len(handles))
	for i, h := range handles {
		u := results[i]
		out = append(out, BridgeStatus{
			Name:    h.Name(),
			Stat:    u.Stat,
			Last:    u.Last,
			Current: u.Current,
			Error:   u.Err,
		})
	}
	return out
}

// Count reads the counter source on every call.
func (a *Aggregator) Count(context.Context) (int64, error) {
	if a.Counter == nil {
		return 0, ErrNoCounter
	}
	return a.Counter.ProcessedCount()
}

func (a *Aggregator) collect(ctx context.Context, handles []bridge.Handle) []Update {
	results := make([]Update, len(handles))
	if len(handles) == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(len(handles))
	for i, h := range handles {
		g.Go(func() error {
			u, err := a.pollBounded(ctx, h)
			if err != nil {
				u = Update{Err: err.Error()}
				a.reportFailure(h.Name(), err)
			}
			results[i] = u
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Aggregator) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return DefaultTimeout
}

// pollBounded returns when the poll finishes or the deadline passes, even if
// the handle ignores its context.
func (a *Aggregator) pollBounded(ctx context.Context, h bridge.Handle) (Update, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	type result struct {
		u   Update
		err error
	}
	ch := make(chan result, 1)
	go func() {
		u, err := poll(ctx, h)
		ch <- result{u: u, err: err}
	}()

	select {
	case r := <-ch:
		return r.u, r.err
	case <-ctx.Done():
		return Update{}, fmt.Errorf("poll %s: %w", h.Name(), ctx.Err())
	}
}

func poll(ctx context.Context, h bridge.Handle) (u Update, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll %s: panic: %v", h.Name(), r)
		}
	}()

	st, err := readStatus(ctx, h)
	if err != nil {
		return Update{}, err
	}

	stat := make(map[string]int64, len(st.Stat))
	for k, v := range st.Stat {
		if _, ok := reserved[k]; ok {
			continue
		}
		stat[k] = v
	}
	return Update{Stat: stat, Last: stringify(st.Last), Current: stringify(st.Current)}, nil
}

// readStatus takes one reading through StatusReader when the handle offers
// it and falls back to the three separate reads.
func readStatus(ctx context.Context, h bridge.Handle) (bridge.Status, error) {
	if sr, ok := h.(bridge.StatusReader); ok {
		st, err := sr.Status(ctx)
		if err != nil {
			return bridge.Status{}, fmt.Errorf("status: %w", err)
		}
		return st, nil
	}
	raw, err := h.Stats(ctx)
	if err != nil {
		return bridge.Status{}, fmt.Errorf("stats: %w", err)
	}
	last, err := h.Last(ctx)
	if err != nil {
		return bridge.Status{}, fmt.Errorf("last: %w", err)
	}
	current, err := h.Current(ctx)
	if err != nil {
		return bridge.Status{}, fmt.Errorf("current: %w", err)
	}
	return bridge.Status{Stat: raw, Last: last, Current: current}, nil
}

// stringify keeps nil as nil. A typed nil pointer inside the interface is
// treated as nil too.
func stringify(s fmt.Stringer) *string {
	if s == nil || isNilPointer(s) {
		return nil
	}
	v := s.String()
	return &v
}

func (a *Aggregator) reportFailure(name string, err error) {
	if a.Logger != nil {
		a.Logger.Warn("bridge_poll_failed", slog.String("bridge", name), slog.Any("err", err))
	}
	if a.OnFailure != nil {
		a.OnFailure(name, err)
	}
}

func isNilPointer(s fmt.Stringer) bool {
	v := reflect.ValueOf(s)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}
