package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tohenk/bridgeui/internal/logs"
	"github.com/tohenk/bridgeui/internal/queue"
)

const (
	defaultLocalBatch = 10
	defaultLocalIdle  = 500 * time.Millisecond
)

// Processor handles one leased item. A returned error fails the item; its
// category is taken from Categorizer when the error implements it.
type Processor func(ctx context.Context, item queue.Item) error

// Categorizer lets a processing error choose the error category it is filed
// under.
type Categorizer interface {
	Category() string
}

// ItemRef identifies a queue item in last/current reports.
type ItemRef struct {
	ID        string
	Operation string
}

func (r ItemRef) String() string {
	if r.Operation == "" {
		return r.ID
	}
	return r.Operation + " " + r.ID
}

type LocalOption func(*Local)

func WithLocalClock(c clock.Clock) LocalOption {
	return func(l *Local) {
		if c != nil {
			l.clock = c
		}
	}
}

func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLocalBatch sets how many items one poll leases.
func WithLocalBatch(n int) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.batch = n
		}
	}
}

// WithLocalIdle sets how long Run waits after an empty poll.
func WithLocalIdle(d time.Duration) LocalOption {
	return func(l *Local) {
		if d > 0 {
			l.idle = d
		}
	}
}

func WithLocalLogSize(n int) LocalOption {
	return func(l *Local) {
		l.logSize = n
	}
}

// Local is an in-process bridge. Items are leased from the store under the
// bridge name and handed to a Processor by Run.
type Local struct {
	name    string
	store   queue.Store
	clock   clock.Clock
	logger  *slog.Logger
	batch   int
	idle    time.Duration
	logSize int
	ring    *logs.Ring

	mu        sync.Mutex
	last      *ItemRef
	current   *ItemRef
	processed int64
	failed    int64
	restarts  int64
	wake      chan struct{}
}

var (
	_ Handle       = (*Local)(nil)
	_ Restarter    = (*Local)(nil)
	_ StatusReader = (*Local)(nil)
)

func NewLocal(name string, store queue.Store, opts ...LocalOption) (*Local, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if store == nil {
		return nil, errors.New("bridge store is required")
	}
	l := &Local{
		name:   name,
		store:  store,
		clock:  clock.New(),
		logger: slog.Default(),
		batch:  defaultLocalBatch,
		idle:   defaultLocalIdle,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ring = logs.NewRing(l.logSize, l.clock.Now)
	return l, nil
}

func (l *Local) Name() string { return l.name }

// Status reads counters, last and current under one lock. Only the queue
// length comes from the store.
func (l *Local) Status(context.Context) (Status, error) {
	queued, err := l.store.QueueLength(l.name)
	if err != nil {
		return Status{}, fmt.Errorf("queue length: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{Stat: map[string]int64{
		"processed": l.processed,
		"failed":    l.failed,
		"queued":    int64(queued),
		"restarts":  l.restarts,
	}}
	if l.last != nil {
		st.Last = *l.last
	}
	if l.current != nil {
		st.Current = *l.current
	}
	return st, nil
}

func (l *Local) Stats(ctx context.Context) (map[string]int64, error) {
	st, err := l.Status(ctx)
	return st.Stat, err
}

func (l *Local) Last(context.Context) (fmt.Stringer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil, nil
	}
	return *l.last, nil
}

func (l *Local) Current(context.Context) (fmt.Stringer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil, nil
	}
	return *l.current, nil
}

func (l *Local) Logs(_ context.Context, afterSeq uint64) ([]logs.Entry, error) {
	return l.ring.After(afterSeq), nil
}

// Log appends an entry to the bridge's own log.
func (l *Local) Log(level logs.Level, message string, ctx map[string]string) logs.Entry {
	return l.ring.Append(level, message, ctx)
}

// Enqueue adds work for this bridge and wakes Run.
func (l *Local) Enqueue(operation string, payload []byte) (queue.Item, error) {
	it, err := l.store.Enqueue(queue.Item{Bridge: l.name, Operation: operation, Payload: payload})
	if err != nil {
		return queue.Item{}, err
	}
	l.Log(logs.LevelDebug, "queued "+ItemRef{ID: it.ID, Operation: it.Operation}.String(), nil)
	l.signal()
	return it, nil
}

// Restart drops the in-flight reference and wakes Run. Leased items are
// returned to the queue by the caller through the store.
func (l *Local) Restart(context.Context) error {
	l.mu.Lock()
	l.current = nil
	l.restarts++
	l.mu.Unlock()
	l.Log(logs.LevelWarn, "restart requested", nil)
	l.signal()
	return nil
}

func (l *Local) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run polls the store and processes items until ctx is done.
func (l *Local) Run(ctx context.Context, proc Processor) error {
	if proc == nil {
		return errors.New("bridge processor is required")
	}
	l.Log(logs.LevelInfo, "bridge started", nil)
	defer l.Log(logs.LevelInfo, "bridge stopped", nil)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := l.Poll(ctx, proc)
		if err != nil {
			l.logger.Warn("bridge_poll_failed", slog.String("bridge", l.name), slog.Any("err", err))
		}
		if n > 0 && err == nil {
			continue
		}
		timer := l.clock.Timer(l.idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-l.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Poll leases one batch and processes it. It returns the number of items
// handled.
func (l *Local) Poll(ctx context.Context, proc Processor) (int, error) {
	items, err := l.store.Dequeue(queue.DequeueRequest{Bridge: l.name, Batch: l.batch})
	if err != nil {
		return 0, fmt.Errorf("dequeue: %w", err)
	}
	for i, it := range items {
		if ctx.Err() != nil {
			return i, l.release(items[i:])
		}
		if err := l.process(ctx, proc, it); err != nil {
			return i + 1, err
		}
	}
	return len(items), nil
}

// release hands leased items back to the queue when Run stops mid-batch.
func (l *Local) release(items []queue.Item) error {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	n, err := l.store.Release(ids...)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if n > 0 {
		l.Log(logs.LevelWarn, fmt.Sprintf("released %d item(s) on shutdown", n), nil)
	}
	return nil
}

func (l *Local) process(ctx context.Context, proc Processor, it queue.Item) error {
	ref := ItemRef{ID: it.ID, Operation: it.Operation}
	l.mu.Lock()
	l.current = &ref
	l.mu.Unlock()

	procErr := safeProcess(ctx, proc, it)

	// An item interrupted by shutdown goes back to the queue untouched.
	if procErr != nil && ctx.Err() != nil {
		l.mu.Lock()
		l.current = nil
		l.mu.Unlock()
		return l.release([]queue.Item{it})
	}

	l.mu.Lock()
	l.current = nil
	l.last = &ref
	if procErr == nil {
		l.processed++
	} else {
		l.failed++
	}
	l.mu.Unlock()

	if procErr == nil {
		l.Log(logs.LevelInfo, "processed "+ref.String(), map[string]string{"item": it.ID})
		if err := l.store.Complete(it.ID); err != nil {
			return fmt.Errorf("complete %s: %w", it.ID, err)
		}
		return nil
	}

	category := "error"
	var c Categorizer
	if errors.As(procErr, &c) && strings.TrimSpace(c.Category()) != "" {
		category = c.Category()
	}
	l.Log(logs.LevelError, "failed "+ref.String()+": "+procErr.Error(), map[string]string{"item": it.ID, "error": category})
	if err := l.store.Fail(queue.FailRequest{ID: it.ID, Category: category, Message: procErr.Error()}); err != nil {
		return fmt.Errorf("fail %s: %w", it.ID, err)
	}
	return nil
}

func safeProcess(ctx context.Context, proc Processor, it queue.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc(ctx, it)
}
