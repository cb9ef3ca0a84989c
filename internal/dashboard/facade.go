// Package dashboard is the single entry point the HTTP and push layers use.
// Each method maps to one boundary operation and returns a plain value that
// marshals directly to the response body.
package dashboard

import (
	"context"
	"errors"
	"sync"

	"github.com/tohenk/bridgeui/internal/bridge"
	"github.com/tohenk/bridgeui/internal/dispatcher"
	"github.com/tohenk/bridgeui/internal/logs"
	"github.com/tohenk/bridgeui/internal/page"
	"github.com/tohenk/bridgeui/internal/queue"
	"github.com/tohenk/bridgeui/internal/stats"
)

type About struct {
	Title   string `json:"title"`
	Version string `json:"version"`
	Author  string `json:"author"`
	License string `json:"license"`
}

// Socket tells browser clients where the push channel lives.
type Socket struct {
	URL       string `json:"url"`
	Reconnect bool   `json:"reconnect"`
}

type Snapshot struct {
	Counter      *int64               `json:"counter"`
	CounterError string               `json:"counter_error,omitempty"`
	Bridges      []stats.BridgeStatus `json:"bridges"`
	Socket       Socket               `json:"socket"`
}

type Updates struct {
	Counter      *int64                  `json:"counter"`
	CounterError string                  `json:"counter_error,omitempty"`
	Updates      map[string]stats.Update `json:"updates"`
}

type QueuePage struct {
	Items []queue.Item `json:"items"`
	Count int          `json:"count"`
	Page  int          `json:"page"`
	Size  int          `json:"size"`
	Pages page.Range   `json:"pages"`
}

type ErrorPage struct {
	Items []queue.ErrorRecord `json:"items"`
	Count int                 `json:"count"`
	Page  int                 `json:"page"`
	Size  int                 `json:"size"`
	Pages page.Range          `json:"pages"`
}

type Config struct {
	Registry   *bridge.Registry
	Store      queue.Store
	Aggregator *stats.Aggregator
	Dispatcher *dispatcher.Dispatcher
	Reader     *logs.Reader
	Paging     page.Config
	About      About
	Socket     Socket
}

type Facade struct {
	registry   *bridge.Registry
	store      queue.Store
	aggregator *stats.Aggregator
	dispatcher *dispatcher.Dispatcher
	reader     *logs.Reader
	socket     Socket

	mu     sync.RWMutex
	paging page.Config
	about  About
}

func New(cfg Config) (*Facade, error) {
	if cfg.Registry == nil {
		return nil, errors.New("dashboard: registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("dashboard: store is required")
	}
	f := &Facade{
		registry:   cfg.Registry,
		store:      cfg.Store,
		aggregator: cfg.Aggregator,
		dispatcher: cfg.Dispatcher,
		reader:     cfg.Reader,
		socket:     cfg.Socket,
		paging:     cfg.Paging,
		about:      cfg.About,
	}
	if f.aggregator == nil {
		f.aggregator = &stats.Aggregator{Counter: cfg.Store}
	}
	if f.dispatcher == nil {
		f.dispatcher = &dispatcher.Dispatcher{Channel: &dispatcher.Subsystem{Store: cfg.Store, Registry: cfg.Registry}}
	}
	if f.reader == nil {
		f.reader = logs.NewReader(nil)
	}
	if f.paging == (page.Config{}) {
		f.paging = page.DefaultConfig()
	}
	return f, nil
}

func (f *Facade) Registry() *bridge.Registry { return f.registry }

func (f *Facade) Snapshot(ctx context.Context) Snapshot {
	out := Snapshot{
		Bridges: f.aggregator.Snapshot(ctx, f.registry.Handles()),
		Socket:  f.socket,
	}
	out.Counter, out.CounterError = f.count(ctx)
	return out
}

func (f *Facade) Updates(ctx context.Context) Updates {
	out := Updates{Updates: f.aggregator.Collect(ctx, f.registry.Handles())}
	out.Counter, out.CounterError = f.count(ctx)
	return out
}

func (f *Facade) count(ctx context.Context) (*int64, string) {
	n, err := f.aggregator.Count(ctx)
	if err != nil {
		return nil, err.Error()
	}
	return &n, ""
}

// Activity returns the activity entries cur has not seen yet.
func (f *Facade) Activity(ctx context.Context, cur *logs.Cursor) (logs.Feed, error) {
	return f.reader.Read(ctx, cur, logs.StreamActivity, f.unreadActivity)
}

// unreadActivity pages through the store so the whole retained backlog is
// returned, not only the first store page.
func (f *Facade) unreadActivity(ctx context.Context, after uint64) ([]logs.Entry, error) {
	var out []logs.Entry
	for {
		batch, err := f.store.ListActivity(after, queue.MaxActivityLimit)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < queue.MaxActivityLimit {
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		after = batch[len(batch)-1].Seq
	}
}

// BridgeLog returns the unseen entries of one bridge. Unknown bridges yield
// an empty feed.
func (f *Facade) BridgeLog(ctx context.Context, cur *logs.Cursor, name string) (logs.Feed, error) {
	h, ok := f.registry.Lookup(name)
	if !ok {
		return logs.Feed{}, nil
	}
	return f.reader.Read(ctx, cur, logs.BridgeStream(name), h.Logs)
}

// Queue lists one page of pending items. rawPage and rawSize come straight
// from the request; invalid values count as absent.
func (f *Facade) Queue(_ context.Context, rawPage, rawSize string) (QueuePage, error) {
	paging := f.Paging()
	res, err := f.store.ListQueue(queue.ListRequest{Page: parseRequest(rawPage, rawSize), Paging: paging})
	if err != nil {
		return QueuePage{}, err
	}
	d := paging.Paginate(res.Count, res.Size, res.Page)
	return QueuePage{Items: res.Items, Count: d.Count, Page: d.Page, Size: d.Size, Pages: d.Pages}, nil
}

func (f *Facade) Errors(_ context.Context, rawPage, rawSize string) (ErrorPage, error) {
	paging := f.Paging()
	res, err := f.store.ListErrors(queue.ListRequest{Page: parseRequest(rawPage, rawSize), Paging: paging})
	if err != nil {
		return ErrorPage{}, err
	}
	d := paging.Paginate(res.Count, res.Size, res.Page)
	return ErrorPage{Items: res.Items, Count: d.Count, Page: d.Page, Size: d.Size, Pages: d.Pages}, nil
}

func (f *Facade) Task(ctx context.Context, op string, p dispatcher.Params) dispatcher.Result {
	return f.dispatcher.Execute(ctx, op, p)
}

func (f *Facade) About() About {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.about
}

func (f *Facade) SetAbout(a About) {
	f.mu.Lock()
	f.about = a
	f.mu.Unlock()
}

func (f *Facade) Paging() page.Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.paging
}

// SetPaging replaces the page defaults used by later Queue and Errors calls.
func (f *Facade) SetPaging(c page.Config) {
	f.mu.Lock()
	f.paging = c
	f.mu.Unlock()
}

// Ping reports whether the store is reachable.
func (f *Facade) Ping(ctx context.Context) error {
	return f.store.Ping(ctx)
}

func parseRequest(rawPage, rawSize string) page.Request {
	return page.Request{Page: page.ParseInt(rawPage), Size: page.ParseInt(rawSize)}
}
