package push

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tohenk/bridgeui/internal/dashboard"
	"github.com/tohenk/bridgeui/internal/logs"
	"github.com/tohenk/bridgeui/internal/stats"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	mu       sync.Mutex
	counter  int64
	pending  []logs.Entry
	feedErr  error
	feedTime int64
}

func (f *fakeSource) Updates(context.Context) dashboard.Updates {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.counter
	return dashboard.Updates{Counter: &n, Updates: map[string]stats.Update{}}
}

func (f *fakeSource) Activity(_ context.Context, cur *logs.Cursor) (logs.Feed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feedErr != nil {
		return logs.Feed{}, f.feedErr
	}
	var out []logs.Entry
	for _, e := range f.pending {
		if e.Seq > cur.Position(logs.StreamActivity) {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return logs.Feed{}, nil
	}
	cur.Advance(logs.StreamActivity, out[len(out)-1].Seq)
	return logs.Feed{Time: f.feedTime, Logs: out}, nil
}

func (f *fakeSource) set(counter int64, entries ...logs.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter = counter
	f.pending = append(f.pending, entries...)
}

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPollerTick_PublishesOnlyChanges(t *testing.T) {
	src := &fakeSource{feedTime: 42}
	hub := NewHub()
	sub := hub.Subscribe()
	defer sub.Close()
	p := &Poller{Source: src, Hub: hub}
	ctx := context.Background()

	p.Tick(ctx)
	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, EventUpdates, evs[0].Name)
	assert.JSONEq(t, `{"counter":0,"updates":{}}`, string(evs[0].Data))

	p.Tick(ctx)
	assert.Empty(t, drain(sub))

	src.set(1, logs.Entry{Seq: 1, Message: "done"})
	p.Tick(ctx)
	evs = drain(sub)
	require.Len(t, evs, 2)
	assert.Equal(t, EventUpdates, evs[0].Name)
	assert.Equal(t, EventActivity, evs[1].Name)
	assert.Contains(t, string(evs[1].Data), `"message":"done"`)
	assert.Contains(t, string(evs[1].Data), `"time":42`)

	p.Tick(ctx)
	assert.Empty(t, drain(sub))
}

func TestPollerTick_ActivityErrorSkipsEvent(t *testing.T) {
	src := &fakeSource{feedErr: errors.New("store down")}
	hub := NewHub()
	sub := hub.Subscribe()
	defer sub.Close()
	p := &Poller{Source: src, Hub: hub}

	p.Tick(context.Background())
	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, EventUpdates, evs[0].Name)
}

func TestPollerRun_TicksOnClock(t *testing.T) {
	mock := clock.NewMock()
	src := &fakeSource{}
	hub := NewHub()
	sub := hub.Subscribe()
	defer sub.Close()
	p := &Poller{Source: src, Hub: hub, Clock: mock, Interval: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	first := <-sub.C
	assert.Equal(t, EventUpdates, first.Name)

	src.set(5)
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case ev := <-sub.C:
			return strings.Contains(string(ev.Data), `"counter":5`)
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	hub := NewHub(WithBuffer(1))
	slow := hub.Subscribe()
	defer slow.Close()

	require.NoError(t, hub.Publish("a", 1))
	require.NoError(t, hub.Publish("b", 2))

	assert.Equal(t, uint64(1), hub.Dropped())
	ev := <-slow.C
	assert.Equal(t, "a", ev.Name)
}

func TestHub_CloseUnsubscribes(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	assert.Equal(t, 1, hub.Len())
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Len())
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestEvent_WriteTo(t *testing.T) {
	var buf bytes.Buffer
	_, err := Event{Name: "updates", Data: []byte(`{"a":1}`)}.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "event: updates\ndata: {\"a\":1}\n\n", buf.String())
}

func TestHub_ServeHTTPStreamsEvents(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Publish(EventUpdates, map[string]int{"counter": 3}))

	r := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}
	assert.Equal(t, []string{"event: updates", `data: {"counter":3}`}, lines)

	cancel()
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	http.DefaultClient.CloseIdleConnections()
}
