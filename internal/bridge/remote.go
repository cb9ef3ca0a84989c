package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tohenk/bridgeui/internal/logs"
)

const (
	defaultRemoteTimeout = 5 * time.Second
	maxRemoteBodyBytes   = 4 << 20
)

// Remote is a bridge worker reached over HTTP. It expects
//
//	GET  {base}/status          {"stat":{...}, "last":..., "current":...}
//	GET  {base}/logs?after=SEQ  [{"seq":..,"time":..,"level":..,"message":..}] or {"logs":[...]}
//	POST {base}/restart
type Remote struct {
	name   string
	base   *url.URL
	client *http.Client
	token  string
}

var (
	_ Handle       = (*Remote)(nil)
	_ Restarter    = (*Remote)(nil)
	_ StatusReader = (*Remote)(nil)
)

type RemoteOption func(*Remote)

// WithRemoteClient replaces the HTTP client, e.g. with a tracing transport.
func WithRemoteClient(c *http.Client) RemoteOption {
	return func(r *Remote) {
		if c != nil {
			r.client = c
		}
	}
}

// WithRemoteToken sends a bearer token with every request.
func WithRemoteToken(token string) RemoteOption {
	return func(r *Remote) {
		r.token = strings.TrimSpace(token)
	}
}

func NewRemote(name, baseURL string, opts ...RemoteOption) (*Remote, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("bridge %s: parse url: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("bridge %s: url must be absolute http(s), got %q", name, baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	r := &Remote{
		name:   name,
		base:   u,
		client: &http.Client{Timeout: defaultRemoteTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Remote) Name() string { return r.name }

// URL returns the base URL of the worker.
func (r *Remote) URL() string { return r.base.String() }

// Status reads /status once. Non-numeric members of "stat" are skipped.
func (r *Remote) Status(ctx context.Context) (Status, error) {
	body, err := r.get(ctx, "/status", nil)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Stat:    make(map[string]int64),
		Last:    refFromJSON(gjson.GetBytes(body, "last")),
		Current: refFromJSON(gjson.GetBytes(body, "current")),
	}
	gjson.GetBytes(body, "stat").ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.Number {
			st.Stat[key.String()] = value.Int()
		}
		return true
	})
	return st, nil
}

func (r *Remote) Stats(ctx context.Context) (map[string]int64, error) {
	st, err := r.Status(ctx)
	return st.Stat, err
}

func (r *Remote) Last(ctx context.Context) (fmt.Stringer, error) {
	st, err := r.Status(ctx)
	return st.Last, err
}

func (r *Remote) Current(ctx context.Context) (fmt.Stringer, error) {
	st, err := r.Status(ctx)
	return st.Current, err
}

// refFromJSON keeps null and missing values nil. Strings are taken as is;
// other values keep their JSON text.
func refFromJSON(v gjson.Result) fmt.Stringer {
	switch {
	case !v.Exists(), v.Type == gjson.Null:
		return nil
	case v.Type == gjson.String:
		return Text(v.String())
	default:
		return Text(v.Raw)
	}
}

func (r *Remote) Logs(ctx context.Context, afterSeq uint64) ([]logs.Entry, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(afterSeq, 10))
	body, err := r.get(ctx, "/logs", q)
	if err != nil {
		return nil, err
	}
	list := gjson.GetBytes(body, "logs")
	if !list.Exists() {
		list = gjson.ParseBytes(body)
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("bridge %s: logs: expected array", r.name)
	}

	out := make([]logs.Entry, 0)
	for _, item := range list.Array() {
		e := logs.Entry{
			Seq:     item.Get("seq").Uint(),
			Time:    parseRemoteTime(item.Get("time")),
			Level:   logs.ParseLevel(item.Get("level").String()),
			Message: item.Get("message").String(),
		}
		if e.Seq <= afterSeq {
			continue
		}
		if ctxv := item.Get("context"); ctxv.IsObject() {
			e.Context = make(map[string]string)
			ctxv.ForEach(func(key, value gjson.Result) bool {
				e.Context[key.String()] = value.String()
				return true
			})
		}
		out = append(out, e)
	}
	return out, nil
}

func parseRemoteTime(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int()).UTC()
	case gjson.String:
		t, err := time.Parse(time.RFC3339Nano, v.String())
		if err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func (r *Remote) Restart(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint("/restart", nil), nil)
	if err != nil {
		return err
	}
	_, err = r.do(req)
	return err
}

func (r *Remote) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint(path, q), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return r.do(req)
}

func (r *Remote) do(req *http.Request) ([]byte, error) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", r.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("bridge %s: read body: %w", r.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Bridge: r.name, Code: resp.StatusCode}
	}
	if req.Method == http.MethodGet && !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("bridge %s: invalid json from %s", r.name, req.URL.Path)
	}
	return body, nil
}

func (r *Remote) endpoint(path string, q url.Values) string {
	u := *r.base
	u.Path = r.base.Path + path
	u.RawQuery = q.Encode()
	return u.String()
}

// StatusError reports a non-2xx answer from a remote bridge.
type StatusError struct {
	Bridge string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge %s: unexpected status %d", e.Bridge, e.Code)
}
