package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/tohenk/bridgeui/internal/bridge"
	"github.com/tohenk/bridgeui/internal/dashboard"
	"github.com/tohenk/bridgeui/internal/logs"
	"github.com/tohenk/bridgeui/internal/queue"
)

type testEnv struct {
	srv   *Server
	store *queue.MemoryStore
	b1    *bridge.Local
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	store := queue.NewMemoryStore()
	reg := bridge.NewRegistry()
	b1, err := bridge.NewLocal("b1", store)
	if err != nil {
		t.Fatalf("new local bridge: %v", err)
	}
	if err := reg.Register(b1); err != nil {
		t.Fatalf("register: %v", err)
	}
	f, err := dashboard.New(dashboard.Config{
		Registry: reg,
		Store:    store,
		About:    dashboard.About{Title: "Bridge UI", Version: "1.2.3", License: "MIT"},
	})
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	return testEnv{srv: NewServer(f), store: store, b1: b1}
}

func do(t *testing.T, h http.Handler, method, target string, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if mutate != nil {
		mutate(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeManagementError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected JSON content-type, got %q", ct)
	}
	var out errorResponse
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if strings.TrimSpace(out.Code) == "" || strings.TrimSpace(out.Detail) == "" {
		t.Fatalf("expected non-empty code/detail, got %#v", out)
	}
	return out
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestServer_Healthz(t *testing.T) {
	env := newTestEnv(t)

	rr := do(t, env.srv, http.MethodGet, "http://example/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "ok\n" {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_HealthzStoreDown(t *testing.T) {
	env := newTestEnv(t)
	_ = env.store.Close()

	rr := do(t, env.srv, http.MethodGet, "http://example/healthz?details=true", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	out := decodeMap(t, rr)
	if out["ok"] != false {
		t.Fatalf("expected ok=false, got %#v", out)
	}
}

func TestServer_HealthzInvalidDetailsStructuredError(t *testing.T) {
	env := newTestEnv(t)

	rr := do(t, env.srv, http.MethodGet, "http://example/healthz?details=maybe", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	errResp := decodeManagementError(t, rr)
	if errResp.Code != codeInvalidQuery {
		t.Fatalf("expected code=%q, got %q", codeInvalidQuery, errResp.Code)
	}
}

func TestServer_MethodNotAllowedStructuredError(t *testing.T) {
	env := newTestEnv(t)

	rr := do(t, env.srv, http.MethodPost, "http://example/updates", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	errResp := decodeManagementError(t, rr)
	if errResp.Code != codeMethodNotAllowed {
		t.Fatalf("expected code=%q, got %q", codeMethodNotAllowed, errResp.Code)
	}
	if rr.Header().Get("Allow") != http.MethodGet {
		t.Fatalf("Allow = %q", rr.Header().Get("Allow"))
	}

	rr = do(t, env.srv, http.MethodGet, "http://example/task/restart", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET task, got %d", rr.Code)
	}
}

func TestServer_NotFoundStructuredError(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{"/nope", "/log/", "/log/a/b", "/task/"} {
		rr := do(t, env.srv, http.MethodGet, "http://example"+target, "", nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", target, rr.Code)
		}
		if errResp := decodeManagementError(t, rr); errResp.Code != codeNotFound {
			t.Fatalf("%s: code = %q", target, errResp.Code)
		}
	}
}

func TestServer_IndexSnapshot(t *testing.T) {
	env := newTestEnv(t)

	rr := do(t, env.srv, http.MethodGet, "http://example/", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	out := decodeMap(t, rr)
	bridges, ok := out["bridges"].([]any)
	if !ok || len(bridges) != 1 {
		t.Fatalf("bridges = %#v", out["bridges"])
	}
	first := bridges[0].(map[string]any)
	if first["name"] != "b1" {
		t.Fatalf("bridge name = %v", first["name"])
	}
	if v, ok := first["last"]; !ok || v != nil {
		t.Fatalf("last = %#v, want null", v)
	}
}

func TestServer_UpdatesFlattensStat(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.b1.Enqueue("sync", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rr := do(t, env.srv, http.MethodGet, "http://example/updates", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	out := decodeMap(t, rr)
	if out["counter"] != float64(0) {
		t.Fatalf("counter = %#v", out["counter"])
	}
	b1 := out["updates"].(map[string]any)["b1"].(map[string]any)
	if b1["queued"] != float64(1) {
		t.Fatalf("queued = %#v", b1["queued"])
	}
	if b1["current"] != nil {
		t.Fatalf("current = %#v, want null", b1["current"])
	}
}

func TestServer_ActivityUsesSessionCursor(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.store.AppendActivity(logs.Entry{Message: "booted"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rr := do(t, env.srv, http.MethodGet, "http://example/activity", "", nil)
	out := decodeMap(t, rr)
	if _, ok := out["logs"]; !ok {
		t.Fatalf("expected logs on first read, got %#v", out)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != logs.SessionCookie {
		t.Fatalf("expected session cookie, got %#v", cookies)
	}
	session := cookies[0]

	rr = do(t, env.srv, http.MethodGet, "http://example/activity", "", func(r *http.Request) {
		r.AddCookie(session)
	})
	if body := strings.TrimSpace(rr.Body.String()); body != "{}" {
		t.Fatalf("expected absent feed {}, got %s", body)
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Fatalf("known session should not be reissued")
	}

	rr = do(t, env.srv, http.MethodGet, "http://example/activity", "", nil)
	if out := decodeMap(t, rr); out["logs"] == nil {
		t.Fatalf("new client should see the backlog, got %#v", out)
	}
}

func TestServer_BridgeLog(t *testing.T) {
	env := newTestEnv(t)
	env.b1.Log(logs.LevelWarn, "slow upstream", nil)

	rr := do(t, env.srv, http.MethodGet, "http://example/log/b1", "", nil)
	out := decodeMap(t, rr)
	entries, ok := out["logs"].([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("logs = %#v", out["logs"])
	}
	if _, ok := out["time"]; !ok {
		t.Fatalf("expected time with logs")
	}

	rr = do(t, env.srv, http.MethodGet, "http://example/log/unknown", "", nil)
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "{}" {
		t.Fatalf("unknown bridge: %d %s", rr.Code, rr.Body.String())
	}
}

func TestServer_QueuePaging(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 12; i++ {
		if _, err := env.b1.Enqueue("sync", nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	rr := do(t, env.srv, http.MethodGet, "http://example/queue?page=x&size=5", "", nil)
	out := decodeMap(t, rr)
	if out["page"] != float64(1) || out["size"] != float64(5) || out["count"] != float64(12) {
		t.Fatalf("queue page = %#v", out)
	}
	pages := out["pages"].(map[string]any)
	if pages["total"] != float64(3) {
		t.Fatalf("pages = %#v", pages)
	}

	rr = do(t, env.srv, http.MethodGet, "http://example/queue/9/5", "", nil)
	out = decodeMap(t, rr)
	if out["page"] != float64(3) {
		t.Fatalf("path page not clamped: %#v", out["page"])
	}
	if items := out["items"].([]any); len(items) != 2 {
		t.Fatalf("last page items = %d, want 2", len(items))
	}
}

func TestServer_ErrorListing(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if _, err := env.store.RecordError(queue.ErrorRecord{Bridge: "b1", Error: "net"}); err != nil {
			t.Fatalf("record error: %v", err)
		}
	}

	rr := do(t, env.srv, http.MethodGet, "http://example/error?size=2&page=2", "", nil)
	out := decodeMap(t, rr)
	if out["page"] != float64(2) || out["count"] != float64(3) {
		t.Fatalf("error page = %#v", out)
	}
	if items := out["items"].([]any); len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
}

func TestServer_About(t *testing.T) {
	env := newTestEnv(t)

	rr := do(t, env.srv, http.MethodGet, "http://example/about", "", nil)
	out := decodeMap(t, rr)
	if out["title"] != "Bridge UI" || out["version"] != "1.2.3" || out["license"] != "MIT" {
		t.Fatalf("about = %#v", out)
	}
}

func TestServer_TaskRemove(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.store.RecordError(queue.ErrorRecord{Bridge: "b1", Error: "net"}); err != nil {
		t.Fatalf("record error: %v", err)
	}

	rr := do(t, env.srv, http.MethodPost, "http://example/task/remove", `{}`, func(r *http.Request) {
		r.Header.Set("Content-Type", "application/json")
	})
	if out := decodeMap(t, rr); out["success"] != false {
		t.Fatalf("remove without error should fail, got %#v", out)
	}

	form := url.Values{"error": {"net"}}.Encode()
	rr = do(t, env.srv, http.MethodPost, "http://example/task/remove", form, func(r *http.Request) {
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	})
	out := decodeMap(t, rr)
	if out["success"] != true || out["removed"] != float64(1) {
		t.Fatalf("remove = %#v", out)
	}
}

func TestServer_TaskRestartAndUnknown(t *testing.T) {
	env := newTestEnv(t)

	rr := do(t, env.srv, http.MethodPost, "http://example/task/restart", "", nil)
	out := decodeMap(t, rr)
	if out["success"] != true {
		t.Fatalf("restart = %#v", out)
	}

	rr = do(t, env.srv, http.MethodPost, "http://example/task/explode", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("unknown op status = %d, want 200", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != `{"success":false}` {
		t.Fatalf("unknown op body = %s", body)
	}
}

func TestServer_TaskInvalidBody(t *testing.T) {
	env := newTestEnv(t)

	rr := do(t, env.srv, http.MethodPost, "http://example/task/remove", `{not json`, func(r *http.Request) {
		r.Header.Set("Content-Type", "application/json")
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if errResp := decodeManagementError(t, rr); errResp.Code != codeInvalidBody {
		t.Fatalf("code = %q", errResp.Code)
	}
}

func TestServer_TaskAuthorization(t *testing.T) {
	env := newTestEnv(t)
	env.srv.AuthorizeTask = BearerTokenAuthorizer([][]byte{[]byte("s3cret")})

	rr := do(t, env.srv, http.MethodPost, "http://example/task/restart", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if errResp := decodeManagementError(t, rr); errResp.Code != codeUnauthorized {
		t.Fatalf("code = %q", errResp.Code)
	}

	rr = do(t, env.srv, http.MethodPost, "http://example/task/restart", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer s3cret")
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}

	rr = do(t, env.srv, http.MethodGet, "http://example/updates", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("reads should stay open, got %d", rr.Code)
	}
}

func TestServer_Prefix(t *testing.T) {
	env := newTestEnv(t)
	env.srv.Prefix = "/ui/"

	rr := do(t, env.srv, http.MethodGet, "http://example/ui/about", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 under prefix, got %d", rr.Code)
	}
	rr = do(t, env.srv, http.MethodGet, "http://example/ui", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for prefix root, got %d", rr.Code)
	}
	rr = do(t, env.srv, http.MethodGet, "http://example/about", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside prefix, got %d", rr.Code)
	}
}

func TestServer_ObserveRequest(t *testing.T) {
	env := newTestEnv(t)
	var routes []string
	var statuses []int
	env.srv.ObserveRequest = func(route string, status int) {
		routes = append(routes, route)
		statuses = append(statuses, status)
	}

	do(t, env.srv, http.MethodGet, "http://example/log/b1", "", nil)
	do(t, env.srv, http.MethodGet, "http://example/missing", "", nil)

	if len(routes) != 2 || routes[0] != "/log/{bridge}" || routes[1] != "unmatched" {
		t.Fatalf("routes = %#v", routes)
	}
	if statuses[0] != http.StatusOK || statuses[1] != http.StatusNotFound {
		t.Fatalf("statuses = %#v", statuses)
	}
}

func TestServer_EventsAndMetricsDisabled(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{"/events", "/metrics"} {
		rr := do(t, env.srv, http.MethodGet, "http://example"+target, "", nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", target, rr.Code)
		}
	}

	env.srv.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	rr := do(t, env.srv, http.MethodGet, "http://example/metrics", "", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "# metrics\n" {
		t.Fatalf("metrics: %d %q", rr.Code, rr.Body.String())
	}
}

func TestBearerTokenAuthorizer(t *testing.T) {
	auth := BearerTokenAuthorizer([][]byte{nil, []byte("a")})
	cases := map[string]bool{
		"":          false,
		"Basic a":   false,
		"Bearer ":   false,
		"Bearer b":  false,
		"Bearer a":  true,
		"Bearer  a": true,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "http://example/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if got := auth(req); got != want {
			t.Fatalf("header %q: got %v, want %v", header, got, want)
		}
	}

	open := BearerTokenAuthorizer(nil)
	if !open(httptest.NewRequest(http.MethodGet, "http://example/", nil)) {
		t.Fatalf("no tokens should allow all requests")
	}
}

func TestBearerTokenAuthorizer_EventStreamQueryToken(t *testing.T) {
	auth := BearerTokenAuthorizer([][]byte{[]byte("a")})

	req := httptest.NewRequest(http.MethodGet, "http://example/events?access_token=a", nil)
	req.Header.Set("Accept", "text/event-stream")
	if !auth(req) {
		t.Fatalf("event stream client with query token should be accepted")
	}

	req = httptest.NewRequest(http.MethodGet, "http://example/updates?access_token=a", nil)
	if auth(req) {
		t.Fatalf("query token must only apply to event stream requests")
	}

	req = httptest.NewRequest(http.MethodPost, "http://example/task/restart?access_token=a", nil)
	req.Header.Set("Accept", "text/event-stream")
	if auth(req) {
		t.Fatalf("query token must not authorize POST requests")
	}

	req = httptest.NewRequest(http.MethodGet, "http://example/events?access_token=a", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer b")
	if auth(req) {
		t.Fatalf("an explicit wrong header wins over the query token")
	}
}

func TestPageParams(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example/queue?page=2&size=7", nil)
	p, s, ok := pageParams(req, "")
	if !ok || p != "2" || s != "7" {
		t.Fatalf("query params = %q %q %v", p, s, ok)
	}
	p, s, ok = pageParams(req, "4")
	if !ok || p != "4" || s != "7" {
		t.Fatalf("path page = %q %q %v", p, s, ok)
	}
	if _, _, ok := pageParams(req, "1/2/3"); ok {
		t.Fatalf("expected too-deep path to be rejected")
	}
}

