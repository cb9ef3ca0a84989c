// Package admin serves the dashboard over HTTP: JSON read endpoints, the
// task endpoint, the server-sent events stream, health and metrics.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/tohenk/bridgeui/internal/dashboard"
	"github.com/tohenk/bridgeui/internal/dispatcher"
	"github.com/tohenk/bridgeui/internal/logs"
)

const (
	defaultMaxBodyBytes = 64 << 10
	healthPingTimeout   = 2 * time.Second
)

var errRequestBodyTooLarge = errors.New("request body too large")

type Server struct {
	Facade   *dashboard.Facade
	Sessions *logs.Sessions
	// Events serves the push stream at /events when set.
	Events http.Handler
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Authorize guards every route; AuthorizeTask additionally guards
	// /task/{op}.
	Authorize     Authorizer
	AuthorizeTask Authorizer
	// Prefix mounts all routes below a path such as /ui.
	Prefix       string
	CookieSecure bool
	Logger       *slog.Logger
	// ObserveRequest is called once per request with the route template
	// and response status.
	ObserveRequest func(route string, status int)
}

func NewServer(f *dashboard.Facade) *Server {
	return &Server{
		Facade:   f,
		Sessions: logs.NewSessions(nil, 0, 0),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := s.serve(rec, r)
	if s.ObserveRequest != nil {
		s.ObserveRequest(route, rec.status)
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) string {
	cleanPath, ok := s.stripPrefix(path.Clean("/" + r.URL.Path))
	if !ok {
		writeManagementError(w, http.StatusNotFound, codeNotFound, "resource was not found")
		return "unmatched"
	}
	if s.Authorize != nil && !s.Authorize(r) {
		writeManagementError(w, http.StatusUnauthorized, codeUnauthorized, "request is not authorized")
		return "unauthorized"
	}

	head, rest := splitRoute(cleanPath)
	switch head {
	case "/":
		if !requireMethod(w, r, http.MethodGet) {
			return "/"
		}
		writeJSON(w, s.Facade.Snapshot(r.Context()))
		return "/"
	case "/updates":
		if !requireMethod(w, r, http.MethodGet) {
			return head
		}
		writeJSON(w, s.Facade.Updates(r.Context()))
		return head
	case "/activity":
		if !requireMethod(w, r, http.MethodGet) {
			return head
		}
		s.handleActivity(w, r)
		return head
	case "/queue":
		if !requireMethod(w, r, http.MethodGet) {
			return head
		}
		s.handleQueue(w, r, rest)
		return head
	case "/error":
		if !requireMethod(w, r, http.MethodGet) {
			return head
		}
		s.handleErrors(w, r, rest)
		return head
	case "/log":
		if rest == "" || strings.Contains(rest, "/") {
			writeManagementError(w, http.StatusNotFound, codeNotFound, "resource was not found")
			return "unmatched"
		}
		if !requireMethod(w, r, http.MethodGet) {
			return "/log/{bridge}"
		}
		s.handleBridgeLog(w, r, rest)
		return "/log/{bridge}"
	case "/about":
		if !requireMethod(w, r, http.MethodGet) {
			return head
		}
		writeJSON(w, s.Facade.About())
		return head
	case "/task":
		if rest == "" || strings.Contains(rest, "/") {
			writeManagementError(w, http.StatusNotFound, codeNotFound, "resource was not found")
			return "unmatched"
		}
		if !requireMethod(w, r, http.MethodPost) {
			return "/task/{op}"
		}
		s.handleTask(w, r, rest)
		return "/task/{op}"
	case "/events":
		if s.Events == nil {
			writeManagementError(w, http.StatusNotFound, codeNotFound, "push channel is disabled")
			return "unmatched"
		}
		if !requireMethod(w, r, http.MethodGet) {
			return head
		}
		s.Events.ServeHTTP(w, r)
		return head
	case "/healthz":
		if !requireMethod(w, r, http.MethodGet) {
			return head
		}
		s.handleHealthz(w, r)
		return head
	case "/metrics":
		if s.Metrics == nil {
			writeManagementError(w, http.StatusNotFound, codeNotFound, "metrics are disabled")
			return "unmatched"
		}
		if !requireMethod(w, r, http.MethodGet) {
			return head
		}
		s.Metrics.ServeHTTP(w, r)
		return head
	default:
		writeManagementError(w, http.StatusNotFound, codeNotFound, "resource was not found")
		return "unmatched"
	}
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	cur := s.cursor(w, r)
	feed, err := s.Facade.Activity(r.Context(), cur)
	if err != nil {
		s.logger().Warn("activity_read_failed", slog.Any("err", err))
		writeManagementError(w, http.StatusServiceUnavailable, codeStoreUnavailable, "activity log is unavailable")
		return
	}
	writeJSON(w, feed)
}

func (s *Server) handleBridgeLog(w http.ResponseWriter, r *http.Request, name string) {
	cur := s.cursor(w, r)
	feed, err := s.Facade.BridgeLog(r.Context(), cur, name)
	if err != nil {
		s.logger().Warn("bridge_log_read_failed", slog.String("bridge", name), slog.Any("err", err))
		writeManagementError(w, http.StatusServiceUnavailable, codeUnavailable, "bridge log is unavailable")
		return
	}
	writeJSON(w, feed)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request, pagePath string) {
	rawPage, rawSize, ok := pageParams(r, pagePath)
	if !ok {
		writeManagementError(w, http.StatusNotFound, codeNotFound, "resource was not found")
		return
	}
	out, err := s.Facade.Queue(r.Context(), rawPage, rawSize)
	if err != nil {
		s.logger().Warn("queue_list_failed", slog.Any("err", err))
		writeManagementError(w, http.StatusServiceUnavailable, codeStoreUnavailable, "queue is unavailable")
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request, pagePath string) {
	rawPage, rawSize, ok := pageParams(r, pagePath)
	if !ok {
		writeManagementError(w, http.StatusNotFound, codeNotFound, "resource was not found")
		return
	}
	out, err := s.Facade.Errors(r.Context(), rawPage, rawSize)
	if err != nil {
		s.logger().Warn("error_list_failed", slog.Any("err", err))
		writeManagementError(w, http.StatusServiceUnavailable, codeStoreUnavailable, "error log is unavailable")
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request, op string) {
	if s.AuthorizeTask != nil && !s.AuthorizeTask(r) {
		writeManagementError(w, http.StatusUnauthorized, codeUnauthorized, "task is not authorized")
		return
	}
	params, err := parseTaskParams(r)
	if err != nil {
		if errors.Is(err, errRequestBodyTooLarge) {
			writeManagementError(w, http.StatusRequestEntityTooLarge, codeInvalidBody, fmt.Sprintf("request body exceeds %d bytes", defaultMaxBodyBytes))
			return
		}
		writeManagementError(w, http.StatusBadRequest, codeInvalidBody, "request body must be a JSON object or form")
		return
	}

	res := s.Facade.Task(r.Context(), op, params)
	if err := res.Err(); err != nil && errors.Is(err, dispatcher.ErrUnknownOperation) {
		s.logger().Info("task_unknown_operation", slog.String("op", op))
	}
	writeJSON(w, res)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	detailsRaw := strings.TrimSpace(r.URL.Query().Get("details"))
	details, ok := parseBoolParam(detailsRaw)
	if !ok {
		writeManagementError(w, http.StatusBadRequest, codeInvalidQuery, "details must be true|false")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()
	pingErr := s.Facade.Ping(ctx)

	if !details {
		if pingErr != nil {
			writeManagementError(w, http.StatusServiceUnavailable, codeStoreUnavailable, pingErr.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
		return
	}

	storeStatus := map[string]any{"ok": pingErr == nil}
	if pingErr != nil {
		storeStatus["error"] = pingErr.Error()
	}
	status := http.StatusOK
	if pingErr != nil {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":      pingErr == nil,
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
		"bridges": s.Facade.Registry().Names(),
		"store":   storeStatus,
	})
}

// cursor returns the session cursor for the request and sets the session
// cookie when a new session was issued.
func (s *Server) cursor(w http.ResponseWriter, r *http.Request) *logs.Cursor {
	if s.Sessions == nil {
		return logs.NewCursor()
	}
	var presented string
	if c, err := r.Cookie(logs.SessionCookie); err == nil {
		presented = c.Value
	}
	id, cur := s.Sessions.Get(presented)
	if id != presented {
		cookiePath := s.Prefix
		if cookiePath == "" {
			cookiePath = "/"
		}
		http.SetCookie(w, &http.Cookie{
			Name:     logs.SessionCookie,
			Value:    id,
			Path:     cookiePath,
			HttpOnly: true,
			Secure:   s.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return cur
}

func (s *Server) stripPrefix(p string) (string, bool) {
	prefix := strings.TrimRight(strings.TrimSpace(s.Prefix), "/")
	if prefix == "" {
		return p, true
	}
	if p == prefix {
		return "/", true
	}
	if strings.HasPrefix(p, prefix+"/") {
		return strings.TrimPrefix(p, prefix), true
	}
	return "", false
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// splitRoute turns "/log/b1" into ("/log", "b1").
func splitRoute(p string) (string, string) {
	if p == "/" {
		return "/", ""
	}
	trimmed := strings.TrimPrefix(p, "/")
	head, rest, _ := strings.Cut(trimmed, "/")
	return "/" + head, rest
}

// pageParams reads page and size from /{page} or the query. Path values win.
func pageParams(r *http.Request, pagePath string) (string, string, bool) {
	q := r.URL.Query()
	rawPage, rawSize := q.Get("page"), q.Get("size")
	if pagePath != "" {
		p, size, hasSize := strings.Cut(pagePath, "/")
		if strings.Contains(size, "/") {
			return "", "", false
		}
		rawPage = p
		if hasSize {
			rawSize = size
		}
	}
	return rawPage, rawSize, true
}

func parseTaskParams(r *http.Request) (dispatcher.Params, error) {
	var p dispatcher.Params
	if r.Body == nil {
		return p, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodyBytes+1))
	if err != nil {
		return p, err
	}
	if len(body) > defaultMaxBodyBytes {
		return p, errRequestBodyTooLarge
	}
	if len(bytes.TrimSpace(body)) == 0 {
		p.Error = r.URL.Query().Get("error")
		return p, nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err := r.ParseForm(); err != nil {
			return p, err
		}
		p.Error = r.PostForm.Get("error")
		return p, nil
	default:
		var payload struct {
			Error json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return p, err
		}
		p.Error = rawString(payload.Error)
		return p, nil
	}
}

// rawString accepts a JSON string or number as the category.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method || (method == http.MethodGet && r.Method == http.MethodHead) {
		return true
	}
	writeMethodNotAllowed(w, method)
	return false
}

func parseBoolParam(raw string) (bool, bool) {
	if raw == "" {
		return false, true
	}
	switch strings.ToLower(raw) {
	case "1", "true", "on", "yes":
		return true, true
	case "0", "false", "off", "no":
		return false, true
	default:
		return false, false
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
