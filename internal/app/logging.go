package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tohenk/bridgeui/internal/config"
)

// levelOff sits above every level the code logs at.
const levelOff = slog.Level(100)

// newRuntimeLogger returns a logger whose level can be changed later through
// the returned LevelVar, which is how config reloads apply log.level.
func newRuntimeLogger(cfg config.LogConfig) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	lvl, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, nil, nil, err
	}
	w, closer, err := openLogSink(cfg.Output, cfg.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	lv := new(slog.LevelVar)
	lv.Set(lvl)
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})
	return slog.New(h), lv, closer, nil
}

func newAccessLogger(cfg config.AccessLogConfig) (*slog.Logger, io.Closer, error) {
	w, closer, err := openLogSink(cfg.Output, cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(slog.NewJSONHandler(w, nil)), closer, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "off":
		return levelOff, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (use: debug|info|warn|error|off)", level)
	}
}

func openLogSink(output, path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	case "file":
		p := strings.TrimSpace(path)
		if p == "" {
			return nil, nil, errors.New("log output file requires path")
		}
		f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", p, err)
		}
		return f, f, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (use: stdout|stderr|file)", output)
	}
}

func withAccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		logger.Info("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int("bytes", sw.bytesWritten),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", r.RemoteAddr),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytesWritten += n
	return n, err
}

// Flush keeps the event stream working behind the access log.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func serveOnListener(logger *slog.Logger, name string, srv *http.Server, ln net.Listener, cancel func()) {
	go func() {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		logger.Error("http_server_error", slog.String("name", name), slog.Any("err", err))
		if cancel != nil {
			cancel()
		}
	}()
}
