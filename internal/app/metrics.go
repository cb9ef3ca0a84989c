package app

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tohenk/bridgeui/internal/dispatcher"
	"github.com/tohenk/bridgeui/internal/queue"
)

// hubStats is the part of push.Hub the metrics handler reads.
type hubStats interface {
	Len() int
	Dropped() uint64
}

type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64

	mu              sync.Mutex
	requests        map[requestKey]int64
	pollFailures    map[string]int64
	tasks           map[taskKey]int64
	reloads         map[string]int64
	lastReloadOKSec int64

	// Read on scrape.
	store   queue.Store
	hub     hubStats
	bridges func() int
	now     func() time.Time
}

type requestKey struct {
	route  string
	status string
}

type taskKey struct {
	op      string
	outcome string
}

func newRuntimeMetrics() *runtimeMetrics {
	return &runtimeMetrics{
		requests:     make(map[requestKey]int64),
		pollFailures: make(map[string]int64),
		tasks:        make(map[taskKey]int64),
		reloads:      make(map[string]int64),
		now:          time.Now,
	}
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Store(1)
		return
	}
	m.tracingEnabled.Store(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailuresTotal.Add(1)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrorsTotal.Add(1)
}

func (m *runtimeMetrics) observeRequest(route string, status int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.mu.Lock()
	m.requests[requestKey{route: route, status: statusClass(status)}]++
	m.mu.Unlock()
}

func (m *runtimeMetrics) observePollFailure(bridge string, _ error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.pollFailures[bridge]++
	m.mu.Unlock()
}

func (m *runtimeMetrics) observeTask(op string, r dispatcher.Result) {
	if m == nil {
		return
	}
	outcome := "success"
	if !r.Success {
		outcome = "failure"
	}
	m.mu.Lock()
	m.tasks[taskKey{op: op, outcome: outcome}]++
	m.mu.Unlock()
}

func (m *runtimeMetrics) observeReload(result string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.reloads[result]++
	if result == "ok" {
		m.lastReloadOKSec = m.now().Unix()
	}
	m.mu.Unlock()
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}

type metricsSnapshot struct {
	requests        map[requestKey]int64
	pollFailures    map[string]int64
	tasks           map[taskKey]int64
	reloads         map[string]int64
	lastReloadOKSec int64
}

func (m *runtimeMetrics) snapshot() metricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := metricsSnapshot{
		requests:        make(map[requestKey]int64, len(m.requests)),
		pollFailures:    make(map[string]int64, len(m.pollFailures)),
		tasks:           make(map[taskKey]int64, len(m.tasks)),
		reloads:         make(map[string]int64, len(m.reloads)),
		lastReloadOKSec: m.lastReloadOKSec,
	}
	for k, v := range m.requests {
		out.requests[k] = v
	}
	for k, v := range m.pollFailures {
		out.pollFailures[k] = v
	}
	for k, v := range m.tasks {
		out.tasks[k] = v
	}
	for k, v := range m.reloads {
		out.reloads[k] = v
	}
	return out
}

func newMetricsHandler(version string, start time.Time, rm *runtimeMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetricHeader(w, "bridgeui_up", "gauge", "Whether the bridgeui process is up.")
		_, _ = fmt.Fprintf(w, "bridgeui_up 1\n")
		writeMetricHeader(w, "bridgeui_build_info", "gauge", "Build information.")
		_, _ = fmt.Fprintf(w, "bridgeui_build_info{version=%q} 1\n", version)
		writeMetricHeader(w, "bridgeui_start_time_seconds", "gauge", "Start time since unix epoch.")
		_, _ = fmt.Fprintf(w, "bridgeui_start_time_seconds %d\n", start.Unix())

		if rm == nil {
			return
		}

		writeMetricHeader(w, "bridgeui_tracing_enabled", "gauge", "Whether tracing is enabled.")
		_, _ = fmt.Fprintf(w, "bridgeui_tracing_enabled %d\n", rm.tracingEnabled.Load())
		writeMetricHeader(w, "bridgeui_tracing_init_failures_total", "counter", "Total number of tracing initialization failures.")
		_, _ = fmt.Fprintf(w, "bridgeui_tracing_init_failures_total %d\n", rm.tracingInitFailuresTotal.Load())
		writeMetricHeader(w, "bridgeui_tracing_export_errors_total", "counter", "Total number of tracing exporter errors reported by OpenTelemetry.")
		_, _ = fmt.Fprintf(w, "bridgeui_tracing_export_errors_total %d\n", rm.tracingExportErrorsTotal.Load())

		snap := rm.snapshot()

		writeMetricHeader(w, "bridgeui_http_requests_total", "counter", "Total number of dashboard HTTP requests by route and status class.")
		reqKeys := make([]requestKey, 0, len(snap.requests))
		for k := range snap.requests {
			reqKeys = append(reqKeys, k)
		}
		sort.Slice(reqKeys, func(i, j int) bool {
			if reqKeys[i].route == reqKeys[j].route {
				return reqKeys[i].status < reqKeys[j].status
			}
			return reqKeys[i].route < reqKeys[j].route
		})
		for _, k := range reqKeys {
			_, _ = fmt.Fprintf(w, "bridgeui_http_requests_total{route=%q,status=%q} %d\n", k.route, k.status, snap.requests[k])
		}

		writeMetricHeader(w, "bridgeui_bridge_poll_failures_total", "counter", "Total number of failed bridge status polls by bridge.")
		for _, name := range sortedKeys(snap.pollFailures) {
			_, _ = fmt.Fprintf(w, "bridgeui_bridge_poll_failures_total{bridge=%q} %d\n", name, snap.pollFailures[name])
		}

		writeMetricHeader(w, "bridgeui_tasks_total", "counter", "Total number of control commands by operation and outcome.")
		taskKeys := make([]taskKey, 0, len(snap.tasks))
		for k := range snap.tasks {
			taskKeys = append(taskKeys, k)
		}
		sort.Slice(taskKeys, func(i, j int) bool {
			if taskKeys[i].op == taskKeys[j].op {
				return taskKeys[i].outcome < taskKeys[j].outcome
			}
			return taskKeys[i].op < taskKeys[j].op
		})
		for _, k := range taskKeys {
			_, _ = fmt.Fprintf(w, "bridgeui_tasks_total{op=%q,outcome=%q} %d\n", k.op, k.outcome, snap.tasks[k])
		}

		writeMetricHeader(w, "bridgeui_config_reloads_total", "counter", "Total number of config reload attempts by result.")
		for _, result := range []string{"ok", "failed", "restart_required"} {
			_, _ = fmt.Fprintf(w, "bridgeui_config_reloads_total{result=%q} %d\n", result, snap.reloads[result])
		}
		writeMetricHeader(w, "bridgeui_config_last_reload_success_timestamp_seconds", "gauge", "Unix time of the last successful config reload.")
		_, _ = fmt.Fprintf(w, "bridgeui_config_last_reload_success_timestamp_seconds %d\n", snap.lastReloadOKSec)

		if rm.bridges != nil {
			writeMetricHeader(w, "bridgeui_bridges", "gauge", "Number of registered bridges.")
			_, _ = fmt.Fprintf(w, "bridgeui_bridges %d\n", rm.bridges())
		}

		if rm.hub != nil {
			writeMetricHeader(w, "bridgeui_push_subscribers", "gauge", "Number of connected event stream clients.")
			_, _ = fmt.Fprintf(w, "bridgeui_push_subscribers %d\n", rm.hub.Len())
			writeMetricHeader(w, "bridgeui_push_dropped_events_total", "counter", "Total number of events dropped for slow subscribers.")
			_, _ = fmt.Fprintf(w, "bridgeui_push_dropped_events_total %d\n", rm.hub.Dropped())
		}

		if rm.store != nil {
			storeUp := 1
			processed, err := rm.store.ProcessedCount()
			if err != nil {
				storeUp = 0
			}
			queued, err := rm.store.QueueLength("")
			if err != nil {
				storeUp = 0
			}
			writeMetricHeader(w, "bridgeui_store_up", "gauge", "Whether the last scrape could read the queue store.")
			_, _ = fmt.Fprintf(w, "bridgeui_store_up %d\n", storeUp)
			if storeUp == 1 {
				writeMetricHeader(w, "bridgeui_processed_total", "counter", "Total number of items processed across all bridges.")
				_, _ = fmt.Fprintf(w, "bridgeui_processed_total %d\n", processed)
				writeMetricHeader(w, "bridgeui_queue_items", "gauge", "Number of items waiting or in progress.")
				_, _ = fmt.Fprintf(w, "bridgeui_queue_items %d\n", queued)
			}
		}
	})
}

func writeMetricHeader(w http.ResponseWriter, name, typ, help string) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
}

func sortedKeys(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
