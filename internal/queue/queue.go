// Package queue persists the work the bridges process: pending queue items,
// the error records of failed items, the global activity log and the
// process-wide processed counter.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tohenk/bridgeui/internal/logs"
	"github.com/tohenk/bridgeui/internal/page"
)

var (
	ErrItemNotFound  = errors.New("queue item not found")
	ErrItemExists    = errors.New("queue item already exists")
	ErrEmptyCategory = errors.New("error category is required")
	ErrStoreClosed   = errors.New("queue store is closed")
)

type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
)

type Item struct {
	ID         string          `json:"id"`
	Bridge     string          `json:"bridge"`
	Operation  string          `json:"operation"`
	State      State           `json:"state"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempt    int             `json:"attempt"`
}

// ErrorRecord is a failed item. Error holds the category used by clean-err.
type ErrorRecord struct {
	ID        string            `json:"id"`
	Bridge    string            `json:"bridge,omitempty"`
	Error     string            `json:"error"`
	Message   string            `json:"message,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type DequeueRequest struct {
	Bridge string
	Batch  int
}

type FailRequest struct {
	ID       string
	Category string
	Message  string
	Context  map[string]string
}

// ListRequest selects one page. Paging normalizes absent or oversized values.
type ListRequest struct {
	Page   page.Request
	Paging page.Config
}

// ItemPage holds one page of the queue; Count is the total queue length.
type ItemPage struct {
	Items []Item `json:"items"`
	Count int    `json:"count"`
	Page  int    `json:"page"`
	Size  int    `json:"size"`
}

type ErrorPage struct {
	Items []ErrorRecord `json:"items"`
	Count int           `json:"count"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}

type Store interface {
	Enqueue(item Item) (Item, error)
	Dequeue(req DequeueRequest) ([]Item, error)
	Complete(id string) error
	Fail(req FailRequest) error
	ListQueue(req ListRequest) (ItemPage, error)
	QueueLength(bridge string) (int, error)
	RecordError(rec ErrorRecord) (ErrorRecord, error)
	ListErrors(req ListRequest) (ErrorPage, error)
	DeleteErrors(category string) (int, error)
	ProcessedCount() (int64, error)
	AppendActivity(e logs.Entry) (logs.Entry, error)
	ListActivity(afterSeq uint64, limit int) ([]logs.Entry, error)
	RequeueProcessing() (int, error)
	// Release returns the given leased items to the queue. Ids that are not
	// processing are skipped.
	Release(ids ...string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// MaxActivityLimit caps one ListActivity call. Readers that need the full
// backlog page on the last returned seq.
const MaxActivityLimit = 1000

const (
	defaultDequeueBatch   = 1
	maxDequeueBatch       = 100
	defaultActivityRetain = 10000
)

func newID(prefix string) string {
	return prefix + uuid.NewString()
}

func normalizeCategory(category string) (string, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return "", ErrEmptyCategory
	}
	return category, nil
}

func normalizeBatch(n int) int {
	if n <= 0 {
		return defaultDequeueBatch
	}
	if n > maxDequeueBatch {
		return maxDequeueBatch
	}
	return n
}

func normalizeActivityLimit(n int) int {
	if n <= 0 || n > MaxActivityLimit {
		return MaxActivityLimit
	}
	return n
}

func prepareItem(item Item, now time.Time) (Item, error) {
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		item.ID = newID("q_")
	}
	item.Bridge = strings.TrimSpace(item.Bridge)
	if item.Bridge == "" {
		return Item{}, errors.New("bridge is required")
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	item.EnqueuedAt = item.EnqueuedAt.UTC()
	if item.State == "" {
		item.State = StateQueued
	}
	if item.Attempt < 0 {
		item.Attempt = 0
	}
	return item, nil
}

func prepareError(rec ErrorRecord, now time.Time) (ErrorRecord, error) {
	category, err := normalizeCategory(rec.Error)
	if err != nil {
		return ErrorRecord{}, err
	}
	rec.Error = category
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = newID("err_")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func prepareActivity(e logs.Entry, now time.Time) logs.Entry {
	if e.Time.IsZero() {
		e.Time = now
	}
	e.Time = e.Time.UTC()
	if e.Level == "" {
		e.Level = logs.LevelInfo
	}
	return e
}

func encodeContextJSON(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeContextJSON(s string) (map[string]string, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "{}" || s == "null" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func completedEntry(item Item) logs.Entry {
	return logs.Entry{
		Level:   logs.LevelInfo,
		Message: item.Bridge + ": " + item.Operation + " " + item.ID + " done",
		Context: map[string]string{"bridge": item.Bridge, "item": item.ID},
	}
}

func failedEntry(item Item, category string) logs.Entry {
	return logs.Entry{
		Level:   logs.LevelError,
		Message: item.Bridge + ": " + item.Operation + " " + item.ID + " failed: " + category,
		Context: map[string]string{"bridge": item.Bridge, "item": item.ID, "error": category},
	}
}
