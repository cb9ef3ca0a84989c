package queue

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tohenk/bridgeui/internal/logs"
	"github.com/tohenk/bridgeui/internal/page"
)

type storeFactory func(t *testing.T, now func() time.Time) Store

func contractBackends(t *testing.T) map[string]storeFactory {
	t.Helper()
	backends := map[string]storeFactory{
		"memory": func(t *testing.T, now func() time.Time) Store {
			return NewMemoryStore(WithNowFunc(now))
		},
		"sqlite": func(t *testing.T, now func() time.Time) Store {
			path := filepath.Join(t.TempDir(), "queue.db")
			s, err := NewSQLiteStore(path, WithSQLiteNowFunc(now))
			if err != nil {
				t.Fatalf("new sqlite store: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if dsn := strings.TrimSpace(os.Getenv("BRIDGEUI_TEST_POSTGRES_DSN")); dsn != "" {
		backends["postgres"] = func(t *testing.T, now func() time.Time) Store {
			s, err := NewPostgresStore(dsn, WithPostgresNowFunc(now))
			if err != nil {
				t.Fatalf("new postgres store: %v", err)
			}
			resetPostgres(t, s)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return backends
}

func resetPostgres(t *testing.T, s *PostgresStore) {
	t.Helper()
	_, err := s.db.Exec(`
TRUNCATE queue_items, error_records, activity_log RESTART IDENTITY;
UPDATE counters SET value = 0 WHERE name = 'processed';`)
	if err != nil {
		t.Fatalf("reset postgres: %v", err)
	}
}

// steppingClock returns a now func that advances one second per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	cur := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

func runContract(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for name, factory := range contractBackends(t) {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t, steppingClock()))
		})
	}
}

func TestStoreContract_EnqueueDequeueComplete(t *testing.T) {
	runContract(t, func(t *testing.T, s Store) {
		a, err := s.Enqueue(Item{Bridge: "b1", Operation: "sync"})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if !strings.HasPrefix(a.ID, "q_") {
			t.Fatalf("id = %q, want q_ prefix", a.ID)
		}
		if a.State != StateQueued {
			t.Fatalf("state = %q, want queued", a.State)
		}
		if _, err := s.Enqueue(Item{Bridge: "b2", Operation: "sync"}); err != nil {
			t.Fatalf("enqueue b2: %v", err)
		}

		got, err := s.Dequeue(DequeueRequest{Bridge: "b1", Batch: 10})
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if len(got) != 1 || got[0].ID != a.ID {
			t.Fatalf("dequeue = %#v, want only %s", got, a.ID)
		}
		if got[0].State != StateProcessing || got[0].Attempt != 1 {
			t.Fatalf("dequeued item = %#v", got[0])
		}

		again, err := s.Dequeue(DequeueRequest{Bridge: "b1"})
		if err != nil {
			t.Fatalf("dequeue again: %v", err)
		}
		if len(again) != 0 {
			t.Fatalf("processing item dequeued twice: %#v", again)
		}

		if err := s.Complete(a.ID); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if err := s.Complete(a.ID); !errors.Is(err, ErrItemNotFound) {
			t.Fatalf("complete twice err = %v, want ErrItemNotFound", err)
		}
		n, err := s.ProcessedCount()
		if err != nil {
			t.Fatalf("processed count: %v", err)
		}
		if n != 1 {
			t.Fatalf("processed = %d, want 1", n)
		}
		total, err := s.QueueLength("")
		if err != nil {
			t.Fatalf("queue length: %v", err)
		}
		if total != 1 {
			t.Fatalf("queue length = %d, want 1", total)
		}
	})
}

func TestStoreContract_DuplicateID(t *testing.T) {
	runContract(t, func(t *testing.T, s Store) {
		if _, err := s.Enqueue(Item{ID: "dup", Bridge: "b1"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, err := s.Enqueue(Item{ID: "dup", Bridge: "b1"}); !errors.Is(err, ErrItemExists) {
			t.Fatalf("err = %v, want ErrItemExists", err)
		}
		if _, err := s.Enqueue(Item{Operation: "x"}); err == nil {
			t.Fatalf("expected error for missing bridge")
		}
	})
}

func TestStoreContract_FailRecordsError(t *testing.T) {
	runContract(t, func(t *testing.T, s Store) {
		it, err := s.Enqueue(Item{Bridge: "b1", Operation: "sync"})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if err := s.Fail(FailRequest{ID: it.ID}); !errors.Is(err, ErrEmptyCategory) {
			t.Fatalf("err = %v, want ErrEmptyCategory", err)
		}
		if err := s.Fail(FailRequest{ID: it.ID, Category: "timeout", Message: "slow"}); err != nil {
			t.Fatalf("fail: %v", err)
		}
		p, err := s.ListErrors(ListRequest{Paging: page.DefaultConfig()})
		if err != nil {
			t.Fatalf("list errors: %v", err)
		}
		if p.Count != 1 || len(p.Items) != 1 {
			t.Fatalf("errors page = %#v", p)
		}
		rec := p.Items[0]
		if rec.Error != "timeout" || rec.Bridge != "b1" || rec.Message != "slow" {
			t.Fatalf("record = %#v", rec)
		}
		if rec.Context["item"] != it.ID {
			t.Fatalf("record context = %#v", rec.Context)
		}
		if n, _ := s.QueueLength("b1"); n != 0 {
			t.Fatalf("failed item still queued")
		}
	})
}

func TestStoreContract_ListErrorsNewestFirstAndPaged(t *testing.T) {
	runContract(t, func(t *testing.T, s Store) {
		for i := 0; i < 7; i++ {
			if _, err := s.RecordError(ErrorRecord{Bridge: "b1", Error: "net"}); err != nil {
				t.Fatalf("record error: %v", err)
			}
		}
		first, err := s.ListErrors(ListRequest{Page: page.Request{Page: 1, Size: 3}, Paging: page.DefaultConfig()})
		if err != nil {
			t.Fatalf("list errors: %v", err)
		}
		if first.Count != 7 || first.Page != 1 || first.Size != 3 || len(first.Items) != 3 {
			t.Fatalf("first page = %#v", first)
		}
		for i := 1; i < len(first.Items); i++ {
			if first.Items[i].CreatedAt.After(first.Items[i-1].CreatedAt) {
				t.Fatalf("errors not newest first: %v then %v", first.Items[i-1].CreatedAt, first.Items[i].CreatedAt)
			}
		}

		last, err := s.ListErrors(ListRequest{Page: page.Request{Page: 99, Size: 3}, Paging: page.DefaultConfig()})
		if err != nil {
			t.Fatalf("list errors: %v", err)
		}
		if last.Page != 3 || len(last.Items) != 1 {
			t.Fatalf("clamped page = %#v", last)
		}
	})
}

func TestStoreContract_DeleteErrorsByCategory(t *testing.T) {
	runContract(t, func(t *testing.T, s Store) {
		for _, cat := range []string{"net", "net", "auth"} {
			if _, err := s.RecordError(ErrorRecord{Bridge: "b1", Error: cat}); err != nil {
				t.Fatalf("record error: %v", err)
			}
		}
		if _, err := s.DeleteErrors(" "); !errors.Is(err, ErrEmptyCategory) {
			t.Fatalf("err = %v, want ErrEmptyCategory", err)
		}
		n, err := s.DeleteErrors("net")
		if err != nil {
			t.Fatalf("delete errors: %v", err)
		}
		if n != 2 {
			t.Fatalf("deleted = %d, want 2", n)
		}
		n, err = s.DeleteErrors("missing")
		if err != nil {
			t.Fatalf("delete missing: %v", err)
		}
		if n != 0 {
			t.Fatalf("deleted missing = %d, want 0", n)
		}
		p, err := s.ListErrors(ListRequest{Paging: page.DefaultConfig()})
		if err != nil {
			t.Fatalf("list errors: %v", err)
		}
		if p.Count != 1 || p.Items[0].Error != "auth" {
			t.Fatalf("remaining = %#v", p)
		}
	})
}

func TestStoreContract_ListQueueOrder(t *testing.T) {
	runContract(t, func(t *testing.T, s Store) {
		var ids []string
		for i := 0; i < 5; i++ {
			it, err := s.Enqueue(Item{Bridge: "b1", Operation: "sync"})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			ids = append(ids, it.ID)
		}
		p, err := s.ListQueue(ListRequest{Page: page.Request{Page: 2, Size: 2}, Paging: page.DefaultConfig()})
		if err != nil {
			t.Fatalf("list queue: %v", err)
		}
		if p.Count != 5 || p.Page != 2 || len(p.Items) != 2 {
			t.Fatalf("queue page = %#v", p)
		}
		if p.Items[0].ID != ids[2] || p.Items[1].ID != ids[3] {
			t.Fatalf("page 2 = [%s %s], want [%s %s]", p.Items[0].ID, p.Items[1].ID, ids[2], ids[3])
		}
	})
}

func TestStoreContract_ActivityLog(t *testing.T) {
	runContract(t, func(t *testing.T, s Store) {
		var last logs.Entry
		for i := 0; i < 3; i++ {
			e, err := s.AppendActivity(logs.Entry{Message: "hello", Context: map[string]string{"n": "x"}})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			if e.Seq <= last.Seq {
				t.Fatalf("seq %d not after %d", e.Seq, last.Seq)
			}
			if e.Level != logs.LevelInfo {
				t.Fatalf("level = %q, want info", e.Level)
			}
			last = e
		}

		all, err := s.ListActivity(0, 0)
		if err != nil {
			t.Fatalf("list activity: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("activity len = %d, want 3", len(all))
		}
		if all[0].Context["n"] != "x" {
			t.Fatalf("context = %#v", all[0].Context)
		}

		tail, err := s.ListActivity(all[1].Seq, 10)
		if err != nil {
			t.Fatalf("list activity: %v", err)
		}
		if len(tail) != 1 || tail[0].Seq != all[2].Seq {
			t.Fatalf("tail = %#v", tail)
		}
	})
}

func TestStoreContract_CompleteAppendsActivity(t *testing.T) {
	runContract(t, func(t *testing.T, s Store) {
		it, err := s.Enqueue(Item{Bridge: "b1", Operation: "sync"})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if err := s.Complete(it.ID); err != nil {
			t.Fatalf("complete: %v", err)
		}
		entries, err := s.ListActivity(0, 0)
		if err != nil {
			t.Fatalf("list activity: %v", err)
		}
		if len(entries) != 1 || entries[0].Context["item"] != it.ID {
			t.Fatalf("activity = %#v", entries)
		}
	})
}

func TestStoreContract_RequeueProcessing(t *testing.T) {
	runContract(t, func(t *testing.T, s Store) {
		for i := 0; i < 3; i++ {
			if _, err := s.Enqueue(Item{Bridge: "b1"}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		if _, err := s.Dequeue(DequeueRequest{Batch: 2}); err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		n, err := s.RequeueProcessing()
		if err != nil {
			t.Fatalf("requeue: %v", err)
		}
		if n != 2 {
			t.Fatalf("requeued = %d, want 2", n)
		}
		got, err := s.Dequeue(DequeueRequest{Batch: 10})
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("dequeued = %d, want 3", len(got))
		}
	})
}

func TestStoreContract_Release(t *testing.T) {
	runContract(t, func(t *testing.T, s Store) {
		for i := 0; i < 3; i++ {
			if _, err := s.Enqueue(Item{Bridge: "b1"}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		leased, err := s.Dequeue(DequeueRequest{Batch: 2})
		if err != nil || len(leased) != 2 {
			t.Fatalf("dequeue: %v (%d items)", err, len(leased))
		}

		n, err := s.Release(leased[0].ID, "missing")
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		if n != 1 {
			t.Fatalf("released = %d, want 1", n)
		}
		if n, err := s.Release(leased[0].ID); err != nil || n != 0 {
			t.Fatalf("second release = %d, %v; want 0", n, err)
		}
		if n, err := s.Release(); err != nil || n != 0 {
			t.Fatalf("empty release = %d, %v", n, err)
		}

		got, err := s.Dequeue(DequeueRequest{Batch: 10})
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("dequeued = %d, want 2 (released and never leased)", len(got))
		}
		for _, it := range got {
			if it.ID == leased[1].ID {
				t.Fatalf("item %s still leased but dequeued again", it.ID)
			}
		}
	})
}

func TestSQLiteStore_ProcessingSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.Enqueue(Item{Bridge: "b1"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := s.Dequeue(DequeueRequest{Batch: 2}); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	_ = s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if got, _ := s.Dequeue(DequeueRequest{Batch: 10}); len(got) != 0 {
		t.Fatalf("leased items must stay leased until requeued, got %d", len(got))
	}
	n, err := s.RequeueProcessing()
	if err != nil || n != 2 {
		t.Fatalf("requeue after reopen = %d, %v", n, err)
	}
}
