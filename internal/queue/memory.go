package queue

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tohenk/bridgeui/internal/logs"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithActivityRetention bounds the number of activity entries kept.
func WithActivityRetention(maxEntries int) MemoryOption {
	return func(s *MemoryStore) {
		if maxEntries > 0 {
			s.activityRetain = maxEntries
		}
	}
}

type MemoryStore struct {
	mu             sync.Mutex
	nowFn          func() time.Time
	items          map[string]*Item
	errs           []ErrorRecord
	activity       []logs.Entry
	activitySeq    uint64
	activityRetain int
	processed      int64
	closed         bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:          time.Now,
		items:          make(map[string]*Item),
		activityRetain: defaultActivityRetain,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Enqueue(item Item) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Item{}, ErrStoreClosed
	}

	item, err := prepareItem(item, s.nowFn())
	if err != nil {
		return Item{}, err
	}
	if _, ok := s.items[item.ID]; ok {
		return Item{}, ErrItemExists
	}
	cp := copyItem(item)
	s.items[item.ID] = &cp
	return copyItem(item), nil
}

func (s *MemoryStore) Dequeue(req DequeueRequest) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	bridge := strings.TrimSpace(req.Bridge)
	batch := normalizeBatch(req.Batch)

	ready := make([]*Item, 0)
	for _, it := range s.items {
		if it.State != StateQueued {
			continue
		}
		if bridge != "" && it.Bridge != bridge {
			continue
		}
		ready = append(ready, it)
	}
	sortItemPtrs(ready)
	if len(ready) > batch {
		ready = ready[:batch]
	}

	out := make([]Item, 0, len(ready))
	for _, it := range ready {
		it.State = StateProcessing
		it.Attempt++
		out = append(out, copyItem(*it))
	}
	return out, nil
}

func (s *MemoryStore) Complete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	it, ok := s.items[strings.TrimSpace(id)]
	if !ok {
		return ErrItemNotFound
	}
	delete(s.items, it.ID)
	s.processed++
	s.appendActivityLocked(completedEntry(*it))
	return nil
}

func (s *MemoryStore) Fail(req FailRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	category, err := normalizeCategory(req.Category)
	if err != nil {
		return err
	}
	it, ok := s.items[strings.TrimSpace(req.ID)]
	if !ok {
		return ErrItemNotFound
	}
	ctx := cloneStringMap(req.Context)
	if ctx == nil {
		ctx = make(map[string]string, 2)
	}
	ctx["item"] = it.ID
	ctx["operation"] = it.Operation
	rec, err := prepareError(ErrorRecord{
		Bridge:  it.Bridge,
		Error:   category,
		Message: req.Message,
		Context: ctx,
	}, s.nowFn())
	if err != nil {
		return err
	}

	delete(s.items, it.ID)
	s.errs = append(s.errs, rec)
	s.appendActivityLocked(failedEntry(*it, category))
	return nil
}

func (s *MemoryStore) ListQueue(req ListRequest) (ItemPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ItemPage{}, ErrStoreClosed
	}

	all := make([]*Item, 0, len(s.items))
	for _, it := range s.items {
		all = append(all, it)
	}
	sortItemPtrs(all)

	d := req.Paging.Resolve(len(all), req.Page)
	out := ItemPage{Items: make([]Item, 0, d.Size), Count: d.Count, Page: d.Page, Size: d.Size}
	for i := d.Offset(); i < len(all) && len(out.Items) < d.Size; i++ {
		out.Items = append(out.Items, copyItem(*all[i]))
	}
	return out, nil
}

func (s *MemoryStore) QueueLength(bridge string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	bridge = strings.TrimSpace(bridge)
	n := 0
	for _, it := range s.items {
		if bridge == "" || it.Bridge == bridge {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RecordError(rec ErrorRecord) (ErrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrorRecord{}, ErrStoreClosed
	}

	rec, err := prepareError(rec, s.nowFn())
	if err != nil {
		return ErrorRecord{}, err
	}
	rec.Context = cloneStringMap(rec.Context)
	s.errs = append(s.errs, rec)
	return rec, nil
}

func (s *MemoryStore) ListErrors(req ListRequest) (ErrorPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrorPage{}, ErrStoreClosed
	}

	all := make([]ErrorRecord, len(s.errs))
	copy(all, s.errs)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	d := req.Paging.Resolve(len(all), req.Page)
	out := ErrorPage{Items: make([]ErrorRecord, 0, d.Size), Count: d.Count, Page: d.Page, Size: d.Size}
	for i := d.Offset(); i < len(all) && len(out.Items) < d.Size; i++ {
		rec := all[i]
		rec.Context = cloneStringMap(rec.Context)
		out.Items = append(out.Items, rec)
	}
	return out, nil
}

func (s *MemoryStore) DeleteErrors(category string) (int, error) {
	category, err := normalizeCategory(category)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	kept := s.errs[:0]
	deleted := 0
	for _, rec := range s.errs {
		if rec.Error == category {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	for i := len(kept); i < len(s.errs); i++ {
		s.errs[i] = ErrorRecord{}
	}
	s.errs = kept
	return deleted, nil
}

func (s *MemoryStore) ProcessedCount() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return s.processed, nil
}

func (s *MemoryStore) AppendActivity(e logs.Entry) (logs.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return logs.Entry{}, ErrStoreClosed
	}
	return s.appendActivityLocked(e), nil
}

func (s *MemoryStore) appendActivityLocked(e logs.Entry) logs.Entry {
	e = prepareActivity(e, s.nowFn())
	if n := len(s.activity); n > 0 && e.Time.Before(s.activity[n-1].Time) {
		e.Time = s.activity[n-1].Time
	}
	s.activitySeq++
	e.Seq = s.activitySeq
	e.Context = cloneStringMap(e.Context)
	s.activity = append(s.activity, e)
	if over := len(s.activity) - s.activityRetain; over > 0 {
		s.activity = append([]logs.Entry(nil), s.activity[over:]...)
	}
	return e
}

func (s *MemoryStore) ListActivity(afterSeq uint64, limit int) ([]logs.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	limit = normalizeActivityLimit(limit)
	i := sort.Search(len(s.activity), func(i int) bool { return s.activity[i].Seq > afterSeq })
	out := make([]logs.Entry, 0)
	for ; i < len(s.activity) && len(out) < limit; i++ {
		out = append(out, s.activity[i])
	}
	return out, nil
}

func (s *MemoryStore) RequeueProcessing() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	n := 0
	for _, it := range s.items {
		if it.State == StateProcessing {
			it.State = StateQueued
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Release(ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	n := 0
	for _, id := range ids {
		it, ok := s.items[strings.TrimSpace(id)]
		if ok && it.State == StateProcessing {
			it.State = StateQueued
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyItem(it Item) Item {
	if len(it.Payload) > 0 {
		it.Payload = append(json.RawMessage(nil), it.Payload...)
	}
	return it
}

func sortItemPtrs(items []*Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
}
