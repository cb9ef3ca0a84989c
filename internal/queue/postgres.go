package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tohenk/bridgeui/internal/logs"
)

type PostgresOption func(*PostgresStore)

type PostgresStore struct {
	db             *sql.DB
	nowFn          func() time.Time
	activityRetain int
}

var _ Store = (*PostgresStore)(nil)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS queue_items (
  id          TEXT PRIMARY KEY,
  bridge      TEXT NOT NULL,
  operation   TEXT NOT NULL,
  state       TEXT NOT NULL,
  payload     JSONB,
  enqueued_at TIMESTAMPTZ NOT NULL,
  attempt     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_ready
  ON queue_items(state, bridge, enqueued_at, id);
CREATE INDEX IF NOT EXISTS idx_queue_order
  ON queue_items(enqueued_at, id);

CREATE TABLE IF NOT EXISTS error_records (
  id           TEXT PRIMARY KEY,
  bridge       TEXT NOT NULL,
  category     TEXT NOT NULL,
  message      TEXT,
  context_json JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_records_created
  ON error_records(created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_error_records_category
  ON error_records(category);

CREATE TABLE IF NOT EXISTS counters (
  name  TEXT PRIMARY KEY,
  value BIGINT NOT NULL
);
INSERT INTO counters(name, value) VALUES ('processed', 0) ON CONFLICT (name) DO NOTHING;

CREATE TABLE IF NOT EXISTS activity_log (
  seq          BIGSERIAL PRIMARY KEY,
  created_at   TIMESTAMPTZ NOT NULL,
  level        TEXT NOT NULL,
  message      TEXT NOT NULL,
  context_json JSONB NOT NULL DEFAULT '{}'::jsonb
);
`

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPostgresActivityRetention(maxEntries int) PostgresOption {
	return func(s *PostgresStore) {
		if maxEntries > 0 {
			s.activityRetain = maxEntries
		}
	}
}

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
		db:             db,
		nowFn:          time.Now,
		activityRetain: defaultActivityRetain,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(context.Background(), postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *PostgresStore) Enqueue(item Item) (Item, error) {
	item, err := prepareItem(item, s.now())
	if err != nil {
		return Item{}, err
	}
	_, err = s.db.Exec(`
INSERT INTO queue_items(id, bridge, operation, state, payload, enqueued_at, attempt)
VALUES ($1, $2, $3, $4, $5, $6, $7);`,
		item.ID, item.Bridge, item.Operation, string(item.State), nullablePayload(item.Payload),
		item.EnqueuedAt, item.Attempt,
	)
	if err != nil {
		return Item{}, mapPostgresUniqueViolation(err)
	}
	return copyItem(item), nil
}

func (s *PostgresStore) Dequeue(req DequeueRequest) ([]Item, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	bridge := strings.TrimSpace(req.Bridge)
	rows, err := tx.QueryContext(ctx, `
UPDATE queue_items SET state = $1, attempt = attempt + 1
WHERE id IN (
  SELECT id FROM queue_items
  WHERE state = $2 AND ($3 = '' OR bridge = $3)
  ORDER BY enqueued_at ASC, id ASC
  LIMIT $4
  FOR UPDATE SKIP LOCKED
)
RETURNING id, bridge, operation, state, payload, enqueued_at, attempt;`,
		string(StateProcessing), string(StateQueued), bridge, normalizeBatch(req.Batch))
	if err != nil {
		return nil, err
	}
	items, err := scanPostgresItems(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	sortItems(items)
	return items, nil
}

func (s *PostgresStore) Complete(id string) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	item, err := deletePostgresItemTx(ctx, tx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE counters SET value = value + 1 WHERE name = 'processed';`); err != nil {
		return err
	}
	if _, err := s.appendActivityTx(ctx, tx, completedEntry(item)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Fail(req FailRequest) error {
	category, err := normalizeCategory(req.Category)
	if err != nil {
		return err
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	item, err := deletePostgresItemTx(ctx, tx, strings.TrimSpace(req.ID))
	if err != nil {
		return err
	}
	errCtx := cloneStringMap(req.Context)
	if errCtx == nil {
		errCtx = make(map[string]string, 2)
	}
	errCtx["item"] = item.ID
	errCtx["operation"] = item.Operation
	rec, err := prepareError(ErrorRecord{
		Bridge:  item.Bridge,
		Error:   category,
		Message: req.Message,
		Context: errCtx,
	}, s.now())
	if err != nil {
		return err
	}
	if err := insertPostgresErrorTx(ctx, tx, rec); err != nil {
		return err
	}
	if _, err := s.appendActivityTx(ctx, tx, failedEntry(item, category)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ListQueue(req ListRequest) (ItemPage, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return ItemPage{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items;`).Scan(&count); err != nil {
		return ItemPage{}, err
	}
	d := req.Paging.Resolve(count, req.Page)

	rows, err := tx.QueryContext(ctx, `
SELECT id, bridge, operation, state, payload, enqueued_at, attempt
FROM queue_items
ORDER BY enqueued_at ASC, id ASC
LIMIT $1 OFFSET $2;`, d.Size, d.Offset())
	if err != nil {
		return ItemPage{}, err
	}
	items, err := scanPostgresItems(rows)
	if err != nil {
		return ItemPage{}, err
	}
	return ItemPage{Items: items, Count: d.Count, Page: d.Page, Size: d.Size}, nil
}

func (s *PostgresStore) QueueLength(bridge string) (int, error) {
	bridge = strings.TrimSpace(bridge)
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE ($1 = '' OR bridge = $1);`, bridge).Scan(&n)
	return n, err
}

func (s *PostgresStore) RecordError(rec ErrorRecord) (ErrorRecord, error) {
	rec, err := prepareError(rec, s.now())
	if err != nil {
		return ErrorRecord{}, err
	}
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ErrorRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertPostgresErrorTx(ctx, tx, rec); err != nil {
		return ErrorRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return ErrorRecord{}, err
	}
	rec.Context = cloneStringMap(rec.Context)
	return rec, nil
}

func (s *PostgresStore) ListErrors(req ListRequest) (ErrorPage, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return ErrorPage{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_records;`).Scan(&count); err != nil {
		return ErrorPage{}, err
	}
	d := req.Paging.Resolve(count, req.Page)

	rows, err := tx.QueryContext(ctx, `
SELECT id, bridge, category, message, context_json::text, created_at
FROM error_records
ORDER BY created_at DESC, id DESC
LIMIT $1 OFFSET $2;`, d.Size, d.Offset())
	if err != nil {
		return ErrorPage{}, err
	}
	defer rows.Close()

	out := ErrorPage{Items: make([]ErrorRecord, 0, d.Size), Count: d.Count, Page: d.Page, Size: d.Size}
	for rows.Next() {
		var (
			rec     ErrorRecord
			message sql.NullString
			ctxJSON string
		)
		if err := rows.Scan(&rec.ID, &rec.Bridge, &rec.Error, &message, &ctxJSON, &rec.CreatedAt); err != nil {
			return ErrorPage{}, err
		}
		rec.Message = message.String
		rec.CreatedAt = rec.CreatedAt.UTC()
		if rec.Context, err = decodeContextJSON(ctxJSON); err != nil {
			return ErrorPage{}, err
		}
		out.Items = append(out.Items, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteErrors(category string) (int, error) {
	category, err := normalizeCategory(category)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`DELETE FROM error_records WHERE category = $1;`, category)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) ProcessedCount() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT value FROM counters WHERE name = 'processed';`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *PostgresStore) AppendActivity(e logs.Entry) (logs.Entry, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return logs.Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	e, err = s.appendActivityTx(ctx, tx, e)
	if err != nil {
		return logs.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return logs.Entry{}, err
	}
	return e, nil
}

func (s *PostgresStore) appendActivityTx(ctx context.Context, tx *sql.Tx, e logs.Entry) (logs.Entry, error) {
	e = prepareActivity(e, s.now())
	ctxJSON, err := encodeContextJSON(e.Context)
	if err != nil {
		return logs.Entry{}, err
	}

	// Serialize appends so seq order and time order agree.
	if _, err := tx.ExecContext(ctx, `LOCK TABLE activity_log IN SHARE ROW EXCLUSIVE MODE;`); err != nil {
		return logs.Entry{}, err
	}
	var last sql.NullTime
	if err := tx.QueryRowContext(ctx, `SELECT MAX(created_at) FROM activity_log;`).Scan(&last); err != nil {
		return logs.Entry{}, err
	}
	if last.Valid && e.Time.Before(last.Time) {
		e.Time = last.Time.UTC()
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO activity_log(created_at, level, message, context_json) VALUES ($1, $2, $3, $4::jsonb) RETURNING seq;`,
		e.Time, string(e.Level), e.Message, ctxJSON,
	).Scan(&seq); err != nil {
		return logs.Entry{}, err
	}
	e.Seq = uint64(seq)
	e.Context = cloneStringMap(e.Context)

	if s.activityRetain > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM activity_log WHERE seq <= $1;`, seq-int64(s.activityRetain)); err != nil {
			return logs.Entry{}, err
		}
	}
	return e, nil
}

func (s *PostgresStore) ListActivity(afterSeq uint64, limit int) ([]logs.Entry, error) {
	rows, err := s.db.Query(`
SELECT seq, created_at, level, message, context_json::text
FROM activity_log
WHERE seq > $1
ORDER BY seq ASC
LIMIT $2;`, int64(afterSeq), normalizeActivityLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]logs.Entry, 0)
	for rows.Next() {
		var (
			e       logs.Entry
			seq     int64
			level   string
			ctxJSON string
		)
		if err := rows.Scan(&seq, &e.Time, &level, &e.Message, &ctxJSON); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Time = e.Time.UTC()
		e.Level = logs.ParseLevel(level)
		if e.Context, err = decodeContextJSON(ctxJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RequeueProcessing() (int, error) {
	res, err := s.db.Exec(`UPDATE queue_items SET state = $1 WHERE state = $2;`, string(StateQueued), string(StateProcessing))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Release(ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	total := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE queue_items SET state = $1 WHERE id = $2 AND state = $3;`,
			string(StateQueued), strings.TrimSpace(id), string(StateProcessing))
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += int(n)
	}
	return total, tx.Commit()
}

func deletePostgresItemTx(ctx context.Context, tx *sql.Tx, id string) (Item, error) {
	rows, err := tx.QueryContext(ctx, `
DELETE FROM queue_items WHERE id = $1
RETURNING id, bridge, operation, state, payload, enqueued_at, attempt;`, id)
	if err != nil {
		return Item{}, err
	}
	items, err := scanPostgresItems(rows)
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, ErrItemNotFound
	}
	return items[0], nil
}

func insertPostgresErrorTx(ctx context.Context, tx *sql.Tx, rec ErrorRecord) error {
	ctxJSON, err := encodeContextJSON(rec.Context)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO error_records(id, bridge, category, message, context_json, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6);`,
		rec.ID, rec.Bridge, rec.Error, rec.Message, ctxJSON, rec.CreatedAt,
	)
	return mapPostgresUniqueViolation(err)
}

func scanPostgresItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()
	out := make([]Item, 0)
	for rows.Next() {
		var (
			it      Item
			state   string
			payload []byte
		)
		if err := rows.Scan(&it.ID, &it.Bridge, &it.Operation, &state, &payload, &it.EnqueuedAt, &it.Attempt); err != nil {
			return nil, err
		}
		it.State = State(state)
		if len(payload) > 0 {
			it.Payload = json.RawMessage(payload)
		}
		it.EnqueuedAt = it.EnqueuedAt.UTC()
		out = append(out, it)
	}
	return out, rows.Err()
}

func sortItems(items []Item) {
	ptrs := make([]*Item, len(items))
	for i := range items {
		ptrs[i] = &items[i]
	}
	sortItemPtrs(ptrs)
	sorted := make([]Item, len(items))
	for i, p := range ptrs {
		sorted[i] = *p
	}
	copy(items, sorted)
}

func mapPostgresUniqueViolation(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrItemExists
	}
	return err
}
