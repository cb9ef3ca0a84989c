package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"

	"github.com/tohenk/bridgeui/internal/logs"
)

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS queue_items (
  id          TEXT PRIMARY KEY,
  bridge      TEXT NOT NULL,
  operation   TEXT NOT NULL,
  state       TEXT NOT NULL,
  payload     TEXT,
  enqueued_at INTEGER NOT NULL,
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
  context_json TEXT,
  created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_records_created
  ON error_records(created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_error_records_category
  ON error_records(category);

CREATE TABLE IF NOT EXISTS counters (
  name  TEXT PRIMARY KEY,
  value INTEGER NOT NULL
);
INSERT OR IGNORE INTO counters(name, value) VALUES ('processed', 0);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS activity_log (
  seq          INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at   INTEGER NOT NULL,
  level        TEXT NOT NULL,
  message      TEXT NOT NULL,
  context_json TEXT
);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithSQLiteActivityRetention(maxEntries int) SQLiteOption {
	return func(s *SQLiteStore) {
		if maxEntries > 0 {
			s.activityRetain = maxEntries
		}
	}
}

type SQLiteStore struct {
	db             *sql.DB
	nowFn          func() time.Time
	activityRetain int
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:             db,
		nowFn:          time.Now,
		activityRetain: defaultActivityRetain,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=NORMAL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=normal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	current, hasVersion, err := readSchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		switch v {
		case 1:
			if _, err := conn.ExecContext(ctx, schemaV1); err != nil {
				return fmt.Errorf("sqlite: migrate v1: %w", err)
			}
		case 2:
			if _, err := conn.ExecContext(ctx, schemaV2); err != nil {
				return fmt.Errorf("sqlite: migrate v2: %w", err)
			}
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
	}

	if !hasVersion || current != schemaVersion {
		if err := writeSchemaVersion(ctx, conn, hasVersion, schemaVersion); err != nil {
			return err
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: read schema version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, exists bool, v int) error {
	var err error
	if exists {
		_, err = conn.ExecContext(ctx, `UPDATE schema_migrations SET version = ?;`, v)
	} else {
		_, err = conn.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES (?);`, v)
	}
	if err != nil {
		return fmt.Errorf("sqlite: write schema version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *SQLiteStore) Enqueue(item Item) (Item, error) {
	item, err := prepareItem(item, s.now())
	if err != nil {
		return Item{}, err
	}
	_, err = s.db.Exec(`
INSERT INTO queue_items(id, bridge, operation, state, payload, enqueued_at, attempt)
VALUES (?, ?, ?, ?, ?, ?, ?);`,
		item.ID, item.Bridge, item.Operation, string(item.State), nullablePayload(item.Payload),
		item.EnqueuedAt.UnixNano(), item.Attempt,
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			return Item{}, ErrItemExists
		}
		return Item{}, err
	}
	return copyItem(item), nil
}

func (s *SQLiteStore) Dequeue(req DequeueRequest) ([]Item, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	bridge := strings.TrimSpace(req.Bridge)
	rows, err := tx.QueryContext(ctx, `
SELECT id, bridge, operation, state, payload, enqueued_at, attempt
FROM queue_items
WHERE state = ? AND (? = '' OR bridge = ?)
ORDER BY enqueued_at ASC, id ASC
LIMIT ?;`, string(StateQueued), bridge, bridge, normalizeBatch(req.Batch))
	if err != nil {
		return nil, err
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	for i := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET state = ?, attempt = attempt + 1 WHERE id = ?;`,
			string(StateProcessing), items[i].ID,
		); err != nil {
			return nil, err
		}
		items[i].State = StateProcessing
		items[i].Attempt++
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *SQLiteStore) Complete(id string) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	item, err := lookupItemTx(ctx, tx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?;`, item.ID); err != nil {
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

func (s *SQLiteStore) Fail(req FailRequest) error {
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

	item, err := lookupItemTx(ctx, tx, strings.TrimSpace(req.ID))
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

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?;`, item.ID); err != nil {
		return err
	}
	if err := insertErrorTx(ctx, tx, rec); err != nil {
		return err
	}
	if _, err := s.appendActivityTx(ctx, tx, failedEntry(item, category)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListQueue(req ListRequest) (ItemPage, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
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
LIMIT ? OFFSET ?;`, d.Size, d.Offset())
	if err != nil {
		return ItemPage{}, err
	}
	items, err := scanItems(rows)
	if err != nil {
		return ItemPage{}, err
	}
	return ItemPage{Items: items, Count: d.Count, Page: d.Page, Size: d.Size}, nil
}

func (s *SQLiteStore) QueueLength(bridge string) (int, error) {
	bridge = strings.TrimSpace(bridge)
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue_items WHERE (? = '' OR bridge = ?);`, bridge, bridge).Scan(&n)
	return n, err
}

func (s *SQLiteStore) RecordError(rec ErrorRecord) (ErrorRecord, error) {
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
	if err := insertErrorTx(ctx, tx, rec); err != nil {
		return ErrorRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return ErrorRecord{}, err
	}
	rec.Context = cloneStringMap(rec.Context)
	return rec, nil
}

func (s *SQLiteStore) ListErrors(req ListRequest) (ErrorPage, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
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
SELECT id, bridge, category, message, context_json, created_at
FROM error_records
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?;`, d.Size, d.Offset())
	if err != nil {
		return ErrorPage{}, err
	}
	defer rows.Close()

	out := ErrorPage{Items: make([]ErrorRecord, 0, d.Size), Count: d.Count, Page: d.Page, Size: d.Size}
	for rows.Next() {
		var (
			rec       ErrorRecord
			message   sql.NullString
			ctxJSON   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Bridge, &rec.Error, &message, &ctxJSON, &createdAt); err != nil {
			return ErrorPage{}, err
		}
		rec.Message = message.String
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		if rec.Context, err = decodeContextJSON(ctxJSON.String); err != nil {
			return ErrorPage{}, err
		}
		out.Items = append(out.Items, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteErrors(category string) (int, error) {
	category, err := normalizeCategory(category)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`DELETE FROM error_records WHERE category = ?;`, category)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) ProcessedCount() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT value FROM counters WHERE name = 'processed';`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *SQLiteStore) AppendActivity(e logs.Entry) (logs.Entry, error) {
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

func (s *SQLiteStore) appendActivityTx(ctx context.Context, tx *sql.Tx, e logs.Entry) (logs.Entry, error) {
	e = prepareActivity(e, s.now())

	var lastNanos sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(created_at) FROM activity_log;`).Scan(&lastNanos); err != nil {
		return logs.Entry{}, err
	}
	if lastNanos.Valid && e.Time.UnixNano() < lastNanos.Int64 {
		e.Time = time.Unix(0, lastNanos.Int64).UTC()
	}

	ctxJSON, err := encodeContextJSON(e.Context)
	if err != nil {
		return logs.Entry{}, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO activity_log(created_at, level, message, context_json) VALUES (?, ?, ?, ?);`,
		e.Time.UnixNano(), string(e.Level), e.Message, ctxJSON,
	)
	if err != nil {
		return logs.Entry{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return logs.Entry{}, err
	}
	e.Seq = uint64(seq)
	e.Context = cloneStringMap(e.Context)

	if s.activityRetain > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM activity_log WHERE seq <= ?;`, seq-int64(s.activityRetain)); err != nil {
			return logs.Entry{}, err
		}
	}
	return e, nil
}

func (s *SQLiteStore) ListActivity(afterSeq uint64, limit int) ([]logs.Entry, error) {
	rows, err := s.db.Query(`
SELECT seq, created_at, level, message, context_json
FROM activity_log
WHERE seq > ?
ORDER BY seq ASC
LIMIT ?;`, int64(afterSeq), normalizeActivityLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]logs.Entry, 0)
	for rows.Next() {
		var (
			e         logs.Entry
			seq       int64
			createdAt int64
			level     string
			ctxJSON   sql.NullString
		)
		if err := rows.Scan(&seq, &createdAt, &level, &e.Message, &ctxJSON); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Time = time.Unix(0, createdAt).UTC()
		e.Level = logs.ParseLevel(level)
		if e.Context, err = decodeContextJSON(ctxJSON.String); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RequeueProcessing() (int, error) {
	res, err := s.db.Exec(`UPDATE queue_items SET state = ? WHERE state = ?;`, string(StateQueued), string(StateProcessing))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Release(ids ...string) (int, error) {
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
		res, err := tx.ExecContext(ctx, `UPDATE queue_items SET state = ? WHERE id = ? AND state = ?;`,
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

func lookupItemTx(ctx context.Context, tx *sql.Tx, id string) (Item, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT id, bridge, operation, state, payload, enqueued_at, attempt
FROM queue_items WHERE id = ?;`, id)
	if err != nil {
		return Item{}, err
	}
	items, err := scanItems(rows)
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, ErrItemNotFound
	}
	return items[0], nil
}

func insertErrorTx(ctx context.Context, tx *sql.Tx, rec ErrorRecord) error {
	ctxJSON, err := encodeContextJSON(rec.Context)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO error_records(id, bridge, category, message, context_json, created_at)
VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Bridge, rec.Error, rec.Message, ctxJSON, rec.CreatedAt.UnixNano(),
	)
	return err
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()
	out := make([]Item, 0)
	for rows.Next() {
		var (
			it         Item
			state      string
			payload    sql.NullString
			enqueuedAt int64
		)
		if err := rows.Scan(&it.ID, &it.Bridge, &it.Operation, &state, &payload, &enqueuedAt, &it.Attempt); err != nil {
			return nil, err
		}
		it.State = State(state)
		if payload.Valid && payload.String != "" {
			it.Payload = json.RawMessage(payload.String)
		}
		it.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		out = append(out, it)
	}
	return out, rows.Err()
}

func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
