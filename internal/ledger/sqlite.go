package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"notifyd/internal/model"
	"notifyd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type sqliteLedger struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	log.Debug("ledger opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return &sqliteLedger{db: db, log: log}, nil
}

const columns = `event_id, recipient_id, channel, type, priority, title, body, status, attempts, created_at, sent_at, read_at, error, digest_id, items, hold, hold_until`

func (s *sqliteLedger) insert(ctx context.Context, rec model.DeliveryRecord, status model.Status, upsert string) (sql.Result, error) {
	rec = normalizeRecord(rec)
	items, err := encodeItems(rec.Items)
	if err != nil {
		return nil, err
	}
	return s.db.ExecContext(ctx,
		`INSERT INTO deliveries(`+columns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) `+upsert,
		rec.EventID, rec.RecipientID, string(rec.Channel), string(rec.Type), string(rec.Priority), rec.Title, rec.Body, string(status),
		rec.Attempts, rec.CreatedAt.UnixMilli(), nullMillis(rec.SentAt), nullMillis(rec.ReadAt),
		rec.Error, rec.DigestID, items, rec.Hold, nullMillis(rec.HoldUntil),
	)
}

func (s *sqliteLedger) Reserve(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, bool, error) {
	res, err := s.insert(ctx, rec, model.StatusQueued, `ON CONFLICT(event_id, recipient_id, channel) DO NOTHING`)
	if err != nil {
		return model.DeliveryRecord{}, false, err
	}
	n, _ := res.RowsAffected()
	stored, err := s.Get(ctx, rec.Key())
	if err != nil {
		return model.DeliveryRecord{}, false, err
	}
	return stored, n == 1, nil
}

func (s *sqliteLedger) Complete(ctx context.Context, key model.IntentKey, out Outcome) (model.DeliveryRecord, error) {
	if out.Status != model.StatusSent && out.Status != model.StatusFailed {
		return model.DeliveryRecord{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, out.Status)
	}
	var sentAt any
	if out.Status == model.StatusSent {
		sentAt = stamp(out.At).UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, attempts = ?, error = ?, sent_at = ?
		 WHERE event_id = ? AND recipient_id = ? AND channel = ? AND status = 'queued'`,
		string(out.Status), out.Attempts, out.Error, sentAt,
		key.EventID, key.RecipientID, string(key.Channel),
	)
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	rec, gerr := s.Get(ctx, key)
	if gerr != nil {
		return model.DeliveryRecord{}, gerr
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rec, fmt.Errorf("%w: %s is %s", model.ErrImmutable, key, rec.Status)
	}
	return rec, nil
}

func (s *sqliteLedger) Suppress(ctx context.Context, rec model.DeliveryRecord) (bool, error) {
	res, err := s.insert(ctx, rec, model.StatusSuppressed,
		`ON CONFLICT(event_id, recipient_id, channel) DO UPDATE
		 SET status = 'suppressed', digest_id = excluded.digest_id
		 WHERE deliveries.status = 'queued'`)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteLedger) MarkRead(ctx context.Context, key model.IntentKey, at time.Time) (model.DeliveryRecord, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET read_at = ?
		 WHERE event_id = ? AND recipient_id = ? AND channel = ? AND status = 'sent' AND read_at IS NULL`,
		stamp(at).UnixMilli(), key.EventID, key.RecipientID, string(key.Channel),
	)
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	rec, gerr := s.Get(ctx, key)
	if gerr != nil {
		return model.DeliveryRecord{}, gerr
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if rec.Status != model.StatusSent {
			return rec, fmt.Errorf("%w: %s is %s", model.ErrNotSent, key, rec.Status)
		}
		return rec, fmt.Errorf("%w: %s", model.ErrAlreadyRead, key)
	}
	return rec, nil
}

func (s *sqliteLedger) Get(ctx context.Context, key model.IntentKey) (model.DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM deliveries WHERE event_id = ? AND recipient_id = ? AND channel = ?`,
		key.EventID, key.RecipientID, string(key.Channel),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryRecord{}, fmt.Errorf("%w: %s", model.ErrNotFound, key)
	}
	return rec, err
}

func (s *sqliteLedger) List(ctx context.Context, q Query) (Page, error) {
	q = q.normalized()
	where, args := whereClause(q)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries`+where, args...).Scan(&total); err != nil {
		return Page{}, err
	}

	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	col := "created_at"
	if q.Sort == SortSentAt {
		col = "sent_at"
	}
	order := fmt.Sprintf(" ORDER BY %[1]s %[2]s, event_id %[2]s, recipient_id %[2]s, channel %[2]s LIMIT ? OFFSET ?", col, dir)

	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM deliveries`+where+order, append(args, q.PerPage, q.offset())...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	p := Page{Total: total, Page: q.Page, PerPage: q.PerPage, Records: []model.DeliveryRecord{}}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return Page{}, err
		}
		p.Records = append(p.Records, rec)
	}
	return p, rows.Err()
}

func (s *sqliteLedger) Scan(ctx context.Context, from, to time.Time, fn func(model.DeliveryRecord) error) error {
	where, args := whereClause(Query{From: from, To: to})
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM deliveries`+where+` ORDER BY created_at, event_id, recipient_id, channel`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *sqliteLedger) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func whereClause(q Query) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if q.Recipient != "" {
		add("recipient_id = ?", q.Recipient)
	}
	if q.Type != "" {
		add("type = ?", string(q.Type))
	}
	if q.Channel != "" {
		add("channel = ?", string(q.Channel))
	}
	if q.Status != "" {
		add("status = ?", string(q.Status))
	}
	if !q.From.IsZero() {
		add("created_at >= ?", stamp(q.From).UnixMilli())
	}
	if !q.To.IsZero() {
		add("created_at < ?", stamp(q.To).UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.DeliveryRecord, error) {
	var (
		rec                        model.DeliveryRecord
		channel, typ, prio, status string
		created                    int64
		sentAt, readAt, holdUntil  sql.NullInt64
		items                      sql.NullString
	)
	if err := row.Scan(&rec.EventID, &rec.RecipientID, &channel, &typ, &prio, &rec.Title, &rec.Body, &status, &rec.Attempts,
		&created, &sentAt, &readAt, &rec.Error, &rec.DigestID, &items, &rec.Hold, &holdUntil); err != nil {
		return model.DeliveryRecord{}, err
	}
	rec.Channel = model.Channel(channel)
	rec.Type = model.NotificationType(typ)
	rec.Priority = model.Priority(prio)
	rec.Status = model.Status(status)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	if sentAt.Valid {
		t := time.UnixMilli(sentAt.Int64).UTC()
		rec.SentAt = &t
	}
	if readAt.Valid {
		t := time.UnixMilli(readAt.Int64).UTC()
		rec.ReadAt = &t
	}
	if holdUntil.Valid {
		t := time.UnixMilli(holdUntil.Int64).UTC()
		rec.HoldUntil = &t
	}
	if items.Valid && items.String != "" {
		if err := json.Unmarshal([]byte(items.String), &rec.Items); err != nil {
			return model.DeliveryRecord{}, fmt.Errorf("decode items: %w", err)
		}
		rec.Items = normalizeRecord(rec).Items
	}
	return rec, nil
}

func encodeItems(items []model.Summary) (any, error) {
	if len(items) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
