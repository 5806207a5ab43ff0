package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "campaignq/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps the counter row consistent without busy retries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadCounters(ctx context.Context) (Counters, error) {
	var (
		c            Counters
		lastH, lastD sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT hourly_count, daily_count, hourly_limit, daily_limit, last_hourly_reset, last_daily_reset
		 FROM quota_counters WHERE id = 1`,
	).Scan(&c.HourlyCount, &c.DailyCount, &c.HourlyLimit, &c.DailyLimit, &lastH, &lastD)
	if errors.Is(err, sql.ErrNoRows) {
		return Counters{}, nil
	}
	if err != nil {
		return Counters{}, err
	}
	if c.LastHourlyReset, err = parseTS(lastH); err != nil {
		return Counters{}, err
	}
	if c.LastDailyReset, err = parseTS(lastD); err != nil {
		return Counters{}, err
	}
	return c, nil
}

func (s *sqliteStore) SaveCounters(ctx context.Context, c Counters) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_counters(id, hourly_count, daily_count, hourly_limit, daily_limit, last_hourly_reset, last_daily_reset)
		 VALUES(1,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   hourly_count=excluded.hourly_count, daily_count=excluded.daily_count,
		   hourly_limit=excluded.hourly_limit, daily_limit=excluded.daily_limit,
		   last_hourly_reset=excluded.last_hourly_reset, last_daily_reset=excluded.last_daily_reset`,
		c.HourlyCount, c.DailyCount, c.HourlyLimit, c.DailyLimit, formatTS(c.LastHourlyReset), formatTS(c.LastDailyReset),
	)
	return err
}

func (s *sqliteStore) PutItems(ctx context.Context, items []ItemRecord) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO queue_items(id, campaign_id, recipient_id, address, display_name, status, priority, seq,
		   created_at, sent_at, err, message_id, requeued_as, subject, body, sender_name, sender_email)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, sent_at=excluded.sent_at, err=excluded.err, message_id=excluded.message_id,
		   requeued_as=excluded.requeued_as`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, it := range items {
		if _, err := stmt.ExecContext(ctx,
			it.ID, it.CampaignID, it.RecipientID, it.Address, nullStr(it.DisplayName), it.Status, it.Priority, it.Seq,
			formatTS(it.CreatedAt), formatTS(it.SentAt), nullStr(it.Error), nullStr(it.MessageID), nullStr(it.RequeuedAs),
			nullStr(it.Subject), nullStr(it.Body), nullStr(it.SenderName), nullStr(it.SenderEmail),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadItems(ctx context.Context) ([]ItemRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, recipient_id, address, display_name, status, priority, seq,
		   created_at, sent_at, err, message_id, requeued_as, subject, body, sender_name, sender_email
		 FROM queue_items ORDER BY seq, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ItemRecord
	for rows.Next() {
		var (
			it                                                  ItemRecord
			display, errStr, msgID, requeued, subj, body, sn, se sql.NullString
			created, sent                                       sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.CampaignID, &it.RecipientID, &it.Address, &display, &it.Status, &it.Priority, &it.Seq,
			&created, &sent, &errStr, &msgID, &requeued, &subj, &body, &sn, &se); err != nil {
			return nil, err
		}
		it.DisplayName, it.Error, it.MessageID, it.RequeuedAs = display.String, errStr.String, msgID.String, requeued.String
		it.Subject, it.Body, it.SenderName, it.SenderEmail = subj.String, body.String, sn.String, se.String
		if it.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		if it.SentAt, err = parseTS(sent); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, kind, severity, campaign_id, title, message, meta) VALUES(?,?,?,?,?,?,?)`,
		formatTS(e.At), e.Kind, nullStr(e.Severity), nullStr(e.CampaignID), nullStr(e.Title), nullStr(e.Message), nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func formatTS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTS(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v.String)
}
