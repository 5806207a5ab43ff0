package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "campaignq/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresStore struct {
	db  *pgxpool.Pool
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(b)); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStore{db: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *postgresStore) LoadCounters(ctx context.Context) (Counters, error) {
	var (
		c            Counters
		lastH, lastD *time.Time
	)
	err := s.db.QueryRow(ctx,
		`select hourly_count, daily_count, hourly_limit, daily_limit, last_hourly_reset, last_daily_reset
		 from quota_counters where id = 1`,
	).Scan(&c.HourlyCount, &c.DailyCount, &c.HourlyLimit, &c.DailyLimit, &lastH, &lastD)
	if errors.Is(err, pgx.ErrNoRows) {
		return Counters{}, nil
	}
	if err != nil {
		return Counters{}, err
	}
	if lastH != nil {
		c.LastHourlyReset = *lastH
	}
	if lastD != nil {
		c.LastDailyReset = *lastD
	}
	return c, nil
}

func (s *postgresStore) SaveCounters(ctx context.Context, c Counters) error {
	_, err := s.db.Exec(ctx,
		`insert into quota_counters(id, hourly_count, daily_count, hourly_limit, daily_limit, last_hourly_reset, last_daily_reset)
		 values (1,$1,$2,$3,$4,$5,$6)
		 on conflict (id) do update set
		   hourly_count=excluded.hourly_count, daily_count=excluded.daily_count,
		   hourly_limit=excluded.hourly_limit, daily_limit=excluded.daily_limit,
		   last_hourly_reset=excluded.last_hourly_reset, last_daily_reset=excluded.last_daily_reset`,
		c.HourlyCount, c.DailyCount, c.HourlyLimit, c.DailyLimit, nullTime(c.LastHourlyReset), nullTime(c.LastDailyReset),
	)
	return err
}

func (s *postgresStore) PutItems(ctx context.Context, items []ItemRecord) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(
			`insert into queue_items(id, campaign_id, recipient_id, address, display_name, status, priority, seq,
			   created_at, sent_at, err, message_id, requeued_as, subject, body, sender_name, sender_email)
			 values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			 on conflict (id) do update set
			   status=excluded.status, sent_at=excluded.sent_at, err=excluded.err, message_id=excluded.message_id,
			   requeued_as=excluded.requeued_as`,
			it.ID, it.CampaignID, it.RecipientID, it.Address, nullStr(it.DisplayName), it.Status, it.Priority, it.Seq,
			it.CreatedAt, nullTime(it.SentAt), nullStr(it.Error), nullStr(it.MessageID), nullStr(it.RequeuedAs),
			nullStr(it.Subject), nullStr(it.Body), nullStr(it.SenderName), nullStr(it.SenderEmail),
		)
	}
	return s.db.SendBatch(ctx, batch).Close()
}

func (s *postgresStore) DeleteItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `delete from queue_items where id = any($1)`, ids)
	return err
}

func (s *postgresStore) LoadItems(ctx context.Context) ([]ItemRecord, error) {
	rows, err := s.db.Query(ctx,
		`select id, campaign_id, recipient_id, address, coalesce(display_name, ''), status, priority, seq,
		   created_at, sent_at, coalesce(err, ''), coalesce(message_id, ''), coalesce(requeued_as, ''), coalesce(subject, ''),
		   coalesce(body, ''), coalesce(sender_name, ''), coalesce(sender_email, '')
		 from queue_items order by seq, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ItemRecord
	for rows.Next() {
		var (
			it   ItemRecord
			sent *time.Time
		)
		if err := rows.Scan(&it.ID, &it.CampaignID, &it.RecipientID, &it.Address, &it.DisplayName, &it.Status, &it.Priority, &it.Seq,
			&it.CreatedAt, &sent, &it.Error, &it.MessageID, &it.RequeuedAs, &it.Subject, &it.Body, &it.SenderName, &it.SenderEmail); err != nil {
			return nil, err
		}
		if sent != nil {
			it.SentAt = *sent
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.Exec(ctx,
		`insert into audit(at, kind, severity, campaign_id, title, message, meta) values ($1,$2,$3,$4,$5,$6,$7)`,
		e.At, e.Kind, nullStr(e.Severity), nullStr(e.CampaignID), nullStr(e.Title), nullStr(e.Message), nullStr(e.MetaJSON),
	)
	return err
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`insert into dedup(key, until) values ($1,$2) on conflict (key) do update set until=excluded.until`,
		key, until,
	)
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until time.Time
	err := s.db.QueryRow(ctx, `select until from dedup where key = $1`, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
