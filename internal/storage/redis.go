package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	logx "campaignq/pkg/logx"

	"github.com/redis/go-redis/v9"
)

const auditKeep = 10000

// redisStore keeps the counter record in one hash so a load is a single
// HGETALL. Items live in a second hash keyed by item id.
type redisStore struct {
	client redis.UniversalClient
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for redis driver")
	}
	var opts *redis.Options
	if strings.Contains(dsn, "://") {
		o, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, err
		}
		opts = o
	} else {
		opts = &redis.Options{Addr: dsn}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisStore(client, cfg.KeyPrefix, log), nil
}

func newRedisStore(client redis.UniversalClient, prefix string, log logx.Logger) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "campaignq"
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) LoadCounters(ctx context.Context) (Counters, error) {
	m, err := s.client.HGetAll(ctx, s.key("counters")).Result()
	if err != nil {
		return Counters{}, err
	}
	if len(m) == 0 {
		return Counters{}, nil
	}
	var c Counters
	c.HourlyCount, _ = strconv.Atoi(m["hourly_count"])
	c.DailyCount, _ = strconv.Atoi(m["daily_count"])
	c.HourlyLimit, _ = strconv.Atoi(m["hourly_limit"])
	c.DailyLimit, _ = strconv.Atoi(m["daily_limit"])
	c.LastHourlyReset = fromMillis(m["last_hourly_reset"])
	c.LastDailyReset = fromMillis(m["last_daily_reset"])
	return c, nil
}

func (s *redisStore) SaveCounters(ctx context.Context, c Counters) error {
	return s.client.HSet(ctx, s.key("counters"),
		"hourly_count", c.HourlyCount,
		"daily_count", c.DailyCount,
		"hourly_limit", c.HourlyLimit,
		"daily_limit", c.DailyLimit,
		"last_hourly_reset", toMillis(c.LastHourlyReset),
		"last_daily_reset", toMillis(c.LastDailyReset),
	).Err()
}

func (s *redisStore) PutItems(ctx context.Context, items []ItemRecord) error {
	if len(items) == 0 {
		return nil
	}
	vals := make([]any, 0, 2*len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return err
		}
		vals = append(vals, it.ID, string(b))
	}
	return s.client.HSet(ctx, s.key("items"), vals...).Err()
}

func (s *redisStore) DeleteItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.client.HDel(ctx, s.key("items"), ids...).Err()
}

func (s *redisStore) LoadItems(ctx context.Context) ([]ItemRecord, error) {
	m, err := s.client.HGetAll(ctx, s.key("items")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ItemRecord, 0, len(m))
	for id, raw := range m {
		var it ItemRecord
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			s.log.Warn("skipping undecodable item", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, it)
	}
	sortItems(out)
	return out, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key("audit"), string(b))
	pipe.LTrim(ctx, s.key("audit"), -auditKeep, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.key("dedup", key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.client.Get(ctx, s.key("dedup", key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
