package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "mutebot/pkg/logx"
)

const (
	redisMaxTxRetries = 16
	redisScanCount    = 100
	redisPingTimeout  = 5 * time.Second
)

// redisStore keeps one string key per user: "<prefix><user_id>" holding the
// deadline as decimal unix seconds.
type redisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (DeadlineStore, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Debug("redis store ready", logx.String("addr", opts.Addr), logx.Int("db", opts.DB))
	return NewRedis(client, cfg.KeyPrefix, cfg.clock(), log), nil
}

// NewRedis wraps an existing client. An empty prefix means DefaultKeyPrefix.
func NewRedis(client *redis.Client, prefix string, now func() time.Time, log logx.Logger) DeadlineStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if now == nil {
		now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, prefix: prefix, now: now, log: log}
}

func (s *redisStore) key(userID int64) string {
	return s.prefix + strconv.FormatInt(userID, 10)
}

// SetIfLater runs an optimistic WATCH/MULTI transaction and retries when
// another writer touched the key in between.
func (s *redisStore) SetIfLater(ctx context.Context, userID int64, candidate time.Time) (time.Time, error) {
	key := s.key(userID)
	cand := ceilUnix(candidate)

	var effective int64
	txf := func(tx *redis.Tx) error {
		cur := farPast(s.now()).Unix()
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if v, perr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); perr == nil {
				cur = v
			} else {
				s.log.Warn("malformed deadline overwritten", logx.String("key", key), logx.String("value", raw))
			}
		}

		eff, write := laterOf(cur, cand)
		if !write {
			effective = eff
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, strconv.FormatInt(eff, 10), 0)
			return nil
		})
		if err != nil {
			return err
		}
		effective = eff
		return nil
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return unixUTC(effective), nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return time.Time{}, fmt.Errorf("set deadline %s: %w", key, err)
	}
	return time.Time{}, fmt.Errorf("set deadline %s: %w", key, ErrContention)
}

func (s *redisStore) Get(ctx context.Context, userID int64) (time.Time, bool) {
	key := s.key(userID)
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false
	}
	if err != nil {
		s.log.Debug("deadline read failed", logx.String("key", key), logx.Err(err))
		return time.Time{}, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		s.log.Debug("malformed deadline ignored", logx.String("key", key), logx.String("value", raw))
		return time.Time{}, false
	}
	return unixUTC(v), true
}

func (s *redisStore) Delete(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("delete deadline: %w", err)
	}
	return nil
}

// DeleteIf is a WATCH'd DEL: the key goes only if it still holds until when
// the transaction commits.
func (s *redisStore) DeleteIf(ctx context.Context, userID int64, until time.Time) (bool, error) {
	key := s.key(userID)
	want := until.Unix()

	var deleted bool
	txf := func(tx *redis.Tx) error {
		deleted = false
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if v, perr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); perr != nil || v != want {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		deleted = true
		return nil
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return deleted, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return false, fmt.Errorf("delete deadline %s: %w", key, err)
	}
	return false, fmt.Errorf("delete deadline %s: %w", key, ErrContention)
}

// ListKeys walks the keyspace with SCAN so a large store never blocks the
// server the way KEYS would.
func (s *redisStore) ListKeys(ctx context.Context) ([]int64, error) {
	pattern := s.prefix + "*"
	ids := make([]int64, 0, 16)
	seen := make(map[int64]struct{})

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, redisScanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan deadlines: %w", err)
		}
		for _, k := range keys {
			id, err := strconv.ParseInt(strings.TrimPrefix(k, s.prefix), 10, 64)
			if err != nil {
				s.log.Debug("foreign key under prefix", logx.String("key", k))
				continue
			}
			// SCAN may return a key more than once.
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) PoolStats() PoolStats {
	st := s.client.PoolStats()
	if st == nil {
		return PoolStats{}
	}
	return PoolStats{
		TotalConns: st.TotalConns,
		IdleConns:  st.IdleConns,
		Hits:       st.Hits,
		Misses:     st.Misses,
		Timeouts:   st.Timeouts,
	}
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
