package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-duel/pkg/chessdto"
	"github.com/redis/go-redis/v9"
)

var (
	ErrSnapshotNotFound = errors.New("session snapshot not found")
	ErrStaleSnapshot    = errors.New("a newer snapshot is already stored")
)

const (
	defaultTTL    = 24 * time.Hour
	recentKey     = "chess:sessions:recent"
	recentMaxSize = 50
)

// SnapshotStore keeps the latest snapshot of each session in Redis.
type SnapshotStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSnapshotStore(rdb *redis.Client, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &SnapshotStore{rdb: rdb, ttl: ttl}
}

// OpenSnapshotStore dials redisURL and pings it.
func OpenSnapshotStore(ctx context.Context, redisURL string, ttl time.Duration) (*SnapshotStore, error) {
	opts, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewSnapshotStore(rdb, ttl), nil
}

func (s *SnapshotStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func snapshotKey(id string) string { return "chess:session:" + strings.TrimSpace(id) }

// Save writes rec unless the stored copy was updated later. The check and the
// write run under WATCH so two writers of one session cannot interleave.
func (s *SnapshotStore) Save(ctx context.Context, rec chessdto.SessionSnapshot) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("snapshot without session id")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := snapshotKey(rec.SessionID)

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var prev chessdto.SessionSnapshot
			if jerr := json.Unmarshal(cur, &prev); jerr == nil && prev.UpdatedAt.After(rec.UpdatedAt) {
				return ErrStaleSnapshot
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, raw, s.ttl)
			p.ZAdd(ctx, recentKey, redis.Z{Score: float64(rec.UpdatedAt.Unix()), Member: rec.SessionID})
			p.ZRemRangeByRank(ctx, recentKey, 0, -recentMaxSize-1)
			p.Expire(ctx, recentKey, s.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrStaleSnapshot
	}
	return err
}

// Load returns the stored snapshot for id.
func (s *SnapshotStore) Load(ctx context.Context, id string) (*chessdto.SessionSnapshot, error) {
	raw, err := s.rdb.Get(ctx, snapshotKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec chessdto.SessionSnapshot
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &rec, nil
}

// Recent lists up to n session ids, most recently updated first. Ids whose
// snapshot already expired are skipped.
func (s *SnapshotStore) Recent(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = 10
	}
	ids, err := s.rdb.ZRevRange(ctx, recentKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		exists, err := s.rdb.Exists(ctx, snapshotKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if exists == 0 {
			_ = s.rdb.ZRem(ctx, recentKey, id).Err()
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *SnapshotStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, snapshotKey(id)).Err(); err != nil {
		return err
	}
	return s.rdb.ZRem(ctx, recentKey, strings.TrimSpace(id)).Err()
}

// ParseRedisURL accepts redis:// and rediss:// URLs with an optional /db path.
// rediss enables TLS with the URL host as server name.
func ParseRedisURL(raw string) (*redis.Options, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return opts, nil
}
