package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one key per account. Useful when several replicas need
// to share session material without a common volume.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore returns a store writing under the given key prefix.
// An empty prefix defaults to "mtproto:account:".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mtproto:account:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(phone string) string {
	return s.prefix + phone
}

func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.rdb.Set(ctx, s.key(rec.Phone), data, 0).Err()
}

func (s *RedisStore) Load(ctx context.Context, phone string) (*Record, error) {
	data, err := s.rdb.Get(ctx, s.key(phone)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record for %s: %w", phone, err)
	}
	return &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, phone string) error {
	n, err := s.rdb.Del(ctx, s.key(phone)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Record, error) {
	var (
		recs   []*Record
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan records: %w", err)
		}
		for _, key := range keys {
			data, err := s.rdb.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue // deleted between scan and get
			}
			if err != nil {
				return nil, fmt.Errorf("read record %s: %w", key, err)
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil, fmt.Errorf("decode record %s: %w", key, err)
			}
			recs = append(recs, &rec)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Phone < recs[j].Phone })
	return recs, nil
}
