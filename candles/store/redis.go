package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linluma/signalwatch/shared/models"
)

const maxTxRetries = 25

// RedisStore keeps each signal as JSON under <prefix>:signal:<id> and the
// active ids in the set <prefix>:signals:active
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures NewRedisStore
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects to redis and verifies the connection
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(client, opts.Prefix), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "signalwatch"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) signalKey(id int64) string {
	return r.prefix + ":signal:" + strconv.FormatInt(id, 10)
}

func (r *RedisStore) activeKey() string { return r.prefix + ":signals:active" }
func (r *RedisStore) seqKey() string    { return r.prefix + ":signals:seq" }

func (r *RedisStore) ListActive(ctx context.Context) ([]models.Signal, error) {
	members, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active signals: %w", err)
	}
	if len(members) == 0 {
		return []models.Signal{}, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, r.signalKey(id))
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load active signals: %w", err)
	}

	out := make([]models.Signal, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// deleted between SMEMBERS and MGET
			continue
		}
		var s models.Signal
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		if s.IsActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RedisStore) Get(ctx context.Context, id int64) (models.Signal, error) {
	return r.get(ctx, r.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) get(ctx context.Context, c getter, id int64) (models.Signal, error) {
	raw, err := c.Get(ctx, r.signalKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Signal{}, ErrNotFound
	}
	if err != nil {
		return models.Signal{}, fmt.Errorf("get signal %d: %w", id, err)
	}

	var s models.Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.Signal{}, fmt.Errorf("decode signal %d: %w", id, err)
	}
	return s, nil
}

func (r *RedisStore) Save(ctx context.Context, s models.Signal) (models.Signal, error) {
	if err := validateSignal(s); err != nil {
		return models.Signal{}, err
	}

	if s.ID == 0 {
		id, err := r.client.Incr(ctx, r.seqKey()).Result()
		if err != nil {
			return models.Signal{}, fmt.Errorf("allocate signal id: %w", err)
		}
		s.ID = id
	}

	var saved models.Signal
	err := r.update(ctx, s.ID, true, func(stored *models.Signal, exists bool) bool {
		saved = s.Clone()
		if exists {
			saved = keepHits(s, *stored)
		}
		*stored = saved
		return true
	})
	if err != nil {
		return models.Signal{}, err
	}
	return saved, nil
}

func (r *RedisStore) MarkTakeProfitsHit(ctx context.Context, id int64, levels []int, at time.Time) error {
	return r.update(ctx, id, false, func(s *models.Signal, _ bool) bool {
		return markHits(s, levels, at)
	})
}

func (r *RedisStore) UpdatePrice(ctx context.Context, id int64, price float64, at time.Time) error {
	return r.update(ctx, id, false, func(s *models.Signal, _ bool) bool {
		setPrice(s, price, at)
		return true
	})
}

// update runs a read-modify-write of one signal under WATCH, retrying when
// another writer commits first
func (r *RedisStore) update(ctx context.Context, id int64, upsert bool, mutate func(s *models.Signal, exists bool) bool) error {
	key := r.signalKey(id)

	txf := func(tx *redis.Tx) error {
		s, err := r.get(ctx, tx, id)
		exists := err == nil
		switch {
		case errors.Is(err, ErrNotFound) && upsert:
			s = models.Signal{ID: id}
		case err != nil:
			return err
		}

		if !mutate(&s, exists) {
			return nil
		}
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode signal %d: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if s.IsActive {
				pipe.SAdd(ctx, r.activeKey(), id)
			} else {
				pipe.SRem(ctx, r.activeKey(), id)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update signal %d: too much contention", id)
}
