package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"

	"github.com/navid-fn/txradar/internal/models"
)

const redisPrefix = "txradar:"

// unlockScript deletes the lock only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements CheckpointStore, MarkerStore, Locker and CurrencyOverrides.
// A checkpoint is a hash {tenant, source, settings(JSON), rev}.
type Redis struct {
	rdb         *redis.Client
	currencyKey string
}

func NewRedis(rdb *redis.Client, currencyKey string) *Redis {
	return &Redis{rdb: rdb, currencyKey: currencyKey}
}

// Ping is used by the health monitor.
func (s *Redis) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func checkpointKey(id string) string {
	return redisPrefix + "checkpoint:" + id
}

// parseRev reads a stored revision; anything unreadable counts as zero.
func parseRev(s string) uint64 {
	rev, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return rev
}

func (s *Redis) GetCheckpoint(ctx context.Context, tenant, source string) (models.Checkpoint, error) {
	id := models.CheckpointID(tenant, source)
	fields, err := s.rdb.HGetAll(ctx, checkpointKey(id)).Result()
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Checkpoint{}, ErrNotFound
	}

	cp := models.Checkpoint{ID: id, Tenant: tenant, Source: source, Revision: parseRev(fields["rev"])}
	raw, ok := fields["settings"]
	if !ok {
		return cp, ErrMalformed
	}
	if err := json.Unmarshal([]byte(raw), &cp.Settings); err != nil {
		return cp, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return cp, nil
}

// PutCheckpoint runs the revision check and the write in one WATCH/MULTI transaction.
func (s *Redis) PutCheckpoint(ctx context.Context, cp models.Checkpoint) (models.Checkpoint, error) {
	cp.ID = models.CheckpointID(cp.Tenant, cp.Source)
	key := checkpointKey(cp.ID)

	data, err := json.Marshal(cp.Settings)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("encode settings: %w", err)
	}

	var next uint64
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		stored, err := tx.HGet(ctx, key, "rev").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		var ok bool
		next, ok = nextRevision(parseRev(stored), n > 0, cp.Revision)
		if !ok {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key,
				"tenant", cp.Tenant,
				"source", cp.Source,
				"settings", string(data),
				"rev", strconv.FormatUint(next, 10),
			)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return models.Checkpoint{}, ErrConflict
	case err != nil:
		return models.Checkpoint{}, err
	}

	cp.Revision = next
	return cp, nil
}

func (s *Redis) IsMarked(ctx context.Context, name string) (bool, error) {
	n, err := s.rdb.Exists(ctx, redisPrefix+"marker:"+name).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Redis) Mark(ctx context.Context, name string) error {
	return s.rdb.Set(ctx, redisPrefix+"marker:"+name, time.Now().UTC().Format(time.RFC3339), 0).Err()
}

// TryLock takes name with SETNX and a TTL so a crashed holder cannot block forever.
func (s *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := redisPrefix + "lock:" + name
	token := uuid.NewString()

	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, s.rdb, []string{key}, token).Err()
	}, true, nil
}

func (s *Redis) CurrencyOverrides(ctx context.Context) (map[string]string, error) {
	if s.currencyKey == "" {
		return map[string]string{}, nil
	}
	return s.rdb.HGetAll(ctx, s.currencyKey).Result()
}
