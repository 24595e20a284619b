package store

import (
	"context"
	"strconv"

	"github.com/GearSync/gearsync-go/internal/keys"
	"github.com/redis/go-redis/v9"
)

// DefaultHistoryLen bounds the per-player audit list of past documents.
const DefaultHistoryLen = 10

// casScript atomically persists a queue document only when the offered version
// exceeds the stored one, and pushes the document onto a bounded history list.
// Returns 1 when the swap happened, 0 when the offered version was stale.
var casScript = redis.NewScript(`
local vkey = KEYS[1]
local qkey = KEYS[2]
local hkey = KEYS[3]
local new  = tonumber(ARGV[1])
local cur  = tonumber(redis.call('GET', vkey) or '-1')
if new <= cur then return 0 end
redis.call('SET', vkey, ARGV[1])
redis.call('SET', qkey, ARGV[2])
redis.call('LPUSH', hkey, ARGV[2])
redis.call('LTRIM', hkey, 0, tonumber(ARGV[3]) - 1)
return 1
`)

// RedisStore keeps queue documents in Redis under cluster-safe hashtagged keys.
type RedisStore struct {
	rdb        redis.UniversalClient
	historyLen int
}

// NewRedisStore creates a RedisStore. historyLen bounds the audit list; zero
// or negative uses DefaultHistoryLen.
func NewRedisStore(rdb redis.UniversalClient, historyLen int) *RedisStore {
	if historyLen <= 0 {
		historyLen = DefaultHistoryLen
	}
	return &RedisStore{rdb: rdb, historyLen: historyLen}
}

// Load returns the stored version and raw document for the player.
func (s *RedisStore) Load(ctx context.Context, playerID string) (int64, []byte, error) {
	k := keys.For(playerID)
	vs, err := s.rdb.Get(ctx, k.Version).Result()
	if err == redis.Nil {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	version, err := strconv.ParseInt(vs, 10, 64)
	if err != nil {
		return 0, nil, err
	}
	raw, err := s.rdb.Get(ctx, k.Queue).Bytes()
	if err == redis.Nil {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	return version, raw, nil
}

// Save runs the compare-and-swap script.
func (s *RedisStore) Save(ctx context.Context, playerID string, version int64, raw []byte) (bool, error) {
	k := keys.For(playerID)
	res, err := casScript.Run(ctx, s.rdb,
		[]string{k.Version, k.Queue, k.History},
		strconv.FormatInt(version, 10), raw, strconv.Itoa(s.historyLen),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Delete removes the player's document, version, and history atomically.
func (s *RedisStore) Delete(ctx context.Context, playerID string) error {
	k := keys.For(playerID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, k.Version)
		p.Del(ctx, k.Queue)
		p.Del(ctx, k.History)
		return nil
	})
	return err
}
