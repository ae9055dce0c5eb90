package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// expiredGrace keeps an expired link readable long enough for a resolution
// to observe (and report) the expiry before Redis drops the key.
const expiredGrace = 24 * time.Hour

// maxClickLog bounds the per-link click telemetry list.
const maxClickLog = 100

// incrementIfExistsScript bumps the click counter only while the link exists.
// KEYS[1] = link key
// KEYS[2] = click counter key
var incrementIfExistsScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
return redis.call("INCR", KEYS[2])
`)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store backed by an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "kfactor:link:", now: time.Now}
}

// NewRedisStoreFromAddr dials a new client.
func NewRedisStoreFromAddr(addr, password string, db int) *RedisStore {
	return NewRedisStore(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) linkKey(code string) string   { return s.prefix + code }
func (s *RedisStore) clicksKey(code string) string { return s.prefix + code + ":clicks" }
func (s *RedisStore) seenKey(code string) string   { return s.prefix + code + ":seen" }
func (s *RedisStore) logKey(code string) string    { return s.prefix + code + ":log" }

func (s *RedisStore) ttl(link *Link) time.Duration {
	ttl := link.ExpiresAt.Sub(s.now()) + expiredGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) Create(ctx context.Context, link *Link) error {
	stored := *link
	stored.Metadata.ClickCount = 0
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("attribution: encode link: %w", err)
	}
	ttl := s.ttl(link)
	ok, err := s.client.SetNX(ctx, s.linkKey(link.ShortCode), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("attribution: redis create: %w", err)
	}
	if !ok {
		return ErrDuplicateCode
	}
	if err := s.client.Set(ctx, s.clicksKey(link.ShortCode), link.Metadata.ClickCount, ttl).Err(); err != nil {
		return fmt.Errorf("attribution: redis init clicks: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, shortCode string) (*Link, error) {
	pipe := s.client.Pipeline()
	linkCmd := pipe.Get(ctx, s.linkKey(shortCode))
	clicksCmd := pipe.Get(ctx, s.clicksKey(shortCode))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("attribution: redis get: %w", err)
	}

	data, err := linkCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("attribution: redis get: %w", err)
	}
	var link Link
	if err := json.Unmarshal(data, &link); err != nil {
		return nil, fmt.Errorf("attribution: decode link: %w", err)
	}
	if n, err := clicksCmd.Int64(); err == nil {
		link.Metadata.ClickCount = n
	}
	return &link, nil
}

func (s *RedisStore) IncrementClicks(ctx context.Context, shortCode string) (int64, error) {
	n, err := incrementIfExistsScript.Run(ctx, s.client, []string{s.linkKey(shortCode), s.clicksKey(shortCode)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("attribution: redis increment: %w", err)
	}
	if n < 0 {
		return 0, ErrLinkNotFound
	}
	return n, nil
}

func (s *RedisStore) Delete(ctx context.Context, shortCode string) error {
	err := s.client.Del(ctx,
		s.linkKey(shortCode),
		s.clicksKey(shortCode),
		s.seenKey(shortCode),
		s.logKey(shortCode),
	).Err()
	if err != nil {
		return fmt.Errorf("attribution: redis delete: %w", err)
	}
	return nil
}

func (s *RedisStore) RecordClick(ctx context.Context, shortCode, fingerprint string, click Click) (bool, error) {
	ttl, err := s.client.PTTL(ctx, s.linkKey(shortCode)).Result()
	if err != nil {
		return false, fmt.Errorf("attribution: redis ttl: %w", err)
	}
	if ttl <= 0 {
		return false, ErrLinkNotFound
	}

	added, err := s.client.SAdd(ctx, s.seenKey(shortCode), fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("attribution: redis record click: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	data, err := json.Marshal(click)
	if err != nil {
		return false, fmt.Errorf("attribution: encode click: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.logKey(shortCode), data)
	pipe.LTrim(ctx, s.logKey(shortCode), 0, maxClickLog-1)
	pipe.PExpire(ctx, s.logKey(shortCode), ttl)
	pipe.PExpire(ctx, s.seenKey(shortCode), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("attribution: redis click log: %w", err)
	}
	return true, nil
}
