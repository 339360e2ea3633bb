package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
)

const (
	defaultKeyPrefix = "orderpipe:dedup:"

	valueProcessing = "processing"
	valueDone       = "done"
)

// releaseScript удаляет ключ, только если обработка ещё не завершена.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DedupStore хранит ключи дедупликации в Redis и разделяется между экземплярами потребителя.
type DedupStore struct {
	client goredis.UniversalClient
	prefix string
}

// Option настраивает DedupStore.
type Option func(*DedupStore)

// WithKeyPrefix задаёт префикс ключей.
func WithKeyPrefix(prefix string) Option {
	return func(s *DedupStore) {
		s.prefix = prefix
	}
}

// NewDedupStore создаёт Redis-хранилище поверх готового клиента.
func NewDedupStore(client goredis.UniversalClient, opts ...Option) *DedupStore {
	s := &DedupStore{client: client, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open подключается к Redis и проверяет доступность.
func Open(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *DedupStore) Claim(ctx context.Context, key string, ttl time.Duration) (domain.ClaimResult, error) {
	redisKey, err := s.key(key)
	if err != nil {
		return domain.ClaimBusy, err
	}

	acquired, err := s.client.SetNX(ctx, redisKey, valueProcessing, ttl).Result()
	if err != nil {
		return domain.ClaimBusy, fmt.Errorf("redis setnx %s: %w", redisKey, err)
	}
	if acquired {
		return domain.ClaimAcquired, nil
	}

	state, err := s.client.Get(ctx, redisKey).Result()
	if errors.Is(err, goredis.Nil) {
		// Ключ истёк между SETNX и GET: пусть повторная доставка попробует снова.
		return domain.ClaimBusy, nil
	}
	if err != nil {
		return domain.ClaimBusy, fmt.Errorf("redis get %s: %w", redisKey, err)
	}
	if state == valueDone {
		return domain.ClaimDuplicate, nil
	}
	return domain.ClaimBusy, nil
}

func (s *DedupStore) MarkDone(ctx context.Context, key string, ttl time.Duration) error {
	redisKey, err := s.key(key)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKey, valueDone, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", redisKey, err)
	}
	return nil
}

func (s *DedupStore) Release(ctx context.Context, key string) error {
	redisKey, err := s.key(key)
	if err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, s.client, []string{redisKey}, valueProcessing).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", redisKey, err)
	}
	return nil
}

// Ping проверяет доступность Redis для health-check.
func (s *DedupStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *DedupStore) key(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", domain.ErrDedupKeyRequired
	}
	return s.prefix + key, nil
}

var _ domain.DedupStore = (*DedupStore)(nil)
