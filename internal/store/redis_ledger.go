package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const creditKeyPrefix = "rxdictate:credits:"

// deductScript decrements the balance only while it is above zero.
var deductScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
if balance > 0 then
	redis.call('DECR', KEYS[1])
	return 1
end
return 0
`)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisLedger keeps credit balances in Redis.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(ctx context.Context, opts RedisOptions) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisLedger{client: client}, nil
}

func creditKey(ownerID string) string {
	return creditKeyPrefix + ownerID
}

func (l *RedisLedger) DeductIfPositive(ctx context.Context, ownerID string) (bool, error) {
	n, err := deductScript.Run(ctx, l.client, []string{creditKey(ownerID)}).Int()
	if err != nil {
		return false, fmt.Errorf("deduct credit: %w", err)
	}
	return n == 1, nil
}

func (l *RedisLedger) Balance(ctx context.Context, ownerID string) (int64, error) {
	n, err := l.client.Get(ctx, creditKey(ownerID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return n, nil
}

func (l *RedisLedger) Grant(ctx context.Context, ownerID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	n, err := l.client.IncrBy(ctx, creditKey(ownerID), amount).Result()
	if err != nil {
		return 0, fmt.Errorf("grant credits: %w", err)
	}
	return n, nil
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

// withLedger routes credit operations to a separate ledger.
type withLedger struct {
	Store
	ledger *RedisLedger
}

func (s *withLedger) DeductIfPositive(ctx context.Context, ownerID string) (bool, error) {
	return s.ledger.DeductIfPositive(ctx, ownerID)
}

func (s *withLedger) Balance(ctx context.Context, ownerID string) (int64, error) {
	return s.ledger.Balance(ctx, ownerID)
}

func (s *withLedger) Grant(ctx context.Context, ownerID string, amount int64) (int64, error) {
	return s.ledger.Grant(ctx, ownerID, amount)
}

func (s *withLedger) Ping(ctx context.Context) error {
	if err := s.Store.Ping(ctx); err != nil {
		return err
	}
	return s.ledger.Ping(ctx)
}

func (s *withLedger) Close() error {
	return errors.Join(s.ledger.Close(), s.Store.Close())
}
