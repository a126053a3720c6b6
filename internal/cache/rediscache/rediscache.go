// Package rediscache stores account snapshots in Redis for non-locking reads.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/speakle/rewards/pkg/points"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "points:account:"
	defaultTTL       = 5 * time.Minute
	dialTimeout      = 3 * time.Second
	ioTimeout        = 2 * time.Second
)

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient opens a go-redis client with bounded timeouts.
func NewClient(config Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  ioTimeout,
		WriteTimeout: ioTimeout,
	})
}

type commander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger reports cache failures; they never fail the caller.
func WithLogger(logger *zap.Logger) Option {
	return func(cache *Cache) {
		if logger != nil {
			cache.logger = logger
		}
	}
}

// WithKeyPrefix namespaces the cache keys.
func WithKeyPrefix(prefix string) Option {
	return func(cache *Cache) {
		if prefix != "" {
			cache.prefix = prefix
		}
	}
}

// Cache implements points.AccountCache.
type Cache struct {
	client commander
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// New wraps a Redis client. A non-positive ttl selects the default.
func New(client commander, ttl time.Duration, options ...Option) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	cache := &Cache{client: client, ttl: ttl, prefix: defaultKeyPrefix, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(cache)
		}
	}
	return cache
}

type snapshot struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Get returns the cached snapshot. Misses, decode failures and inconsistent snapshots all report false.
func (cache *Cache) Get(ctx context.Context, userID points.UserID) (points.Account, bool) {
	payload, err := cache.client.Get(ctx, cache.key(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			cache.logger.Warn("account cache read failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
		return points.Account{}, false
	}
	var cached snapshot
	if err := json.Unmarshal(payload, &cached); err != nil {
		cache.logger.Warn("account cache decode failed", zap.String("user_id", userID.String()), zap.Error(err))
		return points.Account{}, false
	}
	tier, err := points.ParseTier(cached.Tier)
	if err != nil || cached.UserID != userID.String() {
		return points.Account{}, false
	}
	account := points.Account{
		UserID:    userID,
		Balance:   points.Points(cached.Balance),
		Tier:      tier,
		CreatedAt: cached.CreatedAt,
		UpdatedAt: cached.UpdatedAt,
	}
	if !account.Consistent() {
		return points.Account{}, false
	}
	return account, true
}

// Put stores the snapshot with the configured TTL.
func (cache *Cache) Put(ctx context.Context, account points.Account) {
	payload, err := json.Marshal(snapshot{
		UserID:    account.UserID.String(),
		Balance:   account.Balance.Int64(),
		Tier:      account.Tier.String(),
		CreatedAt: account.CreatedAt,
		UpdatedAt: account.UpdatedAt,
	})
	if err != nil {
		cache.logger.Warn("account cache encode failed", zap.String("user_id", account.UserID.String()), zap.Error(err))
		return
	}
	if err := cache.client.Set(ctx, cache.key(account.UserID), payload, cache.ttl).Err(); err != nil {
		cache.logger.Warn("account cache write failed", zap.String("user_id", account.UserID.String()), zap.Error(err))
	}
}

func (cache *Cache) key(userID points.UserID) string {
	return cache.prefix + userID.String()
}
