package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/devrev/settingsd/internal/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisFlagStore implements FlagStore on Redis so that several processes can
// share one set of flags
type RedisFlagStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisFlagStore creates a new Redis flag store and verifies the connection
func NewRedisFlagStore(cfg *RedisConfig, logger *zap.Logger) (*RedisFlagStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis flag store connected",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.String("prefix", cfg.KeyPrefix))

	return &RedisFlagStore{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: logger,
	}, nil
}

func (s *RedisFlagStore) redisKey(key string) string {
	return s.prefix + key
}

// GetBool returns the value of key; a missing key reads as false
func (s *RedisFlagStore) GetBool(ctx context.Context, key string) (bool, error) {
	val, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch val {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, apperrors.CorruptedData(fmt.Sprintf("flag %q holds %q, want \"0\" or \"1\"", key, val), nil).
			WithDetail("key", key)
	}
}

// SetBool stores value under key with no expiry
func (s *RedisFlagStore) SetBool(ctx context.Context, key string, value bool) error {
	encoded := "0"
	if value {
		encoded = "1"
	}
	return s.client.Set(ctx, s.redisKey(key), encoded, 0).Err()
}

// Ping checks the Redis connection
func (s *RedisFlagStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisFlagStore) Close() error {
	return s.client.Close()
}
