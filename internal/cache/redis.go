package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/offsetledger/internal/credits"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	keyPrefix      = "offsetledger:record:"
	pingTimeout    = 5 * time.Second
	defaultTTL     = 10 * time.Minute
	minimumTimeout = 100 * time.Millisecond
)

var errMissingAddress = errors.New("redis address is required")

// RedisConfig describes the connection to the record cache.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// RedisRecordCache stores immutable records in Redis under a fixed key prefix.
type RedisRecordCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisRecordCache connects to Redis and verifies the connection with a ping.
func NewRedisRecordCache(ctx context.Context, cfg RedisConfig) (*RedisRecordCache, error) {
	if cfg.Address == "" {
		return nil, errMissingAddress
	}
	timeout := cfg.Timeout
	if timeout < minimumTimeout {
		timeout = minimumTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Address, err)
	}

	cache := NewRedisRecordCacheFromClient(client, cfg.TTL, cfg.Logger)
	cache.logger.Info("record cache connected", zap.String("address", cfg.Address))
	return cache, nil
}

// NewRedisRecordCacheFromClient wraps an existing client without checking connectivity.
func NewRedisRecordCacheFromClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisRecordCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRecordCache{client: client, ttl: ttl, logger: logger}
}

// Get returns the cached record for id. A miss is reported with ok == false and no error.
func (c *RedisRecordCache) Get(ctx context.Context, id credits.RecordID) (credits.Record, bool, error) {
	payload, err := c.client.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return credits.Record{}, false, nil
	}
	if err != nil {
		return credits.Record{}, false, err
	}
	record, err := decodeRecord(payload)
	if err != nil {
		c.logger.Warn("discarding undecodable cache entry", zap.String("record_id", id.String()), zap.Error(err))
		return credits.Record{}, false, nil
	}
	if record.ID != id.String() {
		return credits.Record{}, false, nil
	}
	return record, true, nil
}

// Set stores record with the configured time to live.
func (c *RedisRecordCache) Set(ctx context.Context, record credits.Record) error {
	payload, err := encodeRecord(record)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, recordKey(credits.RecordID(record.ID)), payload, c.ttl).Err()
}

// Close releases the underlying connection pool.
func (c *RedisRecordCache) Close() error {
	return c.client.Close()
}

type cachedRecord struct {
	ID           string    `json:"id"`
	ProjectName  string    `json:"project_name"`
	Registry     string    `json:"registry"`
	Vintage      int       `json:"vintage"`
	Quantity     int64     `json:"quantity"`
	SerialNumber string    `json:"serial_number"`
	CreatedAt    time.Time `json:"created_at"`
}

func recordKey(id credits.RecordID) string {
	return keyPrefix + id.String()
}

func encodeRecord(record credits.Record) ([]byte, error) {
	return json.Marshal(cachedRecord{
		ID:           record.ID,
		ProjectName:  record.ProjectName,
		Registry:     record.Registry,
		Vintage:      record.Vintage,
		Quantity:     record.Quantity,
		SerialNumber: record.SerialNumber,
		CreatedAt:    record.CreatedAt,
	})
}

func decodeRecord(payload []byte) (credits.Record, error) {
	var cached cachedRecord
	if err := json.Unmarshal(payload, &cached); err != nil {
		return credits.Record{}, err
	}
	if _, err := credits.NewRecordID(cached.ID); err != nil {
		return credits.Record{}, err
	}
	return credits.Record{
		ID:           cached.ID,
		ProjectName:  cached.ProjectName,
		Registry:     cached.Registry,
		Vintage:      cached.Vintage,
		Quantity:     cached.Quantity,
		SerialNumber: cached.SerialNumber,
		CreatedAt:    cached.CreatedAt,
	}, nil
}
