package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/meshsched/meshsched/pkg/models"
)

// Config holds the Redis exchange settings
type Config struct {
	RedisAddr     string        `mapstructure:"redis_addr"` // empty disables the exchange
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"redis_key_prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
	Interval      time.Duration `mapstructure:"interval"` // publish period on nodes
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "meshsched:node:",
		TTL:       30 * time.Second,
		Interval:  10 * time.Second,
	}
}

// Enabled reports whether a Redis address is configured
func (c Config) Enabled() bool {
	return c.RedisAddr != ""
}

// NewRedisClient connects and pings Redis
func NewRedisClient(ctx context.Context, config Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            config.RedisAddr,
		Password:        config.RedisPassword,
		DB:              config.RedisDB,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", config.RedisAddr, err)
	}
	return client, nil
}

// RedisPublisher stores a node's snapshot under prefix+node_id with a TTL,
// so nodes that stop publishing expire on their own
type RedisPublisher struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// NewRedisPublisher creates a publisher
func NewRedisPublisher(client redis.Cmdable, config Config) *RedisPublisher {
	return &RedisPublisher{client: client, keyPrefix: config.KeyPrefix, ttl: config.TTL}
}

// Publish writes the snapshot
func (p *RedisPublisher) Publish(ctx context.Context, res *models.NodeResources) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal resources of %s: %w", res.NodeID, err)
	}
	return p.client.Set(ctx, p.keyPrefix+res.NodeID, data, p.ttl).Err()
}

// Run samples and publishes every interval until ctx is done
func (p *RedisPublisher) Run(ctx context.Context, sampler *HostSampler, interval time.Duration, log *logging.Logger) {
	if log == nil {
		log = logging.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := sampler.Sample(ctx)
		if err == nil {
			err = p.Publish(ctx, res)
		}
		if err != nil && ctx.Err() == nil {
			log.Warnf("[Telemetry] Failed to publish resources: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RedisSource reads every published snapshot. It implements scheduler.ResourceSource.
type RedisSource struct {
	client    redis.Cmdable
	keyPrefix string
	scanCount int64
}

// NewRedisSource creates a source
func NewRedisSource(client redis.Cmdable, config Config) *RedisSource {
	return &RedisSource{client: client, keyPrefix: config.KeyPrefix, scanCount: 100}
}

// Poll returns the snapshots currently stored in Redis
func (s *RedisSource) Poll(ctx context.Context) ([]*models.NodeResources, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", s.scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan node keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read node snapshots: %w", err)
	}

	out := make([]*models.NodeResources, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var res models.NodeResources
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			continue
		}
		out = append(out, &res)
	}
	return out, nil
}

// ResourceSource matches scheduler.ResourceSource
type ResourceSource interface {
	Poll(ctx context.Context) ([]*models.NodeResources, error)
}

// MultiSource concatenates several sources. A failing source is skipped
// unless every source fails.
type MultiSource []ResourceSource

// Poll implements scheduler.ResourceSource
func (m MultiSource) Poll(ctx context.Context) ([]*models.NodeResources, error) {
	var out []*models.NodeResources
	var errs []error
	for _, src := range m {
		res, err := src.Poll(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, res...)
	}
	if len(errs) > 0 && len(errs) == len(m) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
