package throttle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis persists throttle state in Redis, for deployments where several
// policyd instances evaluate deliveries for the same aliases. The claim is
// SET NX PX, which is atomic on the server.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the given Redis URL and verifies the connection.
func NewRedis(url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("throttle: invalid Redis URL: %w", err)
	}

	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("throttle: redis ping: %w", err)
	}

	if prefix == "" {
		prefix = "policyd"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) key(aliasID int64, sender string) string {
	return fmt.Sprintf("%s:throttle:%d:%s", r.prefix, aliasID, strings.ToLower(sender))
}

// Acquire claims the right to reply to sender within window.
func (r *Redis) Acquire(ctx context.Context, aliasID int64, sender string, window time.Duration, now time.Time) (bool, error) {
	k := r.key(aliasID, sender)
	value := now.UTC().Format(time.RFC3339Nano)

	if window <= 0 {
		if err := r.client.Set(ctx, k, value, 0).Err(); err != nil {
			return false, fmt.Errorf("throttle: record reply: %w", err)
		}
		return true, nil
	}

	ok, err := r.client.SetNX(ctx, k, value, window).Result()
	if err != nil {
		return false, fmt.Errorf("throttle: acquire: %w", err)
	}
	return ok, nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
