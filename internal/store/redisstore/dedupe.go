package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Deduper records handled keys with a TTL so redelivered messages can be
// skipped.
type Deduper struct {
	cli *redis.Client
}

func New(ctx context.Context, opts Options) (*Deduper, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &Deduper{cli: c}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(c *redis.Client) *Deduper { return &Deduper{cli: c} }

func (d *Deduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.cli.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark keeps the first mark's timestamp when the key already exists.
func (d *Deduper) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return d.cli.SetNX(ctx, key, time.Now().Unix(), ttl).Err()
}

func (d *Deduper) Close() error { return d.cli.Close() }
