package storage

import (
	"context"
	"encoding/json"
	"time"

	r "gopkg.in/redis.v5"

	"fair-chat/go-client/pkg/models"
)

const redisPrefix = "_FAIRCHAT_BODY_"

// RedisBodyCache shares resolved bodies between several client processes.
type RedisBodyCache struct {
	client *r.Client
	ttl    time.Duration
}

func NewRedisBodyCache(url string, ttl time.Duration) (*RedisBodyCache, error) {
	opts, err := r.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBodyCache{client: r.NewClient(opts), ttl: ttl}, nil
}

// Ping verifies the server is reachable.
func (c *RedisBodyCache) Ping() error {
	return c.client.Ping().Err()
}

func (c *RedisBodyCache) Get(ctx context.Context, id string) (models.Body, error) {
	if err := ctx.Err(); err != nil {
		return models.Body{}, err
	}
	raw, err := c.client.Get(redisPrefix + id).Bytes()
	if err == r.Nil {
		return models.Body{}, ErrCacheMiss
	}
	if err != nil {
		return models.Body{}, err
	}
	var body models.Body
	if err := json.Unmarshal(raw, &body); err != nil {
		return models.Body{}, err
	}
	return body, nil
}

func (c *RedisBodyCache) Put(ctx context.Context, id string, body models.Body) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.client.Set(redisPrefix+id, enc, c.ttl).Err()
}

func (c *RedisBodyCache) Close() error {
	return c.client.Close()
}
