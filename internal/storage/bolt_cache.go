package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"fair-chat/go-client/pkg/models"
)

var bodyBucket = []byte("bodies")

// BoltBodyCache persists bodies across restarts so reopening a long
// conversation does not re-download every payload.
type BoltBodyCache struct {
	db *bolt.DB
}

func OpenBoltBodyCache(path string) (*BoltBodyCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bodyBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltBodyCache{db: db}, nil
}

func (c *BoltBodyCache) Get(ctx context.Context, id string) (models.Body, error) {
	if err := ctx.Err(); err != nil {
		return models.Body{}, err
	}
	var body models.Body
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bodyBucket).Get([]byte(id))
		if raw == nil {
			return ErrCacheMiss
		}
		// raw is only valid inside the transaction; Unmarshal copies.
		return json.Unmarshal(raw, &body)
	})
	if err != nil {
		return models.Body{}, err
	}
	return body, nil
}

func (c *BoltBodyCache) Put(ctx context.Context, id string, body models.Body) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bodyBucket).Put([]byte(id), enc)
	})
}

func (c *BoltBodyCache) Close() error {
	return c.db.Close()
}
