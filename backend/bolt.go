package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB is a bbolt-backed database file. Named buckets carve the file
// into independent key spaces; each bucket satisfies Store.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	retry  RetryPolicy
	// lockTimeout bounds each flock attempt against a concurrent process.
	lockTimeout time.Duration
}

// BoltOption configures a BoltDB.
type BoltOption func(*BoltDB)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithRetryPolicy sets the contention retry policy used when opening the
// database file.
func WithRetryPolicy(p RetryPolicy) BoltOption {
	return func(b *BoltDB) {
		b.retry = p
	}
}

// WithLockTimeout sets the per-attempt file lock timeout.
func WithLockTimeout(d time.Duration) BoltOption {
	return func(b *BoltDB) {
		b.lockTimeout = d
	}
}

// Open opens (creating if needed) the database at path. The parent
// directory is created if missing. A concurrent holder of the file lock
// is retried per the retry policy before surfacing ErrContention.
func Open(path string, opts ...BoltOption) (*BoltDB, error) {
	b := &BoltDB{
		logger:      slog.Default(),
		retry:       DefaultRetryPolicy(),
		lockTimeout: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	err := b.retry.Do(context.Background(), func() error {
		db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: b.lockTimeout})
		if err != nil {
			if errors.Is(err, bbolt.ErrTimeout) {
				return fmt.Errorf("database %s locked by another process: %w", path, ErrContention)
			}
			return fmt.Errorf("opening database: %w", err)
		}
		b.db = db
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Debug("opened database", "path", path)
	return b, nil
}

// Close closes the database file.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing database")
	return b.db.Close()
}

// Bucket returns a Store view over the named bucket, creating the bucket
// if it does not exist.
func (b *BoltDB) Bucket(name string) (*Bucket, error) {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket %s: %w", name, err)
	}
	return &Bucket{db: b.db, name: []byte(name)}, nil
}

// Bucket is a Store over a single named bbolt bucket.
type Bucket struct {
	db   *bbolt.DB
	name []byte
}

// Name returns the bucket name.
func (bk *Bucket) Name() string { return string(bk.name) }

// Get retrieves the value at key.
func (bk *Bucket) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := bk.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bk.name)
		if bucket == nil {
			return ErrNotFound
		}
		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

// Put stores value at key.
func (bk *Bucket) Put(_ context.Context, key string, value []byte) error {
	return bk.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bk.name)
		if bucket == nil {
			return fmt.Errorf("bucket %s not found", bk.name)
		}
		if err := bucket.Put([]byte(key), value); err != nil {
			return fmt.Errorf("putting %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes key. Absent keys are ignored.
func (bk *Bucket) Delete(_ context.Context, key string) error {
	return bk.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bk.name)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// Scan returns all entries with the given key prefix in key order.
func (bk *Bucket) Scan(_ context.Context, prefix string) ([]Entry, error) {
	var entries []Entry
	err := bk.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bk.name)
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		p := []byte(prefix)
		for k, v := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = cursor.Next() {
			value := make([]byte, len(v))
			copy(value, v)
			entries = append(entries, Entry{Key: string(k), Value: value})
		}
		return nil
	})
	return entries, err
}

// Keys returns all keys with the given prefix in key order.
func (bk *Bucket) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := bk.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bk.name)
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		p := []byte(prefix)
		for k, _ := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = cursor.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// Compile-time interface check
var _ Store = (*Bucket)(nil)
