package backend

import (
	"context"
	"errors"
	"time"

	"github.com/prontolabs/prontokv/telemetry"
)

// InstrumentedStore wraps a Store with metrics recording.
type InstrumentedStore struct {
	store Store
	name  string
}

// NewInstrumentedStore creates an instrumented wrapper. The name labels
// the bucket in recorded metrics.
func NewInstrumentedStore(s Store, name string) *InstrumentedStore {
	return &InstrumentedStore{store: s, name: name}
}

func (is *InstrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := is.store.Get(ctx, key)
	telemetry.RecordStoreOp(ctx, is.name, "get", outcomeFromError(err), time.Since(start), int64(len(data)))
	return data, err
}

func (is *InstrumentedStore) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := is.store.Put(ctx, key, value)
	telemetry.RecordStoreOp(ctx, is.name, "put", outcomeFromError(err), time.Since(start), int64(len(value)))
	return err
}

func (is *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := is.store.Delete(ctx, key)
	telemetry.RecordStoreOp(ctx, is.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	start := time.Now()
	entries, err := is.store.Scan(ctx, prefix)
	telemetry.RecordStoreOp(ctx, is.name, "scan", outcomeFromError(err), time.Since(start), 0)
	return entries, err
}

func (is *InstrumentedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := is.store.Keys(ctx, prefix)
	telemetry.RecordStoreOp(ctx, is.name, "keys", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Unwrap returns the underlying store.
func (is *InstrumentedStore) Unwrap() Store {
	return is.store
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrContention):
		return "contention"
	default:
		return "error"
	}
}

// Compile-time interface check
var _ Store = (*InstrumentedStore)(nil)
