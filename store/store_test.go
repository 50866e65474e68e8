package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prontolabs/prontokv"
	"github.com/prontolabs/prontokv/backend"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()

	db, err := backend.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	data, err := db.Bucket("data")
	require.NoError(t, err)
	namespaces, err := db.Bucket("namespaces")
	require.NoError(t, err)

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s, err := New(data, namespaces, WithNow(clock.now))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s, clock
}

func addr(project, namespace, key string) prontokv.Address {
	return prontokv.Address{Project: project, Namespace: namespace, Key: key}
}

func TestPutGetStandard(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	a := addr("acme", "config", "api_key")
	require.NoError(t, s.Put(ctx, a, []byte("secret"), 0))

	entry, err := s.Get(ctx, a, false)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), entry.Value)
	require.Equal(t, "api_key", entry.Key)
	require.False(t, entry.Expired)
	require.Zero(t, entry.TTL)
}

func TestPutTTLOverrideOnStandardNamespace(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	a := addr("acme", "config", "key")
	err := s.Put(ctx, a, []byte("v"), time.Minute)
	require.ErrorIs(t, err, ErrTTLNotAllowed)

	// The failed write must leave nothing behind.
	_, err = s.Get(ctx, a, false)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestTTLEntryExpires(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	require.NoError(t, s.DeclareTTLNamespace(ctx, "acme", "cache", time.Minute))

	a := addr("acme", "cache", "token")
	require.NoError(t, s.Put(ctx, a, []byte("v"), 0))

	entry, err := s.Get(ctx, a, false)
	require.NoError(t, err)
	require.Equal(t, time.Minute, entry.TTL)

	clock.advance(time.Minute + time.Second)

	_, err = s.Get(ctx, a, false)
	require.ErrorIs(t, err, backend.ErrNotFound)

	// The expired entry was physically evicted, so even a read that asks
	// for expired entries finds nothing.
	_, err = s.Get(ctx, a, true)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestGetIncludeExpiredDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	require.NoError(t, s.DeclareTTLNamespace(ctx, "acme", "cache", time.Minute))
	a := addr("acme", "cache", "token")
	require.NoError(t, s.Put(ctx, a, []byte("stale"), 0))

	clock.advance(2 * time.Minute)

	entry, err := s.Get(ctx, a, true)
	require.NoError(t, err)
	require.True(t, entry.Expired)
	require.Equal(t, []byte("stale"), entry.Value)

	// Still there for another expired read.
	entry, err = s.Get(ctx, a, true)
	require.NoError(t, err)
	require.True(t, entry.Expired)

	// A normal read evicts it.
	_, err = s.Get(ctx, a, false)
	require.ErrorIs(t, err, backend.ErrNotFound)
	_, err = s.Get(ctx, a, true)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestPutTTLOverrideInTTLNamespace(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	require.NoError(t, s.DeclareTTLNamespace(ctx, "acme", "cache", time.Hour))
	a := addr("acme", "cache", "short")
	require.NoError(t, s.Put(ctx, a, []byte("v"), time.Minute))

	clock.advance(2 * time.Minute)

	_, err := s.Get(ctx, a, false)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestDeleteStandard(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	a := addr("acme", "config", "key")
	require.NoError(t, s.Put(ctx, a, []byte("v"), 0))
	require.NoError(t, s.Delete(ctx, a))
	require.ErrorIs(t, s.Delete(ctx, a), backend.ErrNotFound)
}

func TestDeleteExpiredReportsNotFound(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	require.NoError(t, s.DeclareTTLNamespace(ctx, "acme", "cache", time.Minute))
	a := addr("acme", "cache", "token")
	require.NoError(t, s.Put(ctx, a, []byte("v"), 0))

	clock.advance(2 * time.Minute)

	require.ErrorIs(t, s.Delete(ctx, a), backend.ErrNotFound)
	_, err := s.Get(ctx, a, true)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestScanExcludesAndEvictsExpired(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	require.NoError(t, s.DeclareTTLNamespace(ctx, "acme", "cache", time.Minute))
	require.NoError(t, s.Put(ctx, addr("acme", "cache", "old"), []byte("1"), 0))

	clock.advance(2 * time.Minute)
	require.NoError(t, s.Put(ctx, addr("acme", "cache", "fresh"), []byte("2"), 0))

	keys, err := s.Keys(ctx, "acme", "cache", "")
	require.NoError(t, err)
	require.Equal(t, []string{"fresh"}, keys)

	// The walk evicted the stale entry.
	_, err = s.Get(ctx, addr("acme", "cache", "old"), true)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestScanKeyPrefix(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.Put(ctx, addr("acme", "config", "db_host"), []byte("h"), 0))
	require.NoError(t, s.Put(ctx, addr("acme", "config", "db_port"), []byte("p"), 0))
	require.NoError(t, s.Put(ctx, addr("acme", "config", "timeout"), []byte("t"), 0))

	entries, err := s.Scan(ctx, "acme", "config", "db_")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "db_host", entries[0].Key)
	require.Equal(t, "db_port", entries[1].Key)
}

func TestContextKeysAreDistinct(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	base := addr("acme", "config", "key")
	prod := prontokv.Address{Project: "acme", Namespace: "config", Key: "key", Context: "prod"}

	require.NoError(t, s.Put(ctx, base, []byte("plain"), 0))
	require.NoError(t, s.Put(ctx, prod, []byte("prod"), 0))

	entry, err := s.Get(ctx, base, false)
	require.NoError(t, err)
	require.Equal(t, []byte("plain"), entry.Value)

	entry, err = s.Get(ctx, prod, false)
	require.NoError(t, err)
	require.Equal(t, []byte("prod"), entry.Value)
	require.Equal(t, "key__prod", entry.Key)
}

func TestDeclareTTLNamespaceValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.Error(t, s.DeclareTTLNamespace(ctx, "acme", "cache", 0))
	require.Error(t, s.DeclareTTLNamespace(ctx, "acme", "cache", -time.Minute))
}

func TestDeclareTTLNamespacePreservesCreation(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	require.NoError(t, s.DeclareTTLNamespace(ctx, "acme", "cache", time.Minute))
	first, err := s.Descriptor(ctx, "acme", "cache")
	require.NoError(t, err)

	clock.advance(time.Hour)
	require.NoError(t, s.DeclareTTLNamespace(ctx, "acme", "cache", time.Hour))

	second, err := s.Descriptor(ctx, "acme", "cache")
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, int64(3600), second.DefaultTTLSeconds)
}

func TestDescriptorDefaultsToStandard(t *testing.T) {
	s, _ := newTestStore(t)

	desc, err := s.Descriptor(context.Background(), "acme", "anything")
	require.NoError(t, err)
	require.Equal(t, KindStandard, desc.Kind)
}

func TestRedeclareChangesSubsequentWritesOnly(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	require.NoError(t, s.DeclareTTLNamespace(ctx, "acme", "cache", time.Hour))
	require.NoError(t, s.Put(ctx, addr("acme", "cache", "old"), []byte("v"), 0))

	require.NoError(t, s.DeclareTTLNamespace(ctx, "acme", "cache", time.Minute))
	require.NoError(t, s.Put(ctx, addr("acme", "cache", "new"), []byte("v"), 0))

	clock.advance(2 * time.Minute)

	// The earlier entry keeps its stamped hour-long TTL.
	_, err := s.Get(ctx, addr("acme", "cache", "old"), false)
	require.NoError(t, err)
	_, err = s.Get(ctx, addr("acme", "cache", "new"), false)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestProjectsAndNamespaces(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.Put(ctx, addr("acme", "config", "a"), []byte("1"), 0))
	require.NoError(t, s.Put(ctx, addr("acme", "secrets", "b"), []byte("2"), 0))
	require.NoError(t, s.Put(ctx, addr("beta", "config", "c"), []byte("3"), 0))

	projects, err := s.Projects(ctx, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"acme", "beta"}, projects)

	namespaces, err := s.Namespaces(ctx, "acme")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"config", "secrets"}, namespaces)
}

func TestLargeValueRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	// Large and highly compressible, so the codec compresses it.
	value := bytes.Repeat([]byte("prontokv "), 4096)
	a := addr("acme", "blobs", "big")
	require.NoError(t, s.Put(ctx, a, value, 0))

	entry, err := s.Get(ctx, a, false)
	require.NoError(t, err)
	require.True(t, bytes.Equal(value, entry.Value))
}

func TestErrorsAreClassifiable(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Get(ctx, addr("a", "b", "missing"), false)
	require.True(t, errors.Is(err, backend.ErrNotFound))
}
