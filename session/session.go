// Package session wires cursor resolution, the TTL store and the rescue
// cache into one handle serving a single resolved context.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prontolabs/prontokv"
	"github.com/prontolabs/prontokv/backend"
	"github.com/prontolabs/prontokv/cursor"
	"github.com/prontolabs/prontokv/rescue"
	"github.com/prontolabs/prontokv/store"
)

const (
	dataBucket      = "data"
	namespaceBucket = "namespaces"
)

// Options selects the context a Session operates in. Database, when set,
// bypasses cursor resolution entirely; Cursor names a specific cursor and
// fails hard when it does not exist.
type Options struct {
	User         string
	Cursor       string
	Database     string
	MetaOverride string
	Delimiter    string

	CursorDir       string
	DefaultDatabase string

	RetryPolicy  backend.RetryPolicy
	Logger       *slog.Logger
	Now          func() time.Time
	MaxPipeBytes int64
}

// RescuedError reports a failed piped write whose input was parked in
// the rescue cache. Unwrap returns the original failure, so callers
// classify the outcome by the underlying error, not by the rescue.
type RescuedError struct {
	CacheKey string
	Hint     string
	Err      error
}

func (e *RescuedError) Error() string {
	return fmt.Sprintf("%v (input cached at %s)", e.Err, e.CacheKey)
}

func (e *RescuedError) Unwrap() error { return e.Err }

// Session is an open store bound to one resolved cursor context.
type Session struct {
	db        *backend.BoltDB
	store     *store.Store
	rescue    *rescue.Cache
	defaults  prontokv.Defaults
	transform cursor.Transform
	delim     string
	logger    *slog.Logger
}

// Open resolves the context described by opts and opens the backing
// store for it.
func Open(opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delim := opts.Delimiter
	if delim == "" {
		delim = prontokv.DefaultDelimiter
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	cctx, err := resolveContext(opts, delim)
	if err != nil {
		return nil, err
	}
	if opts.MetaOverride != "" {
		cctx.Transform = cursor.Transform{MetaContext: opts.MetaOverride, Delimiter: delim}
	}

	retry := opts.RetryPolicy
	if retry.MaxAttempts == 0 {
		retry = backend.DefaultRetryPolicy()
	}
	db, err := backend.Open(cctx.Database,
		backend.WithLogger(logger),
		backend.WithRetryPolicy(retry),
	)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cctx.Database, err)
	}

	data, err := db.Bucket(dataBucket)
	if err != nil {
		db.Close()
		return nil, err
	}
	namespaces, err := db.Bucket(namespaceBucket)
	if err != nil {
		db.Close()
		return nil, err
	}

	st, err := store.New(
		backend.NewInstrumentedStore(data, dataBucket),
		backend.NewInstrumentedStore(namespaces, namespaceBucket),
		store.WithLogger(logger),
		store.WithNow(now),
		store.WithDelimiter(delim),
	)
	if err != nil {
		db.Close()
		return nil, err
	}

	rescueOpts := []rescue.Option{
		rescue.WithLogger(logger),
		rescue.WithNow(now),
	}
	if opts.MaxPipeBytes > 0 {
		rescueOpts = append(rescueOpts, rescue.WithMaxBytes(opts.MaxPipeBytes))
	}

	return &Session{
		db:        db,
		store:     st,
		rescue:    rescue.New(st, rescueOpts...),
		defaults:  cctx.Defaults,
		transform: cctx.Transform,
		delim:     delim,
		logger:    logger,
	}, nil
}

func resolveContext(opts Options, delim string) (cursor.Context, error) {
	if opts.Database != "" {
		return cursor.Context{
			Database:  opts.Database,
			Defaults:  prontokv.Defaults{Project: "default", Namespace: "default"},
			Transform: cursor.Transform{Delimiter: delim},
		}, nil
	}

	manager, err := cursor.NewManager(opts.CursorDir)
	if err != nil {
		return cursor.Context{}, err
	}
	resolver := cursor.NewResolver(manager, opts.DefaultDatabase, delim)
	return resolver.Resolve(opts.User, opts.Cursor)
}

// Close releases the store and the underlying database.
func (s *Session) Close() error {
	s.store.Close()
	return s.db.Close()
}

// Defaults returns the cursor defaults active in this session.
func (s *Session) Defaults() prontokv.Defaults { return s.defaults }

// MaxPipeBytes returns the piped-input capture bound.
func (s *Session) MaxPipeBytes() int64 { return s.rescue.MaxBytes() }

// Set writes value at the address parsed from raw. When piped is set,
// any failure parks the value in the rescue cache and the returned error
// is a RescuedError wrapping the original failure; the original error is
// returned unmasked if the rescue itself fails.
func (s *Session) Set(ctx context.Context, raw string, value []byte, piped bool, ttlOverride time.Duration) error {
	err := s.put(ctx, raw, value, ttlOverride)
	if err == nil || !piped {
		return err
	}

	cacheKey, rescueErr := s.rescue.Rescue(ctx, value, raw)
	if rescueErr != nil {
		s.logger.Error("rescue failed, piped input lost",
			"attempted", raw, "error", rescueErr, "original_error", err)
		return err
	}
	return &RescuedError{
		CacheKey: cacheKey,
		Hint:     rescue.Hint(cacheKey),
		Err:      err,
	}
}

func (s *Session) put(ctx context.Context, raw string, value []byte, ttlOverride time.Duration) error {
	addr, err := s.parse(raw)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, s.transform.ToStorage(addr), value, ttlOverride)
}

// Get reads the entry at the address parsed from raw. With
// includeExpired, an expired entry is returned flagged instead of
// evicted.
func (s *Session) Get(ctx context.Context, raw string, includeExpired bool) (*store.Entry, error) {
	addr, err := s.parse(raw)
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, s.transform.ToStorage(addr), includeExpired)
}

// Delete removes the entry at the address parsed from raw.
func (s *Session) Delete(ctx context.Context, raw string) error {
	addr, err := s.parse(raw)
	if err != nil {
		return err
	}
	return s.store.Delete(ctx, s.transform.ToStorage(addr))
}

// Keys lists live keys under a scope given as project, project.namespace
// or project.namespace.prefix.
func (s *Session) Keys(ctx context.Context, scope string) ([]string, error) {
	project, namespace, prefix, err := s.parseScope(scope)
	if err != nil {
		return nil, err
	}
	return s.store.Keys(ctx, project, namespace, prefix)
}

// Scan lists live entries under a scope, decoded values included.
func (s *Session) Scan(ctx context.Context, scope string) ([]store.Entry, error) {
	project, namespace, prefix, err := s.parseScope(scope)
	if err != nil {
		return nil, err
	}
	return s.store.Scan(ctx, project, namespace, prefix)
}

// Projects lists the distinct projects visible to this session's
// meta-context.
func (s *Session) Projects(ctx context.Context) ([]string, error) {
	return s.store.Projects(ctx, s.transform.StoragePrefix())
}

// Namespaces lists the distinct namespaces under project.
func (s *Session) Namespaces(ctx context.Context, project string) ([]string, error) {
	if project == "" {
		project = s.defaults.Project
	}
	storage := s.transform.ToStorage(prontokv.Address{Project: project}).Project
	return s.store.Namespaces(ctx, storage)
}

// CreateCache declares a TTL namespace. target is "namespace" (under the
// default project) or "project.namespace".
func (s *Session) CreateCache(ctx context.Context, target string, defaultTTL time.Duration) error {
	project, namespace, rest, err := splitScope(target, s.delim)
	if err != nil {
		return err
	}
	if rest != "" {
		return fmt.Errorf("cache namespace %q: want namespace or project%snamespace", target, s.delim)
	}
	if namespace == "" {
		namespace = project
		project = s.defaults.Project
	}
	storage := s.transform.ToStorage(prontokv.Address{Project: project}).Project
	return s.store.DeclareTTLNamespace(ctx, storage, namespace, defaultTTL)
}

// Copy promotes a rescue-cache entry to dest and removes it from the
// cache on success. cacheKey may be the full pipe.cache address or the
// bare synthesized key.
func (s *Session) Copy(ctx context.Context, cacheKey, dest string) error {
	key := cacheKey
	if rescue.IsCacheKey(key, s.delim) {
		key = key[len(rescue.Project+s.delim+rescue.Namespace+s.delim):]
	}
	// The synthesized key is built directly; it contains underscores that
	// must not be re-parsed as a context marker.
	src := prontokv.Address{Project: rescue.Project, Namespace: rescue.Namespace, Key: key}

	entry, err := s.store.Get(ctx, src, false)
	if err != nil {
		return fmt.Errorf("reading cache entry %s: %w", cacheKey, err)
	}
	if err := s.put(ctx, dest, entry.Value, 0); err != nil {
		return fmt.Errorf("promoting cache entry to %s: %w", dest, err)
	}
	if err := s.store.Delete(ctx, src); err != nil && !errors.Is(err, backend.ErrNotFound) {
		s.logger.Warn("promoted entry left in cache", "cache_key", cacheKey, "error", err)
	}
	return nil
}

func (s *Session) parse(raw string) (prontokv.Address, error) {
	addr, err := prontokv.ParseAddress(raw, s.delim, s.defaults)
	if err != nil {
		return prontokv.Address{}, err
	}
	if err := addr.Validate(s.delim); err != nil {
		return prontokv.Address{}, err
	}
	return addr, nil
}

// parseScope reads a discovery scope left to right: the first segment is
// the project, then namespace, then key prefix. A bare namespace scope
// is expressed through the cursor's default project.
func (s *Session) parseScope(scope string) (project, namespace, prefix string, err error) {
	if scope == "" {
		return "", "", "", fmt.Errorf("empty scope")
	}
	project, namespace, prefix, err = splitScope(scope, s.delim)
	if err != nil {
		return "", "", "", err
	}
	if namespace == "" {
		namespace = s.defaults.Namespace
	}
	project = s.transform.ToStorage(prontokv.Address{Project: project}).Project
	return project, namespace, prefix, nil
}

func splitScope(scope, delim string) (first, second, rest string, err error) {
	parts := strings.Split(scope, delim)
	for _, p := range parts {
		if p == "" {
			return "", "", "", fmt.Errorf("scope %q: empty segment", scope)
		}
	}
	switch len(parts) {
	case 1:
		return parts[0], "", "", nil
	case 2:
		return parts[0], parts[1], "", nil
	case 3:
		return parts[0], parts[1], parts[2], nil
	default:
		return "", "", "", fmt.Errorf("scope %q: %w", scope, prontokv.ErrTooManyParts)
	}
}
