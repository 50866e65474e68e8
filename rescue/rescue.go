// Package rescue prevents loss of piped input when a write targets an
// invalid address.
//
// Content is captured from the input stream exactly once, before the
// primary write is attempted; a stream source is single-pass, and
// re-reading after a failed write would silently lose everything. On
// failure the captured bytes are parked in a short-lived TTL namespace
// under a synthesized, collision-resistant key, for the caller to promote
// to a real address or let expire.
package rescue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prontolabs/prontokv"
	"github.com/prontolabs/prontokv/store"
)

// ErrInputTooLarge is returned when piped input exceeds the capture
// bound. The bound prevents unbounded-memory growth from oversized
// input; nothing is cached beyond it.
var ErrInputTooLarge = errors.New("piped input too large")

const (
	// Project and Namespace locate the rescue cache. The namespace is
	// always TTL-enabled.
	Project   = "pipe"
	Namespace = "cache"

	// DefaultTTL is the rescue entry lifetime.
	DefaultTTL = 15 * time.Minute

	// DefaultMaxBytes bounds a single capture.
	DefaultMaxBytes = 64 * 1024 * 1024
)

// Capture buffers up to max bytes from r. Input longer than max is
// ErrInputTooLarge; r is never read past max+1 bytes and never read
// again.
func Capture(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("reading piped input: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrInputTooLarge, max)
	}
	return data, nil
}

// Cache parks captured content in the pipe.cache TTL namespace.
type Cache struct {
	store    *store.Store
	ttl      time.Duration
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the rescue entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithMaxBytes sets the capture bound.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a Cache over the given store.
func New(s *store.Store, opts ...Option) *Cache {
	c := &Cache{
		store:    s,
		ttl:      DefaultTTL,
		maxBytes: DefaultMaxBytes,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxBytes returns the capture bound.
func (c *Cache) MaxBytes() int64 { return c.maxBytes }

// Rescue stores content under a synthesized key and returns the full
// cache address. The key embeds a high-resolution timestamp, the full
// content fingerprint and a sanitized form of the attempted address; a
// truncated fingerprint would make entries enumerable by key guessing.
func (c *Cache) Rescue(ctx context.Context, content []byte, attempted string) (string, error) {
	if int64(len(content)) > c.maxBytes {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrInputTooLarge, len(content), c.maxBytes)
	}

	// Idempotent; also repairs a store where the namespace was lost.
	if err := c.store.DeclareTTLNamespace(ctx, Project, Namespace, c.ttl); err != nil {
		return "", fmt.Errorf("declaring rescue namespace: %w", err)
	}

	fp := prontokv.FingerprintBytes(content)
	key := fmt.Sprintf("%d_%s_%s", c.now().UnixNano(), fp.String(), sanitize(attempted, c.store.Delimiter()))
	addr := prontokv.Address{Project: Project, Namespace: Namespace, Key: key}

	if err := c.store.Put(ctx, addr, content, 0); err != nil {
		return "", fmt.Errorf("caching rescued content: %w", err)
	}

	cacheKey := addr.String(c.store.Delimiter())
	c.logger.Info("rescued piped content",
		"cache_key", cacheKey,
		"attempted", attempted,
		"size", len(content),
		"fingerprint", fp.Short(),
		"ttl", c.ttl,
	)
	return cacheKey, nil
}

// Hint returns the human-readable recovery instruction for a cache key.
func Hint(cacheKey string) string {
	return fmt.Sprintf("recover with: prontokv copy %s <project.namespace.key>", cacheKey)
}

// IsCacheKey reports whether key addresses the rescue namespace.
func IsCacheKey(key, delim string) bool {
	if delim == "" {
		delim = prontokv.DefaultDelimiter
	}
	return strings.HasPrefix(key, Project+delim+Namespace+delim)
}

// sanitize flattens an attempted address into a single key-safe token.
// Runs of replaced characters collapse so the result can never contain
// the context marker "__".
func sanitize(s, delim string) string {
	replace := func(r rune) rune {
		switch r {
		case '.', '/', ':', ' ', '\t', '\n':
			return '_'
		}
		if string(r) == delim {
			return '_'
		}
		return r
	}
	out := strings.Map(replace, s)
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}
