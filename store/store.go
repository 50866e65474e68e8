// Package store layers TTL namespaces over a backing key-value store.
//
// Entries in namespaces declared TTL-enabled carry creation time and a
// time-to-live. Expiry is purely a function of wall-clock time and has no
// physical effect until the next get, scan or delete touches the entry,
// at which point it is evicted and reported as not found.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prontolabs/prontokv"
	"github.com/prontolabs/prontokv/backend"
	"github.com/prontolabs/prontokv/telemetry"
)

// ErrTTLNotAllowed is returned when a per-write TTL override targets a
// namespace that has not been declared TTL-enabled.
var ErrTTLNotAllowed = errors.New("ttl override not allowed on standard namespace")

// Entry is a decoded stored entry. Expired is set only by reads with
// IncludeExpired; expired entries are otherwise reported as not found.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	TTL       time.Duration
	Expired   bool
}

// Store is the TTL namespace layer.
type Store struct {
	data       backend.Store
	namespaces backend.Store
	codec      *codec
	delim      string
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithDelimiter sets the address delimiter used to build storage keys.
func WithDelimiter(delim string) Option {
	return func(s *Store) {
		s.delim = delim
	}
}

// New creates a Store over a data key space and a namespace-descriptor
// key space.
func New(data, namespaces backend.Store, opts ...Option) (*Store, error) {
	s := &Store{
		data:       data,
		namespaces: namespaces,
		delim:      prontokv.DefaultDelimiter,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	s.codec = c
	return s, nil
}

// Close releases codec resources.
func (s *Store) Close() {
	if s.codec != nil {
		s.codec.close()
		s.codec = nil
	}
}

// Delimiter returns the active address delimiter.
func (s *Store) Delimiter() string { return s.delim }

// DeclareTTLNamespace declares (project, namespace) TTL-enabled with the
// given default TTL. Re-declaration is an upsert: a changed default takes
// effect for subsequently written entries only.
func (s *Store) DeclareTTLNamespace(ctx context.Context, project, namespace string, defaultTTL time.Duration) error {
	if defaultTTL <= 0 {
		return fmt.Errorf("default ttl must be positive, got %s", defaultTTL)
	}

	key := descriptorKey(project, namespace)

	// Preserve the original creation time on re-declaration.
	createdAt := s.now().Unix()
	if existing, err := s.descriptor(ctx, project, namespace); err == nil {
		createdAt = existing.CreatedAt
	}

	desc := NamespaceDescriptor{
		Project:           project,
		Namespace:         namespace,
		Kind:              KindTTL,
		DefaultTTLSeconds: int64(defaultTTL / time.Second),
		CreatedAt:         createdAt,
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encoding namespace descriptor: %w", err)
	}
	if err := s.namespaces.Put(ctx, key, data); err != nil {
		return fmt.Errorf("writing namespace descriptor: %w", err)
	}

	s.logger.Debug("declared ttl namespace",
		"project", project,
		"namespace", namespace,
		"default_ttl", defaultTTL,
	)
	return nil
}

// Descriptor returns the descriptor for (project, namespace). A pair with
// no stored descriptor is Standard.
func (s *Store) Descriptor(ctx context.Context, project, namespace string) (NamespaceDescriptor, error) {
	desc, err := s.descriptor(ctx, project, namespace)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return NamespaceDescriptor{Project: project, Namespace: namespace, Kind: KindStandard}, nil
		}
		return NamespaceDescriptor{}, err
	}
	return desc, nil
}

func (s *Store) descriptor(ctx context.Context, project, namespace string) (NamespaceDescriptor, error) {
	data, err := s.namespaces.Get(ctx, descriptorKey(project, namespace))
	if err != nil {
		return NamespaceDescriptor{}, err
	}
	var desc NamespaceDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return NamespaceDescriptor{}, fmt.Errorf("decoding namespace descriptor: %w", err)
	}
	return desc, nil
}

// Put stores value at addr. In a TTL namespace the effective TTL is
// ttlOverride when positive, else the namespace default, and the entry is
// stamped with the current time. A positive ttlOverride against a
// Standard namespace is ErrTTLNotAllowed; nothing is written.
func (s *Store) Put(ctx context.Context, addr prontokv.Address, value []byte, ttlOverride time.Duration) error {
	desc, err := s.Descriptor(ctx, addr.Project, addr.Namespace)
	if err != nil {
		return err
	}

	env := entryEnvelope{}
	switch desc.Kind {
	case KindTTL:
		ttl := desc.DefaultTTLSeconds
		if ttlOverride > 0 {
			ttl = int64(ttlOverride / time.Second)
		}
		env.CreatedAt = s.now().Unix()
		env.TTLSeconds = ttl
	default:
		if ttlOverride > 0 {
			return fmt.Errorf("namespace %s%s%s: %w", addr.Project, s.delim, addr.Namespace, ErrTTLNotAllowed)
		}
	}

	env.Value, env.Encoding = s.codec.encode(value)

	data, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	if err := s.data.Put(ctx, addr.String(s.delim), data); err != nil {
		return fmt.Errorf("writing %s: %w", addr.String(s.delim), err)
	}
	return nil
}

// Get retrieves the entry at addr. An expired entry is evicted and
// reported as backend.ErrNotFound unless includeExpired is set, in which
// case the value is returned without eviction and flagged Expired.
func (s *Store) Get(ctx context.Context, addr prontokv.Address, includeExpired bool) (*Entry, error) {
	key := addr.String(s.delim)
	raw, err := s.data.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var env entryEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding entry %s: %w", key, err)
	}

	if !env.liveAt(s.now().Unix()) {
		if !includeExpired {
			s.evict(ctx, addr.Project, addr.Namespace, key)
			return nil, backend.ErrNotFound
		}
		value, err := s.codec.decode(env.Value, env.Encoding)
		if err != nil {
			return nil, err
		}
		return s.entryFrom(addr, value, &env, true), nil
	}

	value, err := s.codec.decode(env.Value, env.Encoding)
	if err != nil {
		return nil, err
	}
	return s.entryFrom(addr, value, &env, false), nil
}

// Delete removes the entry at addr. Deleting an absent or already-expired
// entry evicts any remains and reports backend.ErrNotFound.
func (s *Store) Delete(ctx context.Context, addr prontokv.Address) error {
	key := addr.String(s.delim)
	raw, err := s.data.Get(ctx, key)
	if err != nil {
		return err
	}

	var env entryEnvelope
	expired := false
	if err := json.Unmarshal(raw, &env); err == nil {
		expired = !env.liveAt(s.now().Unix())
	}

	if err := s.data.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	if expired {
		// The entry was already dead; the caller sees the same outcome
		// as for a key that never existed.
		telemetry.RecordEviction(ctx, addr.Project, addr.Namespace)
		return backend.ErrNotFound
	}
	return nil
}

// Keys returns the live keys in (project, namespace) with the given key
// prefix. Expired entries encountered during the walk are evicted.
func (s *Store) Keys(ctx context.Context, project, namespace, keyPrefix string) ([]string, error) {
	entries, err := s.Scan(ctx, project, namespace, keyPrefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys, nil
}

// Scan returns the live entries in (project, namespace) with the given
// key prefix, in key order. Expired entries encountered during the walk
// are evicted and excluded.
func (s *Store) Scan(ctx context.Context, project, namespace, keyPrefix string) ([]Entry, error) {
	prefix := project + s.delim + namespace + s.delim + keyPrefix
	raw, err := s.data.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}

	nsPrefix := project + s.delim + namespace + s.delim
	now := s.now().Unix()
	var entries []Entry
	for _, item := range raw {
		var env entryEnvelope
		if err := json.Unmarshal(item.Value, &env); err != nil {
			return nil, fmt.Errorf("decoding entry %s: %w", item.Key, err)
		}
		if !env.liveAt(now) {
			s.evict(ctx, project, namespace, item.Key)
			continue
		}
		value, err := s.codec.decode(env.Value, env.Encoding)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Key:       strings.TrimPrefix(item.Key, nsPrefix),
			Value:     value,
			CreatedAt: createdAt(&env),
			TTL:       time.Duration(env.TTLSeconds) * time.Second,
		})
	}
	return entries, nil
}

// Projects returns the distinct first address segments stored under the
// given storage-key prefix (empty for the whole store). Expired entries
// are evicted during the walk and do not contribute.
func (s *Store) Projects(ctx context.Context, under string) ([]string, error) {
	return s.distinctSegments(ctx, under)
}

// Namespaces returns the distinct namespaces stored under the given
// project storage prefix (the project segment, meta-transformed by the
// caller when applicable).
func (s *Store) Namespaces(ctx context.Context, projectStorage string) ([]string, error) {
	return s.distinctSegments(ctx, projectStorage+s.delim)
}

func (s *Store) distinctSegments(ctx context.Context, under string) ([]string, error) {
	raw, err := s.data.Scan(ctx, under)
	if err != nil {
		return nil, err
	}

	now := s.now().Unix()
	seen := make(map[string]struct{})
	var out []string
	for _, item := range raw {
		var env entryEnvelope
		if err := json.Unmarshal(item.Value, &env); err != nil {
			continue
		}
		if !env.liveAt(now) {
			s.evictKey(ctx, item.Key)
			continue
		}
		rest := strings.TrimPrefix(item.Key, under)
		seg, _, found := strings.Cut(rest, s.delim)
		if !found || seg == "" {
			continue
		}
		if _, ok := seen[seg]; ok {
			continue
		}
		seen[seg] = struct{}{}
		out = append(out, seg)
	}
	return out, nil
}

func (s *Store) entryFrom(addr prontokv.Address, value []byte, env *entryEnvelope, expired bool) *Entry {
	return &Entry{
		Key:       addr.DisplayKey(),
		Value:     value,
		CreatedAt: createdAt(env),
		TTL:       time.Duration(env.TTLSeconds) * time.Second,
		Expired:   expired,
	}
}

func (s *Store) evict(ctx context.Context, project, namespace, key string) {
	if err := s.data.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to evict expired entry", "key", key, "error", err)
		return
	}
	telemetry.RecordEviction(ctx, project, namespace)
	s.logger.Debug("evicted expired entry", "key", key)
}

func (s *Store) evictKey(ctx context.Context, key string) {
	project, rest, _ := strings.Cut(key, s.delim)
	namespace, _, _ := strings.Cut(rest, s.delim)
	s.evict(ctx, project, namespace, key)
}

func createdAt(env *entryEnvelope) time.Time {
	if env.CreatedAt == 0 {
		return time.Time{}
	}
	return time.Unix(env.CreatedAt, 0)
}

// descriptorKey joins project and namespace with a NUL so the pair can
// never collide with another pair whose segments contain the delimiter.
func descriptorKey(project, namespace string) string {
	return project + "\x00" + namespace
}
