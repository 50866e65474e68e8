// Package cursor manages named, per-user indirections to a physical
// database plus default addressing and an optional meta-context.
//
// Each (user, name) pair owns one JSON document on disk. Documents are
// replaced with a temp-file-then-rename so a concurrent reader sees
// either the fully-old or fully-new record, never a partial write.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when the referenced cursor has no record for
// this user. A missing cursor is never silently substituted.
var ErrNotFound = errors.New("cursor not found")

// ErrInvalidName is returned for cursor names or users that violate the
// naming policy.
var ErrInvalidName = errors.New("invalid cursor name")

// DefaultUser is the implicit user when none is supplied.
const DefaultUser = "default"

const fileSuffix = ".cursor"

// Record is the persisted cursor document. Legacy documents holding only
// a bare database path are accepted and treated as having no defaults
// and no meta-context.
type Record struct {
	Name             string `json:"-"`
	User             string `json:"user"`
	Database         string `json:"database_path"`
	DefaultProject   string `json:"default_project,omitempty"`
	DefaultNamespace string `json:"default_namespace,omitempty"`
	MetaContext      string `json:"meta_context,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// Manager reads and writes cursor documents under a single directory.
type Manager struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager rooted at dir, creating it if needed.
func NewManager(dir string, opts ...ManagerOption) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cursor directory: %w", err)
	}
	m := &Manager{
		dir:    dir,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ValidateName rejects empty names, path traversal and names that would
// break the on-disk naming scheme.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.Contains(name, "."):
		return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, ".")
	}
	return nil
}

// validateUser applies the naming policy to a user. The empty user is
// allowed and treated as DefaultUser.
func validateUser(user string) error {
	if user == "" {
		return nil
	}
	if err := ValidateName(user); err != nil {
		return fmt.Errorf("user: %w", err)
	}
	return nil
}

// Set upserts the cursor document for (user, name).
func (m *Manager) Set(name, user string, rec Record) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ValidateName(user); err != nil {
		return fmt.Errorf("user: %w", err)
	}
	if rec.Database == "" {
		return fmt.Errorf("cursor %q: database path required", name)
	}

	rec.Name = name
	rec.User = user
	if rec.CreatedAt == "" {
		rec.CreatedAt = m.now().UTC().Format(time.RFC3339)
	}

	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cursor %q: %w", name, err)
	}
	if err := m.writeAtomic(m.path(name, user), data); err != nil {
		return fmt.Errorf("writing cursor %q: %w", name, err)
	}

	m.logger.Debug("set cursor", "name", name, "user", user, "database", rec.Database)
	return nil
}

// Get returns the cursor document for (user, name).
func (m *Manager) Get(name, user string) (*Record, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := validateUser(user); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(m.path(name, user))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("cursor %q for user %q: %w", name, user, ErrNotFound)
		}
		return nil, fmt.Errorf("reading cursor %q: %w", name, err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decoding cursor %q: %w", name, err)
	}
	rec.Name = name
	if rec.User == "" {
		rec.User = user
	}
	return rec, nil
}

// List returns all cursor documents belonging to user, keyed by name.
// Unreadable documents are skipped.
func (m *Manager) List(user string) (map[string]*Record, error) {
	if err := validateUser(user); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Record{}, nil
		}
		return nil, fmt.Errorf("listing cursors: %w", err)
	}

	out := make(map[string]*Record)
	suffix := m.userSuffix(user)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		filename := entry.Name()
		if !strings.HasSuffix(filename, suffix) {
			continue
		}
		name := strings.TrimSuffix(filename, suffix)
		if name == "" || strings.Contains(name, ".") {
			// Another user's file, e.g. "work.alice.cursor" seen while
			// listing the default user.
			continue
		}
		rec, err := m.Get(name, user)
		if err != nil {
			m.logger.Warn("skipping unreadable cursor", "file", filename, "error", err)
			continue
		}
		out[name] = rec
	}
	return out, nil
}

// Delete removes the cursor document for (user, name). It reports
// whether a document existed.
func (m *Manager) Delete(name, user string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	if err := validateUser(user); err != nil {
		return false, err
	}
	err := os.Remove(m.path(name, user))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("deleting cursor %q: %w", name, err)
	}
	m.logger.Debug("deleted cursor", "name", name, "user", user)
	return true, nil
}

// ResetUser deletes all cursor documents belonging to user and returns
// the number removed.
func (m *Manager) ResetUser(user string) (int, error) {
	cursors, err := m.List(user)
	if err != nil {
		return 0, err
	}
	removed := 0
	for name := range cursors {
		ok, err := m.Delete(name, user)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// ResetAll deletes every cursor document for every user and returns the
// number removed.
func (m *Manager) ResetAll() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("listing cursors: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("deleting %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// path returns the document path for (user, name). The default user gets
// bare names; other users get a user suffix, so two users' cursors of
// the same name never alias.
func (m *Manager) path(name, user string) string {
	return filepath.Join(m.dir, name+m.userSuffix(user))
}

func (m *Manager) userSuffix(user string) string {
	if user == "" || user == DefaultUser {
		return fileSuffix
	}
	return "." + user + fileSuffix
}

// decodeRecord parses a cursor document, accepting the legacy format of
// a bare database path with no JSON structure.
func decodeRecord(data []byte) (*Record, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("empty cursor document")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return &Record{Database: trimmed}, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Database == "" {
		return nil, errors.New("cursor document missing database_path")
	}
	return &rec, nil
}

// writeAtomic replaces path with data using a temp file and rename.
func (m *Manager) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(m.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}
