package cursor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func TestSetGet(t *testing.T) {
	m := newTestManager(t)

	rec := Record{
		Database:         "/data/work.db",
		DefaultProject:   "acme",
		DefaultNamespace: "config",
		MetaContext:      "org1",
	}
	require.NoError(t, m.Set("work", "alice", rec))

	got, err := m.Get("work", "alice")
	require.NoError(t, err)
	require.Equal(t, "work", got.Name)
	require.Equal(t, "alice", got.User)
	require.Equal(t, "/data/work.db", got.Database)
	require.Equal(t, "acme", got.DefaultProject)
	require.Equal(t, "org1", got.MetaContext)
	require.NotEmpty(t, got.CreatedAt)
}

func TestGetMissing(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Get("nope", "alice")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetRequiresDatabase(t *testing.T) {
	m := newTestManager(t)
	require.Error(t, m.Set("work", "alice", Record{}))
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "work", false},
		{"with dash", "work-db", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"contains dot", "a.b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidName)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestUserNamingPolicy(t *testing.T) {
	m := newTestManager(t)

	// A user with path components must not escape the cursor directory.
	for _, user := range []string{"../escape", "a/b", "a.b"} {
		_, err := m.Get("work", user)
		require.ErrorIs(t, err, ErrInvalidName)

		_, err = m.Delete("work", user)
		require.ErrorIs(t, err, ErrInvalidName)

		_, err = m.List(user)
		require.ErrorIs(t, err, ErrInvalidName)
	}

	// The empty user means DefaultUser.
	require.NoError(t, m.Set("work", DefaultUser, Record{Database: "/d.db"}))
	rec, err := m.Get("work", "")
	require.NoError(t, err)
	require.Equal(t, "/d.db", rec.Database)
}

func TestUsersAreIsolated(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set("work", "alice", Record{Database: "/a.db"}))
	require.NoError(t, m.Set("work", "bob", Record{Database: "/b.db"}))
	require.NoError(t, m.Set("work", DefaultUser, Record{Database: "/d.db"}))

	alice, err := m.Get("work", "alice")
	require.NoError(t, err)
	require.Equal(t, "/a.db", alice.Database)

	bob, err := m.Get("work", "bob")
	require.NoError(t, err)
	require.Equal(t, "/b.db", bob.Database)

	def, err := m.Get("work", DefaultUser)
	require.NoError(t, err)
	require.Equal(t, "/d.db", def.Database)
}

func TestListScopedToUser(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set("work", "alice", Record{Database: "/a.db"}))
	require.NoError(t, m.Set("home", "alice", Record{Database: "/h.db"}))
	require.NoError(t, m.Set("work", "bob", Record{Database: "/b.db"}))
	require.NoError(t, m.Set("shared", DefaultUser, Record{Database: "/s.db"}))

	alice, err := m.List("alice")
	require.NoError(t, err)
	require.Len(t, alice, 2)
	require.Contains(t, alice, "work")
	require.Contains(t, alice, "home")

	def, err := m.List(DefaultUser)
	require.NoError(t, err)
	require.Len(t, def, 1)
	require.Contains(t, def, "shared")
}

func TestDelete(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set("work", "alice", Record{Database: "/a.db"}))

	existed, err := m.Delete("work", "alice")
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = m.Delete("work", "alice")
	require.NoError(t, err)
	require.False(t, existed)

	_, err = m.Get("work", "alice")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResetUser(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set("work", "alice", Record{Database: "/a.db"}))
	require.NoError(t, m.Set("home", "alice", Record{Database: "/h.db"}))
	require.NoError(t, m.Set("work", "bob", Record{Database: "/b.db"}))

	removed, err := m.ResetUser("alice")
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, err = m.Get("work", "bob")
	require.NoError(t, err)
}

func TestResetAll(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set("work", "alice", Record{Database: "/a.db"}))
	require.NoError(t, m.Set("work", "bob", Record{Database: "/b.db"}))
	require.NoError(t, m.Set("work", DefaultUser, Record{Database: "/d.db"}))

	removed, err := m.ResetAll()
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	cursors, err := m.List(DefaultUser)
	require.NoError(t, err)
	require.Empty(t, cursors)
}

func TestLegacyBarePathDocument(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	// Older versions stored only the database path.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.cursor"), []byte("/legacy/path.db\n"), 0o644))

	rec, err := m.Get("old", DefaultUser)
	require.NoError(t, err)
	require.Equal(t, "/legacy/path.db", rec.Database)
	require.Empty(t, rec.DefaultProject)
	require.Empty(t, rec.MetaContext)
}

func TestSetOverwritesAtomically(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set("work", "alice", Record{Database: "/one.db"}))
	require.NoError(t, m.Set("work", "alice", Record{Database: "/two.db"}))

	rec, err := m.Get("work", "alice")
	require.NoError(t, err)
	require.Equal(t, "/two.db", rec.Database)

	// No temp files left behind.
	entries, err := os.ReadDir(m.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
