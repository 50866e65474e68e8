// Command prontokv is a file-backed hierarchical key-value store with
// per-user cursors, TTL namespaces and piped-input rescue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/prontolabs/prontokv/backend"
	"github.com/prontolabs/prontokv/cursor"
	"github.com/prontolabs/prontokv/rescue"
	"github.com/prontolabs/prontokv/session"
)

const (
	exitOK       = 0
	exitError    = 1
	exitNotFound = 2
)

type Globals struct {
	Cursor    string `help:"Cursor name to resolve the database through." short:"c"`
	User      string `help:"User owning the cursor." default:"default" short:"u"`
	Database  string `help:"Database path, bypassing cursor resolution." env:"PRONTOKV_DB" short:"d"`
	Meta      string `help:"Meta-context override for this invocation."`
	Delimiter string `help:"Address delimiter." default:"." name:"ns-delim"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"warn" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json"`
}

type cli struct {
	Globals

	Set         setCmd         `cmd:"" help:"Write a value at project.namespace.key."`
	Get         getCmd         `cmd:"" help:"Read the value at an address."`
	Del         delCmd         `cmd:"" help:"Delete the entry at an address."`
	Keys        keysCmd        `cmd:"" help:"List keys under a scope."`
	Scan        scanCmd        `cmd:"" help:"List entries with values under a scope."`
	Projects    projectsCmd    `cmd:"" help:"List projects."`
	Namespaces  namespacesCmd  `cmd:"" help:"List namespaces under a project."`
	CreateCache createCacheCmd `cmd:"" name:"create-cache" help:"Declare a TTL namespace."`
	Copy        copyCmd        `cmd:"" help:"Promote a rescued cache entry to a real address."`
	Cursors     cursorCmd      `cmd:"" name:"cursor" help:"Manage cursors."`
	Admin       adminCmd       `cmd:"" help:"Administrative operations."`
}

// app carries the per-invocation state commands run against.
type app struct {
	Globals
	logger *slog.Logger
	stdin  *os.File
}

func (g *Globals) session(logger *slog.Logger) (*session.Session, error) {
	dataDir := defaultDataDir()
	return session.Open(session.Options{
		User:            g.User,
		Cursor:          g.Cursor,
		Database:        g.Database,
		MetaOverride:    g.Meta,
		Delimiter:       g.Delimiter,
		CursorDir:       filepath.Join(dataDir, "cursors"),
		DefaultDatabase: filepath.Join(dataDir, "pronto.db"),
		Logger:          logger,
	})
}

func defaultDataDir() string {
	if dir := os.Getenv("PRONTOKV_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".prontokv"
	}
	return filepath.Join(home, ".local", "share", "prontokv")
}

type setCmd struct {
	Address string        `arg:"" help:"Target address."`
	Value   string        `arg:"" optional:"" help:"Value to store; omitted when piping stdin."`
	TTL     time.Duration `help:"Per-write TTL override, TTL namespaces only."`
}

func (c *setCmd) Run(a *app) error {
	sess, err := a.session(a.logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	value := []byte(c.Value)
	piped := false
	if c.Value == "" && stdinIsPiped(a.stdin) {
		value, err = rescue.Capture(a.stdin, sess.MaxPipeBytes())
		if err != nil {
			return err
		}
		piped = true
	}

	err = sess.Set(context.Background(), c.Address, value, piped, c.TTL)
	var rescued *session.RescuedError
	if errors.As(err, &rescued) {
		fmt.Fprintf(os.Stderr, "set %s failed: %v\n", c.Address, rescued.Err)
		fmt.Fprintf(os.Stderr, "piped input cached at %s\n%s\n", rescued.CacheKey, rescued.Hint)
	}
	return err
}

type getCmd struct {
	Address        string `arg:"" help:"Address to read."`
	IncludeExpired bool   `help:"Return an expired entry instead of evicting it."`
}

func (c *getCmd) Run(a *app) error {
	sess, err := a.session(a.logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	entry, err := sess.Get(context.Background(), c.Address, c.IncludeExpired)
	if err != nil {
		return err
	}
	if entry.Expired {
		fmt.Fprintln(os.Stderr, "warning: entry is expired")
	}
	os.Stdout.Write(entry.Value)
	return nil
}

type delCmd struct {
	Address string `arg:"" help:"Address to delete."`
}

func (c *delCmd) Run(a *app) error {
	sess, err := a.session(a.logger)
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Delete(context.Background(), c.Address)
}

type keysCmd struct {
	Scope string `arg:"" help:"project, project.namespace or project.namespace.prefix."`
}

func (c *keysCmd) Run(a *app) error {
	sess, err := a.session(a.logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	keys, err := sess.Keys(context.Background(), c.Scope)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

type scanCmd struct {
	Scope string `arg:"" help:"project, project.namespace or project.namespace.prefix."`
}

func (c *scanCmd) Run(a *app) error {
	sess, err := a.session(a.logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	entries, err := sess.Scan(context.Background(), c.Scope)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\n", e.Key, e.Value)
	}
	return nil
}

type projectsCmd struct{}

func (c *projectsCmd) Run(a *app) error {
	sess, err := a.session(a.logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	projects, err := sess.Projects(context.Background())
	if err != nil {
		return err
	}
	for _, p := range projects {
		fmt.Println(p)
	}
	return nil
}

type namespacesCmd struct {
	Project string `arg:"" optional:"" help:"Project to list; defaults to the cursor's project."`
}

func (c *namespacesCmd) Run(a *app) error {
	sess, err := a.session(a.logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	namespaces, err := sess.Namespaces(context.Background(), c.Project)
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		fmt.Println(ns)
	}
	return nil
}

type createCacheCmd struct {
	Namespace string        `arg:"" help:"namespace or project.namespace."`
	TTL       time.Duration `help:"Default TTL for entries." default:"15m"`
}

func (c *createCacheCmd) Run(a *app) error {
	sess, err := a.session(a.logger)
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.CreateCache(context.Background(), c.Namespace, c.TTL)
}

type copyCmd struct {
	CacheKey string `arg:"" help:"Rescue cache key, full address or bare key."`
	Dest     string `arg:"" help:"Destination address."`
}

func (c *copyCmd) Run(a *app) error {
	sess, err := a.session(a.logger)
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Copy(context.Background(), c.CacheKey, c.Dest)
}

type cursorCmd struct {
	Set    cursorSetCmd    `cmd:"" help:"Create or update a cursor."`
	List   cursorListCmd   `cmd:"" help:"List cursors for the user."`
	Delete cursorDeleteCmd `cmd:"" help:"Delete a cursor."`
}

type cursorSetCmd struct {
	Name      string `arg:"" help:"Cursor name."`
	Database  string `arg:"" help:"Database path this cursor points at."`
	Project   string `help:"Default project." name:"project"`
	Namespace string `help:"Default namespace." name:"namespace"`
	Meta      string `help:"Meta-context for isolation." name:"meta-context"`
}

func (c *cursorSetCmd) Run(a *app) error {
	manager, err := cursor.NewManager(filepath.Join(defaultDataDir(), "cursors"), cursor.WithLogger(a.logger))
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(c.Database)
	if err != nil {
		return fmt.Errorf("resolving database path: %w", err)
	}
	return manager.Set(c.Name, a.User, cursor.Record{
		Database:         abs,
		DefaultProject:   c.Project,
		DefaultNamespace: c.Namespace,
		MetaContext:      c.Meta,
	})
}

type cursorListCmd struct{}

func (c *cursorListCmd) Run(a *app) error {
	manager, err := cursor.NewManager(filepath.Join(defaultDataDir(), "cursors"), cursor.WithLogger(a.logger))
	if err != nil {
		return err
	}
	cursors, err := manager.List(a.User)
	if err != nil {
		return err
	}
	for name, rec := range cursors {
		line := fmt.Sprintf("%s\t%s", name, rec.Database)
		if rec.MetaContext != "" {
			line += "\tmeta=" + rec.MetaContext
		}
		fmt.Println(line)
	}
	return nil
}

type cursorDeleteCmd struct {
	Name string `arg:"" help:"Cursor name."`
}

func (c *cursorDeleteCmd) Run(a *app) error {
	manager, err := cursor.NewManager(filepath.Join(defaultDataDir(), "cursors"), cursor.WithLogger(a.logger))
	if err != nil {
		return err
	}
	existed, err := manager.Delete(c.Name, a.User)
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("cursor %q for user %q: %w", c.Name, a.User, cursor.ErrNotFound)
	}
	return nil
}

type adminCmd struct {
	ResetCursors adminResetCursorsCmd `cmd:"" name:"reset-cursors" help:"Delete cursors for the user, or every user with --all."`
}

type adminResetCursorsCmd struct {
	All bool `help:"Reset cursors for every user."`
}

func (c *adminResetCursorsCmd) Run(a *app) error {
	manager, err := cursor.NewManager(filepath.Join(defaultDataDir(), "cursors"), cursor.WithLogger(a.logger))
	if err != nil {
		return err
	}
	var removed int
	if c.All {
		removed, err = manager.ResetAll()
	} else {
		removed, err = manager.ResetUser(a.User)
	}
	if err != nil {
		return err
	}
	fmt.Printf("removed %d cursor(s)\n", removed)
	return nil
}

func stdinIsPiped(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice == 0
}

func newLogger(g Globals) *slog.Logger {
	var level slog.Level
	switch g.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	}
	return slog.New(handler).With("invocation_id", uuid.NewString())
}

func main() {
	_ = godotenv.Load()

	var c cli
	ctx := kong.Parse(&c,
		kong.Name("prontokv"),
		kong.Description("File-backed hierarchical key-value store with cursors and TTL namespaces."),
		kong.UsageOnError(),
	)

	a := &app{
		Globals: c.Globals,
		logger:  newLogger(c.Globals),
		stdin:   os.Stdin,
	}

	err := ctx.Run(a)
	switch {
	case err == nil:
		os.Exit(exitOK)
	case errors.Is(err, backend.ErrNotFound):
		os.Exit(exitNotFound)
	default:
		var rescued *session.RescuedError
		if !errors.As(err, &rescued) {
			// Rescued failures were already reported with the recovery hint.
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(exitError)
	}
}
