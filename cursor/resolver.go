package cursor

import (
	"errors"

	"github.com/prontolabs/prontokv"
)

// Context is a resolved cursor: where to open the physical store, which
// defaults fill omitted address segments, and the meta transform to apply
// to every storage key.
type Context struct {
	Database  string
	Defaults  prontokv.Defaults
	Transform Transform
}

// Resolver maps (user, cursor-name) pairs to resolved contexts.
type Resolver struct {
	manager         *Manager
	defaultDatabase string
	delim           string
}

// NewResolver creates a Resolver. defaultDatabase is the fixed fallback
// store used when a user has no cursor; the fallback carries no
// meta-context and is not subject to the isolation rule.
func NewResolver(manager *Manager, defaultDatabase, delim string) *Resolver {
	if delim == "" {
		delim = prontokv.DefaultDelimiter
	}
	return &Resolver{
		manager:         manager,
		defaultDatabase: defaultDatabase,
		delim:           delim,
	}
}

// Resolve produces the context for (user, name). With an explicit name,
// a missing record is ErrNotFound; no other cursor is substituted. With
// an empty name the user's "default" cursor is used if present, else the
// fixed fallback. The fallback covers absence only: a default cursor
// that exists but cannot be read is an error, never a silent redirect to
// another database.
func (r *Resolver) Resolve(user, name string) (Context, error) {
	if user == "" {
		user = DefaultUser
	}

	if name == "" {
		rec, err := r.manager.Get("default", user)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return r.fallback(), nil
			}
			return Context{}, err
		}
		return r.contextFrom(rec), nil
	}

	rec, err := r.manager.Get(name, user)
	if err != nil {
		return Context{}, err
	}
	return r.contextFrom(rec), nil
}

func (r *Resolver) contextFrom(rec *Record) Context {
	defaults := prontokv.Defaults{
		Project:   rec.DefaultProject,
		Namespace: rec.DefaultNamespace,
	}
	if defaults.Project == "" {
		defaults.Project = "default"
	}
	if defaults.Namespace == "" {
		defaults.Namespace = "default"
	}
	return Context{
		Database:  rec.Database,
		Defaults:  defaults,
		Transform: Transform{MetaContext: rec.MetaContext, Delimiter: r.delim},
	}
}

func (r *Resolver) fallback() Context {
	return Context{
		Database:  r.defaultDatabase,
		Defaults:  prontokv.Defaults{Project: "default", Namespace: "default"},
		Transform: Transform{Delimiter: r.delim},
	}
}
