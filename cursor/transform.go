package cursor

import (
	"github.com/prontolabs/prontokv"
)

// Transform rewrites addresses between their user-visible form and the
// stored, meta-prefixed form. The meta-context becomes a prefix on the
// project segment, joined by the same delimiter the user sees: a fourth
// address layer collapsed into the project slot for storage purposes.
//
// When a meta-context is set there is no fallback to the untransformed
// address: a cursor under meta-context A must never observe data written
// without a meta-context or under meta-context B, even on the same
// physical store. A miss at the meta-prefixed key is a genuine miss.
type Transform struct {
	MetaContext string
	Delimiter   string
}

func (t Transform) delim() string {
	if t.Delimiter == "" {
		return prontokv.DefaultDelimiter
	}
	return t.Delimiter
}

// IsIdentity reports whether the transform leaves addresses unchanged.
func (t Transform) IsIdentity() bool { return t.MetaContext == "" }

// ToStorage returns the stored form of addr.
func (t Transform) ToStorage(addr prontokv.Address) prontokv.Address {
	if t.MetaContext == "" {
		return addr
	}
	addr.Project = t.MetaContext + t.delim() + addr.Project
	return addr
}

// ToDisplay returns the user-visible form of a stored address. Addresses
// without the meta prefix are returned unchanged.
func (t Transform) ToDisplay(addr prontokv.Address) prontokv.Address {
	if t.MetaContext == "" {
		return addr
	}
	prefix := t.MetaContext + t.delim()
	if len(addr.Project) > len(prefix) && addr.Project[:len(prefix)] == prefix {
		addr.Project = addr.Project[len(prefix):]
	}
	return addr
}

// StoragePrefix returns the storage-key prefix contributed by the
// meta-context ("" for the identity transform).
func (t Transform) StoragePrefix() string {
	if t.MetaContext == "" {
		return ""
	}
	return t.MetaContext + t.delim()
}
