// Package prontokv provides the address model and content fingerprints for
// a single-process, file-backed key-value store with hierarchical
// addressing, per-user cursors, meta-namespace tenant isolation, and
// TTL-based namespaces.
//
// Values are identified by delimited addresses of the form
// project.namespace.key with an optional __context suffix on the key.
// Subpackages build the rest of the system on top of this model: backend
// (durable bbolt adapter), store (TTL namespace layer), cursor (per-user
// indirection and meta-namespace transforms), rescue (piped-input rescue
// cache) and session (per-invocation composition).
package prontokv
