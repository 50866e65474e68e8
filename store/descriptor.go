package store

// Kind classifies a namespace. Absence of a descriptor implies Standard.
type Kind string

const (
	// KindStandard namespaces hold entries with no expiry bookkeeping.
	KindStandard Kind = "standard"

	// KindTTL namespaces stamp entries with creation time and a
	// time-to-live, evicted lazily on access.
	KindTTL Kind = "ttl"
)

// NamespaceDescriptor records that a (project, namespace) pair has been
// declared TTL-enabled. Descriptors are created only by an explicit
// cache-creation operation, never by a plain write.
type NamespaceDescriptor struct {
	Project           string `json:"project"`
	Namespace         string `json:"namespace"`
	Kind              Kind   `json:"kind"`
	DefaultTTLSeconds int64  `json:"default_ttl_seconds,omitempty"`
	CreatedAt         int64  `json:"created_at"`
}

// entryEnvelope is the persisted form of a stored entry. CreatedAt and
// TTLSeconds are set only for entries in TTL namespaces.
type entryEnvelope struct {
	Value      []byte `json:"value"`
	Encoding   uint8  `json:"encoding,omitempty"`
	CreatedAt  int64  `json:"created_at,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// liveAt reports whether the entry is still live at the given unix time.
func (e *entryEnvelope) liveAt(now int64) bool {
	if e.TTLSeconds <= 0 {
		return true
	}
	return now < e.CreatedAt+e.TTLSeconds
}
