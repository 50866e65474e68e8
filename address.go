package prontokv

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultDelimiter separates address segments unless the caller
	// configures another delimiter.
	DefaultDelimiter = "."

	// ContextMarker introduces the context suffix on the final segment.
	// It is fixed and independent of the active delimiter.
	ContextMarker = "__"
)

// ErrTooManyParts is returned (wrapped in a ParseError) when an address
// has more than three delimited segments.
var ErrTooManyParts = errors.New("too many address segments")

// Defaults supplies the project and namespace used when an address omits
// them. These come from the resolved cursor, never from a literal baked
// into the parser.
type Defaults struct {
	Project   string
	Namespace string
}

// Address identifies a stored value. Context is optional; an absent
// context is represented by the empty string, so two Address values are
// equal exactly when they compare equal with ==.
type Address struct {
	Project   string
	Namespace string
	Key       string
	Context   string
}

// ParseError reports a malformed address string.
type ParseError struct {
	Raw    string
	Reason string
	err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing address %q: %s", e.Raw, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.err }

// ValidationError reports an address segment that contains the active
// delimiter.
type ValidationError struct {
	Field     string
	Value     string
	Delimiter string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s must not be empty", e.Field)
	}
	return fmt.Sprintf("%s %q must not contain delimiter %q", e.Field, e.Value, e.Delimiter)
}

// ParseAddress parses a delimited address. One segment is a bare key,
// two segments are namespace.key under the default project, and three
// segments are project.namespace.key. A trailing __context suffix on the
// final segment is extracted before splitting. More than three segments
// is an error.
func ParseAddress(raw, delim string, defaults Defaults) (Address, error) {
	if raw == "" {
		return Address{}, &ParseError{Raw: raw, Reason: "empty address"}
	}
	if delim == "" {
		delim = DefaultDelimiter
	}

	base := raw
	context := ""
	if idx := strings.LastIndex(raw, ContextMarker); idx >= 0 {
		context = raw[idx+len(ContextMarker):]
		if context == "" {
			return Address{}, &ParseError{Raw: raw, Reason: "context suffix \"__\" requires a value"}
		}
		base = raw[:idx]
		if base == "" {
			return Address{}, &ParseError{Raw: raw, Reason: "context suffix \"__\" requires a key"}
		}
	}

	parts := strings.Split(base, delim)
	switch len(parts) {
	case 1:
		if err := requireDefaults(raw, defaults, true, true); err != nil {
			return Address{}, err
		}
		return Address{
			Project:   defaults.Project,
			Namespace: defaults.Namespace,
			Key:       parts[0],
			Context:   context,
		}, nil
	case 2:
		if err := requireDefaults(raw, defaults, true, false); err != nil {
			return Address{}, err
		}
		return Address{
			Project:   defaults.Project,
			Namespace: parts[0],
			Key:       parts[1],
			Context:   context,
		}, nil
	case 3:
		return Address{
			Project:   parts[0],
			Namespace: parts[1],
			Key:       parts[2],
			Context:   context,
		}, nil
	default:
		return Address{}, &ParseError{
			Raw:    raw,
			Reason: fmt.Sprintf("%d segments, at most 3 allowed", len(parts)),
			err:    ErrTooManyParts,
		}
	}
}

func requireDefaults(raw string, defaults Defaults, needProject, needNamespace bool) error {
	if needProject && defaults.Project == "" {
		return &ParseError{Raw: raw, Reason: "no default project to fill the omitted project segment"}
	}
	if needNamespace && defaults.Namespace == "" {
		return &ParseError{Raw: raw, Reason: "no default namespace to fill the omitted namespace segment"}
	}
	return nil
}

// Validate rejects addresses whose project, namespace or key contain the
// active delimiter. The context is never delimiter-split and is not
// checked.
func (a Address) Validate(delim string) error {
	if delim == "" {
		delim = DefaultDelimiter
	}
	for _, seg := range []struct {
		field string
		value string
	}{
		{"project", a.Project},
		{"namespace", a.Namespace},
		{"key", a.Key},
	} {
		if seg.value == "" {
			return &ValidationError{Field: seg.field, Value: seg.value, Delimiter: delim}
		}
		if strings.Contains(seg.value, delim) {
			return &ValidationError{Field: seg.field, Value: seg.value, Delimiter: delim}
		}
	}
	return nil
}

// String returns the delimiter-joined form, with the context suffix when
// present. This is also the storage key form persisted by the backing
// store.
func (a Address) String(delim string) string {
	if delim == "" {
		delim = DefaultDelimiter
	}
	base := a.Project + delim + a.Namespace + delim + a.Key
	if a.Context != "" {
		return base + ContextMarker + a.Context
	}
	return base
}

// DisplayKey returns the key with the context suffix when present.
func (a Address) DisplayKey() string {
	if a.Context != "" {
		return a.Key + ContextMarker + a.Context
	}
	return a.Key
}
