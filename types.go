package eventbox

import (
	"encoding/json"
	"strings"
	"time"
	"unsafe"

	"github.com/google/uuid"
)

type (
	// ID is a single component of an AggregateID
	ID string

	// AggregateID identifies an aggregate as a set of parts ("order", "123")
	AggregateID []ID

	// EventType identifies the kind of domain event that occurred
	EventType string

	// Event is a single immutable entry in an aggregate's history. Sequence
	// is assigned per aggregate, starting at zero, and is contiguous
	Event struct {
		Timestamp   time.Time       `json:"timestamp"`
		EventID     uuid.UUID       `json:"event_id"`
		Type        EventType       `json:"type"`
		AggregateID AggregateID     `json:"aggregate_id"`
		Data        json.RawMessage `json:"data"`
		Metadata    json.RawMessage `json:"metadata,omitempty"`
		Sequence    int64           `json:"sequence"`
	}

	// JoinKeyFunc joins the parts of an AggregateID into a string for use as
	// the identity portion of a storage key
	JoinKeyFunc func(AggregateID) string

	// ParseKeyFunc parses the identity portion of a storage key back into an
	// AggregateID
	ParseKeyFunc func(string) AggregateID
)

func NewAggregateID(parts ...ID) AggregateID {
	return parts
}

// ParseAggregateID splits a string by the separator into an AggregateID
func ParseAggregateID(str, sep string) AggregateID {
	s := strings.Split(str, sep)
	return *(*AggregateID)(unsafe.Pointer(&s))
}

// Join combines the AggregateID parts into a single string using a separator
func (id AggregateID) Join(sep string) string {
	s := *(*[]string)(unsafe.Pointer(&id))
	return strings.Join(s, sep)
}

// Equal compares two AggregateIDs for equality
func (id AggregateID) Equal(other AggregateID) bool {
	if len(id) != len(other) {
		return false
	}
	for i, p := range id {
		if other[i] != p {
			return false
		}
	}
	return true
}

// HasPrefix checks if the AggregateID starts with the provided prefix
func (id AggregateID) HasPrefix(prefix AggregateID) bool {
	if len(prefix) > len(id) {
		return false
	}
	for i, p := range prefix {
		if id[i] != p {
			return false
		}
	}
	return true
}

// JoinKey is the default JoinKeyFunc; it joins AggregateID parts with ":"
func JoinKey(id AggregateID) string {
	return id.Join(":")
}

// ParseKey is the default ParseKeyFunc; it splits on ":" to reconstruct an
// AggregateID
func ParseKey(str string) AggregateID {
	return ParseAggregateID(str, ":")
}

// JoinKeySlotted returns a JoinKeyFunc that wraps the first n ID parts in
// Redis hash slot notation ({...}), ensuring related aggregates land on the
// same cluster slot
func JoinKeySlotted(n int) JoinKeyFunc {
	return func(id AggregateID) string {
		slot := AggregateID(id[:min(n, len(id))]).Join(":")
		if n >= len(id) {
			return "{" + slot + "}"
		}
		remaining := AggregateID(id[n:]).Join(":")
		return "{" + slot + "}:" + remaining
	}
}

// ParseKeySlotted returns a ParseKeyFunc that strips Redis hash slot notation
// added by JoinKeySlotted before reconstructing the AggregateID. The index
// parameter is accepted for symmetry with JoinKeySlotted but is not used.
func ParseKeySlotted(_ int) ParseKeyFunc {
	return func(str string) AggregateID {
		if after, ok := strings.CutPrefix(str, "{"); ok {
			slotKey, remaining, hasRemaining := strings.Cut(after, "}:")
			if hasRemaining {
				str = slotKey + ":" + remaining
			} else {
				str = strings.TrimSuffix(slotKey, "}")
			}
		}
		return ParseAggregateID(str, ":")
	}
}
