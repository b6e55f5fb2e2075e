package keystore

import (
	"errors"
	"time"
)

// Sentinel errors reported by persistence backends.
var (
	// ErrDuplicate is returned when inserting a key ID that already exists.
	ErrDuplicate = errors.New("key id already exists")
	// ErrBadShape is returned when a record does not carry exactly the
	// field set the backend was configured for.
	ErrBadShape = errors.New("record has wrong field set")
	// ErrUnprintable is returned when a record value contains control or
	// other non-printable characters.
	ErrUnprintable = errors.New("record value is not printable")
	// ErrExpiryOutOfRange is returned when a record expiry does not parse
	// as an ISO-8601 calendar date or lies outside the allowed window.
	ErrExpiryOutOfRange = errors.New("record expiry out of range")
	// ErrNotFound is returned when a requested key ID does not exist.
	ErrNotFound = errors.New("key not found")
	// ErrCorrupt is returned when the stored key set violates its own
	// structural guarantees (e.g. the same key ID appears twice).
	ErrCorrupt = errors.New("key set corrupt")
	// ErrEmpty is returned when a random pick is requested from an empty
	// key set.
	ErrEmpty = errors.New("key set is empty")
)

// SkipRest can be returned from an Items callback to stop iteration early
// without reporting an error.
var SkipRest = errors.New("skip remaining items")

// DateLayout is the calendar-date layout used for the exp field.
const DateLayout = "2006-01-02"

// Record is one JWK-shaped key record. Every value is a string: JWK
// parameters are base64url, alg is the JWA name, exp is an ISO-8601
// calendar date.
type Record map[string]string

// Clone returns an independent copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Expiry parses the record's exp field as a calendar date.
func (r Record) Expiry() (time.Time, error) {
	return time.Parse(DateLayout, r["exp"])
}

// Descriptor identifies a key without carrying its material. Safe to log.
type Descriptor struct {
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Exp string `json:"exp"`
}

// Backend is durable storage for a kid -> record map. Inserts and removals
// are queued in memory and applied atomically by Flush.
type Backend interface {
	// Set queues the insert of a new record under kid. The record is
	// validated for shape, printability, and expiry window.
	Set(kid string, rec Record) error

	// Remove queues the deletion of the given key IDs.
	Remove(kids []string)

	// EvictExpired queues the deletion of every record whose expiry is
	// before limit and returns descriptors of the evicted keys.
	EvictExpired(limit time.Time) ([]Descriptor, error)

	// Flush applies all queued inserts and removals. On success the
	// queues are empty.
	Flush() error

	// Items streams committed records, projected to the requested fields
	// (nil means all fields). The callback may return SkipRest to stop.
	Items(fields []string, fn func(kid string, rec Record) error) error

	// KeyIDs streams committed key IDs.
	KeyIDs(fn func(kid string) error) error

	// Get returns a copy of the committed record for kid.
	Get(kid string) (Record, error)

	// RandomPick returns one committed record chosen uniformly at random.
	RandomPick() (string, Record, error)

	// Pending reports the number of queued, unflushed operations.
	Pending() int

	// IsFull reports whether the pending queue has reached the flush
	// threshold.
	IsFull() bool
}
