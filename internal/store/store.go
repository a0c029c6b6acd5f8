// Package store layers CRUD, serialization and activity tracking over a
// URL trie, with a pluggable backing (in-memory or database).
package store

import (
	"errors"
	"time"

	"github.com/chp-go/chp/internal/pathutil"
)

// ErrNoTarget is returned when route data has no usable "target" field.
var ErrNoTarget = errors.New("store: route data has no \"target\" string")

// Data is a route's JSON-serializable payload. It always carries "target"
// once stored through Store.Add, and "last_activity", which Add stamps and
// Touch refreshes.
type Data map[string]any

const (
	keyTarget       = "target"
	keyLastActivity = "last_activity"
)

// Target returns the route's backend target URL.
func (d Data) Target() (string, bool) {
	v, ok := d[keyTarget].(string)
	return v, ok
}

// LastActivity returns the route's last-activity timestamp, if set.
func (d Data) LastActivity() (time.Time, bool) {
	v, ok := d[keyLastActivity].(time.Time)
	return v, ok
}

// clone makes a shallow copy so mutations never alias a snapshot handed to
// a concurrent reader.
func (d Data) clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// merge applies patch on top of a clone of d and returns the result.
func (d Data) merge(patch Data) Data {
	out := d.clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// withLastActivity returns a clone of d with last_activity set to t.
func (d Data) withLastActivity(t time.Time) Data {
	return d.merge(Data{keyLastActivity: t})
}

// TargetMatch is the result of a longest-prefix-match lookup.
type TargetMatch struct {
	Prefix string
	Data   Data
}

// Store is the backend-agnostic routing table contract.
type Store interface {
	// Add canonicalizes path, stamps last_activity, and inserts/overwrites.
	Add(path string, data Data) error
	// Update merges patch into the existing route; a no-op if absent.
	Update(path string, patch Data)
	// Remove deletes the exact path, returning the removed data if any.
	Remove(path string) (Data, bool)
	// Get performs an exact-match lookup.
	Get(path string) (Data, bool)
	// GetTarget performs a longest-prefix-match lookup.
	GetTarget(path string) (TargetMatch, bool)
	// GetAll returns a full snapshot of path -> data.
	GetAll() map[string]Data
	// Touch sets last_activity to now for path.
	Touch(path string)
	// Close releases any resources held by the backend (no-op for memory).
	Close() error
}

func canonical(path string) string { return pathutil.Canonical(path) }
