package domain

import (
	"time"

	"github.com/totegamma/minisocial"
)

// Query describes a live or one-shot view of a collection: records under
// Path, optionally narrowed to one Key and to records whose top-level
// fields equal Equals, ordered by timestamp, keeping the Limit most recent
// (0 keeps everything).
type Query struct {
	Path    string
	Key     string
	OrderBy string
	Limit   int
	Equals  map[string]any
}

// Window is what a backend emits for a live query: the current records in
// ascending timestamp order, or an error. A backend closes its channel
// after emitting an error window.
type Window struct {
	Records []minisocial.Record
	Err     error
}

// Snapshot is what a subscriber receives: either the full current list,
// newest first, or the error that interrupted the subscription.
type Snapshot struct {
	Path    string
	Records []minisocial.Record
	Err     error
	At      time.Time
}

func (s Snapshot) OK() bool {
	return s.Err == nil
}

// ChangeEvent is published whenever a record under Path is written.
type ChangeEvent struct {
	Path string   `json:"path"`
	ID   string   `json:"id"`
	Op   ChangeOp `json:"op"`
	At   int64    `json:"at"`
}
