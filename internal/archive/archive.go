// Package archive keeps a copy of each successfully provisioned item. The
// queue deletes rows on completion, so this is the only history of what
// was created.
package archive

import (
	"context"
	"encoding/json"
	"time"
)

// Record is what gets archived for one completed item.
type Record struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	RemoteID    string          `json:"remote_id"`
	Attributes  json.RawMessage `json:"attributes"`
	Response    json.RawMessage `json:"response,omitempty"`
	Attempts    int             `json:"attempts"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Archiver stores completion records.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// Noop discards records.
type Noop struct{}

// Archive implements Archiver.
func (Noop) Archive(context.Context, Record) error { return nil }
