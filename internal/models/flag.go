package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/raplab/raprunner/internal/database"
)

// Flag is a per-backend operational setting. Recognised ids are "paused",
// "mode", "manual-db-maintenance" and "last-seen-at". A nil value means the
// flag is unset.
type Flag struct {
	ID        string
	Value     *string
	Backend   string
	Timestamp int64
}

func (f *Flag) TableName() string { return "flags" }

func (f *Flag) Columns() []string {
	return []string{"id", "value", "backend", "timestamp"}
}

func (f *Flag) Refs() []any {
	return []any{&f.ID, &f.Value, &f.Backend, &f.Timestamp}
}

func (f *Flag) String() string {
	value := "<unset>"
	if f.Value != nil {
		value = *f.Value
	}
	ts := "never set"
	if f.Timestamp != 0 {
		ts = time.Unix(f.Timestamp, 0).UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("[%s] %s=%s (%s)", f.Backend, f.ID, value, ts)
}

// SavedRapRequest archives the original client request JSON, keyed by RAP
// id. Once jobs are created the request itself is not needed again, but the
// raw data is useful for debugging and for telemetry enrichment (created_by,
// project, orgs).
type SavedRapRequest struct {
	ID       string
	Original json.RawMessage
}

func (s *SavedRapRequest) TableName() string { return "rap_request" }

func (s *SavedRapRequest) Columns() []string { return []string{"id", "original"} }

func (s *SavedRapRequest) Refs() []any {
	return []any{&s.ID, database.JSON(&s.Original)}
}
