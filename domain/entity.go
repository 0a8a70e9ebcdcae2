package domain

import "time"

// EntitySnapshot is the locally mirrored copy of one upstream entity. Fields
// holds the full upstream payload as decoded JSON; the mirror only interprets
// the fields it tracks for history purposes.
type EntitySnapshot struct {
	EntityID     int64          `bson:"entity_id"      json:"entity_id"`
	Partition    string         `bson:"partition"      json:"partition"`
	Fields       map[string]any `bson:"fields"         json:"fields"`
	LastUpdated  time.Time      `bson:"last_updated"   json:"last_updated"`
	NextUpdateAt time.Time      `bson:"next_update_at" json:"next_update_at"`
	UpdateCount  int64          `bson:"update_count"   json:"update_count"`
}

// HistoryEntry records a single tracked-field change detected during an
// upsert. Entries are append-only and never mutated.
type HistoryEntry struct {
	EntityID  int64     `bson:"entity_id"  json:"entity_id"`
	Partition string    `bson:"partition"  json:"partition"`
	ChangedAt time.Time `bson:"changed_at" json:"changed_at"`
	FieldName string    `bson:"field_name" json:"field_name"`
	OldValue  any       `bson:"old_value"  json:"old_value"`
	NewValue  any       `bson:"new_value"  json:"new_value"`
}
