package models

import "time"

// ActivityKind classifies internal activity records.
type ActivityKind string

const (
	ActivityAutomation   ActivityKind = "automation"
	ActivityNotification ActivityKind = "notification"
)

// Activity is an internal, append-only activity or audit record.
type Activity struct {
	ID         string         `json:"id"                    db:"id"`
	AccountID  string         `json:"account_id"            db:"account_id"`
	Kind       ActivityKind   `json:"kind"                  db:"kind"`
	EntityType string         `json:"entity_type,omitempty" db:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"   db:"entity_id"`
	Summary    string         `json:"summary"               db:"summary"`
	Details    map[string]any `json:"details,omitempty"     db:"-"`
	CreatedAt  time.Time      `json:"created_at"            db:"created_at"`
}

// Extension is a tenant-registered custom action handled by an external endpoint.
type Extension struct {
	ID         string `json:"id"          db:"id"`
	AccountID  string `json:"account_id"  db:"account_id"`
	Slug       string `json:"slug"        db:"slug"`
	HandlerURL string `json:"handler_url" db:"handler_url"`
	Enabled    bool   `json:"enabled"     db:"enabled"`
}
