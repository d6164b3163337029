package models

import (
	"time"

	"github.com/google/uuid"
)

// ProcessStatus is the lifecycle state of a video job.
type ProcessStatus string

const (
	StatusQueued     ProcessStatus = "queued"
	StatusProcessing ProcessStatus = "processing"
	StatusReady      ProcessStatus = "ready"
	StatusFailed     ProcessStatus = "failed"
)

// Terminal reports whether no automatic transition may leave s.
func (s ProcessStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Valid reports whether s is one of the known states.
func (s ProcessStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// VideoJob is one uploaded clip awaiting or having undergone processing.
// ReadyURL is set only while ProcessStatus is ready; ErrorMessage only while
// it is failed.
type VideoJob struct {
	ID            uuid.UUID     `db:"id"             json:"id"`
	OwnerID       uuid.UUID     `db:"owner_id"       json:"owner_id"`
	OriginalURL   string        `db:"original_url"   json:"original_url"`
	TrimStartSec  float64       `db:"trim_start_sec" json:"trim_start_sec"`
	ProcessStatus ProcessStatus `db:"process_status" json:"process_status"`
	ReadyURL      *string       `db:"ready_url"      json:"ready_url,omitempty"`
	ThumbnailURL  *string       `db:"thumbnail_url"  json:"thumbnail_url,omitempty"`
	ErrorMessage  *string       `db:"error_message"  json:"error_message,omitempty"`
	CreatedAt     time.Time     `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"     json:"updated_at"`
}
