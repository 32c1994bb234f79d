package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IsTerminal reports whether a status permits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Job is one row of the generation queue. The id doubles as the idempotency
// key; the prediction id correlates provider webhook deliveries back to it.
type Job struct {
	ID                 uuid.UUID
	UserID             sql.NullString
	SubjectImageURL    string
	GarmentAssetURL    string
	BackgroundAssetURL string
	GarmentID          string
	Status             string
	PredictionID       sql.NullString
	ResultImageURL     sql.NullString
	ErrorMessage       sql.NullString
	CreatedAt          time.Time
	StartedAt          sql.NullTime
	CompletedAt        sql.NullTime
}

// JobEvent is the wire form of a queue row change, as emitted by the
// generation_queue notify trigger and consumed by status subscribers.
type JobEvent struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	ResultImageURL *string `json:"result_image_url"`
	ErrorMessage   *string `json:"error_message"`
}

// GenerationLogEntry mirrors a job's terminal fields into the denormalized
// generations table used for reporting. It carries no authority over job
// state and tolerates upsert races.
type GenerationLogEntry struct {
	ID               uuid.UUID
	ExternalUserID   string
	GarmentID        string
	Status           string
	ErrorMessage     string
	ProcessingTimeMS int64
}

// RateCounter is one fixed-window counter per user per action.
type RateCounter struct {
	UserID      string
	Action      string
	Count       int
	WindowStart time.Time
}
