package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/Okossum/utilization-sub004/pkg/consolidation"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/versioning"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

type EventType string

const (
	EventTypeIdentityAssigned       EventType = "identity.assigned"
	EventTypeIdentityConflict       EventType = "identity.conflict"
	EventTypeUploadApplied          EventType = "upload.applied"
	EventTypeConsolidationCompleted EventType = "consolidation.completed"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id,omitempty"`
}

// IdentityAssignedEvent is emitted when a record receives its canonical person id.
type IdentityAssignedEvent struct {
	BaseEvent
	Feed     models.Feed `json:"feed"`
	RecordID string      `json:"record_id"`
	Person   string      `json:"person"`
	PersonID string      `json:"person_id"`
}

// IdentityConflictEvent is emitted when a record was offered a different id than it carries.
type IdentityConflictEvent struct {
	BaseEvent
	Feed     models.Feed             `json:"feed"`
	RecordID string                  `json:"record_id"`
	Person   string                  `json:"person"`
	Conflict models.IdentityConflict `json:"conflict"`
}

type UploadAppliedEvent struct {
	BaseEvent
	versioning.Result
}

type ConsolidationCompletedEvent struct {
	BaseEvent
	consolidation.Result
}

func newBaseEvent(eventType EventType, requestID string, now time.Time) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		Timestamp:     now,
		RequestID:     requestID,
	}
}
