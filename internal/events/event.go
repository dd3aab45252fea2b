package events

import "time"

// Event is the envelope every coordination event travels in. Timestamps
// are UTC and serialize as ISO-8601; ProjectID scopes delivery, a
// subscriber only ever sees events from its own project.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ProjectID string    `json:"projectId"`
	Data      any       `json:"data,omitempty"`
}

// New creates an event stamped with the current UTC time.
func New(eventType, projectID string, data any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ProjectID: projectID,
		Data:      data,
	}
}
