package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the audit event kinds appended by the topic
// lifecycle. The log is append-only: events are never updated or removed.
type EventType string

const (
	EventTopicCreated EventType = "TopicCreated"
	EventTopicUpdated EventType = "TopicUpdated"
	EventTopicPinned  EventType = "TopicPinned"
	EventTopicLocked  EventType = "TopicLocked"
	EventTopicDeleted EventType = "TopicDeleted"
)

// Event is one audit record, keyed by the mutated entity.
type Event struct {
	ID         uuid.UUID
	TargetID   uuid.UUID
	Type       EventType
	OccurredAt time.Time
	Payload    json.RawMessage
}

// NewEvent builds an event with a JSON-encoded payload. Moderation
// actions append an event even when the requested state already held.
func NewEvent(typ EventType, targetID uuid.UUID, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	return Event{
		ID:         uuid.New(),
		TargetID:   targetID,
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Event payloads. Kept small: the event log records what changed, the
// aggregates hold current state.

type topicCreatedPayload struct {
	ForumID  uuid.UUID `json:"forumId"`
	MemberID uuid.UUID `json:"memberId"`
	Title    string    `json:"title"`
	Slug     string    `json:"slug"`
}

type topicUpdatedPayload struct {
	Title string `json:"title"`
	Slug  string `json:"slug"`
}

type topicPinnedPayload struct {
	Pinned bool `json:"pinned"`
}

type topicLockedPayload struct {
	Locked bool `json:"locked"`
}

type topicDeletedPayload struct {
	ForumID uuid.UUID `json:"forumId"`
}
