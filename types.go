package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates a referenced topic, forum, category or member
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an operation was attempted against a topic in
	// an incompatible state, e.g. deleting an already deleted topic.
	ErrConflict = errors.New("conflict")
)

// ConsistencyError reports a broken counter invariant. It is an internal
// failure and must never surface as a validation message.
type ConsistencyError struct {
	Entity  string
	Counter string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s.%s would go negative", e.Entity, e.Counter)
}

// StatusType is the lifecycle status of a topic.
type StatusType int

const (
	StatusPublished StatusType = iota
	StatusDeleted
)

func (s StatusType) String() string {
	switch s {
	case StatusPublished:
		return "published"
	case StatusDeleted:
		return "deleted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Topic is a post that roots a discussion thread within a forum. Deleted
// is terminal: once a topic is deleted no other field may change.
type Topic struct {
	ID           uuid.UUID
	ForumID      uuid.UUID
	MemberID     uuid.UUID
	Title        string
	Slug         string
	Description  string
	Content      string
	Status       StatusType
	Pinned       bool
	Locked       bool
	RepliesCount int
	LastReplyID  uuid.NullUUID
	CreatedAt    time.Time
}

// NewTopic constructs a published topic with zeroed counters.
func NewTopic(forumID, memberID uuid.UUID, title, slug, description, content string) *Topic {
	return &Topic{
		ID:          uuid.New(),
		ForumID:     forumID,
		MemberID:    memberID,
		Title:       title,
		Slug:        slug,
		Description: description,
		Content:     content,
		Status:      StatusPublished,
		CreatedAt:   time.Now().UTC(),
	}
}

func (t *Topic) IsDeleted() bool {
	return t.Status == StatusDeleted
}

// UpdateDetails overwrites the mutable text fields. Counters and
// moderation flags are untouched.
func (t *Topic) UpdateDetails(title, slug, content string) {
	t.Title = title
	t.Slug = slug
	t.Content = content
}

func (t *Topic) Pin(pinned bool) {
	t.Pinned = pinned
}

func (t *Topic) Lock(locked bool) {
	t.Locked = locked
}

func (t *Topic) Delete() {
	t.Status = StatusDeleted
}

// Category groups forums under a site. TopicsCount mirrors the number of
// live topics across all forums in the category.
type Category struct {
	ID          uuid.UUID
	SiteID      uuid.UUID
	Name        string
	SortOrder   int
	TopicsCount int
}

func (c *Category) IncreaseTopicsCount() {
	c.TopicsCount++
}

func (c *Category) DecreaseTopicsCount() error {
	if c.TopicsCount <= 0 {
		return &ConsistencyError{Entity: "category", Counter: "topics_count"}
	}
	c.TopicsCount--
	return nil
}

// Forum owns topics. LastPostID points at the most recently created live
// post in the forum, or is unset when none exist.
type Forum struct {
	ID           uuid.UUID
	CategoryID   uuid.UUID
	Name         string
	Slug         string
	Description  string
	SortOrder    int
	TopicsCount  int
	RepliesCount int
	LastPostID   uuid.NullUUID
}

func (f *Forum) IncreaseTopicsCount() {
	f.TopicsCount++
}

func (f *Forum) DecreaseTopicsCount() error {
	if f.TopicsCount <= 0 {
		return &ConsistencyError{Entity: "forum", Counter: "topics_count"}
	}
	f.TopicsCount--
	return nil
}

func (f *Forum) SetLastPost(id uuid.UUID) {
	f.LastPostID = uuid.NullUUID{UUID: id, Valid: true}
}

// Member is a board user, keyed by their tailnet identity.
type Member struct {
	ID           uuid.UUID
	IdentityID   string
	Email        string
	DisplayName  string
	TopicsCount  int
	RepliesCount int
	IsAdmin      bool
	DateJoined   time.Time
}

func (m *Member) IncreaseTopicsCount() {
	m.TopicsCount++
}

func (m *Member) DecreaseTopicsCount() error {
	if m.TopicsCount <= 0 {
		return &ConsistencyError{Entity: "member", Counter: "topics_count"}
	}
	m.TopicsCount--
	return nil
}
