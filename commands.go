package main

import "github.com/google/uuid"

// Commands for the topic lifecycle. Each maps to one atomic operation on
// TopicService. A zero CreateTopic.ID means "generate one".

type CreateTopic struct {
	ID          uuid.UUID
	ForumID     uuid.UUID
	SiteID      uuid.UUID
	MemberID    uuid.UUID
	Title       string
	Slug        string
	Description string
	Content     string
	Status      StatusType
}

type UpdateTopic struct {
	ID      uuid.UUID
	ForumID uuid.UUID
	SiteID  uuid.UUID
	Title   string
	Slug    string
	Content string
}

type PinTopic struct {
	ID      uuid.UUID
	ForumID uuid.UUID
	SiteID  uuid.UUID
	Pinned  bool
}

type LockTopic struct {
	ID      uuid.UUID
	ForumID uuid.UUID
	SiteID  uuid.UUID
	Locked  bool
}

type DeleteTopic struct {
	ID      uuid.UUID
	ForumID uuid.UUID
	SiteID  uuid.UUID
}
