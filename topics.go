package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner starts the transaction each lifecycle operation runs in.
// *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TopicService orchestrates the topic lifecycle: create, update, pin,
// lock, delete. Every operation validates first, then mutates the topic
// and its related aggregates (forum, category, member) plus the event
// log inside a single transaction, and invalidates caches only after a
// successful commit.
//
// The service holds no locks of its own; every row an operation will
// write is loaded with a row lock (SELECT ... FOR UPDATE) inside the
// transaction, so concurrent operations on the same topic or the same
// counters serialize in the database, and preconditions are re-checked
// against the locked rows.
type TopicService struct {
	dbconn    TxBeginner
	store     ExtendedStore
	validator TopicValidator
	cache     CacheInvalidator
	logger    *slog.Logger
}

func NewTopicService(dbconn TxBeginner, store ExtendedStore, validator TopicValidator, cache CacheInvalidator, logger *slog.Logger) *TopicService {
	return &TopicService{
		dbconn:    dbconn,
		store:     store,
		validator: validator,
		cache:     cache,
		logger:    logger,
	}
}

// CreateTopic publishes a new topic and bumps the forum, category and
// member topic counters. The returned error is ValidationErrors,
// ErrNotFound, or a storage failure.
func (s *TopicService) CreateTopic(ctx context.Context, cmd CreateTopic) (*Topic, error) {
	start := time.Now()

	failures, err := s.validator.ValidateCreate(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("validate create topic: %w", err)
	}
	if len(failures) > 0 {
		return nil, failures
	}

	tx, err := s.dbconn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create topic: %w", err)
	}
	defer tx.Rollback(ctx)

	st := s.store.WithTx(tx)

	forum, err := st.GetForumForUpdate(ctx, cmd.ForumID)
	if err != nil {
		return nil, err
	}

	category, err := st.GetCategoryForUpdate(ctx, forum.CategoryID)
	if err != nil {
		return nil, err
	}

	member, err := st.GetMemberForUpdate(ctx, cmd.MemberID)
	if err != nil {
		return nil, err
	}

	slug := cmd.Slug
	if slug == "" {
		slug = slugify(cmd.Title)
	}

	topic := NewTopic(forum.ID, member.ID, cmd.Title, slug, cmd.Description, cmd.Content)
	if cmd.ID != uuid.Nil {
		topic.ID = cmd.ID
	}

	if err := st.InsertTopic(ctx, topic); err != nil {
		return nil, fmt.Errorf("insert topic: %w", err)
	}

	forum.IncreaseTopicsCount()
	forum.SetLastPost(topic.ID)
	if err := st.SaveForum(ctx, forum); err != nil {
		return nil, fmt.Errorf("save forum: %w", err)
	}

	category.IncreaseTopicsCount()
	if err := st.SaveCategory(ctx, category); err != nil {
		return nil, fmt.Errorf("save category: %w", err)
	}

	member.IncreaseTopicsCount()
	if err := st.SaveMember(ctx, member); err != nil {
		return nil, fmt.Errorf("save member: %w", err)
	}

	event, err := NewEvent(EventTopicCreated, topic.ID, topicCreatedPayload{
		ForumID:  forum.ID,
		MemberID: member.ID,
		Title:    topic.Title,
		Slug:     topic.Slug,
	})
	if err != nil {
		return nil, err
	}
	if err := st.InsertEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create topic: %w", err)
	}

	// The index fragment is cached under the configured site id, which
	// the handlers copy into the command; the key must match what the
	// read side writes.
	s.cache.Invalidate(ctx, forumTopicsKey(forum.ID), forumIndexKey(cmd.SiteID))

	topicOperationDuration.WithLabelValues("create").Observe(time.Since(start).Seconds())
	s.logger.InfoContext(ctx, "topic created",
		slog.String("topic_id", topic.ID.String()),
		slog.String("forum_id", forum.ID.String()),
		slog.String("member_id", member.ID.String()))

	return topic, nil
}

// UpdateTopic overwrites the mutable text fields of a live topic.
// Counters are untouched, so only the topic's own page goes stale.
func (s *TopicService) UpdateTopic(ctx context.Context, cmd UpdateTopic) error {
	start := time.Now()

	failures, err := s.validator.ValidateUpdate(ctx, cmd)
	if err != nil {
		return fmt.Errorf("validate update topic: %w", err)
	}
	if len(failures) > 0 {
		return failures
	}

	tx, err := s.dbconn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update topic: %w", err)
	}
	defer tx.Rollback(ctx)

	st := s.store.WithTx(tx)

	topic, err := s.loadLiveTopic(ctx, st, cmd.ID, cmd.ForumID)
	if err != nil {
		return err
	}

	slug := cmd.Slug
	if slug == "" {
		slug = slugify(cmd.Title)
	}

	topic.UpdateDetails(cmd.Title, slug, cmd.Content)
	if err := st.SaveTopic(ctx, topic); err != nil {
		return fmt.Errorf("save topic: %w", err)
	}

	event, err := NewEvent(EventTopicUpdated, topic.ID, topicUpdatedPayload{
		Title: topic.Title,
		Slug:  topic.Slug,
	})
	if err != nil {
		return err
	}
	if err := st.InsertEvent(ctx, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update topic: %w", err)
	}

	s.cache.Invalidate(ctx, topicPageKey(topic.ID))

	topicOperationDuration.WithLabelValues("update").Observe(time.Since(start).Seconds())
	s.logger.InfoContext(ctx, "topic updated", slog.String("topic_id", topic.ID.String()))

	return nil
}

// PinTopic sets the pinned flag. Setting the current value again still
// succeeds and still appends an event: every moderation action is
// logged, whether or not state changed.
func (s *TopicService) PinTopic(ctx context.Context, cmd PinTopic) error {
	start := time.Now()

	tx, err := s.dbconn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin pin topic: %w", err)
	}
	defer tx.Rollback(ctx)

	st := s.store.WithTx(tx)

	topic, err := s.loadLiveTopic(ctx, st, cmd.ID, cmd.ForumID)
	if err != nil {
		return err
	}

	topic.Pin(cmd.Pinned)
	if err := st.SaveTopic(ctx, topic); err != nil {
		return fmt.Errorf("save topic: %w", err)
	}

	event, err := NewEvent(EventTopicPinned, topic.ID, topicPinnedPayload{Pinned: cmd.Pinned})
	if err != nil {
		return err
	}
	if err := st.InsertEvent(ctx, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit pin topic: %w", err)
	}

	// Pin order affects the forum listing, not the topic page.
	s.cache.Invalidate(ctx, forumTopicsKey(topic.ForumID))

	topicOperationDuration.WithLabelValues("pin").Observe(time.Since(start).Seconds())
	s.logger.InfoContext(ctx, "topic pinned",
		slog.String("topic_id", topic.ID.String()),
		slog.Bool("pinned", cmd.Pinned))

	return nil
}

// LockTopic sets the locked flag. Locking gates new replies, so only the
// topic's own page goes stale.
func (s *TopicService) LockTopic(ctx context.Context, cmd LockTopic) error {
	start := time.Now()

	tx, err := s.dbconn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin lock topic: %w", err)
	}
	defer tx.Rollback(ctx)

	st := s.store.WithTx(tx)

	topic, err := s.loadLiveTopic(ctx, st, cmd.ID, cmd.ForumID)
	if err != nil {
		return err
	}

	topic.Lock(cmd.Locked)
	if err := st.SaveTopic(ctx, topic); err != nil {
		return fmt.Errorf("save topic: %w", err)
	}

	event, err := NewEvent(EventTopicLocked, topic.ID, topicLockedPayload{Locked: cmd.Locked})
	if err != nil {
		return err
	}
	if err := st.InsertEvent(ctx, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit lock topic: %w", err)
	}

	s.cache.Invalidate(ctx, topicPageKey(topic.ID))

	topicOperationDuration.WithLabelValues("lock").Observe(time.Since(start).Seconds())
	s.logger.InfoContext(ctx, "topic locked",
		slog.String("topic_id", topic.ID.String()),
		slog.Bool("locked", cmd.Locked))

	return nil
}

// DeleteTopic marks a live topic deleted and decrements the forum,
// category and member topic counters. Deleting an already deleted topic
// is ErrConflict so that every delete transition is logged exactly once.
func (s *TopicService) DeleteTopic(ctx context.Context, cmd DeleteTopic) error {
	start := time.Now()

	tx, err := s.dbconn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete topic: %w", err)
	}
	defer tx.Rollback(ctx)

	st := s.store.WithTx(tx)

	topic, err := s.loadLiveTopic(ctx, st, cmd.ID, cmd.ForumID)
	if err != nil {
		return err
	}

	forum, err := st.GetForumForUpdate(ctx, topic.ForumID)
	if err != nil {
		return err
	}

	category, err := st.GetCategoryForUpdate(ctx, forum.CategoryID)
	if err != nil {
		return err
	}

	member, err := st.GetMemberForUpdate(ctx, topic.MemberID)
	if err != nil {
		return err
	}

	topic.Delete()
	if err := st.SaveTopic(ctx, topic); err != nil {
		return fmt.Errorf("save topic: %w", err)
	}

	if err := forum.DecreaseTopicsCount(); err != nil {
		return fmt.Errorf("delete topic %s: %w", topic.ID, err)
	}
	if err := st.SaveForum(ctx, forum); err != nil {
		return fmt.Errorf("save forum: %w", err)
	}

	if err := category.DecreaseTopicsCount(); err != nil {
		return fmt.Errorf("delete topic %s: %w", topic.ID, err)
	}
	if err := st.SaveCategory(ctx, category); err != nil {
		return fmt.Errorf("save category: %w", err)
	}

	if err := member.DecreaseTopicsCount(); err != nil {
		return fmt.Errorf("delete topic %s: %w", topic.ID, err)
	}
	if err := st.SaveMember(ctx, member); err != nil {
		return fmt.Errorf("save member: %w", err)
	}

	event, err := NewEvent(EventTopicDeleted, topic.ID, topicDeletedPayload{ForumID: forum.ID})
	if err != nil {
		return err
	}
	if err := st.InsertEvent(ctx, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete topic: %w", err)
	}

	s.cache.Invalidate(ctx,
		forumTopicsKey(forum.ID),
		forumIndexKey(cmd.SiteID),
		topicPageKey(topic.ID))

	topicOperationDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	s.logger.InfoContext(ctx, "topic deleted",
		slog.String("topic_id", topic.ID.String()),
		slog.String("forum_id", forum.ID.String()))

	return nil
}

// loadLiveTopic locks the topic row and re-checks the operation
// preconditions on it: the topic must exist, belong to the given forum,
// and not be deleted. The lock makes concurrent lifecycle operations on
// the same topic queue here; a transaction that waited behind a delete
// sees the committed Deleted status and loses with ErrConflict rather
// than decrementing twice.
func (s *TopicService) loadLiveTopic(ctx context.Context, st Store, id, forumID uuid.UUID) (*Topic, error) {
	topic, err := st.GetTopicForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}

	if topic.ForumID != forumID {
		return nil, ErrNotFound
	}

	if topic.IsDeleted() {
		return nil, fmt.Errorf("topic %s is deleted: %w", id, ErrConflict)
	}

	return topic, nil
}
