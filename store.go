package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx shared by pools, connections and
// transactions; the store runs against whichever it is given.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the persistence boundary for the four aggregates and the
// event log. Reads of missing rows return ErrNotFound. The ForUpdate
// variants lock the row for the remainder of the transaction; writers
// must load through them so concurrent lifecycle operations and counter
// updates serialize on the row instead of racing each other.
type Store interface {
	GetTopic(ctx context.Context, id uuid.UUID) (*Topic, error)
	GetForum(ctx context.Context, id uuid.UUID) (*Forum, error)
	GetCategory(ctx context.Context, id uuid.UUID) (*Category, error)
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	GetTopicForUpdate(ctx context.Context, id uuid.UUID) (*Topic, error)
	GetForumForUpdate(ctx context.Context, id uuid.UUID) (*Forum, error)
	GetCategoryForUpdate(ctx context.Context, id uuid.UUID) (*Category, error)
	GetMemberForUpdate(ctx context.Context, id uuid.UUID) (*Member, error)
	CreateOrReturnMember(ctx context.Context, login string) (*Member, error)
	TopicTitleExists(ctx context.Context, forumID uuid.UUID, title string, excludeID uuid.UUID) (bool, error)

	InsertTopic(ctx context.Context, topic *Topic) error
	SaveTopic(ctx context.Context, topic *Topic) error
	SaveForum(ctx context.Context, forum *Forum) error
	SaveCategory(ctx context.Context, category *Category) error
	SaveMember(ctx context.Context, member *Member) error
	InsertEvent(ctx context.Context, event Event) error

	ListForums(ctx context.Context) ([]ForumSummary, error)
	ListTopics(ctx context.Context, forumID uuid.UUID) ([]TopicSummary, error)
	ListEvents(ctx context.Context, targetID uuid.UUID) ([]Event, error)
}

// ExtendedStore adds transaction scoping to Store.
type ExtendedStore interface {
	Store
	WithTx(tx pgx.Tx) ExtendedStore
}

// ForumSummary is a forum row joined with its category, for the index page.
type ForumSummary struct {
	Forum
	CategoryName string
	SiteID       uuid.UUID
}

// TopicSummary is a topic row joined with its author, for listing pages.
type TopicSummary struct {
	Topic
	AuthorEmail string
}

// PgStore implements Store over Postgres.
type PgStore struct {
	db DBTX
}

func NewStore(db DBTX) *PgStore {
	return &PgStore{db: db}
}

// WithTx returns a store bound to the given transaction.
func (s *PgStore) WithTx(tx pgx.Tx) ExtendedStore {
	return &PgStore{db: tx}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const topicColumns = `id, forum_id, member_id, title, slug, description, content, status, pinned, locked, replies_count, last_reply_id, created_at`

func scanTopic(row pgx.Row) (*Topic, error) {
	var t Topic
	var status int

	err := row.Scan(&t.ID, &t.ForumID, &t.MemberID, &t.Title, &t.Slug, &t.Description,
		&t.Content, &status, &t.Pinned, &t.Locked, &t.RepliesCount, &t.LastReplyID, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}

	t.Status = StatusType(status)
	return &t, nil
}

// forUpdate is appended to single-row reads that must hold the row lock
// until commit.
const forUpdate = ` FOR UPDATE`

func (s *PgStore) getTopic(ctx context.Context, id uuid.UUID, lock string) (*Topic, error) {
	row := s.db.QueryRow(ctx, `SELECT `+topicColumns+` FROM topics WHERE id = $1`+lock, id)
	return scanTopic(row)
}

func (s *PgStore) GetTopic(ctx context.Context, id uuid.UUID) (*Topic, error) {
	return s.getTopic(ctx, id, "")
}

func (s *PgStore) GetTopicForUpdate(ctx context.Context, id uuid.UUID) (*Topic, error) {
	return s.getTopic(ctx, id, forUpdate)
}

func (s *PgStore) getForum(ctx context.Context, id uuid.UUID, lock string) (*Forum, error) {
	var f Forum

	err := s.db.QueryRow(ctx,
		`SELECT id, category_id, name, slug, description, sort_order, topics_count, replies_count, last_post_id
		 FROM forums WHERE id = $1`+lock, id).
		Scan(&f.ID, &f.CategoryID, &f.Name, &f.Slug, &f.Description, &f.SortOrder,
			&f.TopicsCount, &f.RepliesCount, &f.LastPostID)
	if err != nil {
		return nil, notFound(err)
	}

	return &f, nil
}

func (s *PgStore) GetForum(ctx context.Context, id uuid.UUID) (*Forum, error) {
	return s.getForum(ctx, id, "")
}

func (s *PgStore) GetForumForUpdate(ctx context.Context, id uuid.UUID) (*Forum, error) {
	return s.getForum(ctx, id, forUpdate)
}

func (s *PgStore) getCategory(ctx context.Context, id uuid.UUID, lock string) (*Category, error) {
	var c Category

	err := s.db.QueryRow(ctx,
		`SELECT id, site_id, name, sort_order, topics_count FROM categories WHERE id = $1`+lock, id).
		Scan(&c.ID, &c.SiteID, &c.Name, &c.SortOrder, &c.TopicsCount)
	if err != nil {
		return nil, notFound(err)
	}

	return &c, nil
}

func (s *PgStore) GetCategory(ctx context.Context, id uuid.UUID) (*Category, error) {
	return s.getCategory(ctx, id, "")
}

func (s *PgStore) GetCategoryForUpdate(ctx context.Context, id uuid.UUID) (*Category, error) {
	return s.getCategory(ctx, id, forUpdate)
}

func (s *PgStore) getMember(ctx context.Context, id uuid.UUID, lock string) (*Member, error) {
	var m Member

	err := s.db.QueryRow(ctx,
		`SELECT id, identity_id, email, display_name, topics_count, replies_count, is_admin, date_joined
		 FROM members WHERE id = $1`+lock, id).
		Scan(&m.ID, &m.IdentityID, &m.Email, &m.DisplayName, &m.TopicsCount,
			&m.RepliesCount, &m.IsAdmin, &m.DateJoined)
	if err != nil {
		return nil, notFound(err)
	}

	return &m, nil
}

func (s *PgStore) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	return s.getMember(ctx, id, "")
}

func (s *PgStore) GetMemberForUpdate(ctx context.Context, id uuid.UUID) (*Member, error) {
	return s.getMember(ctx, id, forUpdate)
}

// CreateOrReturnMember provisions a member row for a tailnet login on
// first sight and returns the existing row afterwards.
func (s *PgStore) CreateOrReturnMember(ctx context.Context, login string) (*Member, error) {
	displayName, _, _ := strings.Cut(login, "@")

	var m Member

	err := s.db.QueryRow(ctx,
		`INSERT INTO members (id, identity_id, email, display_name)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (identity_id) DO UPDATE SET email = EXCLUDED.email
		 RETURNING id, identity_id, email, display_name, topics_count, replies_count, is_admin, date_joined`,
		uuid.New(), login, login, displayName).
		Scan(&m.ID, &m.IdentityID, &m.Email, &m.DisplayName, &m.TopicsCount,
			&m.RepliesCount, &m.IsAdmin, &m.DateJoined)
	if err != nil {
		return nil, fmt.Errorf("create or return member: %w", err)
	}

	return &m, nil
}

func (s *PgStore) TopicTitleExists(ctx context.Context, forumID uuid.UUID, title string, excludeID uuid.UUID) (bool, error) {
	var exists bool

	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM topics
		     WHERE forum_id = $1 AND lower(title) = lower($2) AND status = $3 AND id <> $4
		 )`,
		forumID, title, int(StatusPublished), excludeID).
		Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}

func (s *PgStore) InsertTopic(ctx context.Context, topic *Topic) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO topics (`+topicColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		topic.ID, topic.ForumID, topic.MemberID, topic.Title, topic.Slug, topic.Description,
		topic.Content, int(topic.Status), topic.Pinned, topic.Locked,
		topic.RepliesCount, topic.LastReplyID, topic.CreatedAt)
	return err
}

// SaveTopic writes every mutable topic field. Identity fields (forum,
// author, created_at) never change after insert. The update only
// matches a live row: callers load the topic first, so zero rows here
// means a concurrent transaction deleted it, and the write must not
// resurrect or re-delete the row.
func (s *PgStore) SaveTopic(ctx context.Context, topic *Topic) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE topics
		 SET title = $2, slug = $3, description = $4, content = $5, status = $6,
		     pinned = $7, locked = $8, replies_count = $9, last_reply_id = $10
		 WHERE id = $1 AND status = $11`,
		topic.ID, topic.Title, topic.Slug, topic.Description, topic.Content,
		int(topic.Status), topic.Pinned, topic.Locked, topic.RepliesCount, topic.LastReplyID,
		int(StatusPublished))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("topic %s is not live: %w", topic.ID, ErrConflict)
	}
	return nil
}

func (s *PgStore) SaveForum(ctx context.Context, forum *Forum) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE forums
		 SET topics_count = $2, replies_count = $3, last_post_id = $4
		 WHERE id = $1`,
		forum.ID, forum.TopicsCount, forum.RepliesCount, forum.LastPostID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) SaveCategory(ctx context.Context, category *Category) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE categories SET topics_count = $2 WHERE id = $1`,
		category.ID, category.TopicsCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) SaveMember(ctx context.Context, member *Member) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE members SET topics_count = $2, replies_count = $3 WHERE id = $1`,
		member.ID, member.TopicsCount, member.RepliesCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) InsertEvent(ctx context.Context, event Event) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO events (id, target_id, type, occurred_at, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.TargetID, string(event.Type), event.OccurredAt, event.Payload)
	return err
}

func (s *PgStore) ListForums(ctx context.Context) ([]ForumSummary, error) {
	rows, err := s.db.Query(ctx,
		`SELECT f.id, f.category_id, f.name, f.slug, f.description, f.sort_order,
		        f.topics_count, f.replies_count, f.last_post_id, c.name, c.site_id
		 FROM forums f
		 JOIN categories c ON c.id = f.category_id
		 ORDER BY c.sort_order, c.name, f.sort_order, f.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var forums []ForumSummary
	for rows.Next() {
		var fs ForumSummary

		err := rows.Scan(&fs.ID, &fs.CategoryID, &fs.Name, &fs.Slug, &fs.Description,
			&fs.SortOrder, &fs.TopicsCount, &fs.RepliesCount, &fs.LastPostID,
			&fs.CategoryName, &fs.SiteID)
		if err != nil {
			return nil, err
		}

		forums = append(forums, fs)
	}

	return forums, rows.Err()
}

// ListTopics returns the live topics of a forum, pinned first, newest
// next. Deleted topics are filtered out here: they are logically removed
// from every listing surface.
func (s *PgStore) ListTopics(ctx context.Context, forumID uuid.UUID) ([]TopicSummary, error) {
	rows, err := s.db.Query(ctx,
		`SELECT t.id, t.forum_id, t.member_id, t.title, t.slug, t.description, t.content,
		        t.status, t.pinned, t.locked, t.replies_count, t.last_reply_id, t.created_at,
		        m.email
		 FROM topics t
		 JOIN members m ON m.id = t.member_id
		 WHERE t.forum_id = $1 AND t.status = $2
		 ORDER BY t.pinned DESC, t.created_at DESC`,
		forumID, int(StatusPublished))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topics []TopicSummary
	for rows.Next() {
		var ts TopicSummary
		var status int

		err := rows.Scan(&ts.ID, &ts.ForumID, &ts.MemberID, &ts.Title, &ts.Slug,
			&ts.Description, &ts.Content, &status, &ts.Pinned, &ts.Locked,
			&ts.RepliesCount, &ts.LastReplyID, &ts.CreatedAt, &ts.AuthorEmail)
		if err != nil {
			return nil, err
		}

		ts.Status = StatusType(status)
		topics = append(topics, ts)
	}

	return topics, rows.Err()
}

func (s *PgStore) ListEvents(ctx context.Context, targetID uuid.UUID) ([]Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, target_id, type, occurred_at, payload
		 FROM events WHERE target_id = $1
		 ORDER BY occurred_at`,
		targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var typ string

		if err := rows.Scan(&ev.ID, &ev.TargetID, &typ, &ev.OccurredAt, &ev.Payload); err != nil {
			return nil, err
		}

		ev.Type = EventType(typ)
		events = append(events, ev)
	}

	return events, rows.Err()
}
