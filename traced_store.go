package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// TracedStore decorates an ExtendedStore with tracing spans and query
// duration metrics.
type TracedStore struct {
	wrapped   ExtendedStore
	telemetry *TelemetryConfig
}

func NewTracedStore(wrapped ExtendedStore, telemetry *TelemetryConfig) ExtendedStore {
	return &TracedStore{
		wrapped:   wrapped,
		telemetry: telemetry,
	}
}

// WithTx creates a new TracedStore bound to a transaction.
func (t *TracedStore) WithTx(tx pgx.Tx) ExtendedStore {
	return &TracedStore{
		wrapped:   t.wrapped.WithTx(tx),
		telemetry: t.telemetry,
	}
}

// observe wraps one store call in a span, records its duration and maps
// failures onto the span status.
func (t *TracedStore) observe(ctx context.Context, queryName string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := t.telemetry.Tracer.Start(ctx, queryName+"(query)")
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Seconds()

	storeQueryDuration.WithLabelValues(queryName).Observe(duration)
	if t.telemetry.Metrics.DBQueryDuration != nil {
		t.telemetry.Metrics.DBQueryDuration.Record(ctx, duration,
			metric.WithAttributes(
				attribute.String("query", queryName),
			),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(attrs...)
	span.SetAttributes(attribute.Float64("request.duration", duration))
	span.SetStatus(codes.Ok, "")

	return nil
}

func (t *TracedStore) GetTopic(ctx context.Context, id uuid.UUID) (*Topic, error) {
	var topic *Topic
	err := t.observe(ctx, "GetTopic",
		[]attribute.KeyValue{attribute.String("topic.id", id.String())},
		func(ctx context.Context) error {
			var err error
			topic, err = t.wrapped.GetTopic(ctx, id)
			return err
		})
	return topic, err
}

func (t *TracedStore) GetForum(ctx context.Context, id uuid.UUID) (*Forum, error) {
	var forum *Forum
	err := t.observe(ctx, "GetForum",
		[]attribute.KeyValue{attribute.String("forum.id", id.String())},
		func(ctx context.Context) error {
			var err error
			forum, err = t.wrapped.GetForum(ctx, id)
			return err
		})
	return forum, err
}

func (t *TracedStore) GetCategory(ctx context.Context, id uuid.UUID) (*Category, error) {
	var category *Category
	err := t.observe(ctx, "GetCategory",
		[]attribute.KeyValue{attribute.String("category.id", id.String())},
		func(ctx context.Context) error {
			var err error
			category, err = t.wrapped.GetCategory(ctx, id)
			return err
		})
	return category, err
}

func (t *TracedStore) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	var member *Member
	err := t.observe(ctx, "GetMember",
		[]attribute.KeyValue{attribute.String("member.id", id.String())},
		func(ctx context.Context) error {
			var err error
			member, err = t.wrapped.GetMember(ctx, id)
			return err
		})
	return member, err
}

func (t *TracedStore) GetTopicForUpdate(ctx context.Context, id uuid.UUID) (*Topic, error) {
	var topic *Topic
	err := t.observe(ctx, "GetTopicForUpdate",
		[]attribute.KeyValue{attribute.String("topic.id", id.String())},
		func(ctx context.Context) error {
			var err error
			topic, err = t.wrapped.GetTopicForUpdate(ctx, id)
			return err
		})
	return topic, err
}

func (t *TracedStore) GetForumForUpdate(ctx context.Context, id uuid.UUID) (*Forum, error) {
	var forum *Forum
	err := t.observe(ctx, "GetForumForUpdate",
		[]attribute.KeyValue{attribute.String("forum.id", id.String())},
		func(ctx context.Context) error {
			var err error
			forum, err = t.wrapped.GetForumForUpdate(ctx, id)
			return err
		})
	return forum, err
}

func (t *TracedStore) GetCategoryForUpdate(ctx context.Context, id uuid.UUID) (*Category, error) {
	var category *Category
	err := t.observe(ctx, "GetCategoryForUpdate",
		[]attribute.KeyValue{attribute.String("category.id", id.String())},
		func(ctx context.Context) error {
			var err error
			category, err = t.wrapped.GetCategoryForUpdate(ctx, id)
			return err
		})
	return category, err
}

func (t *TracedStore) GetMemberForUpdate(ctx context.Context, id uuid.UUID) (*Member, error) {
	var member *Member
	err := t.observe(ctx, "GetMemberForUpdate",
		[]attribute.KeyValue{attribute.String("member.id", id.String())},
		func(ctx context.Context) error {
			var err error
			member, err = t.wrapped.GetMemberForUpdate(ctx, id)
			return err
		})
	return member, err
}

func (t *TracedStore) CreateOrReturnMember(ctx context.Context, login string) (*Member, error) {
	var member *Member
	err := t.observe(ctx, "CreateOrReturnMember", nil,
		func(ctx context.Context) error {
			var err error
			member, err = t.wrapped.CreateOrReturnMember(ctx, login)
			return err
		})
	return member, err
}

func (t *TracedStore) TopicTitleExists(ctx context.Context, forumID uuid.UUID, title string, excludeID uuid.UUID) (bool, error) {
	var exists bool
	err := t.observe(ctx, "TopicTitleExists",
		[]attribute.KeyValue{attribute.String("forum.id", forumID.String())},
		func(ctx context.Context) error {
			var err error
			exists, err = t.wrapped.TopicTitleExists(ctx, forumID, title, excludeID)
			return err
		})
	return exists, err
}

func (t *TracedStore) InsertTopic(ctx context.Context, topic *Topic) error {
	return t.observe(ctx, "InsertTopic",
		[]attribute.KeyValue{
			attribute.String("topic.id", topic.ID.String()),
			attribute.String("forum.id", topic.ForumID.String()),
		},
		func(ctx context.Context) error {
			return t.wrapped.InsertTopic(ctx, topic)
		})
}

func (t *TracedStore) SaveTopic(ctx context.Context, topic *Topic) error {
	return t.observe(ctx, "SaveTopic",
		[]attribute.KeyValue{attribute.String("topic.id", topic.ID.String())},
		func(ctx context.Context) error {
			return t.wrapped.SaveTopic(ctx, topic)
		})
}

func (t *TracedStore) SaveForum(ctx context.Context, forum *Forum) error {
	return t.observe(ctx, "SaveForum",
		[]attribute.KeyValue{attribute.String("forum.id", forum.ID.String())},
		func(ctx context.Context) error {
			return t.wrapped.SaveForum(ctx, forum)
		})
}

func (t *TracedStore) SaveCategory(ctx context.Context, category *Category) error {
	return t.observe(ctx, "SaveCategory",
		[]attribute.KeyValue{attribute.String("category.id", category.ID.String())},
		func(ctx context.Context) error {
			return t.wrapped.SaveCategory(ctx, category)
		})
}

func (t *TracedStore) SaveMember(ctx context.Context, member *Member) error {
	return t.observe(ctx, "SaveMember",
		[]attribute.KeyValue{attribute.String("member.id", member.ID.String())},
		func(ctx context.Context) error {
			return t.wrapped.SaveMember(ctx, member)
		})
}

func (t *TracedStore) InsertEvent(ctx context.Context, event Event) error {
	return t.observe(ctx, "InsertEvent",
		[]attribute.KeyValue{
			attribute.String("event.type", string(event.Type)),
			attribute.String("event.target_id", event.TargetID.String()),
		},
		func(ctx context.Context) error {
			return t.wrapped.InsertEvent(ctx, event)
		})
}

func (t *TracedStore) ListForums(ctx context.Context) ([]ForumSummary, error) {
	var forums []ForumSummary
	err := t.observe(ctx, "ListForums", nil,
		func(ctx context.Context) error {
			var err error
			forums, err = t.wrapped.ListForums(ctx)
			return err
		})
	return forums, err
}

func (t *TracedStore) ListTopics(ctx context.Context, forumID uuid.UUID) ([]TopicSummary, error) {
	var topics []TopicSummary
	err := t.observe(ctx, "ListTopics",
		[]attribute.KeyValue{attribute.String("forum.id", forumID.String())},
		func(ctx context.Context) error {
			var err error
			topics, err = t.wrapped.ListTopics(ctx, forumID)
			return err
		})
	return topics, err
}

func (t *TracedStore) ListEvents(ctx context.Context, targetID uuid.UUID) ([]Event, error) {
	var events []Event
	err := t.observe(ctx, "ListEvents",
		[]attribute.KeyValue{attribute.String("event.target_id", targetID.String())},
		func(ctx context.Context) error {
			var err error
			events, err = t.wrapped.ListEvents(ctx, targetID)
			return err
		})
	return events, err
}
