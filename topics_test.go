package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTopicService(store *MockStore) (*TopicService, *MockBeginner, *MockInvalidator) {
	beginner := &MockBeginner{}
	invalidator := &MockInvalidator{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewTopicService(beginner, store, &MockValidator{}, invalidator, logger)
	return svc, beginner, invalidator
}

func TestCreateTopic(t *testing.T) {
	t.Run("increments counters and appends event", func(t *testing.T) {
		store := &MockStore{}

		var savedForum *Forum
		var savedCategory *Category
		var savedMember *Member
		var inserted *Topic
		var event Event

		store.InsertTopicFunc = func(ctx context.Context, topic *Topic) error {
			inserted = topic
			return nil
		}
		store.SaveForumFunc = func(ctx context.Context, forum *Forum) error {
			savedForum = forum
			return nil
		}
		store.SaveCategoryFunc = func(ctx context.Context, category *Category) error {
			savedCategory = category
			return nil
		}
		store.SaveMemberFunc = func(ctx context.Context, member *Member) error {
			savedMember = member
			return nil
		}
		store.InsertEventFunc = func(ctx context.Context, ev Event) error {
			event = ev
			return nil
		}

		svc, beginner, invalidator := newTestTopicService(store)

		topic, err := svc.CreateTopic(context.Background(), CreateTopic{
			ForumID:  fixtureForumID,
			SiteID:   fixtureSiteID,
			MemberID: fixtureMemberID,
			Title:    "Hello World",
			Content:  "First post",
			Status:   StatusPublished,
		})
		require.NoError(t, err)
		require.NotNil(t, topic)

		assert.NotEqual(t, uuid.Nil, topic.ID)
		assert.Equal(t, "hello-world", topic.Slug)
		assert.Equal(t, StatusPublished, topic.Status)
		assert.Equal(t, inserted, topic)

		require.NotNil(t, savedForum)
		assert.Equal(t, 4, savedForum.TopicsCount)
		assert.True(t, savedForum.LastPostID.Valid)
		assert.Equal(t, topic.ID, savedForum.LastPostID.UUID)

		require.NotNil(t, savedCategory)
		assert.Equal(t, 4, savedCategory.TopicsCount)

		require.NotNil(t, savedMember)
		assert.Equal(t, 4, savedMember.TopicsCount)

		assert.Equal(t, EventTopicCreated, event.Type)
		assert.Equal(t, topic.ID, event.TargetID)

		assert.True(t, beginner.tx.committed)
		assert.ElementsMatch(t, []string{
			forumTopicsKey(fixtureForumID),
			forumIndexKey(fixtureSiteID),
		}, invalidator.keys)
	})

	t.Run("keeps the provided id", func(t *testing.T) {
		store := &MockStore{}
		svc, _, _ := newTestTopicService(store)

		id := uuid.New()
		topic, err := svc.CreateTopic(context.Background(), CreateTopic{
			ID:       id,
			ForumID:  fixtureForumID,
			MemberID: fixtureMemberID,
			Title:    "Hello",
			Content:  "body",
		})
		require.NoError(t, err)
		assert.Equal(t, id, topic.ID)
	})

	t.Run("validation failure touches no storage", func(t *testing.T) {
		store := &MockStore{}
		beginner := &MockBeginner{}
		invalidator := &MockInvalidator{}
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))

		validator := &MockValidator{
			ValidateCreateFunc: func(ctx context.Context, cmd CreateTopic) (ValidationErrors, error) {
				return ValidationErrors{{Field: "title", Message: "is required"}}, nil
			},
		}

		store.InsertTopicFunc = func(ctx context.Context, topic *Topic) error {
			t.Fatal("InsertTopic called despite validation failure")
			return nil
		}

		svc := NewTopicService(beginner, store, validator, invalidator, logger)

		_, err := svc.CreateTopic(context.Background(), CreateTopic{})

		var failures ValidationErrors
		require.ErrorAs(t, err, &failures)
		assert.Len(t, failures, 1)
		assert.Nil(t, beginner.tx)
		assert.Empty(t, invalidator.keys)
	})

	t.Run("missing forum is not found", func(t *testing.T) {
		store := &MockStore{
			GetForumFunc: func(ctx context.Context, id uuid.UUID) (*Forum, error) {
				return nil, ErrNotFound
			},
		}
		svc, beginner, invalidator := newTestTopicService(store)

		_, err := svc.CreateTopic(context.Background(), CreateTopic{
			ForumID:  fixtureForumID,
			MemberID: fixtureMemberID,
			Title:    "Hello",
			Content:  "body",
		})

		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, beginner.tx.committed)
		assert.Empty(t, invalidator.keys)
	})

	t.Run("loads the aggregates through row locks", func(t *testing.T) {
		store := &MockStore{
			GetForumFunc: func(ctx context.Context, id uuid.UUID) (*Forum, error) {
				t.Fatal("forum must be loaded with a row lock")
				return nil, nil
			},
			GetCategoryFunc: func(ctx context.Context, id uuid.UUID) (*Category, error) {
				t.Fatal("category must be loaded with a row lock")
				return nil, nil
			},
			GetMemberFunc: func(ctx context.Context, id uuid.UUID) (*Member, error) {
				t.Fatal("member must be loaded with a row lock")
				return nil, nil
			},
			GetForumForUpdateFunc: func(ctx context.Context, id uuid.UUID) (*Forum, error) {
				return fixtureForum(), nil
			},
			GetCategoryForUpdateFunc: func(ctx context.Context, id uuid.UUID) (*Category, error) {
				return fixtureCategory(), nil
			},
			GetMemberForUpdateFunc: func(ctx context.Context, id uuid.UUID) (*Member, error) {
				return fixtureMember(), nil
			},
		}
		svc, beginner, _ := newTestTopicService(store)

		_, err := svc.CreateTopic(context.Background(), CreateTopic{
			ForumID:  fixtureForumID,
			MemberID: fixtureMemberID,
			Title:    "Hello",
			Content:  "body",
		})
		require.NoError(t, err)
		assert.True(t, beginner.tx.committed)
	})

	t.Run("invalidates the index key the read side caches under", func(t *testing.T) {
		// The category row may carry a different site id than the one the
		// board serves; the command's site id decides the cache key.
		store := &MockStore{
			GetCategoryFunc: func(ctx context.Context, id uuid.UUID) (*Category, error) {
				category := fixtureCategory()
				category.SiteID = uuid.New()
				return category, nil
			},
		}
		svc, _, invalidator := newTestTopicService(store)

		_, err := svc.CreateTopic(context.Background(), CreateTopic{
			ForumID:  fixtureForumID,
			SiteID:   fixtureSiteID,
			MemberID: fixtureMemberID,
			Title:    "Hello",
			Content:  "body",
		})
		require.NoError(t, err)
		assert.Contains(t, invalidator.keys, forumIndexKey(fixtureSiteID))
	})

	t.Run("event append failure aborts the operation", func(t *testing.T) {
		store := &MockStore{
			InsertEventFunc: func(ctx context.Context, ev Event) error {
				return errors.New("events table full")
			},
		}
		svc, beginner, invalidator := newTestTopicService(store)

		_, err := svc.CreateTopic(context.Background(), CreateTopic{
			ForumID:  fixtureForumID,
			MemberID: fixtureMemberID,
			Title:    "Hello",
			Content:  "body",
		})

		assert.Error(t, err)
		assert.False(t, beginner.tx.committed)
		assert.True(t, beginner.tx.rolledBack)
		assert.Empty(t, invalidator.keys)
	})
}

func TestUpdateTopic(t *testing.T) {
	t.Run("overwrites text fields and leaves counters alone", func(t *testing.T) {
		store := &MockStore{}

		var saved *Topic
		var event Event

		store.SaveTopicFunc = func(ctx context.Context, topic *Topic) error {
			saved = topic
			return nil
		}
		store.InsertEventFunc = func(ctx context.Context, ev Event) error {
			event = ev
			return nil
		}
		store.SaveForumFunc = func(ctx context.Context, forum *Forum) error {
			t.Fatal("update must not touch the forum")
			return nil
		}

		svc, beginner, invalidator := newTestTopicService(store)

		err := svc.UpdateTopic(context.Background(), UpdateTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
			Title:   "New Title",
			Content: "new body",
		})
		require.NoError(t, err)

		require.NotNil(t, saved)
		assert.Equal(t, "New Title", saved.Title)
		assert.Equal(t, "new-title", saved.Slug)
		assert.Equal(t, "new body", saved.Content)

		assert.Equal(t, EventTopicUpdated, event.Type)
		assert.Equal(t, fixtureTopicID, event.TargetID)

		assert.True(t, beginner.tx.committed)
		assert.Equal(t, []string{topicPageKey(fixtureTopicID)}, invalidator.keys)
	})

	t.Run("deleted topic conflicts", func(t *testing.T) {
		store := &MockStore{
			GetTopicFunc: func(ctx context.Context, id uuid.UUID) (*Topic, error) {
				topic := fixtureTopic()
				topic.Status = StatusDeleted
				return topic, nil
			},
		}
		svc, _, _ := newTestTopicService(store)

		err := svc.UpdateTopic(context.Background(), UpdateTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
			Title:   "New Title",
			Content: "new body",
		})

		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("forum mismatch is not found", func(t *testing.T) {
		store := &MockStore{}
		svc, _, _ := newTestTopicService(store)

		err := svc.UpdateTopic(context.Background(), UpdateTopic{
			ID:      fixtureTopicID,
			ForumID: uuid.New(),
			Title:   "New Title",
			Content: "new body",
		})

		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPinTopic(t *testing.T) {
	t.Run("sets the flag and appends an event", func(t *testing.T) {
		store := &MockStore{}

		var saved *Topic
		var event Event

		store.SaveTopicFunc = func(ctx context.Context, topic *Topic) error {
			saved = topic
			return nil
		}
		store.InsertEventFunc = func(ctx context.Context, ev Event) error {
			event = ev
			return nil
		}

		svc, beginner, invalidator := newTestTopicService(store)

		err := svc.PinTopic(context.Background(), PinTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
			Pinned:  true,
		})
		require.NoError(t, err)

		require.NotNil(t, saved)
		assert.True(t, saved.Pinned)
		assert.False(t, saved.Locked)

		assert.Equal(t, EventTopicPinned, event.Type)
		assert.True(t, beginner.tx.committed)
		assert.Equal(t, []string{forumTopicsKey(fixtureForumID)}, invalidator.keys)
	})

	t.Run("pinning an already pinned topic still appends an event", func(t *testing.T) {
		store := &MockStore{
			GetTopicFunc: func(ctx context.Context, id uuid.UUID) (*Topic, error) {
				topic := fixtureTopic()
				topic.Pinned = true
				return topic, nil
			},
		}

		var events []Event
		store.InsertEventFunc = func(ctx context.Context, ev Event) error {
			events = append(events, ev)
			return nil
		}

		svc, beginner, _ := newTestTopicService(store)

		err := svc.PinTopic(context.Background(), PinTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
			Pinned:  true,
		})
		require.NoError(t, err)

		require.Len(t, events, 1)
		assert.Equal(t, EventTopicPinned, events[0].Type)
		assert.True(t, beginner.tx.committed)
	})

	t.Run("deleted topic conflicts", func(t *testing.T) {
		store := &MockStore{
			GetTopicFunc: func(ctx context.Context, id uuid.UUID) (*Topic, error) {
				topic := fixtureTopic()
				topic.Status = StatusDeleted
				return topic, nil
			},
		}
		svc, _, _ := newTestTopicService(store)

		err := svc.PinTopic(context.Background(), PinTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
			Pinned:  true,
		})

		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("loads the topic through the row lock", func(t *testing.T) {
		store := &MockStore{
			GetTopicFunc: func(ctx context.Context, id uuid.UUID) (*Topic, error) {
				t.Fatal("topic must be loaded with a row lock")
				return nil, nil
			},
			GetTopicForUpdateFunc: func(ctx context.Context, id uuid.UUID) (*Topic, error) {
				return fixtureTopic(), nil
			},
		}
		svc, beginner, _ := newTestTopicService(store)

		err := svc.PinTopic(context.Background(), PinTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
			Pinned:  true,
		})
		require.NoError(t, err)
		assert.True(t, beginner.tx.committed)
	})
}

func TestLockTopic(t *testing.T) {
	t.Run("sets the flag without touching pinned", func(t *testing.T) {
		store := &MockStore{
			GetTopicFunc: func(ctx context.Context, id uuid.UUID) (*Topic, error) {
				topic := fixtureTopic()
				topic.Pinned = true
				return topic, nil
			},
		}

		var saved *Topic
		var event Event

		store.SaveTopicFunc = func(ctx context.Context, topic *Topic) error {
			saved = topic
			return nil
		}
		store.InsertEventFunc = func(ctx context.Context, ev Event) error {
			event = ev
			return nil
		}

		svc, beginner, invalidator := newTestTopicService(store)

		err := svc.LockTopic(context.Background(), LockTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
			Locked:  true,
		})
		require.NoError(t, err)

		require.NotNil(t, saved)
		assert.True(t, saved.Locked)
		assert.True(t, saved.Pinned)

		assert.Equal(t, EventTopicLocked, event.Type)
		assert.True(t, beginner.tx.committed)
		assert.Equal(t, []string{topicPageKey(fixtureTopicID)}, invalidator.keys)
	})

	t.Run("unlock round trips", func(t *testing.T) {
		store := &MockStore{
			GetTopicFunc: func(ctx context.Context, id uuid.UUID) (*Topic, error) {
				topic := fixtureTopic()
				topic.Locked = true
				return topic, nil
			},
		}

		var saved *Topic
		store.SaveTopicFunc = func(ctx context.Context, topic *Topic) error {
			saved = topic
			return nil
		}

		svc, _, _ := newTestTopicService(store)

		err := svc.LockTopic(context.Background(), LockTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
			Locked:  false,
		})
		require.NoError(t, err)
		assert.False(t, saved.Locked)
	})
}

func TestDeleteTopic(t *testing.T) {
	t.Run("decrements counters and appends event", func(t *testing.T) {
		store := &MockStore{}

		var savedTopic *Topic
		var savedForum *Forum
		var savedCategory *Category
		var savedMember *Member
		var event Event

		store.SaveTopicFunc = func(ctx context.Context, topic *Topic) error {
			savedTopic = topic
			return nil
		}
		store.SaveForumFunc = func(ctx context.Context, forum *Forum) error {
			savedForum = forum
			return nil
		}
		store.SaveCategoryFunc = func(ctx context.Context, category *Category) error {
			savedCategory = category
			return nil
		}
		store.SaveMemberFunc = func(ctx context.Context, member *Member) error {
			savedMember = member
			return nil
		}
		store.InsertEventFunc = func(ctx context.Context, ev Event) error {
			event = ev
			return nil
		}

		svc, beginner, invalidator := newTestTopicService(store)

		err := svc.DeleteTopic(context.Background(), DeleteTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
			SiteID:  fixtureSiteID,
		})
		require.NoError(t, err)

		require.NotNil(t, savedTopic)
		assert.Equal(t, StatusDeleted, savedTopic.Status)

		assert.Equal(t, 2, savedForum.TopicsCount)
		assert.Equal(t, 2, savedCategory.TopicsCount)
		assert.Equal(t, 2, savedMember.TopicsCount)

		assert.Equal(t, EventTopicDeleted, event.Type)
		assert.Equal(t, fixtureTopicID, event.TargetID)

		assert.True(t, beginner.tx.committed)
		assert.ElementsMatch(t, []string{
			forumTopicsKey(fixtureForumID),
			forumIndexKey(fixtureSiteID),
			topicPageKey(fixtureTopicID),
		}, invalidator.keys)
	})

	t.Run("second delete conflicts", func(t *testing.T) {
		store := &MockStore{
			GetTopicFunc: func(ctx context.Context, id uuid.UUID) (*Topic, error) {
				topic := fixtureTopic()
				topic.Status = StatusDeleted
				return topic, nil
			},
		}

		store.SaveForumFunc = func(ctx context.Context, forum *Forum) error {
			t.Fatal("counters must not change on a second delete")
			return nil
		}

		svc, beginner, invalidator := newTestTopicService(store)

		err := svc.DeleteTopic(context.Background(), DeleteTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
		})

		assert.ErrorIs(t, err, ErrConflict)
		assert.False(t, beginner.tx.committed)
		assert.Empty(t, invalidator.keys)
	})

	t.Run("losing the row write rolls back", func(t *testing.T) {
		// A delete that raced another writer sees the conditional UPDATE
		// match zero rows; the store surfaces that as a conflict and
		// nothing else may happen.
		store := &MockStore{
			SaveTopicFunc: func(ctx context.Context, topic *Topic) error {
				return fmt.Errorf("topic %s is not live: %w", topic.ID, ErrConflict)
			},
		}
		store.SaveForumFunc = func(ctx context.Context, forum *Forum) error {
			t.Fatal("counters must not change when the row write loses")
			return nil
		}

		svc, beginner, invalidator := newTestTopicService(store)

		err := svc.DeleteTopic(context.Background(), DeleteTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
			SiteID:  fixtureSiteID,
		})

		assert.ErrorIs(t, err, ErrConflict)
		assert.False(t, beginner.tx.committed)
		assert.True(t, beginner.tx.rolledBack)
		assert.Empty(t, invalidator.keys)
	})

	t.Run("invalidates the index key the read side caches under", func(t *testing.T) {
		store := &MockStore{
			GetCategoryFunc: func(ctx context.Context, id uuid.UUID) (*Category, error) {
				category := fixtureCategory()
				category.SiteID = uuid.New()
				return category, nil
			},
		}
		svc, _, invalidator := newTestTopicService(store)

		err := svc.DeleteTopic(context.Background(), DeleteTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
			SiteID:  fixtureSiteID,
		})
		require.NoError(t, err)
		assert.Contains(t, invalidator.keys, forumIndexKey(fixtureSiteID))
	})

	t.Run("zero counter rolls back with a consistency error", func(t *testing.T) {
		store := &MockStore{
			GetForumFunc: func(ctx context.Context, id uuid.UUID) (*Forum, error) {
				forum := fixtureForum()
				forum.TopicsCount = 0
				return forum, nil
			},
		}
		svc, beginner, invalidator := newTestTopicService(store)

		err := svc.DeleteTopic(context.Background(), DeleteTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
		})

		var ce *ConsistencyError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "forum", ce.Entity)

		assert.False(t, beginner.tx.committed)
		assert.True(t, beginner.tx.rolledBack)
		assert.Empty(t, invalidator.keys)
	})

	t.Run("missing topic is not found", func(t *testing.T) {
		store := &MockStore{
			GetTopicFunc: func(ctx context.Context, id uuid.UUID) (*Topic, error) {
				return nil, ErrNotFound
			},
		}
		svc, _, _ := newTestTopicService(store)

		err := svc.DeleteTopic(context.Background(), DeleteTopic{
			ID:      fixtureTopicID,
			ForumID: fixtureForumID,
		})

		assert.ErrorIs(t, err, ErrNotFound)
	})
}
