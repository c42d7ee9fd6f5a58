package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"tailscale.com/client/tailscale/apitype"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tailcfg"
)

// MockAddr is a mock implementation of the net.Addr interface
type MockAddr struct{}

func (m *MockAddr) Network() string {
	return "tcp"
}

func (m *MockAddr) String() string {
	return "mock address"
}

// MockTx implements pgx.Tx and records the outcome of the transaction.
type MockTx struct {
	committed  bool
	rolledBack bool
	commitErr  error
}

func (m *MockTx) Begin(ctx context.Context) (pgx.Tx, error) { return m, nil }

func (m *MockTx) Commit(ctx context.Context) error {
	if m.commitErr != nil {
		return m.commitErr
	}
	m.committed = true
	return nil
}

func (m *MockTx) Rollback(ctx context.Context) error {
	if !m.committed {
		m.rolledBack = true
	}
	return nil
}

func (m *MockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (m *MockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }

func (m *MockTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (m *MockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

func (m *MockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (m *MockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (m *MockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }

func (m *MockTx) Conn() *pgx.Conn { return nil }

// MockBeginner implements TxBeginner and hands out a single MockTx.
type MockBeginner struct {
	tx       *MockTx
	beginErr error
}

func (m *MockBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	if m.tx == nil {
		m.tx = &MockTx{}
	}
	return m.tx, nil
}

// MockStore implements ExtendedStore with overridable functions. Methods
// without an override return fixture data keyed by fixture ids.
type MockStore struct {
	GetTopicFunc             func(ctx context.Context, id uuid.UUID) (*Topic, error)
	GetForumFunc             func(ctx context.Context, id uuid.UUID) (*Forum, error)
	GetCategoryFunc          func(ctx context.Context, id uuid.UUID) (*Category, error)
	GetMemberFunc            func(ctx context.Context, id uuid.UUID) (*Member, error)
	GetTopicForUpdateFunc    func(ctx context.Context, id uuid.UUID) (*Topic, error)
	GetForumForUpdateFunc    func(ctx context.Context, id uuid.UUID) (*Forum, error)
	GetCategoryForUpdateFunc func(ctx context.Context, id uuid.UUID) (*Category, error)
	GetMemberForUpdateFunc   func(ctx context.Context, id uuid.UUID) (*Member, error)
	CreateOrReturnMemberFunc func(ctx context.Context, login string) (*Member, error)
	TopicTitleExistsFunc     func(ctx context.Context, forumID uuid.UUID, title string, excludeID uuid.UUID) (bool, error)
	InsertTopicFunc          func(ctx context.Context, topic *Topic) error
	SaveTopicFunc            func(ctx context.Context, topic *Topic) error
	SaveForumFunc            func(ctx context.Context, forum *Forum) error
	SaveCategoryFunc         func(ctx context.Context, category *Category) error
	SaveMemberFunc           func(ctx context.Context, member *Member) error
	InsertEventFunc          func(ctx context.Context, event Event) error
	ListForumsFunc           func(ctx context.Context) ([]ForumSummary, error)
	ListTopicsFunc           func(ctx context.Context, forumID uuid.UUID) ([]TopicSummary, error)
	ListEventsFunc           func(ctx context.Context, targetID uuid.UUID) ([]Event, error)
}

var (
	fixtureSiteID     = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	fixtureCategoryID = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	fixtureForumID    = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
	fixtureMemberID   = uuid.MustParse("00000000-0000-0000-0000-00000000000d")
	fixtureTopicID    = uuid.MustParse("00000000-0000-0000-0000-00000000000e")
)

func fixtureCategory() *Category {
	return &Category{
		ID:          fixtureCategoryID,
		SiteID:      fixtureSiteID,
		Name:        "General",
		TopicsCount: 3,
	}
}

func fixtureForum() *Forum {
	return &Forum{
		ID:          fixtureForumID,
		CategoryID:  fixtureCategoryID,
		Name:        "Mock Forum",
		Slug:        "mock-forum",
		TopicsCount: 3,
	}
}

func fixtureMember() *Member {
	return &Member{
		ID:          fixtureMemberID,
		IdentityID:  "mock@example.com",
		Email:       "mock@example.com",
		DisplayName: "mock",
		TopicsCount: 3,
		DateJoined:  time.Now(),
	}
}

func fixtureTopic() *Topic {
	return &Topic{
		ID:        fixtureTopicID,
		ForumID:   fixtureForumID,
		MemberID:  fixtureMemberID,
		Title:     "Mock Topic",
		Slug:      "mock-topic",
		Content:   "Mock topic content",
		Status:    StatusPublished,
		CreatedAt: time.Now(),
	}
}

func (m *MockStore) WithTx(tx pgx.Tx) ExtendedStore { return m }

func (m *MockStore) GetTopic(ctx context.Context, id uuid.UUID) (*Topic, error) {
	if m.GetTopicFunc != nil {
		return m.GetTopicFunc(ctx, id)
	}
	return fixtureTopic(), nil
}

func (m *MockStore) GetForum(ctx context.Context, id uuid.UUID) (*Forum, error) {
	if m.GetForumFunc != nil {
		return m.GetForumFunc(ctx, id)
	}
	return fixtureForum(), nil
}

func (m *MockStore) GetCategory(ctx context.Context, id uuid.UUID) (*Category, error) {
	if m.GetCategoryFunc != nil {
		return m.GetCategoryFunc(ctx, id)
	}
	return fixtureCategory(), nil
}

func (m *MockStore) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	if m.GetMemberFunc != nil {
		return m.GetMemberFunc(ctx, id)
	}
	return fixtureMember(), nil
}

// The ForUpdate variants fall through to their unlocked counterparts so
// tests that do not care about locking set up only the Get*Funcs.

func (m *MockStore) GetTopicForUpdate(ctx context.Context, id uuid.UUID) (*Topic, error) {
	if m.GetTopicForUpdateFunc != nil {
		return m.GetTopicForUpdateFunc(ctx, id)
	}
	return m.GetTopic(ctx, id)
}

func (m *MockStore) GetForumForUpdate(ctx context.Context, id uuid.UUID) (*Forum, error) {
	if m.GetForumForUpdateFunc != nil {
		return m.GetForumForUpdateFunc(ctx, id)
	}
	return m.GetForum(ctx, id)
}

func (m *MockStore) GetCategoryForUpdate(ctx context.Context, id uuid.UUID) (*Category, error) {
	if m.GetCategoryForUpdateFunc != nil {
		return m.GetCategoryForUpdateFunc(ctx, id)
	}
	return m.GetCategory(ctx, id)
}

func (m *MockStore) GetMemberForUpdate(ctx context.Context, id uuid.UUID) (*Member, error) {
	if m.GetMemberForUpdateFunc != nil {
		return m.GetMemberForUpdateFunc(ctx, id)
	}
	return m.GetMember(ctx, id)
}

func (m *MockStore) CreateOrReturnMember(ctx context.Context, login string) (*Member, error) {
	if m.CreateOrReturnMemberFunc != nil {
		return m.CreateOrReturnMemberFunc(ctx, login)
	}
	return fixtureMember(), nil
}

func (m *MockStore) TopicTitleExists(ctx context.Context, forumID uuid.UUID, title string, excludeID uuid.UUID) (bool, error) {
	if m.TopicTitleExistsFunc != nil {
		return m.TopicTitleExistsFunc(ctx, forumID, title, excludeID)
	}
	return false, nil
}

func (m *MockStore) InsertTopic(ctx context.Context, topic *Topic) error {
	if m.InsertTopicFunc != nil {
		return m.InsertTopicFunc(ctx, topic)
	}
	return nil
}

func (m *MockStore) SaveTopic(ctx context.Context, topic *Topic) error {
	if m.SaveTopicFunc != nil {
		return m.SaveTopicFunc(ctx, topic)
	}
	return nil
}

func (m *MockStore) SaveForum(ctx context.Context, forum *Forum) error {
	if m.SaveForumFunc != nil {
		return m.SaveForumFunc(ctx, forum)
	}
	return nil
}

func (m *MockStore) SaveCategory(ctx context.Context, category *Category) error {
	if m.SaveCategoryFunc != nil {
		return m.SaveCategoryFunc(ctx, category)
	}
	return nil
}

func (m *MockStore) SaveMember(ctx context.Context, member *Member) error {
	if m.SaveMemberFunc != nil {
		return m.SaveMemberFunc(ctx, member)
	}
	return nil
}

func (m *MockStore) InsertEvent(ctx context.Context, event Event) error {
	if m.InsertEventFunc != nil {
		return m.InsertEventFunc(ctx, event)
	}
	return nil
}

func (m *MockStore) ListForums(ctx context.Context) ([]ForumSummary, error) {
	if m.ListForumsFunc != nil {
		return m.ListForumsFunc(ctx)
	}
	return []ForumSummary{{Forum: *fixtureForum(), CategoryName: "General", SiteID: fixtureSiteID}}, nil
}

func (m *MockStore) ListTopics(ctx context.Context, forumID uuid.UUID) ([]TopicSummary, error) {
	if m.ListTopicsFunc != nil {
		return m.ListTopicsFunc(ctx, forumID)
	}
	return []TopicSummary{{Topic: *fixtureTopic(), AuthorEmail: "mock@example.com"}}, nil
}

func (m *MockStore) ListEvents(ctx context.Context, targetID uuid.UUID) ([]Event, error) {
	if m.ListEventsFunc != nil {
		return m.ListEventsFunc(ctx, targetID)
	}
	return nil, nil
}

// MockValidator implements TopicValidator.
type MockValidator struct {
	ValidateCreateFunc func(ctx context.Context, cmd CreateTopic) (ValidationErrors, error)
	ValidateUpdateFunc func(ctx context.Context, cmd UpdateTopic) (ValidationErrors, error)
}

func (m *MockValidator) ValidateCreate(ctx context.Context, cmd CreateTopic) (ValidationErrors, error) {
	if m.ValidateCreateFunc != nil {
		return m.ValidateCreateFunc(ctx, cmd)
	}
	return nil, nil
}

func (m *MockValidator) ValidateUpdate(ctx context.Context, cmd UpdateTopic) (ValidationErrors, error) {
	if m.ValidateUpdateFunc != nil {
		return m.ValidateUpdateFunc(ctx, cmd)
	}
	return nil, nil
}

// MockInvalidator records invalidated keys.
type MockInvalidator struct {
	keys []string
}

func (m *MockInvalidator) Invalidate(ctx context.Context, keys ...string) {
	m.keys = append(m.keys, keys...)
}

func (m *MockInvalidator) GetPage(ctx context.Context, key string) ([]byte, bool) { return nil, false }

func (m *MockInvalidator) SetPage(ctx context.Context, key string, body []byte) {}

// MockTailscaleClient is a mock implementation of TailscaleClient
type MockTailscaleClient struct {
	WhoIsFunc func(ctx context.Context, remoteAddr string) (*apitype.WhoIsResponse, error)
}

func (m *MockTailscaleClient) WhoIs(ctx context.Context, remoteAddr string) (*apitype.WhoIsResponse, error) {
	if m.WhoIsFunc != nil {
		return m.WhoIsFunc(ctx, remoteAddr)
	}

	return &apitype.WhoIsResponse{
		UserProfile: &tailcfg.UserProfile{
			LoginName: "mock@example.com",
		},
	}, nil
}

func (m *MockTailscaleClient) ExpandSNIName(ctx context.Context, name string) (string, bool) {
	return name + ".mock.ts.net", true
}

func (m *MockTailscaleClient) Status(ctx context.Context) (*ipnstate.Status, error) {
	return &ipnstate.Status{BackendState: "Running"}, nil
}

func (m *MockTailscaleClient) StatusWithoutPeers(ctx context.Context) (*ipnstate.Status, error) {
	return &ipnstate.Status{BackendState: "Running"}, nil
}
