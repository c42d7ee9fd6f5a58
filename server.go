package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mveld/tforum/middleware"
	"tailscale.com/client/tailscale/apitype"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
	tsnetlog "tailscale.com/types/logger"
)

const BOARD_TITLE = "tforum"

type TailscaleClient interface {
	WhoIs(ctx context.Context, remoteAddr string) (*apitype.WhoIsResponse, error)
	ExpandSNIName(ctx context.Context, name string) (fqdn string, ok bool)
	Status(ctx context.Context) (*ipnstate.Status, error)
	StatusWithoutPeers(ctx context.Context) (*ipnstate.Status, error)
}

func checkTailscaleReady(ctx context.Context, lc TailscaleClient, logger *slog.Logger) error {
	for {
		st, err := lc.Status(ctx)
		if err != nil {
			return fmt.Errorf("error retrieving tailscale status; retrying: %w", err)
		} else {
			switch st.BackendState {
			case "NoState":
				logger.DebugContext(ctx, "no state")
				time.Sleep(5 * time.Second)
				continue
			case "NeedsLogin":
				logger.InfoContext(ctx, "needs login to tailscale", slog.String("auth_url", st.AuthURL))
				time.Sleep(30 * time.Second)
				continue
			case "NeedsMachineAuth":
				logger.DebugContext(ctx, fmt.Sprintf("%v", st))
				continue
			case "Stopped":
				logger.InfoContext(ctx, "tsnet stopped")
				return nil
			case "Starting":
				logger.InfoContext(ctx, "starting tsnet")
				continue
			case "Running":
				nopeers, err := lc.StatusWithoutPeers(ctx)
				if err != nil {
					logger.ErrorContext(ctx, err.Error())
				}
				logger.InfoContext(ctx, "tsnet running", "certDomains", nopeers.CertDomains)
				return nil
			}
		}
	}
}

func NewTsNetServer(dataDir *string) *tsnet.Server {
	return &tsnet.Server{
		Dir:      filepath.Join(*dataDir, "tsnet"),
		Hostname: *hostname,
		UserLogf: tsnetlog.Discard,
		Logf:     tsnetlog.Discard,
	}
}

// BoardService serves the forum pages over the tailnet and routes every
// topic mutation through TopicService. The tailnet identity from WhoIs
// is the only authentication: members are provisioned on first sight.
type BoardService struct {
	tailClient TailscaleClient
	logger     *slog.Logger
	topics     *TopicService
	store      Store
	cache      PageCache
	tmpls      *template.Template
	siteID     uuid.UUID
	httpsURL   string
	version    string
	gitSha     string
}

func NewBoardService(tailClient TailscaleClient,
	logger *slog.Logger,
	topics *TopicService,
	store Store,
	cache PageCache,
	tmpls *template.Template,
	siteID uuid.UUID,
	httpsURL string,
	version string,
	gitSha string,
) *BoardService {
	return &BoardService{
		tailClient: tailClient,
		logger:     logger,
		topics:     topics,
		store:      store,
		cache:      cache,
		tmpls:      tmpls,
		siteID:     siteID,
		httpsURL:   httpsURL,
		version:    version,
		gitSha:     gitSha,
	}
}

func (s *BoardService) GetTailscaleUserEmail(r *http.Request) (string, error) {
	user, err := s.tailClient.WhoIs(r.Context(), r.RemoteAddr)
	if err != nil {
		s.logger.Debug("get tailscale user email", slog.String("error", err.Error()))
		return "", err
	}

	s.logger.Debug("get tailscale user email", slog.String("user", user.UserProfile.LoginName))
	return user.UserProfile.LoginName, nil
}

// currentMember resolves the request's tailnet identity to a board
// member, creating the member row on first sight. The auth middleware
// normally resolves this already; the WhoIs path covers direct use.
func (s *BoardService) currentMember(r *http.Request) (*Member, error) {
	if cm, ok := middleware.GetMember(r.Context()); ok {
		return s.store.GetMember(r.Context(), cm.ID)
	}

	email, err := s.GetTailscaleUserEmail(r)
	if err != nil {
		return nil, err
	}

	return s.store.CreateOrReturnMember(r.Context(), email)
}

// boardAuthProvider adapts the store to the middleware auth contract.
type boardAuthProvider struct {
	tailClient TailscaleClient
	store      Store
}

func NewBoardAuthProvider(tailClient TailscaleClient, store Store) middleware.AuthProvider {
	return &boardAuthProvider{tailClient: tailClient, store: store}
}

func (p *boardAuthProvider) GetUserEmail(r *http.Request) (string, error) {
	who, err := p.tailClient.WhoIs(r.Context(), r.RemoteAddr)
	if err != nil {
		return "", fmt.Errorf("failed to get WhoIs: %w", err)
	}

	if who.UserProfile == nil || who.UserProfile.LoginName == "" {
		return "", fmt.Errorf("no user profile in WhoIs response")
	}

	return who.UserProfile.LoginName, nil
}

func (p *boardAuthProvider) CreateOrGetMember(ctx context.Context, email string) (*middleware.ContextMember, error) {
	member, err := p.store.CreateOrReturnMember(ctx, email)
	if err != nil {
		return nil, err
	}

	return &middleware.ContextMember{
		ID:      member.ID,
		Email:   member.Email,
		IsAdmin: member.IsAdmin,
	}, nil
}

// Template data types.

type TopicTemplateData struct {
	ID           uuid.UUID
	Slug         string
	Title        template.HTML
	Description  string
	AuthorEmail  string
	RepliesCount int
	Pinned       bool
	Locked       bool
	CreatedAt    time.Time
}

type ForumTemplateData struct {
	ID           uuid.UUID
	Name         string
	Description  string
	CategoryName string
	TopicsCount  int
	RepliesCount int
}

type EventTemplateData struct {
	Type       string
	OccurredAt time.Time
	Payload    string
}

// ListForums displays the forum index grouped by category.
func (s *BoardService) ListForums(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" || r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	member, err := s.currentMember(r)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	fragment, ok := s.cache.GetPage(r.Context(), forumIndexKey(s.siteID))
	if !ok {
		forums, err := s.store.ListForums(r.Context())
		if err != nil {
			s.renderError(w, r, err)
			return
		}

		parsed := make([]ForumTemplateData, len(forums))
		for i, f := range forums {
			parsed[i] = ForumTemplateData{
				ID:           f.ID,
				Name:         parseHTMLStrict(f.Name),
				Description:  parseHTMLStrict(f.Description),
				CategoryName: parseHTMLStrict(f.CategoryName),
				TopicsCount:  f.TopicsCount,
				RepliesCount: f.RepliesCount,
			}
		}

		var buf bytes.Buffer
		if err := s.tmpls.ExecuteTemplate(&buf, "forumlist", map[string]interface{}{"Forums": parsed}); err != nil {
			s.renderError(w, r, err)
			return
		}
		fragment = buf.Bytes()
		s.cache.SetPage(r.Context(), forumIndexKey(s.siteID), fragment)
	}

	s.renderTemplate(w, r, "index.html", map[string]interface{}{
		"Title": BOARD_TITLE,
		// nosemgrep
		"Forums":           template.HTML(fragment),
		"CurrentUserEmail": member.Email,
		"IsAdmin":          member.IsAdmin,
		"Version":          s.version,
		"GitSha":           s.gitSha,
	})
}

// ListTopics displays the live topics of one forum, pinned first.
func (s *BoardService) ListTopics(w http.ResponseWriter, r *http.Request) {
	forumID, err := parseID(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	member, err := s.currentMember(r)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	forum, err := s.store.GetForum(r.Context(), forumID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	fragment, ok := s.cache.GetPage(r.Context(), forumTopicsKey(forumID))
	if !ok {
		topics, err := s.store.ListTopics(r.Context(), forumID)
		if err != nil {
			s.renderError(w, r, err)
			return
		}

		parsed := make([]TopicTemplateData, len(topics))
		for i, t := range topics {
			title := parseHTMLStrict(parseMarkdownToHTML(t.Title))

			parsed[i] = TopicTemplateData{
				ID:   t.ID,
				Slug: t.Slug,
				// nosemgrep
				Title:        template.HTML(title),
				Description:  parseHTMLStrict(t.Description),
				AuthorEmail:  t.AuthorEmail,
				RepliesCount: t.RepliesCount,
				Pinned:       t.Pinned,
				Locked:       t.Locked,
				CreatedAt:    t.CreatedAt,
			}
		}

		var buf bytes.Buffer
		if err := s.tmpls.ExecuteTemplate(&buf, "topiclist", map[string]interface{}{"Topics": parsed}); err != nil {
			s.renderError(w, r, err)
			return
		}
		fragment = buf.Bytes()
		s.cache.SetPage(r.Context(), forumTopicsKey(forumID), fragment)
	}

	s.renderTemplate(w, r, "forum.html", map[string]interface{}{
		"Title":     BOARD_TITLE + " - " + parseHTMLStrict(forum.Name),
		"ForumID":   forum.ID,
		"ForumName": parseHTMLStrict(forum.Name),
		// nosemgrep
		"Topics":           template.HTML(fragment),
		"CurrentUserEmail": member.Email,
		"IsAdmin":          member.IsAdmin,
		"Version":          s.version,
		"GitSha":           s.gitSha,
	})
}

// ShowTopic displays one topic. Deleted topics 404 like they never
// existed.
func (s *BoardService) ShowTopic(w http.ResponseWriter, r *http.Request) {
	topicID, err := parseID(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	member, err := s.currentMember(r)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	topic, err := s.store.GetTopic(r.Context(), topicID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if topic.IsDeleted() {
		http.NotFound(w, r)
		return
	}

	fragment, ok := s.cache.GetPage(r.Context(), topicPageKey(topicID))
	if !ok {
		// nosemgrep
		body := template.HTML(parseHTMLLessStrict(parseMarkdownToHTML(topic.Content)))
		title := parseHTMLStrict(parseMarkdownToHTML(topic.Title))

		var buf bytes.Buffer
		err := s.tmpls.ExecuteTemplate(&buf, "topicbody", map[string]interface{}{
			// nosemgrep
			"Subject":     template.HTML(title),
			"Description": parseHTMLStrict(topic.Description),
			"Body":        body,
			"Locked":      topic.Locked,
			"Pinned":      topic.Pinned,
			"CreatedAt":   topic.CreatedAt,
		})
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		fragment = buf.Bytes()
		s.cache.SetPage(r.Context(), topicPageKey(topicID), fragment)
	}

	s.renderTemplate(w, r, "topic.html", map[string]interface{}{
		"Title":   BOARD_TITLE,
		"ID":      topic.ID,
		"ForumID": topic.ForumID,
		// nosemgrep
		"Topic":            template.HTML(fragment),
		"Locked":           topic.Locked,
		"Pinned":           topic.Pinned,
		"IsAuthor":         topic.MemberID == member.ID,
		"CurrentUserEmail": member.Email,
		"IsAdmin":          member.IsAdmin,
		"Version":          s.version,
		"GitSha":           s.gitSha,
	})
}

// NewTopic displays the new-topic form for a forum.
func (s *BoardService) NewTopic(w http.ResponseWriter, r *http.Request) {
	forumID, err := parseID(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	member, err := s.currentMember(r)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	forum, err := s.store.GetForum(r.Context(), forumID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	s.renderTemplate(w, r, "newtopic.html", map[string]interface{}{
		"Title":     BOARD_TITLE + " - New Topic",
		"ForumID":   forum.ID,
		"ForumName": parseHTMLStrict(forum.Name),
		"User":      member.Email,
		"Version":   s.version,
		"GitSha":    s.gitSha,
	})
}

// CreateTopic handles the new-topic form submission.
func (s *BoardService) CreateTopic(w http.ResponseWriter, r *http.Request) {
	forumID, err := parseID(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, fmt.Errorf("bad request"))
		return
	}

	member, err := s.currentMember(r)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	cmd := CreateTopic{
		ForumID:     forumID,
		SiteID:      s.siteID,
		MemberID:    member.ID,
		Title:       parseHTMLStrict(SanitizeInput(r.Form.Get("title"))),
		Description: parseHTMLStrict(SanitizeInput(r.Form.Get("description"))),
		Content:     SanitizeInput(r.Form.Get("content")),
		Status:      StatusPublished,
	}

	topic, err := s.topics.CreateTopic(r.Context(), cmd)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	http.Redirect(w, r, fmt.Sprintf("/topic/%s", topic.ID), http.StatusSeeOther)
}

// EditTopic displays and handles the edit form. Only the author or an
// admin may edit.
func (s *BoardService) EditTopic(w http.ResponseWriter, r *http.Request) {
	topicID, err := parseID(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	member, err := s.currentMember(r)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	topic, err := s.store.GetTopic(r.Context(), topicID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	if topic.MemberID != member.ID && !member.IsAdmin {
		s.renderStatus(w, r, fmt.Errorf("unauthorized"), http.StatusForbidden)
		return
	}

	if r.Method == http.MethodGet {
		s.renderTemplate(w, r, "edittopic.html", map[string]interface{}{
			"Title":   BOARD_TITLE + " - Edit Topic",
			"ID":      topic.ID,
			"ForumID": topic.ForumID,
			"Subject": topic.Title,
			"Content": topic.Content,
			"User":    member.Email,
			"Version": s.version,
			"GitSha":  s.gitSha,
		})
		return
	}

	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, fmt.Errorf("bad request"))
		return
	}

	cmd := UpdateTopic{
		ID:      topic.ID,
		ForumID: topic.ForumID,
		SiteID:  s.siteID,
		Title:   parseHTMLStrict(SanitizeInput(r.Form.Get("title"))),
		Content: SanitizeInput(r.Form.Get("content")),
	}

	if err := s.topics.UpdateTopic(r.Context(), cmd); err != nil {
		s.renderError(w, r, err)
		return
	}

	http.Redirect(w, r, fmt.Sprintf("/topic/%s", topic.ID), http.StatusSeeOther)
}

// PinTopic handles the admin pin/unpin action.
func (s *BoardService) PinTopic(w http.ResponseWriter, r *http.Request) {
	topic, member, ok := s.adminTopicAction(w, r)
	if !ok {
		return
	}

	cmd := PinTopic{
		ID:      topic.ID,
		ForumID: topic.ForumID,
		SiteID:  s.siteID,
		Pinned:  r.Form.Get("pinned") == "true",
	}

	if err := s.topics.PinTopic(r.Context(), cmd); err != nil {
		s.renderError(w, r, err)
		return
	}

	s.logger.InfoContext(r.Context(), "moderation action",
		slog.String("action", "pin"),
		slog.String("topic_id", topic.ID.String()),
		slog.String("admin", member.Email))

	http.Redirect(w, r, fmt.Sprintf("/topic/%s", topic.ID), http.StatusSeeOther)
}

// LockTopic handles the admin lock/unlock action.
func (s *BoardService) LockTopic(w http.ResponseWriter, r *http.Request) {
	topic, member, ok := s.adminTopicAction(w, r)
	if !ok {
		return
	}

	cmd := LockTopic{
		ID:      topic.ID,
		ForumID: topic.ForumID,
		SiteID:  s.siteID,
		Locked:  r.Form.Get("locked") == "true",
	}

	if err := s.topics.LockTopic(r.Context(), cmd); err != nil {
		s.renderError(w, r, err)
		return
	}

	s.logger.InfoContext(r.Context(), "moderation action",
		slog.String("action", "lock"),
		slog.String("topic_id", topic.ID.String()),
		slog.String("admin", member.Email))

	http.Redirect(w, r, fmt.Sprintf("/topic/%s", topic.ID), http.StatusSeeOther)
}

// DeleteTopic handles the admin delete action.
func (s *BoardService) DeleteTopic(w http.ResponseWriter, r *http.Request) {
	topic, member, ok := s.adminTopicAction(w, r)
	if !ok {
		return
	}

	cmd := DeleteTopic{
		ID:      topic.ID,
		ForumID: topic.ForumID,
		SiteID:  s.siteID,
	}

	if err := s.topics.DeleteTopic(r.Context(), cmd); err != nil {
		s.renderError(w, r, err)
		return
	}

	s.logger.InfoContext(r.Context(), "moderation action",
		slog.String("action", "delete"),
		slog.String("topic_id", topic.ID.String()),
		slog.String("admin", member.Email))

	http.Redirect(w, r, fmt.Sprintf("/forum/%s", topic.ForumID), http.StatusSeeOther)
}

// ListEvents displays the audit trail of one topic to admins.
func (s *BoardService) ListEvents(w http.ResponseWriter, r *http.Request) {
	topicID, err := parseID(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	member, err := s.currentMember(r)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	if !member.IsAdmin {
		s.renderStatus(w, r, fmt.Errorf("unauthorized"), http.StatusForbidden)
		return
	}

	events, err := s.store.ListEvents(r.Context(), topicID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	parsed := make([]EventTemplateData, len(events))
	for i, ev := range events {
		parsed[i] = EventTemplateData{
			Type:       string(ev.Type),
			OccurredAt: ev.OccurredAt,
			Payload:    string(ev.Payload),
		}
	}

	s.renderTemplate(w, r, "events.html", map[string]interface{}{
		"Title":   BOARD_TITLE + " - Events",
		"ID":      topicID,
		"Events":  parsed,
		"Version": s.version,
		"GitSha":  s.gitSha,
	})
}

// adminTopicAction parses the form, checks the admin gate and loads the
// target topic for a moderation POST.
func (s *BoardService) adminTopicAction(w http.ResponseWriter, r *http.Request) (*Topic, *Member, bool) {
	topicID, err := parseID(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return nil, nil, false
	}

	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, fmt.Errorf("bad request"))
		return nil, nil, false
	}

	member, err := s.currentMember(r)
	if err != nil {
		s.renderError(w, r, err)
		return nil, nil, false
	}

	if !member.IsAdmin {
		s.renderStatus(w, r, fmt.Errorf("unauthorized"), http.StatusForbidden)
		return nil, nil, false
	}

	topic, err := s.store.GetTopic(r.Context(), topicID)
	if err != nil {
		s.renderError(w, r, err)
		return nil, nil, false
	}

	return topic, member, true
}

func (s *BoardService) renderTemplate(w http.ResponseWriter, r *http.Request, tmpl string, data map[string]interface{}) {
	if err := s.tmpls.ExecuteTemplate(w, tmpl, data); err != nil {
		s.logger.ErrorContext(r.Context(), err.Error())
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
	}
}

// renderError maps service errors onto HTTP statuses: validation
// failures are 400, missing rows 404, state conflicts 409, everything
// else 500.
func (s *BoardService) renderError(w http.ResponseWriter, r *http.Request, err error) {
	var failures ValidationErrors
	if errors.As(err, &failures) {
		s.logger.InfoContext(r.Context(), "validation failed", slog.String("error", failures.Error()))
		http.Error(w, failures.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case errors.Is(err, ErrNotFound):
		http.NotFound(w, r)
	case errors.Is(err, ErrConflict):
		s.logger.InfoContext(r.Context(), "conflict", slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		s.renderStatus(w, r, err, http.StatusInternalServerError)
	}
}

func (s *BoardService) renderStatus(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	s.logger.ErrorContext(r.Context(), err.Error())
	http.Error(w, http.StatusText(statusCode), statusCode)
}
