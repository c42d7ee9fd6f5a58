package main

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidationError represents a single field-level rule violation.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors. A non-empty
// list aborts the operation before any storage is touched.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// Validator accumulates field validation failures.
type Validator struct {
	errors ValidationErrors
}

func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Message: message,
	})
}

// ValidateRequired validates that a field is not empty
func (v *Validator) ValidateRequired(field, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		v.AddError(field, "is required")
		return false
	}
	return true
}

// ValidateMaxLength validates maximum length
func (v *Validator) ValidateMaxLength(field, value string, maxLength int) bool {
	if utf8.RuneCountInString(value) > maxLength {
		v.AddError(field, fmt.Sprintf("must not exceed %d characters", maxLength))
		return false
	}
	return true
}

// ValidateMinLength validates minimum length
func (v *Validator) ValidateMinLength(field, value string, minLength int) bool {
	if utf8.RuneCountInString(value) < minLength {
		v.AddError(field, fmt.Sprintf("must be at least %d characters", minLength))
		return false
	}
	return true
}

// ValidateID validates that an id is set.
func (v *Validator) ValidateID(field string, id uuid.UUID) bool {
	if id == uuid.Nil {
		v.AddError(field, "is required")
		return false
	}
	return true
}

// Form validation constants
const (
	MaxTitleLength       = 100
	MaxSlugLength        = 50
	MaxDescriptionLength = 200
	MaxContentLength     = 10000
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// validateTopicFields holds the rules shared by create and update.
func validateTopicFields(v *Validator, title, slug, content string) {
	if v.ValidateRequired("title", title) {
		v.ValidateMinLength("title", title, 1)
		v.ValidateMaxLength("title", title, MaxTitleLength)
	}

	if slug != "" {
		v.ValidateMaxLength("slug", slug, MaxSlugLength)
		if !slugPattern.MatchString(slug) {
			v.AddError("slug", "must contain only lowercase letters, digits and hyphens")
		}
	}

	if v.ValidateRequired("content", content) {
		v.ValidateMaxLength("content", content, MaxContentLength)
	}
}

// ValidateCreateTopicFields runs the pure field rules for CreateTopic.
// Uniqueness and existence checks live in TopicRules.
func ValidateCreateTopicFields(cmd CreateTopic) ValidationErrors {
	v := NewValidator()

	v.ValidateID("forumId", cmd.ForumID)
	v.ValidateID("memberId", cmd.MemberID)
	validateTopicFields(v, cmd.Title, cmd.Slug, cmd.Content)
	v.ValidateMaxLength("description", cmd.Description, MaxDescriptionLength)

	if cmd.Status != StatusPublished {
		v.AddError("status", "new topics must be published")
	}

	return v.Errors()
}

// ValidateUpdateTopicFields runs the pure field rules for UpdateTopic.
func ValidateUpdateTopicFields(cmd UpdateTopic) ValidationErrors {
	v := NewValidator()

	v.ValidateID("id", cmd.ID)
	v.ValidateID("forumId", cmd.ForumID)
	validateTopicFields(v, cmd.Title, cmd.Slug, cmd.Content)

	return v.Errors()
}

// TopicValidator is the validation pipeline consumed by TopicService.
// The returned ValidationErrors are expected, caller-facing outcomes;
// the error return is reserved for lookup failures.
type TopicValidator interface {
	ValidateCreate(ctx context.Context, cmd CreateTopic) (ValidationErrors, error)
	ValidateUpdate(ctx context.Context, cmd UpdateTopic) (ValidationErrors, error)
}

// TopicRules composes the field rules with live checks against storage:
// title uniqueness is scoped to the forum.
type TopicRules struct {
	store Store
}

func NewTopicRules(store Store) *TopicRules {
	return &TopicRules{store: store}
}

func (r *TopicRules) ValidateCreate(ctx context.Context, cmd CreateTopic) (ValidationErrors, error) {
	failures := ValidateCreateTopicFields(cmd)
	if len(failures) > 0 {
		return failures, nil
	}

	taken, err := r.store.TopicTitleExists(ctx, cmd.ForumID, cmd.Title, uuid.Nil)
	if err != nil {
		return nil, fmt.Errorf("check title uniqueness: %w", err)
	}
	if taken {
		failures = append(failures, ValidationError{
			Field:   "title",
			Message: fmt.Sprintf("a topic titled %q already exists in this forum", cmd.Title),
		})
	}

	return failures, nil
}

func (r *TopicRules) ValidateUpdate(ctx context.Context, cmd UpdateTopic) (ValidationErrors, error) {
	failures := ValidateUpdateTopicFields(cmd)
	if len(failures) > 0 {
		return failures, nil
	}

	taken, err := r.store.TopicTitleExists(ctx, cmd.ForumID, cmd.Title, cmd.ID)
	if err != nil {
		return nil, fmt.Errorf("check title uniqueness: %w", err)
	}
	if taken {
		failures = append(failures, ValidationError{
			Field:   "title",
			Message: fmt.Sprintf("a topic titled %q already exists in this forum", cmd.Title),
		})
	}

	return failures, nil
}

// SanitizeInput performs basic input sanitization
func SanitizeInput(input string) string {
	// Normalize line endings: CRLF -> LF, standalone CR -> LF
	input = strings.ReplaceAll(input, "\r\n", "\n")
	input = strings.ReplaceAll(input, "\r", "\n")

	input = strings.TrimSpace(input)

	// Normalize multiple newlines to max of 2 (allow paragraph breaks)
	newlineRegex := regexp.MustCompile(`\n{3,}`)
	input = newlineRegex.ReplaceAllString(input, "\n\n")

	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	return input
}
