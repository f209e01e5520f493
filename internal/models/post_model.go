package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/maheshrc27/postpilot/internal/apperr"
)

type PostStatus string

const (
	PostStatusPending    PostStatus = "pending"
	PostStatusApproved   PostStatus = "approved"
	PostStatusScheduled  PostStatus = "scheduled"
	PostStatusPublishing PostStatus = "publishing"
	PostStatusPublished  PostStatus = "published"
	PostStatusFailed     PostStatus = "failed"
	PostStatusCancelled  PostStatus = "cancelled"
)

// ClaimableStatuses are the states a publisher may claim a post from.
var ClaimableStatuses = []PostStatus{PostStatusApproved, PostStatusScheduled}

var cancellableStatuses = []PostStatus{PostStatusPending, PostStatusApproved, PostStatusScheduled}

func (s PostStatus) Terminal() bool {
	return s == PostStatusPublished || s == PostStatusCancelled
}

func ParsePostStatus(s string) (PostStatus, error) {
	switch st := PostStatus(s); st {
	case PostStatusPending, PostStatusApproved, PostStatusScheduled, PostStatusPublishing,
		PostStatusPublished, PostStatusFailed, PostStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown post status %q", s)
}

type MediaRef struct {
	Key         string `json:"key,omitempty"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	AltText     string `json:"alt_text,omitempty"`
}

type MediaRefs []MediaRef

func (m MediaRefs) Value() (driver.Value, error) {
	if m == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m)
}

func (m *MediaRefs) Scan(src any) error {
	return scanJSON(src, m)
}

// GenerationMeta describes a post produced by the content generator.
type GenerationMeta struct {
	Theme       string `json:"theme,omitempty"`
	City        string `json:"city,omitempty"`
	ContentType string `json:"content_type"`
	Model       string `json:"model,omitempty"`
}

func (g GenerationMeta) Value() (driver.Value, error) { return json.Marshal(g) }
func (g *GenerationMeta) Scan(src any) error         { return scanJSON(src, g) }

type ApprovalMeta struct {
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

func (a ApprovalMeta) Value() (driver.Value, error) { return json.Marshal(a) }
func (a *ApprovalMeta) Scan(src any) error         { return scanJSON(src, a) }

type CancellationMeta struct {
	Actor  string    `json:"actor"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

func (c CancellationMeta) Value() (driver.Value, error) { return json.Marshal(c) }
func (c *CancellationMeta) Scan(src any) error         { return scanJSON(src, c) }

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}

// ScheduledPost is one unit of content bound to one target account. Its status
// only moves through the transition methods below.
type ScheduledPost struct {
	ID               string            `db:"id" json:"id"`
	UserID           string            `db:"user_id" json:"user_id"`
	AccountID        string            `db:"account_id" json:"account_id"`
	Platform         Platform          `db:"platform" json:"platform"`
	Content          string            `db:"content" json:"content"`
	Title            string            `db:"title" json:"title,omitempty"`
	MediaRefs        MediaRefs         `db:"media_refs" json:"media_refs"`
	ScheduledFor     time.Time         `db:"scheduled_for" json:"scheduled_for"`
	Status           PostStatus        `db:"status" json:"status"`
	RequiresApproval bool              `db:"requires_approval" json:"requires_approval"`
	AttemptCount     int               `db:"attempt_count" json:"attempt_count"`
	MaxAttempts      int               `db:"max_attempts" json:"max_attempts"`
	LastError        string            `db:"last_error" json:"last_error,omitempty"`
	LastErrorKind    string            `db:"last_error_kind" json:"last_error_kind,omitempty"`
	LastAttemptAt    *time.Time        `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	PlatformPostID   string            `db:"platform_post_id" json:"platform_post_id,omitempty"`
	PlatformPostURL  string            `db:"platform_post_url" json:"platform_post_url,omitempty"`
	PublishedAt      *time.Time        `db:"published_at" json:"published_at,omitempty"`
	IdempotencyKey   string            `db:"idempotency_key" json:"idempotency_key"`
	Generation       *GenerationMeta   `db:"generation" json:"generation,omitempty"`
	Approval         *ApprovalMeta     `db:"approval" json:"approval,omitempty"`
	Cancellation     *CancellationMeta `db:"cancellation" json:"cancellation,omitempty"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updated_at"`
}

func (p *ScheduledPost) transition(op string, allowed []PostStatus, to PostStatus, now time.Time) error {
	if p.Status.Terminal() {
		return apperr.New(apperr.InvalidTransition, op, "post %s is %s", p.ID, p.Status)
	}
	if !slices.Contains(allowed, p.Status) {
		return apperr.New(apperr.InvalidTransition, op, "post %s cannot move from %s to %s", p.ID, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = now
	return nil
}

func (p *ScheduledPost) Approve(actor string, now time.Time) error {
	if err := p.transition("approve", []PostStatus{PostStatusPending}, PostStatusApproved, now); err != nil {
		return err
	}
	p.Approval = &ApprovalMeta{Actor: actor, At: now}
	return nil
}

// Schedule moves an approved post into the publishing queue.
func (p *ScheduledPost) Schedule(at, now time.Time) error {
	if err := p.transition("schedule", []PostStatus{PostStatusApproved}, PostStatusScheduled, now); err != nil {
		return err
	}
	p.ScheduledFor = at
	return nil
}

// BeginPublishing is the claim transition. Stores must apply it atomically.
func (p *ScheduledPost) BeginPublishing(now time.Time) error {
	if err := p.transition("claim", ClaimableStatuses, PostStatusPublishing, now); err != nil {
		return err
	}
	p.AttemptCount++
	p.LastAttemptAt = &now
	return nil
}

func (p *ScheduledPost) MarkPublished(platformPostID, platformPostURL string, now time.Time) error {
	if err := p.transition("mark_published", []PostStatus{PostStatusPublishing}, PostStatusPublished, now); err != nil {
		return err
	}
	p.PlatformPostID = platformPostID
	p.PlatformPostURL = platformPostURL
	p.PublishedAt = &now
	p.LastError = ""
	p.LastErrorKind = ""
	return nil
}

// MarkFailed records a failed attempt. Posts that never got claimed (token
// could not be refreshed) may fail straight from approved or scheduled.
func (p *ScheduledPost) MarkFailed(kind apperr.Kind, msg string, now time.Time) error {
	allowed := []PostStatus{PostStatusPublishing, PostStatusApproved, PostStatusScheduled}
	if err := p.transition("mark_failed", allowed, PostStatusFailed, now); err != nil {
		return err
	}
	p.LastError = msg
	p.LastErrorKind = kind.String()
	return nil
}

func (p *ScheduledPost) Cancel(actor, reason string, now time.Time) error {
	if err := p.transition("cancel", cancellableStatuses, PostStatusCancelled, now); err != nil {
		return err
	}
	p.Cancellation = &CancellationMeta{Actor: actor, Reason: reason, At: now}
	return nil
}

// CanRetry is true while attempts remain and the last failure was not one that
// needs a human (reauth, policy rejection).
func (p *ScheduledPost) CanRetry() bool {
	if p.Status != PostStatusFailed || p.AttemptCount >= p.MaxAttempts || p.ReachedPlatform() {
		return false
	}
	return apperr.ParseKind(p.LastErrorKind).Retryable()
}

// ReachedPlatform is true once a platform post id is known, even if the
// published state was never written.
func (p *ScheduledPost) ReachedPlatform() bool {
	return p.PlatformPostID != ""
}

func (p *ScheduledPost) ResetForRetry(now time.Time) error {
	if !p.CanRetry() {
		return apperr.New(apperr.InvalidTransition, "retry", "post %s is not retryable", p.ID)
	}
	if err := p.transition("retry", []PostStatus{PostStatusFailed}, PostStatusScheduled, now); err != nil {
		return err
	}
	p.ScheduledFor = now
	return nil
}

// Defer pushes a queued post back without counting an attempt.
func (p *ScheduledPost) Defer(until, now time.Time) error {
	if !slices.Contains(ClaimableStatuses, p.Status) {
		return apperr.New(apperr.InvalidTransition, "defer", "post %s is %s", p.ID, p.Status)
	}
	p.ScheduledFor = until
	p.UpdatedAt = now
	return nil
}

func (p *ScheduledPost) Clone() *ScheduledPost {
	if p == nil {
		return nil
	}
	c := *p
	c.MediaRefs = slices.Clone(p.MediaRefs)
	if p.LastAttemptAt != nil {
		t := *p.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if p.PublishedAt != nil {
		t := *p.PublishedAt
		c.PublishedAt = &t
	}
	if p.Generation != nil {
		g := *p.Generation
		c.Generation = &g
	}
	if p.Approval != nil {
		a := *p.Approval
		c.Approval = &a
	}
	if p.Cancellation != nil {
		x := *p.Cancellation
		c.Cancellation = &x
	}
	return &c
}
