package models

import (
	"time"
)

// Account is a connected platform identity. Accounts are never deleted;
// Disconnect leaves the row in place for the audit trail.
type Account struct {
	ID             string     `db:"id" json:"id"`
	UserID         string     `db:"user_id" json:"user_id"`
	Platform       Platform   `db:"platform" json:"platform"`
	ExternalID     string     `db:"external_id" json:"external_id"`
	Username       string     `db:"username" json:"username"`
	DisplayName    string     `db:"display_name" json:"display_name"`
	IsActive       bool       `db:"is_active" json:"is_active"`
	IsTokenValid   bool       `db:"is_token_valid" json:"is_token_valid"`
	RequiresReauth bool       `db:"requires_reauth" json:"requires_reauth"`
	ReauthReason   string     `db:"reauth_reason" json:"reauth_reason,omitempty"`
	TokenExpiresAt time.Time  `db:"token_expires_at" json:"token_expires_at"`
	AccessTokenID  string     `db:"access_token_id" json:"-"`
	RefreshTokenID string     `db:"refresh_token_id" json:"-"`
	LastPostAt     *time.Time `db:"last_post_at" json:"last_post_at,omitempty"`
	DisconnectedAt *time.Time `db:"disconnected_at" json:"disconnected_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	// Version increments on every write; updates are compare-and-swap on it.
	Version int64 `db:"version" json:"-"`
}

// CanPublish reports whether the account may publish without refreshing first.
func (a *Account) CanPublish(now time.Time, safetyWindow time.Duration) bool {
	return a.IsActive && a.IsTokenValid && a.TokenExpiresAt.After(now.Add(safetyWindow))
}

// MarkInvalid flags the account for reauth. It does not disconnect.
func (a *Account) MarkInvalid(reason string, now time.Time) {
	a.IsTokenValid = false
	a.RequiresReauth = true
	a.ReauthReason = reason
	a.UpdatedAt = now
}

// Disconnect deactivates the account. The caller revokes the tokens.
func (a *Account) Disconnect(now time.Time) {
	a.IsActive = false
	a.IsTokenValid = false
	a.DisconnectedAt = &now
	a.UpdatedAt = now
}

func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.LastPostAt != nil {
		t := *a.LastPostAt
		c.LastPostAt = &t
	}
	if a.DisconnectedAt != nil {
		t := *a.DisconnectedAt
		c.DisconnectedAt = &t
	}
	return &c
}
