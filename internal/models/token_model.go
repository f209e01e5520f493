package models

import "time"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Token is an encrypted OAuth credential. Only the vault ever sees the
// plaintext.
type Token struct {
	ID              string     `db:"id" json:"id"`
	AccountID       string     `db:"account_id" json:"account_id"`
	Type            TokenType  `db:"type" json:"type"`
	Platform        Platform   `db:"platform" json:"platform"`
	Ciphertext      []byte     `db:"ciphertext" json:"-"`
	IV              []byte     `db:"iv" json:"-"`
	AuthTag         []byte     `db:"auth_tag" json:"-"`
	ExpiresAt       *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	IsValid         bool       `db:"is_valid" json:"is_valid"`
	RevokedAt       *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	RevokedReason   string     `db:"revoked_reason" json:"revoked_reason,omitempty"`
	PreviousTokenID string     `db:"previous_token_id" json:"previous_token_id,omitempty"`
	UsageCount      int64      `db:"usage_count" json:"usage_count"`
	LastUsedAt      *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

func (t *Token) Revoke(reason string, now time.Time) {
	t.IsValid = false
	t.RevokedAt = &now
	t.RevokedReason = reason
}

func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	c.Ciphertext = append([]byte(nil), t.Ciphertext...)
	c.IV = append([]byte(nil), t.IV...)
	c.AuthTag = append([]byte(nil), t.AuthTag...)
	if t.ExpiresAt != nil {
		e := *t.ExpiresAt
		c.ExpiresAt = &e
	}
	if t.RevokedAt != nil {
		r := *t.RevokedAt
		c.RevokedAt = &r
	}
	if t.LastUsedAt != nil {
		l := *t.LastUsedAt
		c.LastUsedAt = &l
	}
	return &c
}
