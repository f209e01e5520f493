package models

import "time"

type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
)

// AuditRefs points at the records an audited action touched.
type AuditRefs struct {
	PostID    string `db:"post_id" json:"post_id,omitempty"`
	AccountID string `db:"account_id" json:"account_id,omitempty"`
	TokenID   string `db:"token_id" json:"token_id,omitempty"`
}

type AuditEntry struct {
	ID          string      `db:"id" json:"id"`
	Actor       string      `db:"actor" json:"actor"`
	Action      string      `db:"action" json:"action"`
	Status      AuditStatus `db:"status" json:"status"`
	Description string      `db:"description" json:"description"`
	AuditRefs
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
