package models

import "time"

// Metric holds the engagement numbers of one published post. The scheduler
// creates an empty record at publish time; the metrics job fills it in.
type Metric struct {
	ID             string     `db:"id" json:"id"`
	PostID         string     `db:"post_id" json:"post_id"`
	AccountID      string     `db:"account_id" json:"account_id"`
	Platform       Platform   `db:"platform" json:"platform"`
	PlatformPostID string     `db:"platform_post_id" json:"platform_post_id"`
	Impressions    int64      `db:"impressions" json:"impressions"`
	Reach          int64      `db:"reach" json:"reach"`
	Likes          int64      `db:"likes" json:"likes"`
	Comments       int64      `db:"comments" json:"comments"`
	Shares         int64      `db:"shares" json:"shares"`
	Saves          int64      `db:"saves" json:"saves"`
	VideoViews     int64      `db:"video_views" json:"video_views"`
	CollectedAt    *time.Time `db:"collected_at" json:"collected_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}
