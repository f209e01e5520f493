package transfer

import (
	"time"

	"github.com/maheshrc27/postpilot/internal/models"
)

type CreatePostRequest struct {
	UserID           string            `json:"user_id"`
	AccountID        string            `json:"account_id"`
	Content          string            `json:"content"`
	Title            string            `json:"title"`
	Media            []models.MediaRef `json:"media"`
	ScheduledFor     *time.Time        `json:"scheduled_for"`
	RequiresApproval *bool             `json:"requires_approval"`
}

type GeneratePostRequest struct {
	UserID       string            `json:"user_id"`
	AccountID    string            `json:"account_id"`
	ContentType  string            `json:"content_type"`
	Theme        string            `json:"theme"`
	City         string            `json:"city"`
	Audience     string            `json:"audience"`
	Notes        string            `json:"notes"`
	Media        []models.MediaRef `json:"media"`
	ScheduledFor *time.Time        `json:"scheduled_for"`
}

type SchedulePostRequest struct {
	ScheduledFor *time.Time `json:"scheduled_for"`
}

type CancelPostRequest struct {
	Reason string `json:"reason"`
}

type EmergencyStopRequest struct {
	Reason string `json:"reason"`
}

type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
