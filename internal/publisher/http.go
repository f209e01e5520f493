package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/media"
	"github.com/maheshrc27/postpilot/internal/models"
)

const maxResponseBody = 1 << 20

// errorDecoder reads a platform's error body. ok is false when the body is
// not in the platform's error format.
type errorDecoder func(status int, body []byte) (kind apperr.Kind, msg string, ok bool)

type apiClient struct {
	platform  models.Platform
	http      *http.Client
	decodeErr errorDecoder
}

func (c *apiClient) op(name string) string {
	return string(c.platform) + "." + name
}

// do sends req and decodes a 2xx JSON body into out. Every failure comes back
// classified. The response is returned for its headers; its body is closed.
func (c *apiClient) do(req *http.Request, name string, out any) (*http.Response, error) {
	op := c.op(name)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(req.Context(), op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientNetwork, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, c.statusError(op, resp.StatusCode, body)
	}
	// Some platforms report failures inside a 200.
	if c.decodeErr != nil {
		if kind, msg, ok := c.decodeErr(resp.StatusCode, body); ok {
			return resp, apperr.New(kind, op, "%s", msg)
		}
	}
	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp, apperr.Wrap(apperr.Unknown, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return resp, nil
}

func (c *apiClient) statusError(op string, status int, body []byte) error {
	if c.decodeErr != nil {
		if kind, msg, ok := c.decodeErr(status, body); ok {
			return apperr.New(kind, op, "%d: %s", status, msg)
		}
	}
	return apperr.New(KindForStatus(status), op, "%d: %s", status, snippet(body))
}

// KindForStatus maps an HTTP status to the failure taxonomy. A bare 403 is
// most often a revoked scope, so it needs reauth; decoders that can tell a
// policy rejection apart override it.
func KindForStatus(status int) apperr.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Authentication
	case status == http.StatusTooManyRequests:
		return apperr.RateLimitExceeded
	case status == http.StatusRequestTimeout || status >= 500:
		return apperr.TransientNetwork
	case status >= 400:
		return apperr.ContentRejected
	}
	return apperr.Unknown
}

func transportError(ctx context.Context, op string, err error) error {
	// The outcome of a timed out publish is unknown; the post may be live.
	var uerr *url.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &uerr) && uerr.Timeout()) {
		return apperr.Wrap(apperr.TransientNetwork, op, fmt.Errorf("request timed out: %w", err))
	}
	return apperr.Wrap(apperr.TransientNetwork, op, err)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}

func newJSONRequest(ctx context.Context, method, endpoint string, payload any, accessToken string) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return req, nil
}

func newFormRequest(ctx context.Context, endpoint string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func setIdempotencyKey(req *http.Request, key string) {
	if key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}
}

// checkText enforces the platform text limit before any request goes out.
func checkText(p models.Platform, text string) error {
	if n := utf8.RuneCountInString(text); n > p.MaxTextLength() {
		return apperr.New(apperr.ContentRejected, string(p)+".publish",
			"text is %d characters, %s allows %d", n, p, p.MaxTextLength())
	}
	return nil
}

func splitMedia(items []media.Resolved) (images, videos []media.Resolved) {
	for _, m := range items {
		switch m.Kind {
		case media.KindImage:
			images = append(images, m)
		case media.KindVideo:
			videos = append(videos, m)
		}
	}
	return images, videos
}

func rejected(p models.Platform, format string, args ...any) error {
	return apperr.New(apperr.ContentRejected, string(p)+".publish", format, args...)
}

// grantError reclassifies token endpoint failures: a 4xx there means the
// grant itself is bad, which only a reconnect fixes.
func grantError(err error) error {
	if apperr.KindOf(err) == apperr.ContentRejected {
		var e *apperr.Error
		if errors.As(err, &e) {
			return &apperr.Error{Kind: apperr.Authentication, Op: e.Op, Msg: e.Msg, Err: e.Err}
		}
	}
	return err
}
