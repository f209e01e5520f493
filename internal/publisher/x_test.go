package publisher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/media"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestXPublishWithImages(t *testing.T) {
	var uploads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/img.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	})
	mux.HandleFunc("/2/media/upload", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "tweet_image", r.FormValue("media_category"))
		f, _, err := r.FormFile("media")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, pngBytes, data)
		n := uploads.Add(1)
		writeJSON(w, http.StatusOK, `{"data":{"id":"m`+string(rune('0'+n))+`"}}`)
	})
	mux.HandleFunc("/2/tweets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		body := decodeBody(t, r)
		assert.Equal(t, "launch day", body["text"])
		ids := body["media"].(map[string]any)["media_ids"].([]any)
		assert.ElementsMatch(t, []any{"m1", "m2"}, ids)
		writeJSON(w, http.StatusCreated, `{"data":{"id":"1890","text":"launch day"}}`)
	})
	srv := newServer(t, mux)

	res, err := NewX(testApp, WithBaseURL(srv.URL)).Publish(context.Background(), PublishRequest{
		Account: account(models.PlatformX),
		Content: "launch day",
		Media: []media.Resolved{
			{URL: srv.URL + "/img.png", Kind: media.KindImage},
			{URL: srv.URL + "/img.png", Kind: media.KindImage},
		},
		AccessToken: "at",
	})
	require.NoError(t, err)
	assert.Equal(t, "1890", res.PlatformPostID)
	assert.Equal(t, "https://x.com/brand/status/1890", res.PlatformPostURL)
}

func TestXRejectsLocally(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })
	srv := newServer(t, mux)
	x := NewX(testApp, WithBaseURL(srv.URL))
	acc := account(models.PlatformX)

	_, err := x.Publish(context.Background(), PublishRequest{Account: acc, Content: strings.Repeat("a", 281)})
	assert.Equal(t, apperr.ContentRejected, apperr.KindOf(err))

	_, err = x.Publish(context.Background(), PublishRequest{
		Account: acc,
		Media:   []media.Resolved{{URL: "https://cdn.example/a.mp4", Kind: media.KindVideo}},
	})
	assert.Equal(t, apperr.ContentRejected, apperr.KindOf(err))

	five := make([]media.Resolved, 5)
	for i := range five {
		five[i] = media.Resolved{URL: "https://cdn.example/a.jpg", Kind: media.KindImage}
	}
	_, err = x.Publish(context.Background(), PublishRequest{Account: acc, Media: five})
	assert.Equal(t, apperr.ContentRejected, apperr.KindOf(err))
	assert.Zero(t, hits.Load())
}

func TestXErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   apperr.Kind
	}{
		{http.StatusTooManyRequests, `{"title":"Too Many Requests","detail":"Too Many Requests","type":"about:blank","status":429}`, apperr.RateLimitExceeded},
		{http.StatusUnauthorized, `{"title":"Unauthorized","detail":"Unauthorized","type":"about:blank","status":401}`, apperr.Authentication},
		{http.StatusForbidden, `{"title":"Forbidden","detail":"You are not allowed to create a Tweet with duplicate content.","status":403}`, apperr.ContentRejected},
		{http.StatusForbidden, `{"title":"Forbidden","detail":"Forbidden","type":"about:blank","status":403}`, apperr.Authentication},
		{http.StatusForbidden, `{"title":"Client Forbidden","detail":"This request must be made using an approved developer account.","type":"https://api.twitter.com/2/problems/client-forbidden","status":403}`, apperr.Authentication},
		{http.StatusServiceUnavailable, `{"title":"Service Unavailable","detail":"Service Unavailable","status":503}`, apperr.TransientNetwork},
	}
	for _, c := range cases {
		mux := http.NewServeMux()
		mux.HandleFunc("/2/tweets", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, c.status, c.body)
		})
		srv := newServer(t, mux)

		_, err := NewX(testApp, WithBaseURL(srv.URL)).Publish(context.Background(), PublishRequest{
			Account: account(models.PlatformX), Content: "hi", AccessToken: "at",
		})
		require.Error(t, err)
		assert.Equal(t, c.want, apperr.KindOf(err), c.body)
	}
}

func TestXRefresh(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		if r.PostForm.Get("refresh_token") != "rt-1" {
			writeJSON(w, http.StatusBadRequest, `{"error":"invalid_request","error_description":"Value passed for the token was invalid."}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"token_type":"bearer","expires_in":7200,"access_token":"at-2","scope":"tweet.write","refresh_token":"rt-2"}`)
	})
	srv := newServer(t, mux)
	x := NewX(testApp, WithBaseURL(srv.URL), WithTokenURL(srv.URL+"/2/oauth2/token"))

	tok, err := x.RefreshToken(context.Background(), Credentials{RefreshToken: "rt-1"})
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok.AccessToken)
	assert.Equal(t, "rt-2", tok.RefreshToken)
	assert.False(t, tok.Expiry.IsZero())

	_, err = x.RefreshToken(context.Background(), Credentials{RefreshToken: "revoked"})
	require.Error(t, err)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
}

func TestXConnectUsesPKCE(t *testing.T) {
	x := NewX(testApp)
	state := "signed-state"
	verifier := x.pkceVerifier(state)
	assert.Len(t, verifier, 43)
	assert.Equal(t, verifier, x.pkceVerifier(state))
	assert.NotEqual(t, verifier, x.pkceVerifier("other-state"))

	u, err := url.Parse(x.AuthCodeURL(state))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, state, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(verifier), q.Get("code_challenge"))
	assert.Contains(t, q.Get("scope"), "offline.access")

	mux := http.NewServeMux()
	mux.HandleFunc("/2/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, verifier, r.PostForm.Get("code_verifier"))
		writeJSON(w, http.StatusOK, `{"token_type":"bearer","expires_in":7200,"access_token":"at","refresh_token":"rt"}`)
	})
	mux.HandleFunc("/2/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"data":{"id":"42","name":"Brand","username":"brand"}}`)
	})
	srv := newServer(t, mux)

	x = NewX(testApp, WithBaseURL(srv.URL), WithTokenURL(srv.URL+"/2/oauth2/token"))
	conn, err := x.Exchange(context.Background(), "code", state)
	require.NoError(t, err)
	assert.Equal(t, "42", conn.ExternalID)
	assert.Equal(t, "brand", conn.Username)
	assert.Equal(t, "rt", conn.Token.RefreshToken)
}
