package publisher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	config "github.com/maheshrc27/postpilot/configs"
	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/media"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/transfer"
	"golang.org/x/oauth2"
)

const (
	xAPIURL   = "https://api.x.com"
	xAuthURL  = "https://x.com/i/oauth2/authorize"
	xTokenURL = "https://api.x.com/2/oauth2/token"

	xMaxImages     = 4
	xMaxImageBytes = 5 << 20
)

var xScopes = []string{"tweet.read", "tweet.write", "users.read", "media.write", "offline.access"}

type X struct {
	opts  options
	api   *apiClient
	oauth *oauth2.Config
}

func NewX(app config.OAuthApp, opts ...Option) *X {
	o := buildOptions(xAPIURL, xAuthURL, xTokenURL, opts)
	return &X{
		opts: o,
		api:  &apiClient{platform: models.PlatformX, http: o.httpClient, decodeErr: decodeXError},
		oauth: &oauth2.Config{
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
			RedirectURL:  app.RedirectURI,
			Scopes:       xScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   o.authURL,
				TokenURL:  o.tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
	}
}

func (x *X) Platform() models.Platform {
	return models.PlatformX
}

func decodeXError(status int, body []byte) (apperr.Kind, string, bool) {
	var e transfer.XErrorResponse
	if json.Unmarshal(body, &e) != nil || (e.Title == "" && e.Detail == "") {
		return 0, "", false
	}
	kind := KindForStatus(status)
	if kind == apperr.Unknown || (status == http.StatusForbidden && xPolicyRejection(e)) {
		kind = apperr.ContentRejected
	}
	return kind, e.Title + ": " + e.Detail, true
}

// xPolicyRejection tells a 403 about the tweet itself from one about the
// token's scopes.
func xPolicyRejection(e transfer.XErrorResponse) bool {
	detail := strings.ToLower(e.Detail)
	return strings.Contains(detail, "duplicate content") ||
		strings.Contains(detail, "violat") ||
		strings.HasSuffix(e.Type, "/disallowed-resource")
}

func (x *X) Publish(ctx context.Context, req PublishRequest) (*Result, error) {
	if err := checkText(models.PlatformX, req.Content); err != nil {
		return nil, err
	}
	images, videos := splitMedia(req.Media)
	if len(videos) > 0 {
		return nil, rejected(models.PlatformX, "video posts are not supported on x")
	}
	if len(images) > xMaxImages {
		return nil, rejected(models.PlatformX, "x takes at most %d images", xMaxImages)
	}

	tweet := transfer.XTweetRequest{Text: req.Content}
	if len(images) > 0 {
		ids := make([]string, 0, len(images))
		for _, img := range images {
			id, err := x.uploadImage(ctx, img, req.AccessToken)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		tweet.Media = &transfer.XTweetMedia{MediaIDs: ids}
	}

	httpReq, err := newJSONRequest(ctx, http.MethodPost, x.opts.baseURL+"/2/tweets", tweet, req.AccessToken)
	if err != nil {
		return nil, err
	}
	setIdempotencyKey(httpReq, req.IdempotencyKey)

	var result transfer.XTweetResponse
	if _, err := x.api.do(httpReq, "publish", &result); err != nil {
		return nil, err
	}
	if result.Data.ID == "" {
		return nil, apperr.New(apperr.Unknown, "x.publish", "no tweet id returned")
	}

	username := req.Account.Username
	if username == "" {
		username = "i"
	}
	return &Result{
		PlatformPostID:  result.Data.ID,
		PlatformPostURL: fmt.Sprintf("https://x.com/%s/status/%s", username, result.Data.ID),
	}, nil
}

func (x *X) uploadImage(ctx context.Context, img media.Resolved, accessToken string) (string, error) {
	data, contentType, err := media.Download(ctx, x.opts.httpClient, img.URL, xMaxImageBytes)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("media_category", "tweet_image"); err != nil {
		return "", err
	}
	if err := w.WriteField("media_type", contentType); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("media", "upload")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.opts.baseURL+"/2/media/upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var result transfer.XMediaUploadResponse
	if _, err := x.api.do(req, "media_upload", &result); err != nil {
		return "", err
	}
	if result.Data.ID == "" {
		return "", apperr.New(apperr.Unknown, "x.media_upload", "no media id returned")
	}
	return result.Data.ID, nil
}

func (x *X) FetchMetrics(ctx context.Context, _ *models.Account, tweetID, accessToken string) (*Metrics, error) {
	req, err := newJSONRequest(ctx, http.MethodGet,
		x.opts.baseURL+"/2/tweets/"+tweetID+"?tweet.fields=public_metrics", nil, accessToken)
	if err != nil {
		return nil, err
	}
	var result transfer.XTweetMetricsResponse
	if _, err := x.api.do(req, "metrics", &result); err != nil {
		return nil, err
	}
	pm := result.Data.PublicMetrics
	return &Metrics{
		Impressions: pm.ImpressionCount,
		Likes:       pm.LikeCount,
		Comments:    pm.ReplyCount,
		Shares:      pm.RetweetCount + pm.QuoteCount,
		Saves:       pm.BookmarkCount,
	}, nil
}

// RefreshToken trades the refresh token for a new pair. X rotates refresh
// tokens, so the returned token always carries a new one.
func (x *X) RefreshToken(ctx context.Context, creds Credentials) (*oauth2.Token, error) {
	if creds.RefreshToken == "" {
		return nil, apperr.New(apperr.Authentication, "x.refresh", "no refresh token stored")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, x.opts.httpClient)
	src := x.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, oauthError("x.refresh", err)
	}
	return tok, nil
}

// oauthError classifies failures from golang.org/x/oauth2 token calls.
func oauthError(op string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		kind := KindForStatus(rerr.Response.StatusCode)
		if kind == apperr.ContentRejected {
			kind = apperr.Authentication
		}
		return apperr.Wrap(kind, op, err)
	}
	return apperr.Wrap(apperr.TransientNetwork, op, err)
}

// pkceVerifier derives the PKCE verifier from the signed state so the
// callback can recompute it without server-side session storage.
func (x *X) pkceVerifier(state string) string {
	mac := hmac.New(sha256.New, []byte(x.oauth.ClientSecret))
	mac.Write([]byte(state))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (x *X) AuthCodeURL(state string) string {
	return x.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(x.pkceVerifier(state)))
}

func (x *X) Exchange(ctx context.Context, code, state string) (*Connection, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, x.opts.httpClient)
	tok, err := x.oauth.Exchange(ctx, code, oauth2.VerifierOption(x.pkceVerifier(state)))
	if err != nil {
		return nil, oauthError("x.exchange", err)
	}

	req, err := newJSONRequest(ctx, http.MethodGet, x.opts.baseURL+"/2/users/me", nil, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	var me transfer.XUserResponse
	if _, err := x.api.do(req, "user_info", &me); err != nil {
		return nil, err
	}

	return &Connection{
		ExternalID:  me.Data.ID,
		Username:    me.Data.Username,
		DisplayName: me.Data.Name,
		Token:       tok,
	}, nil
}
