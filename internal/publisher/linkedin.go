package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	config "github.com/maheshrc27/postpilot/configs"
	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/media"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/transfer"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/linkedin"
)

const (
	linkedinAPIURL  = "https://api.linkedin.com"
	linkedinVersion = "202501"

	linkedinMaxImageBytes = 10 << 20
)

var linkedinScopes = []string{"openid", "profile", "w_member_social"}

// LinkedIn publishes to a member feed. It has no Refresher: member tokens
// live sixty days and need a reconnect after that.
type LinkedIn struct {
	opts  options
	api   *apiClient
	oauth *oauth2.Config
}

func NewLinkedIn(app config.OAuthApp, opts ...Option) *LinkedIn {
	o := buildOptions(linkedinAPIURL, linkedin.Endpoint.AuthURL, linkedin.Endpoint.TokenURL, opts)
	return &LinkedIn{
		opts: o,
		api:  &apiClient{platform: models.PlatformLinkedIn, http: o.httpClient, decodeErr: decodeLinkedInError},
		oauth: &oauth2.Config{
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
			RedirectURL:  app.RedirectURI,
			Scopes:       linkedinScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   o.authURL,
				TokenURL:  o.tokenURL,
				AuthStyle: linkedin.Endpoint.AuthStyle,
			},
		},
	}
}

func (l *LinkedIn) Platform() models.Platform {
	return models.PlatformLinkedIn
}

func decodeLinkedInError(status int, body []byte) (apperr.Kind, string, bool) {
	if status < 400 {
		return 0, "", false
	}
	var e transfer.LinkedInErrorResponse
	if json.Unmarshal(body, &e) != nil || e.Message == "" {
		return 0, "", false
	}
	kind := KindForStatus(status)
	if status == http.StatusForbidden && linkedinPolicyRejection(e.Message) {
		kind = apperr.ContentRejected
	}
	return kind, e.Message, true
}

// linkedinPolicyRejection picks out 403s about the post content. Everything
// else on a 403, like a missing w_member_social scope, needs reauth.
func linkedinPolicyRejection(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "spam") || strings.Contains(msg, "policy")
}

func (l *LinkedIn) versioned(req *http.Request) *http.Request {
	req.Header.Set("LinkedIn-Version", linkedinVersion)
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
	return req
}

func personURN(account *models.Account) string {
	return "urn:li:person:" + account.ExternalID
}

func (l *LinkedIn) Publish(ctx context.Context, req PublishRequest) (*Result, error) {
	if err := checkText(models.PlatformLinkedIn, req.Content); err != nil {
		return nil, err
	}
	images, videos := splitMedia(req.Media)
	if len(videos) > 0 {
		return nil, rejected(models.PlatformLinkedIn, "video posts are not supported on linkedin")
	}
	if len(images) > 1 {
		return nil, rejected(models.PlatformLinkedIn, "linkedin takes at most one image")
	}

	author := personURN(req.Account)
	post := transfer.LinkedInPostRequest{
		Author:     author,
		Commentary: req.Content,
		Visibility: "PUBLIC",
		Distribution: transfer.LinkedInDistribution{
			FeedDistribution:               "MAIN_FEED",
			TargetEntities:                 []string{},
			ThirdPartyDistributionChannels: []string{},
		},
		LifecycleState: "PUBLISHED",
	}
	if len(images) == 1 {
		imageURN, err := l.uploadImage(ctx, author, images[0], req.AccessToken)
		if err != nil {
			return nil, err
		}
		post.Content = &transfer.LinkedInContent{
			Media: &transfer.LinkedInMedia{ID: imageURN, Title: req.Title, AltText: images[0].AltText},
		}
	}

	httpReq, err := newJSONRequest(ctx, http.MethodPost, l.opts.baseURL+"/rest/posts", post, req.AccessToken)
	if err != nil {
		return nil, err
	}
	setIdempotencyKey(l.versioned(httpReq), req.IdempotencyKey)

	resp, err := l.api.do(httpReq, "publish", nil)
	if err != nil {
		return nil, err
	}
	postURN := resp.Header.Get("x-restli-id")
	if postURN == "" {
		return nil, apperr.New(apperr.Unknown, "linkedin.publish", "no post id in response headers")
	}
	return &Result{
		PlatformPostID:  postURN,
		PlatformPostURL: "https://www.linkedin.com/feed/update/" + postURN,
	}, nil
}

func (l *LinkedIn) uploadImage(ctx context.Context, owner string, img media.Resolved, accessToken string) (string, error) {
	var init transfer.LinkedInInitializeUploadRequest
	init.InitializeUploadRequest.Owner = owner

	req, err := newJSONRequest(ctx, http.MethodPost, l.opts.baseURL+"/rest/images?action=initializeUpload", init, accessToken)
	if err != nil {
		return "", err
	}
	var upload transfer.LinkedInInitializeUploadResponse
	if _, err := l.api.do(l.versioned(req), "image_init", &upload); err != nil {
		return "", err
	}
	if upload.Value.UploadURL == "" || upload.Value.Image == "" {
		return "", apperr.New(apperr.Unknown, "linkedin.image_init", "upload url missing from response")
	}

	data, contentType, err := media.Download(ctx, l.opts.httpClient, img.URL, linkedinMaxImageBytes)
	if err != nil {
		return "", err
	}
	put, err := http.NewRequestWithContext(ctx, http.MethodPut, upload.Value.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	put.Header.Set("Content-Type", contentType)
	put.Header.Set("Authorization", "Bearer "+accessToken)
	if _, err := l.api.do(put, "image_upload", nil); err != nil {
		return "", err
	}
	return upload.Value.Image, nil
}

func (l *LinkedIn) FetchMetrics(ctx context.Context, _ *models.Account, postURN, accessToken string) (*Metrics, error) {
	req, err := newJSONRequest(ctx, http.MethodGet,
		l.opts.baseURL+"/rest/socialActions/"+url.PathEscape(postURN), nil, accessToken)
	if err != nil {
		return nil, err
	}
	var actions transfer.LinkedInSocialActions
	if _, err := l.api.do(l.versioned(req), "metrics", &actions); err != nil {
		return nil, err
	}
	return &Metrics{
		Likes:    actions.LikesSummary.TotalLikes,
		Comments: actions.CommentsSummary.AggregatedTotalComments,
	}, nil
}

func (l *LinkedIn) AuthCodeURL(state string) string {
	return l.oauth.AuthCodeURL(state)
}

func (l *LinkedIn) Exchange(ctx context.Context, code, _ string) (*Connection, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, l.opts.httpClient)
	tok, err := l.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, oauthError("linkedin.exchange", err)
	}

	req, err := newJSONRequest(ctx, http.MethodGet, l.opts.baseURL+"/v2/userinfo", nil, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	var info transfer.LinkedInUserInfo
	if _, err := l.api.do(req, "user_info", &info); err != nil {
		return nil, err
	}

	return &Connection{
		ExternalID:  info.Sub,
		Username:    info.GivenName,
		DisplayName: info.Name,
		Token:       tok,
	}, nil
}
