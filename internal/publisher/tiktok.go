package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	config "github.com/maheshrc27/postpilot/configs"
	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/transfer"
	"golang.org/x/oauth2"
)

const (
	tiktokAPIURL  = "https://open.tiktokapis.com"
	tiktokAuthURL = "https://www.tiktok.com/v2/auth/authorize/"
	tiktokScopes  = "user.info.basic,user.info.profile,video.publish,video.upload,video.list"

	tiktokMaxPhotos = 35
)

type TikTok struct {
	app  config.OAuthApp
	opts options
	api  *apiClient
}

func NewTikTok(app config.OAuthApp, opts ...Option) *TikTok {
	o := buildOptions(tiktokAPIURL, tiktokAuthURL, tiktokAPIURL+"/v2/oauth/token/", opts)
	return &TikTok{
		app:  app,
		opts: o,
		api:  &apiClient{platform: models.PlatformTikTok, http: o.httpClient, decodeErr: decodeTiktokError},
	}
}

func (t *TikTok) Platform() models.Platform {
	return models.PlatformTikTok
}

func decodeTiktokError(status int, body []byte) (apperr.Kind, string, bool) {
	var env struct {
		Error *transfer.TiktokError `json:"error"`
	}
	if json.Unmarshal(body, &env) != nil || env.Error == nil || env.Error.Code == "" || env.Error.Code == "ok" {
		return 0, "", false
	}

	kind := KindForStatus(status)
	switch env.Error.Code {
	case "access_token_invalid", "scope_not_authorized", "scope_permission_missed", "token_expired":
		kind = apperr.Authentication
	case "rate_limit_exceeded", "spam_risk_too_many_posts", "spam_risk_too_many_pending_share":
		kind = apperr.RateLimitExceeded
	case "internal_error":
		kind = apperr.TransientNetwork
	case "invalid_params", "spam_risk_user_banned_from_posting", "unaudited_client_can_only_post_to_private_accounts",
		"privacy_level_option_mismatch", "url_ownership_unverified":
		kind = apperr.ContentRejected
	}
	if kind == apperr.Unknown {
		kind = apperr.ContentRejected
	}
	return kind, env.Error.Code + ": " + env.Error.Message, true
}

func (t *TikTok) Publish(ctx context.Context, req PublishRequest) (*Result, error) {
	if err := checkText(models.PlatformTikTok, req.Content); err != nil {
		return nil, err
	}
	images, videos := splitMedia(req.Media)
	switch {
	case len(images) == 0 && len(videos) == 0:
		return nil, rejected(models.PlatformTikTok, "tiktok needs a video or photos")
	case len(videos) > 1 || (len(videos) == 1 && len(images) > 0):
		return nil, rejected(models.PlatformTikTok, "tiktok takes one video or a set of photos, not both")
	case len(images) > tiktokMaxPhotos:
		return nil, rejected(models.PlatformTikTok, "tiktok takes at most %d photos", tiktokMaxPhotos)
	}

	creator, err := t.queryCreatorInfo(ctx, req.AccessToken)
	if err != nil {
		return nil, err
	}
	privacy := "PUBLIC_TO_EVERYONE"
	if len(creator.PrivacyLevelOptions) > 0 && !slices.Contains(creator.PrivacyLevelOptions, privacy) {
		privacy = creator.PrivacyLevelOptions[0]
	}

	var (
		endpoint string
		payload  any
	)
	if len(videos) == 1 {
		endpoint = t.opts.baseURL + "/v2/post/publish/video/init/"
		payload = transfer.VideoUploadRequest{
			PostInfo: transfer.VideoPostInfo{
				Title:                 req.Content,
				PrivacyLevel:          privacy,
				DisableDuet:           creator.DuetDisabled,
				DisableComment:        creator.CommentDisabled,
				DisableStitch:         creator.StitchDisabled,
				VideoCoverTimestampMs: 1000,
			},
			SourceInfo: transfer.VideoSourceInfo{
				Source:   "PULL_FROM_URL",
				VideoURL: videos[0].URL,
			},
		}
	} else {
		photos := make([]string, 0, len(images))
		for _, img := range images {
			photos = append(photos, img.URL)
		}
		endpoint = t.opts.baseURL + "/v2/post/publish/content/init/"
		payload = transfer.PhotoUploadRequest{
			PostInfo: transfer.PhotoPostInfo{
				Title:          req.Title,
				Description:    req.Content,
				PrivacyLevel:   privacy,
				DisableComment: creator.CommentDisabled,
				AutoAddMusic:   true,
			},
			SourceInfo: transfer.PhotoSourceInfo{
				Source:          "PULL_FROM_URL",
				PhotoCoverIndex: 0,
				PhotoImages:     photos,
			},
			PostMode:  "DIRECT_POST",
			MediaType: "PHOTO",
		}
	}

	httpReq, err := newJSONRequest(ctx, http.MethodPost, endpoint, payload, req.AccessToken)
	if err != nil {
		return nil, err
	}
	setIdempotencyKey(httpReq, req.IdempotencyKey)

	var result transfer.TikTokUploadResponse
	if _, err := t.api.do(httpReq, "publish", &result); err != nil {
		return nil, err
	}
	if result.Data.PublishID == "" {
		return nil, apperr.New(apperr.Unknown, "tiktok.publish", "no publish_id in response")
	}
	return &Result{PlatformPostID: result.Data.PublishID}, nil
}

func (t *TikTok) queryCreatorInfo(ctx context.Context, accessToken string) (*transfer.TiktokCreatorInfo, error) {
	req, err := newJSONRequest(ctx, http.MethodPost, t.opts.baseURL+"/v2/post/publish/creator_info/query/", struct{}{}, accessToken)
	if err != nil {
		return nil, err
	}
	var result transfer.TiktokCreatorInfoResponse
	if _, err := t.api.do(req, "creator_info", &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

func (t *TikTok) FetchMetrics(ctx context.Context, account *models.Account, publishID, accessToken string) (*Metrics, error) {
	req, err := newJSONRequest(ctx, http.MethodPost, t.opts.baseURL+"/v2/post/publish/status/fetch/",
		map[string]string{"publish_id": publishID}, accessToken)
	if err != nil {
		return nil, err
	}
	var status transfer.TiktokStatusResponse
	if _, err := t.api.do(req, "publish_status", &status); err != nil {
		return nil, err
	}
	if len(status.Data.PublicalyAvailablePostID) == 0 {
		return nil, apperr.New(apperr.NotFound, "tiktok.metrics", "publish %s is %s and has no public post yet", publishID, status.Data.Status)
	}
	videoID := strconv.FormatInt(status.Data.PublicalyAvailablePostID[0], 10)

	req, err = newJSONRequest(ctx, http.MethodPost,
		t.opts.baseURL+"/v2/video/query/?fields=id,like_count,comment_count,share_count,view_count",
		map[string]any{"filters": map[string][]string{"video_ids": {videoID}}}, accessToken)
	if err != nil {
		return nil, err
	}
	var videos transfer.TiktokVideoQueryResponse
	if _, err := t.api.do(req, "video_query", &videos); err != nil {
		return nil, err
	}
	if len(videos.Data.Videos) == 0 {
		return nil, apperr.New(apperr.NotFound, "tiktok.metrics", "video %s not found", videoID)
	}
	v := videos.Data.Videos[0]
	return &Metrics{
		Likes:      v.LikeCount,
		Comments:   v.CommentCount,
		Shares:     v.ShareCount,
		VideoViews: v.ViewCount,
	}, nil
}

func (t *TikTok) RefreshToken(ctx context.Context, creds Credentials) (*oauth2.Token, error) {
	if creds.RefreshToken == "" {
		return nil, apperr.New(apperr.Authentication, "tiktok.refresh", "no refresh token stored")
	}
	data := url.Values{}
	data.Set("client_key", t.app.ClientID)
	data.Set("client_secret", t.app.ClientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", creds.RefreshToken)
	return t.token(ctx, "refresh", data)
}

func (t *TikTok) token(ctx context.Context, name string, form url.Values) (*oauth2.Token, error) {
	req, err := newFormRequest(ctx, t.opts.tokenURL, form)
	if err != nil {
		return nil, err
	}
	var resp transfer.TiktokTokenResponse
	if _, err := t.api.do(req, name, &resp); err != nil {
		return nil, grantError(err)
	}
	if resp.Error != "" {
		kind := apperr.Authentication
		if resp.Error == "server_error" || resp.Error == "temporarily_unavailable" {
			kind = apperr.TransientNetwork
		}
		return nil, apperr.New(kind, "tiktok."+name, "%s: %s", resp.Error, resp.ErrorDescription)
	}
	tok := &oauth2.Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		Expiry:       expiresAt(t.opts.now(), resp.ExpiresIn),
	}
	return tok.WithExtra(map[string]any{"open_id": resp.OpenID}), nil
}

func (t *TikTok) AuthCodeURL(state string) string {
	params := url.Values{}
	params.Add("client_key", t.app.ClientID)
	params.Add("scope", tiktokScopes)
	params.Add("response_type", "code")
	params.Add("redirect_uri", t.app.RedirectURI)
	params.Add("state", state)
	return fmt.Sprintf("%s?%s", t.opts.authURL, params.Encode())
}

func (t *TikTok) Exchange(ctx context.Context, code, _ string) (*Connection, error) {
	data := url.Values{}
	data.Add("client_key", t.app.ClientID)
	data.Add("client_secret", t.app.ClientSecret)
	data.Add("code", code)
	data.Add("grant_type", "authorization_code")
	data.Add("redirect_uri", t.app.RedirectURI)

	tok, err := t.token(ctx, "exchange", data)
	if err != nil {
		return nil, err
	}

	req, err := newJSONRequest(ctx, http.MethodGet,
		t.opts.baseURL+"/v2/user/info/?fields=open_id,avatar_url,display_name,username", nil, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	var info transfer.TikTokResponse
	if _, err := t.api.do(req, "user_info", &info); err != nil {
		return nil, err
	}

	return &Connection{
		ExternalID:  info.Data.User.OpenID,
		Username:    info.Data.User.Username,
		DisplayName: info.Data.User.DisplayName,
		Token:       tok,
	}, nil
}
