package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	config "github.com/maheshrc27/postpilot/configs"
	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/media"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/internal/transfer"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"
)

const (
	graphVersion = "v21.0"

	facebookGraphURL = "https://graph.facebook.com"
	facebookScopes   = "pages_show_list,pages_manage_posts,pages_read_engagement,read_insights"

	instagramGraphURL = "https://graph.instagram.com"
	instagramAuthURL  = "https://www.instagram.com/oauth/authorize"
	instagramTokenURL = "https://api.instagram.com/oauth/access_token"
	instagramScopes   = "instagram_business_basic,instagram_business_content_publish,instagram_business_manage_insights"

	instagramMaxCarousel = 10

	// Page tokens minted from a long-lived user token carry no expiry. They
	// are still re-exchanged on this cadence so a revoked grant surfaces.
	metaLongLivedLifetime = 60 * 24 * time.Hour
)

// decodeMetaError understands the Graph API error envelope used by both
// Facebook and Instagram.
func decodeMetaError(status int, body []byte) (apperr.Kind, string, bool) {
	var env transfer.MetaErrorResponse
	if json.Unmarshal(body, &env) != nil || (env.Error.Code == 0 && env.Error.Message == "") {
		return 0, "", false
	}
	e := env.Error

	kind := KindForStatus(status)
	switch {
	case e.Code == 190 || e.Code == 102 || (e.Type == "OAuthException" && status == http.StatusUnauthorized):
		kind = apperr.Authentication
	case e.Code == 4 || e.Code == 17 || e.Code == 32 || e.Code == 613 || e.Code == 9:
		kind = apperr.RateLimitExceeded
	case e.IsTransient || e.Code == 1 || e.Code == 2:
		kind = apperr.TransientNetwork
	case e.Code == 100 || e.Code == 368 || e.Code == 324 || e.Code == 352:
		kind = apperr.ContentRejected
	}
	if kind == apperr.Unknown {
		kind = apperr.ContentRejected
	}

	msg := e.Message
	if e.ErrorUserMsg != "" {
		msg += " (" + e.ErrorUserMsg + ")"
	}
	return kind, fmt.Sprintf("code %d: %s", e.Code, msg), true
}

func metaTokenFromResponse(now time.Time, resp transfer.MetaTokenResponse) *oauth2.Token {
	expiry := expiresAt(now, resp.ExpiresIn)
	if expiry.IsZero() {
		expiry = now.Add(metaLongLivedLifetime)
	}
	return &oauth2.Token{AccessToken: resp.AccessToken, TokenType: resp.TokenType, Expiry: expiry}
}

// Instagram publishes through the Instagram API with Instagram Login. Every
// post is a media container that is created, optionally awaited, then
// published.
type Instagram struct {
	app          config.OAuthApp
	opts         options
	api          *apiClient
	pollInterval time.Duration
	pollAttempts int
}

func NewInstagram(app config.OAuthApp, opts ...Option) *Instagram {
	o := buildOptions(instagramGraphURL, instagramAuthURL, instagramTokenURL, opts)
	return &Instagram{
		app:          app,
		opts:         o,
		api:          &apiClient{platform: models.PlatformInstagram, http: o.httpClient, decodeErr: decodeMetaError},
		pollInterval: 2 * time.Second,
		pollAttempts: 10,
	}
}

// WithContainerPolling changes how long Publish waits for video containers.
func (ig *Instagram) WithContainerPolling(interval time.Duration, attempts int) *Instagram {
	ig.pollInterval = interval
	ig.pollAttempts = attempts
	return ig
}

func (ig *Instagram) Platform() models.Platform {
	return models.PlatformInstagram
}

func (ig *Instagram) graph(path string) string {
	return fmt.Sprintf("%s/%s/%s", ig.opts.baseURL, graphVersion, strings.TrimPrefix(path, "/"))
}

func (ig *Instagram) Publish(ctx context.Context, req PublishRequest) (*Result, error) {
	if err := checkText(models.PlatformInstagram, req.Content); err != nil {
		return nil, err
	}
	if len(req.Media) == 0 {
		return nil, rejected(models.PlatformInstagram, "instagram needs at least one image or video")
	}
	if len(req.Media) > instagramMaxCarousel {
		return nil, rejected(models.PlatformInstagram, "instagram carousels take at most %d items", instagramMaxCarousel)
	}

	igID := req.Account.ExternalID
	var (
		containerID string
		err         error
	)
	if len(req.Media) == 1 {
		containerID, err = ig.createContainer(ctx, igID, req.AccessToken, req.Media[0], req.Content, false)
	} else {
		containerID, err = ig.createCarousel(ctx, igID, req)
	}
	if err != nil {
		return nil, err
	}

	publishReq, err := newJSONRequest(ctx, http.MethodPost, ig.graph(igID+"/media_publish"),
		map[string]string{"creation_id": containerID}, req.AccessToken)
	if err != nil {
		return nil, err
	}
	setIdempotencyKey(publishReq, req.IdempotencyKey)

	var published transfer.MetaIDResponse
	if _, err := ig.api.do(publishReq, "media_publish", &published); err != nil {
		return nil, err
	}
	if published.ID == "" {
		return nil, apperr.New(apperr.Unknown, "instagram.publish", "no media id returned")
	}

	return &Result{PlatformPostID: published.ID, PlatformPostURL: ig.permalink(ctx, published.ID, req.AccessToken)}, nil
}

func (ig *Instagram) createContainer(ctx context.Context, igID, accessToken string, item media.Resolved, caption string, carouselItem bool) (string, error) {
	payload := map[string]any{}
	if caption != "" {
		payload["caption"] = caption
	}
	if carouselItem {
		payload["is_carousel_item"] = true
	}
	switch item.Kind {
	case media.KindVideo:
		payload["video_url"] = item.URL
		if carouselItem {
			payload["media_type"] = "VIDEO"
		} else {
			payload["media_type"] = "REELS"
		}
	default:
		payload["image_url"] = item.URL
		if item.AltText != "" {
			payload["alt_text"] = item.AltText
		}
	}

	req, err := newJSONRequest(ctx, http.MethodPost, ig.graph(igID+"/media"), payload, accessToken)
	if err != nil {
		return "", err
	}
	var result transfer.MetaIDResponse
	if _, err := ig.api.do(req, "media", &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", apperr.New(apperr.Unknown, "instagram.media", "no container id returned")
	}

	if item.Kind == media.KindVideo {
		if err := ig.awaitContainer(ctx, result.ID, accessToken); err != nil {
			return "", err
		}
	}
	return result.ID, nil
}

func (ig *Instagram) createCarousel(ctx context.Context, igID string, req PublishRequest) (string, error) {
	children := make([]string, 0, len(req.Media))
	for _, item := range req.Media {
		id, err := ig.createContainer(ctx, igID, req.AccessToken, item, "", true)
		if err != nil {
			return "", err
		}
		children = append(children, id)
	}

	payload := map[string]any{
		"media_type": "CAROUSEL",
		"caption":    req.Content,
		"children":   strings.Join(children, ","),
	}
	httpReq, err := newJSONRequest(ctx, http.MethodPost, ig.graph(igID+"/media"), payload, req.AccessToken)
	if err != nil {
		return "", err
	}
	var result transfer.MetaIDResponse
	if _, err := ig.api.do(httpReq, "carousel", &result); err != nil {
		return "", err
	}
	return result.ID, ig.awaitContainer(ctx, result.ID, req.AccessToken)
}

// awaitContainer polls until Instagram has fetched and processed the media.
func (ig *Instagram) awaitContainer(ctx context.Context, containerID, accessToken string) error {
	for range ig.pollAttempts {
		req, err := newJSONRequest(ctx, http.MethodGet, ig.graph(containerID+"?fields=status_code,status"), nil, accessToken)
		if err != nil {
			return err
		}
		var st transfer.InstagramContainerStatus
		if _, err := ig.api.do(req, "container_status", &st); err != nil {
			return err
		}
		switch st.StatusCode {
		case "FINISHED", "PUBLISHED":
			return nil
		case "ERROR":
			return apperr.New(apperr.ContentRejected, "instagram.container", "media processing failed: %s", st.Status)
		case "EXPIRED":
			return apperr.New(apperr.TransientNetwork, "instagram.container", "container expired before publishing")
		}

		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < ig.pollInterval {
			return apperr.New(apperr.TransientNetwork, "instagram.container", "media still processing at the call deadline")
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.TransientNetwork, "instagram.container", ctx.Err())
		case <-time.After(ig.pollInterval):
		}
	}
	return apperr.New(apperr.TransientNetwork, "instagram.container", "media still processing after %d checks", ig.pollAttempts)
}

func (ig *Instagram) permalink(ctx context.Context, mediaID, accessToken string) string {
	req, err := newJSONRequest(ctx, http.MethodGet, ig.graph(mediaID+"?fields=permalink"), nil, accessToken)
	if err != nil {
		return ""
	}
	var p transfer.InstagramPermalink
	if _, err := ig.api.do(req, "permalink", &p); err != nil {
		return ""
	}
	return p.Permalink
}

func (ig *Instagram) FetchMetrics(ctx context.Context, _ *models.Account, mediaID, accessToken string) (*Metrics, error) {
	req, err := newJSONRequest(ctx, http.MethodGet,
		ig.graph(mediaID+"/insights?metric=reach,likes,comments,shares,saved,views"), nil, accessToken)
	if err != nil {
		return nil, err
	}
	var insights transfer.MetaInsights
	if _, err := ig.api.do(req, "insights", &insights); err != nil {
		return nil, err
	}

	m := &Metrics{}
	for _, d := range insights.Data {
		if len(d.Values) == 0 {
			continue
		}
		v := d.Values[0].Value
		switch d.Name {
		case "reach":
			m.Reach = v
		case "likes":
			m.Likes = v
		case "comments":
			m.Comments = v
		case "shares":
			m.Shares = v
		case "saved":
			m.Saves = v
		case "views":
			m.Impressions = v
			m.VideoViews = v
		}
	}
	return m, nil
}

// RefreshToken extends a long-lived Instagram token. Instagram only accepts
// tokens that are at least a day old and not yet expired.
func (ig *Instagram) RefreshToken(ctx context.Context, creds Credentials) (*oauth2.Token, error) {
	q := url.Values{}
	q.Set("grant_type", "ig_refresh_token")
	q.Set("access_token", creds.AccessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ig.opts.baseURL+"/refresh_access_token?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var resp transfer.MetaTokenResponse
	if _, err := ig.api.do(req, "refresh", &resp); err != nil {
		return nil, grantError(err)
	}
	return metaTokenFromResponse(ig.opts.now(), resp), nil
}

func (ig *Instagram) AuthCodeURL(state string) string {
	params := url.Values{}
	params.Add("client_id", ig.app.ClientID)
	params.Add("scope", instagramScopes)
	params.Add("response_type", "code")
	params.Add("redirect_uri", ig.app.RedirectURI)
	params.Add("state", state)
	return fmt.Sprintf("%s?%s", ig.opts.authURL, params.Encode())
}

func (ig *Instagram) Exchange(ctx context.Context, code, _ string) (*Connection, error) {
	data := url.Values{}
	data.Set("client_id", ig.app.ClientID)
	data.Set("client_secret", ig.app.ClientSecret)
	data.Set("grant_type", "authorization_code")
	data.Set("redirect_uri", ig.app.RedirectURI)
	data.Set("code", code)

	req, err := newFormRequest(ctx, ig.opts.tokenURL, data)
	if err != nil {
		return nil, err
	}
	var short transfer.MetaTokenResponse
	if _, err := ig.api.do(req, "exchange", &short); err != nil {
		return nil, grantError(err)
	}

	q := url.Values{}
	q.Set("grant_type", "ig_exchange_token")
	q.Set("client_secret", ig.app.ClientSecret)
	q.Set("access_token", short.AccessToken)
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, ig.opts.baseURL+"/access_token?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var long transfer.MetaTokenResponse
	if _, err := ig.api.do(req, "long_lived_token", &long); err != nil {
		return nil, grantError(err)
	}
	tok := metaTokenFromResponse(ig.opts.now(), long)

	req, err = newJSONRequest(ctx, http.MethodGet, ig.graph("me?fields=user_id,username,name"), nil, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	var info struct {
		UserID string `json:"user_id"`
		transfer.InstagramUserInfo
	}
	if _, err := ig.api.do(req, "user_info", &info); err != nil {
		return nil, err
	}
	externalID := info.UserID
	if externalID == "" {
		externalID = info.InstagramUserInfo.UserID
	}

	return &Connection{
		ExternalID:  externalID,
		Username:    info.Username,
		DisplayName: info.Name,
		Token:       tok,
	}, nil
}

// Facebook publishes to a Page. The account's external id is the page id and
// its access token is a page token.
type Facebook struct {
	app   config.OAuthApp
	opts  options
	api   *apiClient
	oauth *oauth2.Config
}

func NewFacebook(app config.OAuthApp, opts ...Option) *Facebook {
	o := buildOptions(facebookGraphURL, facebook.Endpoint.AuthURL, facebook.Endpoint.TokenURL, opts)
	return &Facebook{
		app:  app,
		opts: o,
		api:  &apiClient{platform: models.PlatformFacebook, http: o.httpClient, decodeErr: decodeMetaError},
		oauth: &oauth2.Config{
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
			RedirectURL:  app.RedirectURI,
			Scopes:       strings.Split(facebookScopes, ","),
			Endpoint:     oauth2.Endpoint{AuthURL: o.authURL, TokenURL: o.tokenURL},
		},
	}
}

func (fb *Facebook) Platform() models.Platform {
	return models.PlatformFacebook
}

func (fb *Facebook) graph(path string) string {
	return fmt.Sprintf("%s/%s/%s", fb.opts.baseURL, graphVersion, strings.TrimPrefix(path, "/"))
}

func (fb *Facebook) Publish(ctx context.Context, req PublishRequest) (*Result, error) {
	if err := checkText(models.PlatformFacebook, req.Content); err != nil {
		return nil, err
	}
	images, videos := splitMedia(req.Media)
	if len(videos) > 0 && (len(videos) > 1 || len(images) > 0) {
		return nil, rejected(models.PlatformFacebook, "facebook takes one video or a set of images, not both")
	}

	pageID := req.Account.ExternalID
	var (
		endpoint string
		payload  map[string]any
		err      error
	)
	switch {
	case len(videos) == 1:
		endpoint = fb.graph(pageID + "/videos")
		payload = map[string]any{"file_url": videos[0].URL, "description": req.Content}
		if req.Title != "" {
			payload["title"] = req.Title
		}
	case len(images) == 1:
		endpoint = fb.graph(pageID + "/photos")
		payload = map[string]any{"url": images[0].URL, "message": req.Content}
	case len(images) > 1:
		endpoint = fb.graph(pageID + "/feed")
		payload, err = fb.multiPhotoPayload(ctx, pageID, req)
		if err != nil {
			return nil, err
		}
	default:
		endpoint = fb.graph(pageID + "/feed")
		payload = map[string]any{"message": req.Content}
	}

	httpReq, err := newJSONRequest(ctx, http.MethodPost, endpoint, payload, req.AccessToken)
	if err != nil {
		return nil, err
	}
	setIdempotencyKey(httpReq, req.IdempotencyKey)

	var result transfer.MetaIDResponse
	if _, err := fb.api.do(httpReq, "publish", &result); err != nil {
		return nil, err
	}
	id := result.PostID
	if id == "" {
		id = result.ID
	}
	if id == "" {
		return nil, apperr.New(apperr.Unknown, "facebook.publish", "no post id returned")
	}
	return &Result{PlatformPostID: id, PlatformPostURL: "https://www.facebook.com/" + id}, nil
}

// multiPhotoPayload uploads each image unpublished and attaches them to one
// feed post.
func (fb *Facebook) multiPhotoPayload(ctx context.Context, pageID string, req PublishRequest) (map[string]any, error) {
	attached := make([]map[string]string, 0, len(req.Media))
	for _, img := range req.Media {
		upload, err := newJSONRequest(ctx, http.MethodPost, fb.graph(pageID+"/photos"),
			map[string]any{"url": img.URL, "published": false}, req.AccessToken)
		if err != nil {
			return nil, err
		}
		var photo transfer.MetaIDResponse
		if _, err := fb.api.do(upload, "photo_upload", &photo); err != nil {
			return nil, err
		}
		attached = append(attached, map[string]string{"media_fbid": photo.ID})
	}
	return map[string]any{"message": req.Content, "attached_media": attached}, nil
}

func (fb *Facebook) FetchMetrics(ctx context.Context, _ *models.Account, postID, accessToken string) (*Metrics, error) {
	req, err := newJSONRequest(ctx, http.MethodGet,
		fb.graph(postID+"?fields=shares,likes.summary(true).limit(0),comments.summary(true).limit(0)"), nil, accessToken)
	if err != nil {
		return nil, err
	}
	var stats transfer.FacebookPostStats
	if _, err := fb.api.do(req, "post_stats", &stats); err != nil {
		return nil, err
	}
	m := &Metrics{
		Likes:    stats.Likes.Summary.TotalCount,
		Comments: stats.Comments.Summary.TotalCount,
		Shares:   stats.Shares.Count,
	}

	req, err = newJSONRequest(ctx, http.MethodGet,
		fb.graph(postID+"/insights?metric=post_impressions,post_impressions_unique"), nil, accessToken)
	if err != nil {
		return nil, err
	}
	var insights transfer.MetaInsights
	if _, err := fb.api.do(req, "insights", &insights); err == nil {
		for _, d := range insights.Data {
			if len(d.Values) == 0 {
				continue
			}
			switch d.Name {
			case "post_impressions":
				m.Impressions = d.Values[0].Value
			case "post_impressions_unique":
				m.Reach = d.Values[0].Value
			}
		}
	}
	return m, nil
}

// RefreshToken re-exchanges the stored token for a fresh long-lived one.
func (fb *Facebook) RefreshToken(ctx context.Context, creds Credentials) (*oauth2.Token, error) {
	tok, err := fb.longLived(ctx, creds.AccessToken)
	if err != nil {
		return nil, grantError(err)
	}
	return tok, nil
}

func (fb *Facebook) longLived(ctx context.Context, token string) (*oauth2.Token, error) {
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", fb.app.ClientID)
	q.Set("client_secret", fb.app.ClientSecret)
	q.Set("fb_exchange_token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fb.graph("oauth/access_token?"+q.Encode()), nil)
	if err != nil {
		return nil, err
	}
	var resp transfer.MetaTokenResponse
	if _, err := fb.api.do(req, "exchange_token", &resp); err != nil {
		return nil, err
	}
	return metaTokenFromResponse(fb.opts.now(), resp), nil
}

func (fb *Facebook) AuthCodeURL(state string) string {
	return fb.oauth.AuthCodeURL(state)
}

// Exchange connects the first page the user manages.
func (fb *Facebook) Exchange(ctx context.Context, code, _ string) (*Connection, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, fb.opts.httpClient)
	short, err := fb.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, oauthError("facebook.exchange", err)
	}
	userTok, err := fb.longLived(ctx, short.AccessToken)
	if err != nil {
		return nil, grantError(err)
	}

	req, err := newJSONRequest(ctx, http.MethodGet, fb.graph("me/accounts?fields=id,name,access_token"), nil, userTok.AccessToken)
	if err != nil {
		return nil, err
	}
	var pages transfer.FacebookPages
	if _, err := fb.api.do(req, "pages", &pages); err != nil {
		return nil, err
	}
	if len(pages.Data) == 0 {
		return nil, apperr.New(apperr.Validation, "facebook.exchange", "the user manages no facebook pages")
	}
	page := pages.Data[0]

	return &Connection{
		ExternalID:  page.ID,
		Username:    page.Name,
		DisplayName: page.Name,
		Token:       &oauth2.Token{AccessToken: page.AccessToken, Expiry: userTok.Expiry},
	}, nil
}
