package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 0x49, 0x48, 0x44, 0x52}

type fakeStore struct {
	public string
}

func (f *fakeStore) Upload(context.Context, string, []byte, string) error { return nil }

func (f *fakeStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key + "?sig=abc", nil
}

func (f *fakeStore) PublicURL(key string) string {
	if f.public == "" {
		return ""
	}
	return f.public + "/" + key
}

func TestKindFromName(t *testing.T) {
	k, mime := KindFromName("uploads/clip.mp4")
	assert.Equal(t, KindVideo, k)
	assert.Equal(t, "video/mp4", mime)

	k, _ = KindFromName("https://cdn.example/a/photo.PNG")
	assert.Equal(t, KindImage, k)

	k, _ = KindFromName("noext")
	assert.Equal(t, KindUnknown, k)
}

func TestDetect(t *testing.T) {
	k, mime := Detect(pngHeader)
	assert.Equal(t, KindImage, k)
	assert.Equal(t, "image/png", mime)

	k, _ = Detect([]byte("plain text"))
	assert.Equal(t, KindUnknown, k)
}

func TestResolvePrefersPublicURL(t *testing.T) {
	r := NewResolver(&fakeStore{public: "https://media.example"})
	out, err := r.Resolve(context.Background(), []models.MediaRef{{Key: "a/b.jpg"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "https://media.example/a/b.jpg", out[0].URL)
	assert.Equal(t, KindImage, out[0].Kind)
}

func TestResolvePresignsPrivateKeys(t *testing.T) {
	r := NewResolver(&fakeStore{})
	out, err := r.Resolve(context.Background(), []models.MediaRef{
		{Key: "v/clip.mov", ContentType: "video/quicktime"},
		{URL: "https://elsewhere.example/pic.jpg", AltText: "a pic"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "https://signed.example/v/clip.mov?sig=abc", out[0].URL)
	assert.Equal(t, KindVideo, out[0].Kind)
	assert.Equal(t, "a pic", out[1].AltText)
}

func TestResolveWithoutStore(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve(context.Background(), []models.MediaRef{{Key: "a.jpg"}})
	assert.True(t, apperr.Is(err, apperr.Configuration))
}

func TestDownloadSniffsType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(pngHeader)
	}))
	defer srv.Close()

	data, ct, err := Download(context.Background(), srv.Client(), srv.URL, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
	assert.Equal(t, "image/png", ct)
}

func TestDownloadTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngHeader)
	}))
	defer srv.Close()

	_, _, err := Download(context.Background(), srv.Client(), srv.URL, 4)
	assert.True(t, apperr.Is(err, apperr.ContentRejected))
}
