package media

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
)

// presignTTL has to outlive a platform's asynchronous pull of the file.
const presignTTL = 2 * time.Hour

// Resolved is a media item the platform can fetch by URL.
type Resolved struct {
	URL         string
	ContentType string
	Kind        Kind
	AltText     string
}

type Resolver interface {
	Resolve(ctx context.Context, refs []models.MediaRef) ([]Resolved, error)
}

type resolver struct {
	store ObjectStore
}

// NewResolver returns a resolver backed by store. A nil store only accepts
// references that already carry a public URL.
func NewResolver(store ObjectStore) Resolver {
	return &resolver{store: store}
}

func (r *resolver) Resolve(ctx context.Context, refs []models.MediaRef) ([]Resolved, error) {
	out := make([]Resolved, 0, len(refs))
	for _, ref := range refs {
		item := Resolved{URL: ref.URL, ContentType: ref.ContentType, AltText: ref.AltText}

		if item.URL == "" {
			if r.store == nil {
				return nil, apperr.New(apperr.Configuration, "media.resolve", "media key %q but no media store configured", ref.Key)
			}
			if u := r.store.PublicURL(ref.Key); u != "" {
				item.URL = u
			} else {
				u, err := r.store.PresignGet(ctx, ref.Key, presignTTL)
				if err != nil {
					return nil, apperr.Wrap(apperr.TransientNetwork, "media.resolve", err)
				}
				item.URL = u
			}
		}

		item.Kind = KindFromContentType(item.ContentType)
		if item.Kind == KindUnknown {
			name := ref.Key
			if name == "" {
				name = ref.URL
			}
			item.Kind, item.ContentType = KindFromName(name)
		}
		if item.Kind == KindUnknown {
			return nil, apperr.New(apperr.ContentRejected, "media.resolve", "cannot tell the type of media %q", ref.Key+ref.URL)
		}
		out = append(out, item)
	}
	return out, nil
}

// Download fetches a media file for platforms that want the bytes rather
// than a URL. The content type is sniffed when the server does not say.
func Download(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.TransientNetwork, "media.download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := apperr.ContentRejected
		if resp.StatusCode >= 500 {
			kind = apperr.TransientNetwork
		}
		return nil, "", apperr.New(kind, "media.download", "fetching media returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", apperr.Wrap(apperr.TransientNetwork, "media.download", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", apperr.New(apperr.ContentRejected, "media.download", "media exceeds %d bytes", maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if KindFromContentType(contentType) == KindUnknown {
		_, contentType = Detect(data)
	}
	if contentType == "" {
		return nil, "", apperr.New(apperr.ContentRejected, "media.download", "media at %s has an unknown type", url)
	}
	return data, contentType, nil
}
