// Package media turns stored media references into something a platform can
// fetch, and tells images from videos.
package media

import (
	"path"
	"strings"

	"github.com/h2non/filetype"
)

type Kind string

const (
	KindUnknown Kind = ""
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
)

// KindFromContentType maps a MIME type to a Kind.
func KindFromContentType(contentType string) Kind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return KindImage
	case strings.HasPrefix(contentType, "video/"):
		return KindVideo
	}
	return KindUnknown
}

// KindFromName guesses from the file extension of a key or URL path.
func KindFromName(name string) (Kind, string) {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if i := strings.IndexAny(ext, "?#"); i >= 0 {
		ext = ext[:i]
	}
	if ext == "" {
		return KindUnknown, ""
	}
	t := filetype.GetType(ext)
	if t == filetype.Unknown {
		return KindUnknown, ""
	}
	return KindFromContentType(t.MIME.Value), t.MIME.Value
}

// Detect sniffs the leading bytes of a file.
func Detect(head []byte) (Kind, string) {
	t, err := filetype.Match(head)
	if err != nil || t == filetype.Unknown {
		return KindUnknown, ""
	}
	return KindFromContentType(t.MIME.Value), t.MIME.Value
}
