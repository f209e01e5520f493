package models

import "fmt"

type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformX         Platform = "x"
	PlatformLinkedIn  Platform = "linkedin"
)

var Platforms = []Platform{
	PlatformFacebook,
	PlatformInstagram,
	PlatformTikTok,
	PlatformX,
	PlatformLinkedIn,
}

func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if s == "twitter" {
		p = PlatformX
	}
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return p, nil
}

func (p Platform) Valid() bool {
	switch p {
	case PlatformFacebook, PlatformInstagram, PlatformTikTok, PlatformX, PlatformLinkedIn:
		return true
	}
	return false
}

// MaxTextLength is the caption/commentary limit the platform enforces.
func (p Platform) MaxTextLength() int {
	switch p {
	case PlatformFacebook:
		return 63206
	case PlatformInstagram, PlatformTikTok:
		return 2200
	case PlatformX:
		return 280
	case PlatformLinkedIn:
		return 3000
	}
	return 0
}

// RequiresMedia is true for platforms that cannot publish text-only posts.
func (p Platform) RequiresMedia() bool {
	return p == PlatformInstagram || p == PlatformTikTok
}

func (p Platform) String() string {
	return string(p)
}
