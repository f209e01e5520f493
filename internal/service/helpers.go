package service

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Clock returns the current time. Services take one so tests can pin it.
type Clock func() time.Time

func (c Clock) orDefault() Clock {
	if c == nil {
		return time.Now
	}
	return c
}

func GetExpiresAt(now time.Time, expiresIn int) time.Time {
	return now.Add(time.Duration(expiresIn) * time.Second)
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func newID() string {
	return gonanoid.MustGenerate(idAlphabet, 16)
}
