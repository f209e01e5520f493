package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWalksTheChain(t *testing.T) {
	base := New(Authentication, "vault.retrieve", "token revoked")
	wrapped := fmt.Errorf("publish post: %w", base)

	assert.Equal(t, Authentication, KindOf(wrapped))
	assert.True(t, Is(wrapped, Authentication))
	assert.True(t, errors.Is(wrapped, base))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(TransientNetwork, "op", nil))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
		reauth    bool
	}{
		{TransientNetwork, true, false},
		{RateLimitExceeded, true, false},
		{Unknown, true, false},
		{Authentication, false, true},
		{Integrity, false, true},
		{ContentRejected, false, false},
		{Configuration, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.kind.Retryable())
			assert.Equal(t, tt.reauth, tt.kind.RequiresReauth())
		})
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := range kindNames {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, Unknown, ParseKind("bogus"))
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: ContentRejected, Op: "x.publish", Msg: "too long", Err: errors.New("413")}
	assert.Equal(t, "x.publish: too long: 413", err.Error())
	assert.Equal(t, "integrity_error", (&Error{Kind: Integrity}).Error())
}
