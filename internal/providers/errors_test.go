package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"

	mailsync "github.com/yo-brian/firemail/internal/sync"
)

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, 7*time.Second, ParseRetryAfter("7"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-3"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon"))

	date := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(date)
	assert.InDelta(t, 90, d.Seconds(), 2)
}

func TestClassifyStatus(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		status    int
		retryable bool
		auth      bool
	}{
		{http.StatusUnauthorized, false, true},
		{http.StatusForbidden, false, true},
		{http.StatusTooManyRequests, true, false},
		{http.StatusBadGateway, true, false},
		{http.StatusServiceUnavailable, true, false},
		{http.StatusGatewayTimeout, true, false},
		{http.StatusNotFound, false, false},
		{http.StatusBadRequest, false, false},
	}

	for _, tt := range tests {
		err := ClassifyStatus(tt.status, "", base)
		assert.Equal(t, tt.retryable, mailsync.IsRetryable(err), "status %d retryable", tt.status)
		assert.Equal(t, tt.auth, mailsync.IsAuthError(err), "status %d auth", tt.status)
		assert.ErrorIs(t, err, base)
	}

	err := ClassifyStatus(http.StatusTooManyRequests, "12", base)
	after, ok := mailsync.RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 12*time.Second, after)
}

func TestClassifyTokenError(t *testing.T) {
	invalid := &oauth2.RetrieveError{
		Response:  &http.Response{StatusCode: http.StatusBadRequest, Header: http.Header{}},
		ErrorCode: "invalid_grant",
	}
	assert.True(t, mailsync.IsAuthError(ClassifyTokenError(invalid)))

	unavailable := &oauth2.RetrieveError{
		Response: &http.Response{StatusCode: http.StatusServiceUnavailable, Header: http.Header{"Retry-After": []string{"3"}}},
	}
	err := ClassifyTokenError(unavailable)
	assert.True(t, mailsync.IsRetryable(err))
	after, _ := mailsync.RetryAfter(err)
	assert.Equal(t, 3*time.Second, after)

	assert.False(t, mailsync.IsRetryable(ClassifyTokenError(context.Canceled)))
}

func TestCredential(t *testing.T) {
	acct := mailsync.Account{ID: 3, Credential: mailsync.Credential{"refresh_token": " rt "}}

	v, err := Credential(acct, "refresh_token")
	assert.NoError(t, err)
	assert.Equal(t, "rt", v)

	_, err = Credential(acct, "client_id")
	assert.True(t, mailsync.IsAuthError(err))
}
