// Package providers holds helpers shared by the mail source adapters.
package providers

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	mailsync "github.com/yo-brian/firemail/internal/sync"
)

// ParseRetryAfter reads a Retry-After header value given either as seconds
// or as an HTTP date. It returns zero when absent or unparsable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

// ClassifyStatus wraps err according to the HTTP status the provider
// answered with: 401/403 are authorization failures, 408/429/5xx are
// transient, anything else is returned unchanged.
func ClassifyStatus(status int, retryAfter string, err error) error {
	if err == nil {
		err = fmt.Errorf("http status %d", status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return mailsync.AuthFailure(err)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return mailsync.Retryable(err, ParseRetryAfter(retryAfter))
	case status >= 500:
		return mailsync.Retryable(err, ParseRetryAfter(retryAfter))
	default:
		return err
	}
}

// ClassifyTransport marks network-level failures as transient
func ClassifyTransport(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return mailsync.Retryable(err, 0)
	}
	return err
}

// ClassifyTokenError maps a failed OAuth refresh. A rejected grant needs the
// user to re-authorize; server-side failures are retried.
func ClassifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return ClassifyTransport(err)
	}

	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client", "interaction_required":
		return mailsync.AuthFailure(err)
	}

	if re.Response == nil {
		return err
	}
	if re.Response.StatusCode == http.StatusBadRequest {
		return mailsync.AuthFailure(err)
	}
	return ClassifyStatus(re.Response.StatusCode, re.Response.Header.Get("Retry-After"), err)
}

// Credential returns a required credential value
func Credential(acct mailsync.Account, key string) (string, error) {
	v := strings.TrimSpace(acct.Credential[key])
	if v == "" {
		return "", mailsync.AuthFailure(fmt.Errorf("account %d has no %s", acct.ID, key))
	}
	return v, nil
}
