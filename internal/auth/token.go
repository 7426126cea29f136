package auth

import (
	"time"
)

// Token represents the credential a mail source hands back after a refresh.
// For OAuth providers AccessToken is a bearer token; for IMAP it carries the
// mailbox password.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Valid reports whether the token has an access token that has not expired.
func (t Token) Valid() bool {
	if t.AccessToken == "" {
		return false
	}
	return t.Expiry.IsZero() || time.Now().Before(t.Expiry)
}
