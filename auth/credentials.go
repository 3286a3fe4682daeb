package auth

import (
	"fmt"
	"time"
)

// Method tags how a token was issued.
type Method string

const (
	// MethodBasic exchanges a username and password for a bearer token.
	MethodBasic Method = "basic"

	// MethodClientCredentials exchanges an API client ID and secret for a bearer token.
	MethodClientCredentials Method = "client_credentials"
)

// Credentials is one of the two accepted credential shapes: Basic or ClientCredentials.
type Credentials interface {
	// Method returns the exchange method these credentials use.
	Method() Method

	validate() error
}

// Basic is a username/password pair.
type Basic struct {
	Username string
	Password Secret
}

// Method implements Credentials.
func (Basic) Method() Method { return MethodBasic }

func (b Basic) validate() error {
	if b.Username == "" || b.Password.IsZero() {
		return fmt.Errorf("username and password are required")
	}
	return nil
}

// ClientCredentials is an API client ID/secret pair.
type ClientCredentials struct {
	ClientID     string
	ClientSecret Secret
}

// Method implements Credentials.
func (ClientCredentials) Method() Method { return MethodClientCredentials }

func (c ClientCredentials) validate() error {
	if c.ClientID == "" || c.ClientSecret.IsZero() {
		return fmt.Errorf("client id and client secret are required")
	}
	return nil
}

// Token is an opaque bearer token with its absolute expiry.
// Tokens live only in memory and are never persisted.
type Token struct {
	// Value is the bearer value sent in the Authorization header
	Value Secret

	// Expires is the absolute expiry reported by the server
	Expires time.Time

	// Method records which exchange issued the token
	Method Method
}

// ValidAt reports whether the token can still be used at now, keeping margin
// in reserve before the expiry.
func (t *Token) ValidAt(now time.Time, margin time.Duration) bool {
	if t == nil || t.Value.IsZero() {
		return false
	}
	return now.Before(t.Expires.Add(-margin))
}
