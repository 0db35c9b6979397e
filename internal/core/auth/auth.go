// Package auth owns the Google account credential and the authenticated
// Nest session. It exchanges the long-lived credential (refresh token, or
// issue token + cookies) for a short-lived Google access token, trades that
// for a Nest JWT and finally a czfe session carrying the transport URL used
// by all other API calls.
package auth

import (
	"errors"
	"fmt"
	"time"
)

// Credential is the long-lived refresh material captured at setup time.
// Exactly one of the two shapes must be populated: RefreshToken, or
// IssueToken together with Cookies.
type Credential struct {
	RefreshToken string `json:"refresh_token,omitempty"`
	IssueToken   string `json:"issue_token,omitempty"`
	Cookies      string `json:"cookies,omitempty"`
}

// Valid reports whether the credential carries usable refresh material.
func (c Credential) Valid() bool {
	return c.RefreshToken != "" || (c.IssueToken != "" && c.Cookies != "")
}

// Session is an authenticated Nest session. AccessToken is the short-lived
// czfe token sent as "Authorization: Basic" on every API call.
type Session struct {
	AccessToken  string    `json:"access_token"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	TransportURL string    `json:"transport_url"`
	Expiry       time.Time `json:"expiry"`
}

// RemainingLifetime returns how long the session token stays valid.
func (s Session) RemainingLifetime(now time.Time) time.Duration {
	return s.Expiry.Sub(now)
}

// Reason classifies an authentication failure.
type Reason string

const (
	// ReasonTransient marks network-class failures that are safe to retry.
	ReasonTransient Reason = "transient"
	// ReasonReauthRequired marks a revoked or expired long-lived credential.
	// The host platform must prompt for a new login; retrying is pointless.
	ReasonReauthRequired Reason = "reauth-required"
)

// Error is returned by all authentication operations.
type Error struct {
	Reason Reason
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth: %s: %s", e.Op, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// IsReauthRequired reports whether err means the stored credential is dead
// and user action is needed.
func IsReauthRequired(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Reason == ReasonReauthRequired
}

// IsTransient reports whether err is a retriable authentication failure.
func IsTransient(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Reason == ReasonTransient
}

func transientErr(op string, err error) *Error {
	return &Error{Reason: ReasonTransient, Op: op, Err: err}
}

func reauthErr(op string, err error) *Error {
	return &Error{Reason: ReasonReauthRequired, Op: op, Err: err}
}
