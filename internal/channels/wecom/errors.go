package wecom

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a request missing required fields (HTTP 400).
	ErrValidation = errors.New("wecom: invalid request")
	// ErrAuthentication marks a signature mismatch (HTTP 403).
	ErrAuthentication = errors.New("wecom: signature mismatch")
	// ErrDecryption marks a cipher, padding or layout failure (HTTP 403).
	ErrDecryption = errors.New("wecom: decryption failed")
	// ErrCredentialFetch marks a failed access token refresh.
	ErrCredentialFetch = errors.New("wecom: access token fetch failed")
	// ErrDelivery marks a send that failed after all retries.
	ErrDelivery = errors.New("wecom: delivery failed")
	// ErrDispatch marks a reply engine failure.
	ErrDispatch = errors.New("wecom: dispatch failed")
)

// Token error codes returned by the send API.
const (
	codeInvalidToken = 40014
	codeTokenExpired = 42001
)

// APIError is a non-zero errcode returned by the WeCom API.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wecom api error: code=%d msg=%s", e.Code, e.Msg)
}

// TokenInvalid reports whether the code means the access token is invalid
// or expired.
func (e *APIError) TokenInvalid() bool {
	return e.Code == codeInvalidToken || e.Code == codeTokenExpired
}

// CredentialError is a failed gettoken call.
type CredentialError struct {
	Code int
	Msg  string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("wecom gettoken error: code=%d msg=%s", e.Code, e.Msg)
}

func (e *CredentialError) Is(target error) bool { return target == ErrCredentialFetch }
