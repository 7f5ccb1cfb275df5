package models

import (
	"errors"
	"log/slog"
)

// AuthErrorKind classifies why authentication failed. The kind is for logs and
// metrics only; clients always see the same opaque 401.
type AuthErrorKind string

const (
	KindMissingCredential AuthErrorKind = "missing_credential"
	KindMalformedToken    AuthErrorKind = "malformed_token"
	KindUnknownKey        AuthErrorKind = "unknown_key"
	KindInvalidSignature  AuthErrorKind = "invalid_signature"
	KindExpiredToken      AuthErrorKind = "expired_token"
	KindAudienceMismatch  AuthErrorKind = "audience_mismatch"
	KindIssuerMismatch    AuthErrorKind = "issuer_mismatch"
	KindCsrfMismatch      AuthErrorKind = "csrf_mismatch"
	// KindInvalidGrant means the token endpoint refused the authorization code.
	KindInvalidGrant AuthErrorKind = "invalid_grant"
	// KindUnavailable covers provider calls that failed or timed out. It is
	// the only retryable kind.
	KindUnavailable AuthErrorKind = "unavailable"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrMissingCredential = &AuthError{Kind: KindMissingCredential}
	ErrMalformedToken    = &AuthError{Kind: KindMalformedToken}
	ErrUnknownKey        = &AuthError{Kind: KindUnknownKey}
	ErrInvalidSignature  = &AuthError{Kind: KindInvalidSignature}
	ErrExpiredToken      = &AuthError{Kind: KindExpiredToken}
	ErrAudienceMismatch  = &AuthError{Kind: KindAudienceMismatch}
	ErrIssuerMismatch    = &AuthError{Kind: KindIssuerMismatch}
	ErrCsrfMismatch      = &AuthError{Kind: KindCsrfMismatch}
	ErrInvalidGrant      = &AuthError{Kind: KindInvalidGrant}
	ErrUnavailable       = &AuthError{Kind: KindUnavailable}
)

// AuthError is the single failure type of the authentication subsystem.
// Error() deliberately says nothing about the cause.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

// NewAuthError wraps cause under the given kind.
func NewAuthError(kind AuthErrorKind, cause error) *AuthError {
	return &AuthError{Kind: kind, Err: cause}
}

func (e *AuthError) Error() string {
	return "authentication failed"
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches another AuthError of the same kind, so the package sentinels can
// be used with errors.Is.
func (e *AuthError) Is(target error) bool {
	var t *AuthError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the failure was transient.
func (e *AuthError) Retryable() bool {
	return e.Kind == KindUnavailable
}

// Hostile reports whether the failure indicates tampered input.
func (e *AuthError) Hostile() bool {
	return e.Kind == KindCsrfMismatch || e.Kind == KindInvalidSignature
}

// Reason is the internal description used in logs.
func (e *AuthError) Reason() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

// LogValue exposes the kind and cause to slog without changing Error().
func (e *AuthError) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", string(e.Kind))}
	if e.Err != nil {
		attrs = append(attrs, slog.String("cause", e.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// KindOf extracts the AuthErrorKind from err, if it is (or wraps) an AuthError.
func KindOf(err error) (AuthErrorKind, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind, true
	}
	return "", false
}

// IsHostile reports whether err is an AuthError signalling tampered input.
func IsHostile(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Hostile()
}
