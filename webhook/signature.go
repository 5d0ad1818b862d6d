package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
)

// SignatureHeader carries the HMAC-SHA256 of the raw request body
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// AuthErrorKind classifies a signature failure
type AuthErrorKind string

const (
	MissingSignature   AuthErrorKind = "missing_signature"
	SignatureMismatch  AuthErrorKind = "signature_mismatch"
	ConfigurationError AuthErrorKind = "configuration_error"
	RawBodyUnavailable AuthErrorKind = "raw_body_unavailable"
)

var (
	ErrMissingSignature   = errors.New("webhook: missing signature header")
	ErrSignatureMismatch  = errors.New("webhook: invalid signature")
	ErrSecretNotSet       = errors.New("webhook: app secret is not configured")
	ErrRawBodyUnavailable = errors.New("webhook: raw body not captured")
)

// AuthError is returned by ValidateSignature
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	return e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// StatusCode maps the failure to an HTTP status. Server-side problems are 500,
// caller problems are 401.
func (e *AuthError) StatusCode() int {
	switch e.Kind {
	case ConfigurationError, RawBodyUnavailable:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// response returns the JSON body sent to the caller
func (e *AuthError) response() errorResponse {
	switch e.Kind {
	case MissingSignature:
		return errorResponse{Error: "Unauthorized", Message: "Missing signature header"}
	case ConfigurationError:
		return errorResponse{Error: "Configuration error", Message: "Server misconfigured"}
	case RawBodyUnavailable:
		return errorResponse{Error: "Server error", Message: "Unable to validate signature"}
	default:
		return errorResponse{Error: "Unauthorized", Message: "Invalid signature"}
	}
}

// Sign returns the signature header value for body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks header against the HMAC-SHA256 of rawBody.
// rawBody must be the bytes exactly as received.
func ValidateSignature(rawBody []byte, header, secret string) error {
	if header == "" {
		return &AuthError{Kind: MissingSignature, Err: ErrMissingSignature}
	}
	if secret == "" {
		return &AuthError{Kind: ConfigurationError, Err: ErrSecretNotSet}
	}
	if len(rawBody) == 0 {
		return &AuthError{Kind: RawBodyUnavailable, Err: ErrRawBodyUnavailable}
	}

	expected := Sign(secret, rawBody)

	// The header length is already visible to the caller
	if len(header) != len(expected) {
		return &AuthError{Kind: SignatureMismatch, Err: ErrSignatureMismatch}
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(expected)) != 1 {
		return &AuthError{Kind: SignatureMismatch, Err: ErrSignatureMismatch}
	}
	return nil
}
