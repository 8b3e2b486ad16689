// Package httpapi carries the HTTP plumbing shared by every platform
// service: the JSON error envelope and its stable codes, request decoding
// with content-type and body-size enforcement, health reporting, and the
// request metrics and rate-limit middleware.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// DefaultMaxBodyBytes caps request bodies when a service does not configure
// request.max_body_size.
const DefaultMaxBodyBytes int64 = 1 << 20

// Stable error codes. Clients match on these strings, so they never change.
const (
	CodeInvalidJWS            = "INVALID_JWS"
	CodeInvalidPayload        = "INVALID_PAYLOAD"
	CodePayloadMismatch       = "PAYLOAD_MISMATCH"
	CodeTokenMismatch         = "TOKEN_MISMATCH"
	CodeForbidden             = "FORBIDDEN"
	CodeNotFound              = "NOT_FOUND"
	CodeMethodNotAllowed      = "METHOD_NOT_ALLOWED"
	CodePayloadTooLarge       = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMedia      = "UNSUPPORTED_MEDIA_TYPE"
	CodeInternal              = "INTERNAL"
	CodeRateLimited           = "RATE_LIMITED"
	CodeAgentNotFound         = "AGENT_NOT_FOUND"
	CodePublicKeyExists       = "PUBLIC_KEY_EXISTS"
	CodeAccountNotFound       = "ACCOUNT_NOT_FOUND"
	CodeAccountExists         = "ACCOUNT_EXISTS"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeEscrowAlreadyLocked   = "ESCROW_ALREADY_LOCKED"
	CodeEscrowResolved        = "ESCROW_ALREADY_RESOLVED"
	CodeEscrowNotFound        = "ESCROW_NOT_FOUND"
	CodeTaskNotFound          = "TASK_NOT_FOUND"
	CodeTaskExists            = "TASK_EXISTS"
	CodeInvalidStatus         = "INVALID_STATUS"
	CodeBidExists             = "BID_EXISTS"
	CodeBidNotFound           = "BID_NOT_FOUND"
	CodeFileTooLarge          = "FILE_TOO_LARGE"
	CodeTooManyAssets         = "TOO_MANY_ASSETS"
	CodeAssetNotFound         = "ASSET_NOT_FOUND"
	CodeDisputeNotFound       = "DISPUTE_NOT_FOUND"
	CodeDisputeExists         = "DISPUTE_EXISTS"
	CodeDisputeAlreadyRuled   = "DISPUTE_ALREADY_RULED"
	CodeDisputeNotReady       = "DISPUTE_NOT_READY"
	CodeRebuttalClosed        = "REBUTTAL_CLOSED"
	CodeFeedbackExists        = "FEEDBACK_EXISTS"
	CodeSelfFeedback          = "SELF_FEEDBACK"
	CodeIdentityUnavailable   = "IDENTITY_SERVICE_UNAVAILABLE"
	CodeBankUnavailable       = "CENTRAL_BANK_UNAVAILABLE"
	CodeBoardUnavailable      = "TASK_BOARD_UNAVAILABLE"
	CodeReputationUnavailable = "REPUTATION_SERVICE_UNAVAILABLE"
	CodeJudgeUnavailable      = "JUDGE_UNAVAILABLE"
)

// APIError is the error envelope every service returns. Status selects the
// HTTP code and stays out of the body.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails attaches structured context to the envelope and returns it.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	e.Details = details
	return e
}

// Errorf builds an APIError with a formatted message.
func Errorf(status int, code, format string, args ...any) *APIError {
	return &APIError{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError renders err through the shared envelope. Anything that is not
// an APIError is masked as a generic INTERNAL 500 so stray error text never
// reaches clients.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		apiErr = Errorf(http.StatusInternalServerError, CodeInternal, "internal error")
	}
	WriteJSON(w, apiErr.Status, apiErr)
}

// Decode reads a JSON request body into dst. Wrong content type yields 415,
// a body over maxBytes yields 413, and anything undecodable yields 400
// INVALID_PAYLOAD. The returned error is always an *APIError.
func Decode(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			return Errorf(http.StatusUnsupportedMediaType, CodeUnsupportedMedia, "expected application/json, got %q", ct)
		}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return Errorf(http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body exceeds %d bytes", maxErr.Limit)
		}
		return Errorf(http.StatusBadRequest, CodeInvalidPayload, "invalid JSON body")
	}
	return nil
}

// NotFound answers unrouted paths with the shared envelope.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, Errorf(http.StatusNotFound, CodeNotFound, "no route for %s", r.URL.Path))
}

// MethodNotAllowed answers unsupported verbs with the shared envelope.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, Errorf(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method %s not allowed", r.Method))
}

// BearerToken extracts the compact token from an Authorization: Bearer
// header, returning an empty string when the header is absent or malformed.
func BearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return ""
	}
	return header[len(prefix):]
}

// ErrorFromResponse decodes the shared envelope out of a non-2xx response.
// It returns nil when the body is not an envelope, leaving the caller to
// classify the failure itself.
func ErrorFromResponse(resp *http.Response) *APIError {
	var apiErr APIError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr); err != nil || apiErr.Code == "" {
		return nil
	}
	apiErr.Status = resp.StatusCode
	return &apiErr
}
