// Package common defines the shared error taxonomy used across the sync
// client. Callers match sentinels with errors.Is and extract data from
// the typed errors with errors.As.
package common

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Crypto errors. Non-retriable per record; a failure on one incoming
	// record is counted in telemetry and never aborts the collection.
	ErrBadKeyLength     = errors.New("key bundle half is not 32 bytes")
	ErrHmacMismatch     = errors.New("hmac mismatch")
	ErrBadCleartextUtf8 = errors.New("decrypted cleartext is not valid utf-8 json")

	// Protocol errors: the server or this client violated the storage
	// protocol. Surfaced, not retried within the session.
	ErrMissingServerTimestamp = errors.New("server response missing X-Last-Modified")
	ErrServerBatchProblem     = errors.New("server did not honor the batch protocol")
	ErrRecordUploadFailed     = errors.New("server rejected one or more records")
	ErrRecordTooLarge         = errors.New("record exceeds max_record_payload_bytes")

	// State errors.
	ErrStorageReset          = errors.New("server storage was reset")
	ErrClientUpgradeRequired = errors.New("server storage version not supported by this client")
	ErrSetupStateCycle       = errors.New("setup state machine cycled")

	// ErrInterrupted reports cancellation. It is never shown to the user
	// as a failure.
	ErrInterrupted = errors.New("sync interrupted")

	// ErrNetwork wraps transport-level failures (timeouts, refused
	// connections). Retriable on a later sync.
	ErrNetwork = errors.New("network error")
)

// HTTPError is the typed error for unexpected HTTP statuses. The
// well-known statuses (401, 404, 412) get their own types below so call
// sites can branch without inspecting numbers.
type HTTPError struct {
	Status int
	Route  string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d", e.Route, e.Status)
}

// IsServerError reports whether the status is in the 5xx range.
func (e *HTTPError) IsServerError() bool { return e.Status >= 500 }

// UnauthorizedError reports a 401. The host must refresh its FxA token
// before syncing again.
type UnauthorizedError struct {
	Route string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized on %s", e.Route)
}

// NotFoundError reports a 404. Normal on first sync for meta/global and
// crypto/keys.
type NotFoundError struct {
	Route string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Route)
}

// PreconditionFailedError reports a 412: the X-If-Unmodified-Since value
// no longer matches the collection. The caller must re-fetch and
// reconcile before retrying.
type PreconditionFailedError struct {
	Route string
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("precondition failed on %s", e.Route)
}

// BackoffError reports that the server asked us to go away. Every sync
// attempted before Until must short-circuit with the same error without
// touching the network.
type BackoffError struct {
	Until time.Time
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("server requested backoff until %s", e.Until.Format(time.RFC3339))
}

// IsAuthError reports whether err should send the host back to the FxA
// login flow.
func IsAuthError(err error) bool {
	var unauth *UnauthorizedError
	return errors.As(err, &unauth)
}

// IsBackoffError extracts a BackoffError if err carries one.
func IsBackoffError(err error) (*BackoffError, bool) {
	var be *BackoffError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
