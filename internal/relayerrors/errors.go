// Package relayerrors defines the error taxonomy shared across the relay's
// forwarding pipeline. Each error carries the HTTP status it is reported with
// so the server layer never has to re-derive a status code from a generic
// error.
package relayerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error into one of the taxonomy buckets from the design.
type Kind string

const (
	KindConfig        Kind = "config"
	KindAuth          Kind = "auth"
	KindTarget        Kind = "target"
	KindPlaceholder   Kind = "placeholder"
	KindCredential    Kind = "credential"
	KindUpstreamTime  Kind = "upstream_timeout"
	KindUpstreamTrans Kind = "upstream_transport"
	KindInternal      Kind = "internal"
)

// RelayError is the error type returned by every component in the forwarding
// pipeline. Safe carries text that may be returned to the client; anything
// richer belongs in the wrapped error, which is logged but never serialized.
type RelayError struct {
	Kind   Kind
	Status int
	Safe   string
	Err    error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Safe, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Safe)
}

func (e *RelayError) Unwrap() error { return e.Err }

// HTTPStatus returns the status code an error should be reported with. Errors
// that are not a *RelayError are treated as internal errors.
func HTTPStatus(err error) int {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Status
	}
	return http.StatusInternalServerError
}

// SafeMessage returns the message that may be sent to the client.
func SafeMessage(err error) string {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Safe
	}
	return "internal error"
}

func New(kind Kind, status int, safe string, wrapped error) *RelayError {
	return &RelayError{Kind: kind, Status: status, Safe: safe, Err: wrapped}
}

func Auth(safe string) *RelayError {
	return New(KindAuth, http.StatusUnauthorized, safe, nil)
}

func Target(status int, safe string) *RelayError {
	return New(KindTarget, status, safe, nil)
}

func Placeholder(name string) *RelayError {
	return New(KindPlaceholder, http.StatusBadRequest, "Unknown query parameter placeholder: "+name, nil)
}

func Credential(safe string, wrapped error) *RelayError {
	return New(KindCredential, http.StatusBadGateway, safe, wrapped)
}

func UpstreamTimeout(wrapped error) *RelayError {
	return New(KindUpstreamTime, http.StatusGatewayTimeout, "upstream request timed out", wrapped)
}

func UpstreamTransport(wrapped error) *RelayError {
	return New(KindUpstreamTrans, http.StatusBadGateway, "upstream unreachable", wrapped)
}

func Internal(wrapped error) *RelayError {
	return New(KindInternal, http.StatusInternalServerError, "internal error", wrapped)
}

// ErrConfigInvalid is a sentinel for a fatal, non-recoverable configuration
// error (parse failure, decryption failure, schema violation). The config
// package's loaders return their own wrapped errors and do not wrap it.
var ErrConfigInvalid = errors.New("invalid relay configuration")

// envelope is the structured error body returned to clients, per the
// relay's documented {success:false, error, timestamp} contract.
type envelope struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteJSON writes err to w as the relay's standard error envelope, taking
// the status code and safe message from the error's Status and Safe fields
// when it is a *RelayError, and an internal-error default otherwise.
func WriteJSON(w http.ResponseWriter, err error, now time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: SafeMessage(err), Timestamp: now})
}
