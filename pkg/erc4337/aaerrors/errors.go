// Package aaerrors holds the error kinds surfaced by the user operation
// pipeline. Callers branch on them with errors.As; only transport failures
// are ever retried, and only while polling for a receipt.
package aaerrors

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrValidation is the root of every locally detected input problem.
var ErrValidation = errors.New("invalid input")

// ValidationError is raised before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidCallError reports a call whose target is not a well-formed address.
type InvalidCallError struct {
	Index  int
	Target string
}

func (e *InvalidCallError) Error() string {
	return fmt.Sprintf("call %d: target %q is not a valid address", e.Index, e.Target)
}

func (e *InvalidCallError) Unwrap() error { return ErrValidation }

// TransportError means the provider could not be reached, timed out, or
// answered with something that is not a JSON-RPC response.
type TransportError struct {
	Provider   string
	Method     string
	StatusCode int
	Malformed  bool
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Malformed:
		return fmt.Sprintf("%s %s: malformed response: %v", e.Provider, e.Method, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: http status %d: %v", e.Provider, e.Method, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s %s: transport failure: %v", e.Provider, e.Method, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a well-formed JSON-RPC error object returned by a
// provider. Message is kept verbatim.
type ProtocolError struct {
	Provider string
	Method   string
	Code     int
	Message  string
	Data     any
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s %s: rpc error %d: %s", e.Provider, e.Method, e.Code, e.Message)
}

// TimeoutError is returned when receipt polling exhausts its budget. The
// operation may still be included later; its status is unknown.
type TimeoutError struct {
	UserOpHash common.Hash
	Attempts   int
	Elapsed    time.Duration
	LastErr    error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("user operation %s not included after %d attempts (%s)", e.UserOpHash.Hex(), e.Attempts, e.Elapsed.Round(time.Millisecond))
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// HashMismatchError signals an internal defect: the signed hash does not
// match the hash of the operation being submitted, or the provider echoed a
// different hash than the one computed locally.
type HashMismatchError struct {
	Stage    string
	Expected common.Hash
	Actual   common.Hash
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("user operation hash mismatch at %s: expected %s, got %s", e.Stage, e.Expected.Hex(), e.Actual.Hex())
}

// IsRetryable reports whether err is a transport failure.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
