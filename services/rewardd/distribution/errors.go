package distribution

import (
	"errors"
	"fmt"
	"strings"

	"vendorvote/services/rewardd/ledger"
)

// Class buckets distribution failures by how they may be retried.
type Class string

// Failure classes persisted on the record.
const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
	ClassAmbiguous Class = "ambiguous"
)

var (
	// ErrInsufficientSignerBalance is returned when the payout account cannot cover the amount.
	ErrInsufficientSignerBalance = errors.New("rewardd: INSUFFICIENT_SIGNER_BALANCE")
	// ErrWalletUnbound is returned for voters without a bound wallet; the record stays pending.
	ErrWalletUnbound = errors.New("rewardd: wallet not bound")
	// ErrRecordFailed is returned when distributing a failed record without an explicit retry.
	ErrRecordFailed = errors.New("rewardd: record failed, explicit retry required")
	// ErrInFlight is returned when the record is already being distributed.
	ErrInFlight = errors.New("rewardd: distribution already in flight")
	// ErrRecordNotFound is returned for unknown record ids.
	ErrRecordNotFound = errors.New("rewardd: distribution record not found")
	// ErrAmbiguousUnresolved is returned when the on-chain effect of a
	// submission could not be determined.
	ErrAmbiguousUnresolved = errors.New("rewardd: ambiguous submission could not be resolved")
	// ErrSubmissionConflict is returned when batch records carry unmined
	// submissions at different nonces and cannot share one replacement.
	ErrSubmissionConflict = errors.New("rewardd: batch records have conflicting pending submissions")
	// ErrStaleRecord is returned when a record changed state underneath the engine.
	ErrStaleRecord = errors.New("rewardd: record changed during distribution")
)

// Error is a classified distribution failure.
type Error struct {
	Class Class
	Err   error
	// retryable is set for ambiguous submissions verified as not delivered.
	retryable bool
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return string(ClassTransient)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the scheduler may run another attempt.
func (e *Error) Retryable() bool {
	switch e.Class {
	case ClassTransient:
		return true
	case ClassAmbiguous:
		return e.retryable
	default:
		return false
	}
}

var (
	ambiguousMarkers = []string{
		"replacement transaction underpriced",
		"nonce too low",
		"already known",
		"known transaction",
	}
	terminalMarkers = []string{
		"execution reverted",
		"insufficient funds",
		"exceeds balance",
	}
)

// Classify maps an error returned by the ledger onto a failure class.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	switch {
	case errors.Is(err, ErrInsufficientSignerBalance), errors.Is(err, ledger.ErrReverted):
		return ClassTerminal
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		return ClassAmbiguous
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range ambiguousMarkers {
		if strings.Contains(msg, marker) {
			return ClassAmbiguous
		}
	}
	for _, marker := range terminalMarkers {
		if strings.Contains(msg, marker) {
			return ClassTerminal
		}
	}
	return ClassTransient
}

func classify(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return &Error{Class: Classify(err), Err: err}
}

func nonceConsumed(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
