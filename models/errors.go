package models

import (
	"fmt"
	"strings"
	"time"
)

// Billing configuration and state-machine failures carry enough structure
// for handlers to surface actionable messages. Recoverable conditions
// (warnings, optional checklist gaps) are recorded, never returned as errors.

// RateNotFoundError: no published rate card covers the billing code for the
// customer on the given date. Callers must treat this as a blocking
// configuration gap, never as a zero rate.
type RateNotFoundError struct {
	BillingCode string
	CustomerId  int
	AsOf        time.Time
}

func (e *RateNotFoundError) Error() string {
	return fmt.Sprintf("no rate found for billing code %s (customer=%d, as of %s)",
		e.BillingCode, e.CustomerId, e.AsOf.Format("2006-01-02"))
}

// RateCardMismatchError: lines priced under different rate-card versions
// were grouped under one billing code. Aggregation never silently picks one.
type RateCardMismatchError struct {
	BillingCode string
	Versions    []int
}

func (e *RateCardMismatchError) Error() string {
	return fmt.Sprintf("billing code %s mixes rate card versions %v; one aggregate must use one version",
		e.BillingCode, e.Versions)
}

// NotReadyError: submission was gated by the readiness checklist. It names
// every failing required item, not a generic failure.
type NotReadyError struct {
	BatchId      int
	FailingItems []string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("invoice batch %d is not ready to submit; failing required items: %s",
		e.BatchId, strings.Join(e.FailingItems, "; "))
}

// ReasonRequiredError: a manual override or send-back action arrived without
// a justification. Rejected before any mutation.
type ReasonRequiredError struct {
	Action string
}

func (e *ReasonRequiredError) Error() string {
	return fmt.Sprintf("%s requires a non-empty reason", e.Action)
}

// StateConflictError: the requested transition violates the state machine.
// Always fatal to the single operation, never partially applied.
type StateConflictError struct {
	EntityType string
	EntityId   int
	From       string
	To         string
	Detail     string
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("%s %d cannot move %s -> %s", e.EntityType, e.EntityId, e.From, e.To)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ValidationFailedError: unpassed ERROR-severity rule results block state
// advancement. Each entry carries the rule name and message for the user.
type ValidationFailedError struct {
	LineId   int
	Failures []string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("production line %d has blocking validation failures: %s",
		e.LineId, strings.Join(e.Failures, "; "))
}
