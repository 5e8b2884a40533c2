/*
errors.go - Centralized error types for the loan engine

PURPOSE:
  All error kinds in one place. The engine's failure taxonomy is a closed
  set; callers classify with errors.Is against the sentinels and unwrap the
  structured types for diagnostics (offending status, dates, amounts).

ERROR CATEGORIES:
  1. State errors     - operation forbidden by current lifecycle status
  2. Temporal errors  - transaction date violates chronological rules
  3. Threshold errors - amount exceeds an approved/overpaid/configured bound
  4. Structural errors- missing or contradictory configuration
  5. Type mismatch    - wrong transaction kind handed to a handler (fatal,
                        a programming error, never user input)

PROPAGATION:
  Every violation is detected synchronously inside the guarded mutation and
  returned before any state change; there is no partial application and no
  automatic retry. The API layer maps sentinels to status codes.

USAGE:
  if errors.Is(err, loan.ErrInvalidStateTransition) { ... }

SEE ALSO:
  - lifecycle.go: Produces state errors
  - account.go: Produces temporal/threshold/structural errors
*/
package loan

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidStateTransition is returned when the loan's current status
	// forbids the attempted event.
	ErrInvalidStateTransition = errors.New("invalid loan state transition")

	// ErrInvalidTemporalOrder is returned when a transaction date is in the
	// future, precedes disbursement, precedes the last transaction, or is
	// out of order relative to a charge refund.
	ErrInvalidTemporalOrder = errors.New("invalid transaction date ordering")

	// ErrAmountThreshold is returned when an amount exceeds a configured or
	// derived bound (approved principal, overpaid balance, tranche cap).
	ErrAmountThreshold = errors.New("amount exceeds permitted threshold")

	// ErrStructural is returned for missing or contradictory configuration
	// (mandatory due date absent, tranche count over product maximum).
	ErrStructural = errors.New("structural configuration violation")

	// ErrTransactionTypeMismatch is returned when a handler receives a
	// transaction of the wrong kind. This is an integration bug.
	ErrTransactionTypeMismatch = errors.New("transaction type mismatch")

	// ErrTransactionNotFound is returned when a referenced transaction id
	// does not exist on the loan.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrChargeNotFound is returned when a referenced charge id does not
	// exist on the loan.
	ErrChargeNotFound = errors.New("charge not found")

	// ErrLoanNotFound is returned by repositories for unknown accounts.
	ErrLoanNotFound = errors.New("loan not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StateError reports a lifecycle guard violation.
type StateError struct {
	Status Status
	Event  Event
}

func (e *StateError) Error() string {
	return fmt.Sprintf("event %s not allowed while loan is %s", e.Event, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidStateTransition }

// TemporalError reports a chronological-ordering violation, carrying both
// dates for diagnostics.
type TemporalError struct {
	Rule     string // e.g. "future_date", "before_disbursement", "before_last_transaction"
	Date     DateOf
	Boundary DateOf
}

func (e *TemporalError) Error() string {
	return fmt.Sprintf("%s: %s violates boundary %s", e.Rule, e.Date, e.Boundary)
}

func (e *TemporalError) Unwrap() error { return ErrInvalidTemporalOrder }

// ThresholdError reports an amount bound violation.
type ThresholdError struct {
	Rule      string // e.g. "approved_exceeds_proposed", "refund_exceeds_overpaid"
	Requested Money
	Limit     Money
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("%s: requested %s, limit %s", e.Rule, e.Requested, e.Limit)
}

func (e *ThresholdError) Unwrap() error { return ErrAmountThreshold }

// StructuralError reports missing or contradictory configuration.
type StructuralError struct {
	Rule    string
	Message string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

func (e *StructuralError) Unwrap() error { return ErrStructural }

// TypeMismatchError reports a handler receiving the wrong transaction kind.
type TypeMismatchError struct {
	Expected TransactionType
	Got      TransactionType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("expected %s transaction, got %s", e.Expected, e.Got)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTransactionTypeMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input
// rather than an engine bug.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrInvalidTemporalOrder) ||
		errors.Is(err, ErrAmountThreshold) ||
		errors.Is(err, ErrStructural)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLoanNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrChargeNotFound)
}
