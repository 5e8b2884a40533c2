/*
lifecycle.go - Loan status state machine

PURPOSE:
  Validates and performs loan status transitions. Every public mutation on
  the aggregate names the Event it represents; the transition table decides
  whether the current status permits it and what the next status is.

STATUS FLOW (happy path):
  Submitted -> Approved -> Active -> ClosedObligationsMet
                                 \-> ClosedWrittenOff
                                 \-> Overpaid

  Submitted can also end in Rejected or Withdrawn. Approval and disbursal
  can be undone, walking the status backwards. Post-transaction checks
  (see account.go) may move an Active loan to Overpaid/ClosedObligationsMet
  and back as allocations change.

DESIGN:
  A closed lookup table over (status, event), not a class hierarchy. An
  absent entry is an invalid transition and surfaces as a StateError.
*/
package loan

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusSubmittedPendingApproval Status = "submitted_pending_approval"
	StatusApproved                 Status = "approved"
	StatusActive                   Status = "active"
	StatusWithdrawn                Status = "withdrawn"
	StatusRejected                 Status = "rejected"
	StatusClosedObligationsMet     Status = "closed_obligations_met"
	StatusClosedWrittenOff         Status = "closed_written_off"
	StatusClosedRescheduled        Status = "closed_rescheduled"
	StatusOverpaid                 Status = "overpaid"
)

// IsClosed reports whether the status is terminal for schedule purposes.
func (s Status) IsClosed() bool {
	switch s {
	case StatusClosedObligationsMet, StatusClosedWrittenOff, StatusClosedRescheduled,
		StatusWithdrawn, StatusRejected:
		return true
	}
	return false
}

// SubStatus qualifies a closed/active status without being a status itself.
type SubStatus string

const (
	SubStatusNone       SubStatus = ""
	SubStatusForeclosed SubStatus = "foreclosed"
	SubStatusChargedOff SubStatus = "charged_off"
)

// =============================================================================
// EVENTS
// =============================================================================

type Event string

const (
	EventApproved            Event = "LOAN_APPROVED"
	EventApprovalUndone      Event = "LOAN_APPROVAL_UNDONE"
	EventRejected            Event = "LOAN_REJECTED"
	EventWithdrawn           Event = "LOAN_WITHDRAWN"
	EventDisbursed           Event = "LOAN_DISBURSED"
	EventDisbursalUndone     Event = "LOAN_DISBURSAL_UNDONE"
	EventRepaymentOrWaiver   Event = "LOAN_REPAYMENT_OR_WAIVER"
	EventWriteOff            Event = "WRITE_OFF_OUTSTANDING"
	EventWriteOffUndone      Event = "WRITE_OFF_OUTSTANDING_UNDONE"
	EventRescheduled         Event = "LOAN_RESCHEDULED"
	EventForeclosed          Event = "LOAN_FORECLOSED"
	EventChargeback          Event = "LOAN_CHARGEBACK"
	EventCreditBalanceRefund Event = "LOAN_CREDIT_BALANCE_REFUND"
	EventChargeAdded         Event = "LOAN_CHARGE_ADDED"
	EventChargeOff           Event = "LOAN_CHARGE_OFF"
	EventClosed              Event = "LOAN_CLOSED"
	EventRecoveryPayment     Event = "LOAN_RECOVERY_PAYMENT"
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================

type transitionKey struct {
	from  Status
	event Event
}

// transitions is the closed set of legal (status, event) -> status moves.
// Self-transitions (repayment while Active) are listed explicitly so the
// guard and the next-status lookup share one table.
var transitions = map[transitionKey]Status{
	{StatusSubmittedPendingApproval, EventApproved}:  StatusApproved,
	{StatusSubmittedPendingApproval, EventRejected}:  StatusRejected,
	{StatusSubmittedPendingApproval, EventWithdrawn}: StatusWithdrawn,

	{StatusApproved, EventApprovalUndone}: StatusSubmittedPendingApproval,
	{StatusApproved, EventDisbursed}:      StatusActive,

	{StatusActive, EventDisbursed}:       StatusActive, // later tranches
	{StatusActive, EventDisbursalUndone}: StatusApproved,

	{StatusActive, EventRepaymentOrWaiver}:               StatusActive,
	{StatusOverpaid, EventRepaymentOrWaiver}:             StatusOverpaid,
	{StatusClosedObligationsMet, EventRepaymentOrWaiver}: StatusClosedObligationsMet,

	{StatusActive, EventChargeAdded}:                   StatusActive,
	{StatusOverpaid, EventChargeAdded}:                 StatusOverpaid,
	{StatusSubmittedPendingApproval, EventChargeAdded}: StatusSubmittedPendingApproval,
	{StatusApproved, EventChargeAdded}:                 StatusApproved,

	{StatusActive, EventWriteOff}:                  StatusClosedWrittenOff,
	{StatusClosedWrittenOff, EventWriteOffUndone}:  StatusActive,
	{StatusClosedWrittenOff, EventRecoveryPayment}: StatusClosedWrittenOff,

	{StatusActive, EventRescheduled}:               StatusClosedRescheduled,
	{StatusClosedObligationsMet, EventRescheduled}: StatusClosedRescheduled,
	{StatusActive, EventForeclosed}:                StatusClosedObligationsMet,
	{StatusActive, EventClosed}:                    StatusClosedObligationsMet,

	{StatusActive, EventChargeOff}: StatusActive,

	{StatusActive, EventChargeback}:               StatusActive,
	{StatusOverpaid, EventChargeback}:             StatusOverpaid,
	{StatusClosedObligationsMet, EventChargeback}: StatusActive,

	{StatusOverpaid, EventCreditBalanceRefund}: StatusOverpaid,
}

// NextStatus validates the event against the current status and returns the
// resulting status. Invalid transitions return a StateError.
func NextStatus(current Status, event Event) (Status, error) {
	next, ok := transitions[transitionKey{current, event}]
	if !ok {
		return current, &StateError{Status: current, Event: event}
	}
	return next, nil
}

// CanTransition reports whether the event is legal in the current status.
func CanTransition(current Status, event Event) bool {
	_, ok := transitions[transitionKey{current, event}]
	return ok
}
