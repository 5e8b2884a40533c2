package loan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================

func TestLifecycle_HappyPath(t *testing.T) {
	// Submitted -> Approved -> Active via the table

	next, err := loan.NextStatus(loan.StatusSubmittedPendingApproval, loan.EventApproved)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusApproved, next)

	next, err = loan.NextStatus(next, loan.EventDisbursed)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusActive, next)
}

func TestLifecycle_InvalidTransitionReturnsStateError(t *testing.T) {
	// GIVEN: A rejected loan
	// WHEN: Attempting disbursement
	// THEN: StateError wrapping the invalid-state sentinel

	_, err := loan.NextStatus(loan.StatusRejected, loan.EventDisbursed)
	require.Error(t, err)
	assert.ErrorIs(t, err, loan.ErrInvalidStateTransition)

	var stateErr *loan.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, loan.StatusRejected, stateErr.Status)
	assert.Equal(t, loan.EventDisbursed, stateErr.Event)
}

func TestLifecycle_UndoWalksBackwards(t *testing.T) {
	next, err := loan.NextStatus(loan.StatusApproved, loan.EventApprovalUndone)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusSubmittedPendingApproval, next)

	next, err = loan.NextStatus(loan.StatusActive, loan.EventDisbursalUndone)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusApproved, next)
}

func TestLifecycle_WriteOffAndRecovery(t *testing.T) {
	next, err := loan.NextStatus(loan.StatusActive, loan.EventWriteOff)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusClosedWrittenOff, next)

	// Recovery repayments keep the loan written off
	next, err = loan.NextStatus(loan.StatusClosedWrittenOff, loan.EventRecoveryPayment)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusClosedWrittenOff, next)

	next, err = loan.NextStatus(loan.StatusClosedWrittenOff, loan.EventWriteOffUndone)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusActive, next)
}

func TestLifecycle_ChargebackReopensClosedLoan(t *testing.T) {
	next, err := loan.NextStatus(loan.StatusClosedObligationsMet, loan.EventChargeback)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusActive, next)
}

func TestLifecycle_CreditBalanceRefundRequiresOverpaid(t *testing.T) {
	_, err := loan.NextStatus(loan.StatusActive, loan.EventCreditBalanceRefund)
	assert.ErrorIs(t, err, loan.ErrInvalidStateTransition)

	next, err := loan.NextStatus(loan.StatusOverpaid, loan.EventCreditBalanceRefund)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusOverpaid, next)
}

func TestLifecycle_ClosedStatusPredicate(t *testing.T) {
	assert.True(t, loan.StatusClosedObligationsMet.IsClosed())
	assert.True(t, loan.StatusClosedWrittenOff.IsClosed())
	assert.True(t, loan.StatusRejected.IsClosed())
	assert.False(t, loan.StatusActive.IsClosed())
	assert.False(t, loan.StatusOverpaid.IsClosed())
}
