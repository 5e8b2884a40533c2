package loan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTx(id int64, txType loan.TransactionType, date loan.DateOf, amount float64) *loan.LoanTransaction {
	tx := loan.NewTransaction(txType, date, date, usdAmount(amount), "")
	tx.ID = id
	return tx
}

func replay(t *testing.T, p *loan.Processor, txs []*loan.LoanTransaction, installments []*loan.Installment, charges []*loan.LoanCharge) *loan.ChangedTransactionDetail {
	t.Helper()
	detail, err := p.HandleTransaction(loan.NewDate(2024, 1, 1), txs, usd(), installments, charges)
	require.NoError(t, err)
	return detail
}

func twoInstallmentSchedule(t *testing.T) []*loan.Installment {
	t.Helper()
	return buildSchedule(t, 1000, 2, 0)
}

// =============================================================================
// REPLAY SEMANTICS
// =============================================================================

func TestProcessor_RequiresDisbursementDate(t *testing.T) {
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	_, err := p.HandleTransaction(loan.DateOf{}, nil, usd(), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, loan.ErrStructural)
}

func TestProcessor_ReplayIsIdempotent(t *testing.T) {
	// GIVEN: A partially repaid schedule
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 1), 500),
		newTx(2, loan.TxRepayment, loan.NewDate(2024, 2, 20), 200),
	}

	// WHEN: Replaying twice with no changes in between
	replay(t, p, txs, installments, nil)
	firstPaid := installments[1].PrincipalPaid
	detail := replay(t, p, txs, installments, nil)

	// THEN: The second pass reports no changed transactions and identical state
	assert.Empty(t, detail.Changed)
	assert.True(t, installments[0].PrincipalPaid.IsEqualTo(usdAmount(500)))
	assert.True(t, installments[1].PrincipalPaid.IsEqualTo(firstPaid))
}

func TestProcessor_ChronologicalOrderBeatsInsertionOrder(t *testing.T) {
	// GIVEN: A later-dated repayment posted before an earlier-dated one
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 20), 500),
		newTx(2, loan.TxRepayment, loan.NewDate(2024, 1, 15), 500),
	}

	// WHEN: Replaying
	replay(t, p, txs, installments, nil)

	// THEN: The earlier-dated transaction claims installment one
	require.Len(t, txs[1].Mappings, 1)
	assert.Equal(t, 1, txs[1].Mappings[0].InstallmentNumber)
	require.Len(t, txs[0].Mappings, 1)
	assert.Equal(t, 2, txs[0].Mappings[0].InstallmentNumber)
	assert.True(t, installments[0].ObligationsMet)
	assert.True(t, installments[1].ObligationsMet)
}

func TestProcessor_ReversedTransactionsAreExcluded(t *testing.T) {
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	reversed := newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 1), 500)
	reversed.Reverse(loan.NewDate(2024, 2, 5), "")
	txs := []*loan.LoanTransaction{
		reversed,
		newTx(2, loan.TxRepayment, loan.NewDate(2024, 2, 10), 300),
	}

	replay(t, p, txs, installments, nil)

	assert.True(t, installments[0].PrincipalPaid.IsEqualTo(usdAmount(300)),
		"only the live transaction allocates")
	assert.Empty(t, reversed.Mappings)
}

func TestProcessor_OutstandingBalanceSnapshots(t *testing.T) {
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 1), 500),
		newTx(2, loan.TxRepayment, loan.NewDate(2024, 3, 1), 500),
	}

	replay(t, p, txs, installments, nil)

	assert.True(t, txs[0].OutstandingBalance.IsEqualTo(usdAmount(500)))
	assert.True(t, txs[1].OutstandingBalance.IsZero())
}

// =============================================================================
// DUE-WINDOW TARGETING
// =============================================================================

func TestProcessor_PaymentTargetsItsDueWindowFirst(t *testing.T) {
	// GIVEN: Installment one unpaid, a payment dated inside installment two's window
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 15), 500),
	}

	// WHEN: Replaying
	replay(t, p, txs, installments, nil)

	// THEN: The window installment is paid before the earlier arrears
	assert.True(t, installments[1].PrincipalPaid.IsEqualTo(usdAmount(500)))
	assert.True(t, installments[0].PrincipalPaid.IsZero())
}

func TestProcessor_SurplusFallsBackToEarlierInstallments(t *testing.T) {
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 15), 800),
	}

	replay(t, p, txs, installments, nil)

	// Window installment (2) fully, remainder flows back to installment 1
	assert.True(t, installments[1].PrincipalPaid.IsEqualTo(usdAmount(500)))
	assert.True(t, installments[0].PrincipalPaid.IsEqualTo(usdAmount(300)))
}

// =============================================================================
// ALLOCATION ORDER
// =============================================================================

func TestProcessor_AllocationOrderVariants(t *testing.T) {
	makeSchedule := func() []*loan.Installment {
		inst := newInstallment(1, 500, 50, 20, 10)
		return []*loan.Installment{inst}
	}
	pay := func(order loan.AllocationOrder) *loan.Installment {
		p := loan.NewProcessor(order)
		installments := makeSchedule()
		txs := []*loan.LoanTransaction{newTx(1, loan.TxRepayment, loan.NewDate(2024, 1, 15), 60)}
		detail, err := p.HandleTransaction(loan.NewDate(2024, 1, 1), txs, usd(), installments, nil)
		require.NoError(t, err)
		require.NotNil(t, detail)
		return installments[0]
	}

	// principal first: 60 all lands on principal
	inst := pay(loan.OrderPrincipalInterestPenaltyFee)
	assert.True(t, inst.PrincipalPaid.IsEqualTo(usdAmount(60)))
	assert.True(t, inst.InterestPaid.IsZero())

	// interest first: 50 interest, 10 principal
	inst = pay(loan.OrderInterestPrincipalPenaltyFee)
	assert.True(t, inst.InterestPaid.IsEqualTo(usdAmount(50)))
	assert.True(t, inst.PrincipalPaid.IsEqualTo(usdAmount(10)))

	// penalty/fee first: 10 penalty, 20 fee, 30 interest
	inst = pay(loan.OrderPenaltyFeeInterestPrincipal)
	assert.True(t, inst.PenaltyPaid.IsEqualTo(usdAmount(10)))
	assert.True(t, inst.FeePaid.IsEqualTo(usdAmount(20)))
	assert.True(t, inst.InterestPaid.IsEqualTo(usdAmount(30)))
	assert.True(t, inst.PrincipalPaid.IsZero())
}

func TestProcessor_ResolveOrderFallsBackToDefault(t *testing.T) {
	assert.Equal(t, loan.OrderInterestPrincipalPenaltyFee, loan.ResolveOrder("interest_principal_penalty_fee"))
	assert.Equal(t, loan.OrderPrincipalInterestPenaltyFee, loan.ResolveOrder("no_such_strategy"))
	assert.Equal(t, loan.OrderPrincipalInterestPenaltyFee, loan.ResolveOrder(""))
}

// =============================================================================
// OVERPAYMENT
// =============================================================================

func TestProcessor_SurplusBecomesOverpayment(t *testing.T) {
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 1), 1200),
	}

	detail := replay(t, p, txs, installments, nil)

	assert.True(t, detail.OverpaymentBalance.IsEqualTo(usdAmount(200)))
	assert.True(t, txs[0].OverpaymentPortion.IsEqualTo(usdAmount(200)))
	assert.True(t, txs[0].PrincipalPortion.IsEqualTo(usdAmount(1000)))
}

func TestProcessor_CreditBalanceRefundNeverGoesNegative(t *testing.T) {
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 1), 1200),
		newTx(2, loan.TxCreditBalanceRefund, loan.NewDate(2024, 2, 10), 200),
	}

	detail := replay(t, p, txs, installments, nil)

	assert.True(t, detail.OverpaymentBalance.IsZero())
	assert.False(t, detail.OverpaymentBalance.IsLessThanZero())
}

// =============================================================================
// CHARGEBACK
// =============================================================================

func TestProcessor_ChargebackConsumesOverpaymentFirst(t *testing.T) {
	// GIVEN: 1200 paid on a 1000 loan (200 overpayment), chargeback of 300
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 1), 1200),
		newTx(2, loan.TxChargeback, loan.NewDate(2024, 3, 10), 300),
	}

	// WHEN: Replaying
	detail := replay(t, p, txs, installments, nil)

	// THEN: 200 comes out of overpayment, 100 reopens the tail installment
	assert.True(t, detail.OverpaymentBalance.IsZero())
	assert.True(t, txs[1].OverpaymentPortion.IsEqualTo(usdAmount(200)))
	assert.True(t, txs[1].PrincipalPortion.IsEqualTo(usdAmount(100)))

	tail := installments[len(installments)-1]
	assert.True(t, tail.PrincipalOutstanding().IsEqualTo(usdAmount(100)))
	assert.False(t, tail.ObligationsMet)
}

func TestProcessor_ChargebackReplayDoesNotCompound(t *testing.T) {
	// Replaying a chargeback twice must not double the reopened principal
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 1), 1000),
		newTx(2, loan.TxChargeback, loan.NewDate(2024, 3, 10), 300),
	}

	replay(t, p, txs, installments, nil)
	replay(t, p, txs, installments, nil)

	tail := installments[len(installments)-1]
	assert.True(t, tail.PrincipalExpected().IsEqualTo(usdAmount(800)),
		"500 scheduled + 300 reopened, regardless of replay count")
	assert.True(t, tail.PrincipalOutstanding().IsEqualTo(usdAmount(300)))
}

// =============================================================================
// REFUND
// =============================================================================

func TestProcessor_RefundBacksOutLatestAllocations(t *testing.T) {
	// GIVEN: Both installments fully paid, then a 300 refund with no overpayment
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 1), 1000),
		newTx(2, loan.TxRefund, loan.NewDate(2024, 2, 10), 300),
	}

	// WHEN: Replaying
	replay(t, p, txs, installments, nil)

	// THEN: The refund reopens the latest installment first
	assert.True(t, installments[1].PrincipalPaid.IsEqualTo(usdAmount(200)))
	assert.True(t, installments[1].PrincipalOutstanding().IsEqualTo(usdAmount(300)))
	assert.True(t, installments[0].ObligationsMet, "earlier installment untouched")
	assert.True(t, txs[1].PrincipalPortion.IsEqualTo(usdAmount(300)))
}

func TestProcessor_RefundConsumesOverpaymentBeforeBackout(t *testing.T) {
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 1), 1100),
		newTx(2, loan.TxRefund, loan.NewDate(2024, 2, 10), 150),
	}

	detail := replay(t, p, txs, installments, nil)

	// 100 overpayment absorbed, only 50 backed out of the schedule
	assert.True(t, detail.OverpaymentBalance.IsZero())
	assert.True(t, txs[1].OverpaymentPortion.IsEqualTo(usdAmount(100)))
	assert.True(t, txs[1].PrincipalPortion.IsEqualTo(usdAmount(50)))
	assert.True(t, installments[1].PrincipalOutstanding().IsEqualTo(usdAmount(50)))
}

// =============================================================================
// WAIVERS AND WRITE-OFF
// =============================================================================

func TestProcessor_InterestWaiverNeverCreatesOverpayment(t *testing.T) {
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	inst := newInstallment(1, 500, 30, 0, 0)
	installments := []*loan.Installment{inst}
	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxWaiveInterest, loan.NewDate(2024, 1, 15), 50),
	}

	detail := replay(t, p, txs, installments, nil)

	assert.True(t, inst.InterestWaived.IsEqualTo(usdAmount(30)))
	assert.True(t, txs[0].UnrecognizedIncome.IsEqualTo(usdAmount(20)),
		"waiver remainder is unrecognized income, not overpayment")
	assert.True(t, detail.OverpaymentBalance.IsZero())
}

func TestProcessor_WriteOffMovesEverythingOutstanding(t *testing.T) {
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 1), 400),
		newTx(2, loan.TxWriteOff, loan.NewDate(2024, 4, 1), 0),
	}

	replay(t, p, txs, installments, nil)

	assert.True(t, txs[1].PrincipalPortion.IsEqualTo(usdAmount(600)))
	assert.True(t, txs[1].OutstandingBalance.IsZero())
	for _, inst := range installments {
		assert.True(t, inst.TotalOutstanding().IsZero())
	}
}

// =============================================================================
// CHARGES DURING REPLAY
// =============================================================================

func TestProcessor_RepaymentSettlesPeriodCharges(t *testing.T) {
	// GIVEN: A 20 fee due inside installment one's window, payment covering everything
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	inst := newInstallment(1, 500, 0, 20, 0)
	installments := []*loan.Installment{inst}

	due := loan.NewDate(2024, 1, 20)
	charge := mustCharge(t, "doc fee", loan.ChargeSpecifiedDueDate, loan.ChargeFlat, 20, false, datePtr(due))
	charge.ID = 7
	charge.Recalculate(usd(), installments, usdAmount(500), usdAmount(0))
	charges := []*loan.LoanCharge{charge}

	txs := []*loan.LoanTransaction{newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 1), 520)}

	// WHEN: Replaying
	replay(t, p, txs, installments, charges)

	// THEN: The fee portion is linked to the charge
	assert.True(t, charge.IsFullyPaid())
	require.Len(t, txs[0].PaidCharges, 1)
	assert.Equal(t, int64(7), txs[0].PaidCharges[0].ChargeID)
	assert.True(t, txs[0].FeePortion.IsEqualTo(usdAmount(20)))
}

func TestProcessor_DisbursementChargeContra(t *testing.T) {
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	charge := mustCharge(t, "processing fee", loan.ChargeAtDisbursement, loan.ChargeFlat, 50, false, nil)
	charge.ID = 3
	charge.Recalculate(usd(), installments, usdAmount(1000), usdAmount(0))
	charges := []*loan.LoanCharge{charge}

	txs := []*loan.LoanTransaction{
		newTx(1, loan.TxRepaymentAtDisbursement, loan.NewDate(2024, 1, 1), 50),
	}

	replay(t, p, txs, installments, charges)

	assert.True(t, charge.IsFullyPaid())
	assert.True(t, txs[0].FeePortion.IsEqualTo(usdAmount(50)))
	assert.Empty(t, txs[0].Mappings, "disbursement charges live outside the schedule")
}

// =============================================================================
// FAST PATH
// =============================================================================

func TestProcessor_ApplyLatestMatchesFullReplay(t *testing.T) {
	// GIVEN: Installment one settled, an exact payment for installment two
	p := loan.NewProcessor(loan.OrderPrincipalInterestPenaltyFee)
	installments := twoInstallmentSchedule(t)
	first := newTx(1, loan.TxRepayment, loan.NewDate(2024, 2, 1), 500)
	replay(t, p, []*loan.LoanTransaction{first}, installments, nil)

	// WHEN: Applying the latest transaction without a full replay
	latest := newTx(2, loan.TxRepayment, loan.NewDate(2024, 3, 1), 500)
	overpayment := p.ApplyLatest(latest, usd(), installments, nil, usdAmount(0))

	// THEN: State matches what a full replay would produce
	assert.True(t, overpayment.IsZero())
	assert.True(t, installments[1].ObligationsMet)
	assert.True(t, latest.PrincipalPortion.IsEqualTo(usdAmount(500)))
	assert.True(t, latest.OutstandingBalance.IsZero())
}
