package loan_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func mustCharge(t *testing.T, name string, ct loan.ChargeTime, calc loan.ChargeCalculation, amountOrPct float64, penalty bool, dueDate *loan.DateOf) *loan.LoanCharge {
	t.Helper()
	c, err := loan.NewCharge(name, ct, calc, decimal.NewFromFloat(amountOrPct), penalty, dueDate, usd())
	require.NoError(t, err)
	return c
}

func datePtr(d loan.DateOf) *loan.DateOf { return &d }

// =============================================================================
// VALIDATION
// =============================================================================

func TestCharge_SpecifiedDueDateRequiresDate(t *testing.T) {
	_, err := loan.NewCharge("late doc fee", loan.ChargeSpecifiedDueDate, loan.ChargeFlat,
		decimal.NewFromInt(25), false, nil, usd())
	require.Error(t, err)
	assert.ErrorIs(t, err, loan.ErrStructural)

	var structural *loan.StructuralError
	require.ErrorAs(t, err, &structural)
	assert.Equal(t, "charge_due_date_required", structural.Rule)
}

func TestCharge_DueDateForbiddenForOtherTimes(t *testing.T) {
	due := loan.NewDate(2024, 3, 1)
	_, err := loan.NewCharge("processing fee", loan.ChargeAtDisbursement, loan.ChargeFlat,
		decimal.NewFromInt(50), false, &due, usd())
	require.Error(t, err)
	assert.ErrorIs(t, err, loan.ErrStructural)
}

// =============================================================================
// RECALCULATION
// =============================================================================

func TestCharge_FlatAmount(t *testing.T) {
	c := mustCharge(t, "processing fee", loan.ChargeAtDisbursement, loan.ChargeFlat, 50, false, nil)

	c.Recalculate(usd(), nil, usdAmount(1000), usdAmount(0))

	assert.True(t, c.Amount.IsEqualTo(usdAmount(50)))
	assert.True(t, c.Outstanding().IsEqualTo(usdAmount(50)))
}

func TestCharge_PercentageBases(t *testing.T) {
	principal := usdAmount(1000)
	interest := usdAmount(100)

	tests := []struct {
		calc loan.ChargeCalculation
		want float64
	}{
		{loan.ChargePercentOfAmount, 20},               // 2% of 1000
		{loan.ChargePercentOfAmountAndInterest, 22},    // 2% of 1100
		{loan.ChargePercentOfInterest, 2},              // 2% of 100
		{loan.ChargePercentOfDisbursementAmount, 20},   // 2% of 1000
	}
	for _, tc := range tests {
		t.Run(string(tc.calc), func(t *testing.T) {
			due := loan.NewDate(2024, 2, 1)
			c := mustCharge(t, "fee", loan.ChargeSpecifiedDueDate, tc.calc, 2, false, datePtr(due))
			c.Recalculate(usd(), nil, principal, interest)
			assert.True(t, c.Amount.IsEqualTo(usdAmount(tc.want)),
				"want %v got %s", tc.want, c.Amount)
		})
	}
}

func TestCharge_CapsClampPercentageResult(t *testing.T) {
	// GIVEN: A 10% charge with min cap 50 and max cap 80
	due := loan.NewDate(2024, 2, 1)
	c := mustCharge(t, "capped fee", loan.ChargeSpecifiedDueDate, loan.ChargePercentOfAmount, 10, false, datePtr(due))
	minCap := decimal.NewFromInt(50)
	maxCap := decimal.NewFromInt(80)
	c.MinCap = &minCap
	c.MaxCap = &maxCap

	// WHEN: The base would produce 100
	c.Recalculate(usd(), nil, usdAmount(1000), usdAmount(0))
	// THEN: The max cap wins
	assert.True(t, c.Amount.IsEqualTo(usdAmount(80)))

	// WHEN: The base would produce 20
	c.Recalculate(usd(), nil, usdAmount(200), usdAmount(0))
	// THEN: The min cap wins
	assert.True(t, c.Amount.IsEqualTo(usdAmount(50)))
}

func TestCharge_InstallmentFeeFansOut(t *testing.T) {
	// GIVEN: A flat 10 installment fee on a three-installment schedule
	c := mustCharge(t, "service fee", loan.ChargeInstallmentFee, loan.ChargeFlat, 10, false, nil)
	installments := []*loan.Installment{
		newInstallment(1, 400, 40, 0, 0),
		newInstallment(2, 300, 30, 0, 0),
		newInstallment(3, 300, 30, 0, 0),
	}

	// WHEN: Recalculating
	c.Recalculate(usd(), installments, usdAmount(1000), usdAmount(100))

	// THEN: One child per installment, parent is the sum
	require.Len(t, c.InstallmentCharges, 3)
	assert.True(t, c.Amount.IsEqualTo(usdAmount(30)))
	for n := 1; n <= 3; n++ {
		share := c.InstallmentShare(n)
		require.NotNil(t, share)
		assert.True(t, share.Amount.IsEqualTo(usdAmount(10)))
	}
}

func TestCharge_InstallmentFeePercentageUsesPerPeriodBase(t *testing.T) {
	c := mustCharge(t, "service fee", loan.ChargeInstallmentFee, loan.ChargePercentOfAmountAndInterest, 1, false, nil)
	installments := []*loan.Installment{
		newInstallment(1, 400, 40, 0, 0), // base 440 -> 4.40
		newInstallment(2, 600, 60, 0, 0), // base 660 -> 6.60
	}

	c.Recalculate(usd(), installments, usdAmount(1000), usdAmount(100))

	require.Len(t, c.InstallmentCharges, 2)
	assert.True(t, c.InstallmentShare(1).Amount.IsEqualTo(usdAmount(4.40)))
	assert.True(t, c.InstallmentShare(2).Amount.IsEqualTo(usdAmount(6.60)))
	assert.True(t, c.Amount.IsEqualTo(usdAmount(11)))
}

func TestCharge_InstallmentFeeSkipsRecalculationPeriods(t *testing.T) {
	c := mustCharge(t, "service fee", loan.ChargeInstallmentFee, loan.ChargeFlat, 10, false, nil)
	synthetic := newInstallment(2, 0, 5, 0, 0)
	synthetic.Recalculation = true
	installments := []*loan.Installment{
		newInstallment(1, 500, 50, 0, 0),
		synthetic,
		newInstallment(3, 500, 50, 0, 0),
	}

	c.Recalculate(usd(), installments, usdAmount(1000), usdAmount(105))

	require.Len(t, c.InstallmentCharges, 2)
	assert.Nil(t, c.InstallmentShare(2))
	assert.True(t, c.Amount.IsEqualTo(usdAmount(20)))
}

// =============================================================================
// DUE WINDOWS
// =============================================================================

func TestCharge_IsDueInPeriod(t *testing.T) {
	from := loan.NewDate(2024, 1, 1)
	due := loan.NewDate(2024, 2, 1)

	onFrom := mustCharge(t, "fee", loan.ChargeSpecifiedDueDate, loan.ChargeFlat, 10, false, datePtr(from))
	assert.True(t, onFrom.IsDueInPeriod(from, due, true), "first period includes its from-date")
	assert.False(t, onFrom.IsDueInPeriod(from, due, false), "later periods exclude their from-date")

	onDue := mustCharge(t, "fee", loan.ChargeSpecifiedDueDate, loan.ChargeFlat, 10, false, datePtr(due))
	assert.True(t, onDue.IsDueInPeriod(from, due, false), "due date itself is inclusive")

	after := mustCharge(t, "fee", loan.ChargeSpecifiedDueDate, loan.ChargeFlat, 10, false, datePtr(due.AddDays(1)))
	assert.False(t, after.IsDueInPeriod(from, due, false))

	noDate := mustCharge(t, "fee", loan.ChargeAtDisbursement, loan.ChargeFlat, 10, false, nil)
	assert.False(t, noDate.IsDueInPeriod(from, due, true), "undated charges never match a window")
}

// =============================================================================
// BOOKKEEPING
// =============================================================================

func TestCharge_PayClampsAndSyncsParent(t *testing.T) {
	c := mustCharge(t, "service fee", loan.ChargeInstallmentFee, loan.ChargeFlat, 10, false, nil)
	c.Recalculate(usd(), []*loan.Installment{
		newInstallment(1, 500, 0, 0, 0),
		newInstallment(2, 500, 0, 0, 0),
	}, usdAmount(1000), usdAmount(0))

	applied := c.Pay(usdAmount(25), 1)
	assert.True(t, applied.IsEqualTo(usdAmount(10)), "clamped to the installment share")
	assert.True(t, c.AmountPaid.IsEqualTo(usdAmount(10)))
	assert.True(t, c.InstallmentShare(1).Outstanding().IsZero())
	assert.True(t, c.InstallmentShare(2).Outstanding().IsEqualTo(usdAmount(10)))

	// Unknown installment applies nothing
	applied = c.Pay(usdAmount(10), 99)
	assert.True(t, applied.IsZero())
}

func TestCharge_WaiveSettlesOutstanding(t *testing.T) {
	c := mustCharge(t, "processing fee", loan.ChargeAtDisbursement, loan.ChargeFlat, 50, false, nil)
	c.Recalculate(usd(), nil, usdAmount(1000), usdAmount(0))
	c.Pay(usdAmount(20), 0)

	waived := c.Waive(0)
	assert.True(t, waived.IsEqualTo(usdAmount(30)))
	assert.True(t, c.IsFullyPaid())
	assert.True(t, c.AmountPaid.IsEqualTo(usdAmount(20)), "waiving leaves the paid total alone")
}

func TestCharge_ResetDerivedClearsBookkeepingOnly(t *testing.T) {
	c := mustCharge(t, "service fee", loan.ChargeInstallmentFee, loan.ChargeFlat, 10, false, nil)
	c.Recalculate(usd(), []*loan.Installment{newInstallment(1, 500, 0, 0, 0)}, usdAmount(500), usdAmount(0))
	c.Pay(usdAmount(10), 1)
	require.True(t, c.IsFullyPaid())

	c.ResetDerived()

	assert.True(t, c.AmountPaid.IsZero())
	assert.True(t, c.Amount.IsEqualTo(usdAmount(10)), "reset keeps the computed amount")
	assert.True(t, c.InstallmentShare(1).Outstanding().IsEqualTo(usdAmount(10)))
}
