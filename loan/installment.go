/*
installment.go - One scheduled repayment period

PURPOSE:
  An Installment carries the expected principal/interest/fee/penalty for one
  due period plus the paid/waived/written-off bookkeeping the transaction
  processor fills in during replay. Outstanding amounts are always derived:

      outstanding = expected - paid - waived - writtenOff   (never negative)

CONSERVATION INVARIANT:
  For every component, paid + waived + writtenOff + outstanding == expected
  holds after every mutation. The Pay/Waive/WriteOff methods clamp to the
  component's outstanding amount and return the portion actually applied,
  so callers carry the remainder forward instead of over-allocating.

LIFECYCLE:
  Created in bulk when a schedule is (re)generated; reset and refilled by
  every reprocessing pass; entirely replaced (never patched) when the
  schedule regenerates.
*/
package loan

// =============================================================================
// INSTALLMENT
// =============================================================================

type Installment struct {
	Number   int // 1-based, sequential, unique within the loan
	FromDate DateOf
	DueDate  DateOf

	// Expected amounts per component
	Principal      Money
	Interest       Money
	FeeCharges     Money
	PenaltyCharges Money

	// Derived bookkeeping, owned by the transaction processor
	PrincipalPaid       Money
	InterestPaid        Money
	FeePaid             Money
	PenaltyPaid         Money
	PrincipalWaived     Money
	InterestWaived      Money
	FeeWaived           Money
	PenaltyWaived       Money
	PrincipalWrittenOff Money
	InterestWrittenOff  Money
	FeeWrittenOff       Money
	PenaltyWrittenOff   Money

	// PrincipalAdded is outstanding reopened by chargeback replay. It is
	// derived state (reset before every pass) so replaying twice never
	// doubles the added principal.
	PrincipalAdded Money

	ObligationsMet   bool
	ObligationsMetOn *DateOf

	// Recalculation marks a synthetic interest-recalculation period that is
	// not counted toward the externally-visible installment count and may
	// duplicate another period's timing.
	Recalculation bool
}

// NewInstallment creates an installment with zeroed bookkeeping.
func NewInstallment(number int, from, due DateOf, principal, interest, fee, penalty Money) *Installment {
	zero := principal.Zero()
	return &Installment{
		Number: number, FromDate: from, DueDate: due,
		Principal: principal, Interest: interest, FeeCharges: fee, PenaltyCharges: penalty,
		PrincipalAdded: zero,
		PrincipalPaid:  zero, InterestPaid: zero, FeePaid: zero, PenaltyPaid: zero,
		PrincipalWaived: zero, InterestWaived: zero, FeeWaived: zero, PenaltyWaived: zero,
		PrincipalWrittenOff: zero, InterestWrittenOff: zero, FeeWrittenOff: zero, PenaltyWrittenOff: zero,
	}
}

// =============================================================================
// OUTSTANDING ACCESSORS
// =============================================================================

// PrincipalExpected is the scheduled principal plus any chargeback-reopened
// principal for the current replay pass.
func (i *Installment) PrincipalExpected() Money {
	return i.Principal.Plus(i.PrincipalAdded)
}

func (i *Installment) PrincipalOutstanding() Money {
	return i.PrincipalExpected().Minus(i.PrincipalPaid).Minus(i.PrincipalWaived).Minus(i.PrincipalWrittenOff).ClampZero()
}

func (i *Installment) InterestOutstanding() Money {
	return i.Interest.Minus(i.InterestPaid).Minus(i.InterestWaived).Minus(i.InterestWrittenOff).ClampZero()
}

func (i *Installment) FeeOutstanding() Money {
	return i.FeeCharges.Minus(i.FeePaid).Minus(i.FeeWaived).Minus(i.FeeWrittenOff).ClampZero()
}

func (i *Installment) PenaltyOutstanding() Money {
	return i.PenaltyCharges.Minus(i.PenaltyPaid).Minus(i.PenaltyWaived).Minus(i.PenaltyWrittenOff).ClampZero()
}

func (i *Installment) TotalOutstanding() Money {
	return i.PrincipalOutstanding().
		Plus(i.InterestOutstanding()).
		Plus(i.FeeOutstanding()).
		Plus(i.PenaltyOutstanding())
}

func (i *Installment) TotalExpected() Money {
	return i.PrincipalExpected().Plus(i.Interest).Plus(i.FeeCharges).Plus(i.PenaltyCharges)
}

func (i *Installment) TotalPaid() Money {
	return i.PrincipalPaid.Plus(i.InterestPaid).Plus(i.FeePaid).Plus(i.PenaltyPaid)
}

// IsOverdueOn reports whether the installment's due date has passed and
// obligations are still unmet as of the given date.
func (i *Installment) IsOverdueOn(date DateOf) bool {
	return !i.ObligationsMet && i.DueDate.Before(date)
}

// =============================================================================
// MUTATION - clamp to outstanding, return applied portion
// =============================================================================

func (i *Installment) PayPrincipal(on DateOf, amount Money) Money {
	applied := amount.Min(i.PrincipalOutstanding())
	i.PrincipalPaid = i.PrincipalPaid.Plus(applied)
	i.checkObligationsMet(on)
	return applied
}

func (i *Installment) PayInterest(on DateOf, amount Money) Money {
	applied := amount.Min(i.InterestOutstanding())
	i.InterestPaid = i.InterestPaid.Plus(applied)
	i.checkObligationsMet(on)
	return applied
}

func (i *Installment) PayFee(on DateOf, amount Money) Money {
	applied := amount.Min(i.FeeOutstanding())
	i.FeePaid = i.FeePaid.Plus(applied)
	i.checkObligationsMet(on)
	return applied
}

func (i *Installment) PayPenalty(on DateOf, amount Money) Money {
	applied := amount.Min(i.PenaltyOutstanding())
	i.PenaltyPaid = i.PenaltyPaid.Plus(applied)
	i.checkObligationsMet(on)
	return applied
}

func (i *Installment) WaiveInterest(on DateOf, amount Money) Money {
	applied := amount.Min(i.InterestOutstanding())
	i.InterestWaived = i.InterestWaived.Plus(applied)
	i.checkObligationsMet(on)
	return applied
}

func (i *Installment) WaiveFee(on DateOf, amount Money) Money {
	applied := amount.Min(i.FeeOutstanding())
	i.FeeWaived = i.FeeWaived.Plus(applied)
	i.checkObligationsMet(on)
	return applied
}

func (i *Installment) WaivePenalty(on DateOf, amount Money) Money {
	applied := amount.Min(i.PenaltyOutstanding())
	i.PenaltyWaived = i.PenaltyWaived.Plus(applied)
	i.checkObligationsMet(on)
	return applied
}

// WriteOffOutstanding moves every remaining component into the written-off
// bucket and returns the per-component portions written off.
func (i *Installment) WriteOffOutstanding(on DateOf) (principal, interest, fee, penalty Money) {
	principal = i.PrincipalOutstanding()
	interest = i.InterestOutstanding()
	fee = i.FeeOutstanding()
	penalty = i.PenaltyOutstanding()

	i.PrincipalWrittenOff = i.PrincipalWrittenOff.Plus(principal)
	i.InterestWrittenOff = i.InterestWrittenOff.Plus(interest)
	i.FeeWrittenOff = i.FeeWrittenOff.Plus(fee)
	i.PenaltyWrittenOff = i.PenaltyWrittenOff.Plus(penalty)
	i.checkObligationsMet(on)
	return principal, interest, fee, penalty
}

// AddChargebackPrincipal reopens outstanding principal on this installment.
func (i *Installment) AddChargebackPrincipal(amount Money) {
	i.PrincipalAdded = i.PrincipalAdded.Plus(amount)
	if i.TotalOutstanding().IsGreaterThanZero() {
		i.ObligationsMet = false
		i.ObligationsMetOn = nil
	}
}

// UnpayComponents backs out previously-allocated amounts (refund handling).
// Each portion is clamped to what was actually paid; the applied amounts are
// returned so the caller can account for the shortfall elsewhere.
func (i *Installment) UnpayComponents(principal, interest, fee, penalty Money) (p, in, f, pen Money) {
	p = principal.Min(i.PrincipalPaid)
	in = interest.Min(i.InterestPaid)
	f = fee.Min(i.FeePaid)
	pen = penalty.Min(i.PenaltyPaid)

	i.PrincipalPaid = i.PrincipalPaid.Minus(p)
	i.InterestPaid = i.InterestPaid.Minus(in)
	i.FeePaid = i.FeePaid.Minus(f)
	i.PenaltyPaid = i.PenaltyPaid.Minus(pen)

	if i.TotalOutstanding().IsGreaterThanZero() {
		i.ObligationsMet = false
		i.ObligationsMetOn = nil
	}
	return p, in, f, pen
}

func (i *Installment) checkObligationsMet(on DateOf) {
	if i.TotalOutstanding().IsZero() {
		i.ObligationsMet = true
		d := on
		i.ObligationsMetOn = &d
	}
}

// ResetDerived zeroes all processor-owned bookkeeping before a replay pass.
// Expected amounts are untouched.
func (i *Installment) ResetDerived() {
	zero := i.Principal.Zero()
	i.PrincipalAdded = zero
	i.PrincipalPaid, i.InterestPaid, i.FeePaid, i.PenaltyPaid = zero, zero, zero, zero
	i.PrincipalWaived, i.InterestWaived, i.FeeWaived, i.PenaltyWaived = zero, zero, zero, zero
	i.PrincipalWrittenOff, i.InterestWrittenOff, i.FeeWrittenOff, i.PenaltyWrittenOff = zero, zero, zero, zero
	i.ObligationsMet = false
	i.ObligationsMetOn = nil
}
