/*
summary.go - Aggregated loan totals

PURPOSE:
  The Summary is derived wholesale by scanning installments, charges and
  transactions - it is never incrementally trusted across a reprocessing
  pass. account.go calls ComputeSummary after every mutation; stale cached
  totals are simply discarded.

TOTALS:
  Per component: expected (charged), paid, waived, written-off, outstanding.
  Plus: total outstanding, total overpaid (nil semantics: zero value and
  Overpaid() == false whenever the computed overpayment is <= 0), and total
  recovered (recovery repayments after write-off).
*/
package loan

// =============================================================================
// SUMMARY
// =============================================================================

type Summary struct {
	PrincipalDisbursed   Money
	PrincipalPaid        Money
	PrincipalWrittenOff  Money
	PrincipalOutstanding Money

	InterestCharged     Money
	InterestPaid        Money
	InterestWaived      Money
	InterestWrittenOff  Money
	InterestOutstanding Money

	FeeCharged     Money
	FeePaid        Money
	FeeWaived      Money
	FeeWrittenOff  Money
	FeeOutstanding Money

	PenaltyCharged     Money
	PenaltyPaid        Money
	PenaltyWaived      Money
	PenaltyWrittenOff  Money
	PenaltyOutstanding Money

	TotalExpectedRepayment Money
	TotalRepayment         Money
	TotalWaived            Money
	TotalWrittenOff        Money
	TotalOutstanding       Money

	// TotalOverpaid is only meaningful when positive; Overpaid() guards it.
	TotalOverpaid  Money
	TotalRecovered Money
}

// Overpaid reports whether the loan holds a credit balance.
func (s Summary) Overpaid() bool { return s.TotalOverpaid.IsGreaterThanZero() }

// ComputeSummary re-derives all totals from scratch.
//
// principalDisbursed is the sum of actually-disbursed tranche principals;
// overpayment is the replay's final overpayment balance. Due-at-disbursement
// charges live outside the schedule, so charge bookkeeping is folded in from
// the charge list rather than the installments for those.
func ComputeSummary(currency Currency, installments []*Installment, charges []*LoanCharge, transactions []*LoanTransaction, principalDisbursed Money, overpayment Money) Summary {
	zero := ZeroMoney(currency)
	s := Summary{
		PrincipalDisbursed: principalDisbursed,
		PrincipalPaid:      zero, PrincipalWrittenOff: zero, PrincipalOutstanding: zero,
		InterestCharged: zero, InterestPaid: zero, InterestWaived: zero, InterestWrittenOff: zero, InterestOutstanding: zero,
		FeeCharged: zero, FeePaid: zero, FeeWaived: zero, FeeWrittenOff: zero, FeeOutstanding: zero,
		PenaltyCharged: zero, PenaltyPaid: zero, PenaltyWaived: zero, PenaltyWrittenOff: zero, PenaltyOutstanding: zero,
		TotalExpectedRepayment: zero, TotalRepayment: zero, TotalWaived: zero, TotalWrittenOff: zero,
		TotalOutstanding: zero, TotalOverpaid: overpayment.ClampZero(), TotalRecovered: zero,
	}

	for _, inst := range installments {
		s.PrincipalPaid = s.PrincipalPaid.Plus(inst.PrincipalPaid)
		s.PrincipalWrittenOff = s.PrincipalWrittenOff.Plus(inst.PrincipalWrittenOff)
		s.PrincipalOutstanding = s.PrincipalOutstanding.Plus(inst.PrincipalOutstanding())

		s.InterestCharged = s.InterestCharged.Plus(inst.Interest)
		s.InterestPaid = s.InterestPaid.Plus(inst.InterestPaid)
		s.InterestWaived = s.InterestWaived.Plus(inst.InterestWaived)
		s.InterestWrittenOff = s.InterestWrittenOff.Plus(inst.InterestWrittenOff)
		s.InterestOutstanding = s.InterestOutstanding.Plus(inst.InterestOutstanding())

		s.FeeCharged = s.FeeCharged.Plus(inst.FeeCharges)
		s.FeePaid = s.FeePaid.Plus(inst.FeePaid)
		s.FeeWaived = s.FeeWaived.Plus(inst.FeeWaived)
		s.FeeWrittenOff = s.FeeWrittenOff.Plus(inst.FeeWrittenOff)
		s.FeeOutstanding = s.FeeOutstanding.Plus(inst.FeeOutstanding())

		s.PenaltyCharged = s.PenaltyCharged.Plus(inst.PenaltyCharges)
		s.PenaltyPaid = s.PenaltyPaid.Plus(inst.PenaltyPaid)
		s.PenaltyWaived = s.PenaltyWaived.Plus(inst.PenaltyWaived)
		s.PenaltyWrittenOff = s.PenaltyWrittenOff.Plus(inst.PenaltyWrittenOff)
		s.PenaltyOutstanding = s.PenaltyOutstanding.Plus(inst.PenaltyOutstanding())
	}

	// Due-at-disbursement charges are collected outside the schedule.
	for _, c := range charges {
		if !c.Active || !c.IsDueAtDisbursement() {
			continue
		}
		if c.Penalty {
			s.PenaltyCharged = s.PenaltyCharged.Plus(c.Amount)
			s.PenaltyPaid = s.PenaltyPaid.Plus(c.AmountPaid)
			s.PenaltyWaived = s.PenaltyWaived.Plus(c.AmountWaived)
			s.PenaltyOutstanding = s.PenaltyOutstanding.Plus(c.Outstanding())
		} else {
			s.FeeCharged = s.FeeCharged.Plus(c.Amount)
			s.FeePaid = s.FeePaid.Plus(c.AmountPaid)
			s.FeeWaived = s.FeeWaived.Plus(c.AmountWaived)
			s.FeeOutstanding = s.FeeOutstanding.Plus(c.Outstanding())
		}
	}

	for _, tx := range transactions {
		if tx.Reversed {
			continue
		}
		if tx.Type == TxRecoveryRepayment {
			s.TotalRecovered = s.TotalRecovered.Plus(tx.Amount)
		}
	}

	s.TotalExpectedRepayment = s.PrincipalOutstanding.Plus(s.PrincipalPaid).Plus(s.PrincipalWrittenOff).
		Plus(s.InterestCharged).Plus(s.FeeCharged).Plus(s.PenaltyCharged)
	s.TotalRepayment = s.PrincipalPaid.Plus(s.InterestPaid).Plus(s.FeePaid).Plus(s.PenaltyPaid)
	s.TotalWaived = s.InterestWaived.Plus(s.FeeWaived).Plus(s.PenaltyWaived)
	s.TotalWrittenOff = s.PrincipalWrittenOff.Plus(s.InterestWrittenOff).Plus(s.FeeWrittenOff).Plus(s.PenaltyWrittenOff)
	s.TotalOutstanding = s.PrincipalOutstanding.Plus(s.InterestOutstanding).Plus(s.FeeOutstanding).Plus(s.PenaltyOutstanding)

	return s
}
