/*
schedule.go - Repayment schedule construction and window lookups

PURPOSE:
  The engine treats full amortization math as an external concern; what it
  owns is (a) rebuilding an equal-split schedule when tranche changes force
  a regeneration, (b) locating the installment window a date falls into
  ("due date" semantics: first period inclusive-from, later periods
  exclusive-from / inclusive-to), and (c) replacing the schedule tail with
  one synthetic settlement installment at foreclosure.

REGENERATION:
  A schedule is always cleared and rebuilt as a whole - never partially
  patched - so exactly one schedule is current at any time.
*/
package loan

import "github.com/shopspring/decimal"

// =============================================================================
// SCHEDULE PARAMETERS
// =============================================================================

// ScheduleParams describes an equal-principal schedule with flat interest.
type ScheduleParams struct {
	Principal          Money
	NumInstallments    int
	FirstDueDate       DateOf
	FrequencyMonths    int
	AnnualInterestRate decimal.Decimal // flat, percent
	Calendar           WorkingCalendar
}

// BuildSchedule splits principal evenly across installments, assigning the
// rounding remainder to the last installment, with flat interest spread the
// same way. Due dates shift per the working calendar.
func BuildSchedule(disbursementDate DateOf, p ScheduleParams) ([]*Installment, error) {
	if p.NumInstallments <= 0 {
		return nil, &StructuralError{Rule: "installment_count", Message: "schedule requires at least one installment"}
	}
	if p.FrequencyMonths <= 0 {
		p.FrequencyMonths = 1
	}
	currency := p.Principal.Currency()
	n := decimal.NewFromInt(int64(p.NumInstallments))

	perPrincipal := p.Principal.DividedBy(n)
	totalInterest := p.Principal.MultipliedBy(p.AnnualInterestRate.Div(decimal.NewFromInt(100))).
		MultipliedBy(decimal.NewFromInt(int64(p.NumInstallments * p.FrequencyMonths)).Div(decimal.NewFromInt(12)))
	perInterest := totalInterest.DividedBy(n)

	zero := ZeroMoney(currency)
	installments := make([]*Installment, 0, p.NumInstallments)
	from := disbursementDate
	due := p.FirstDueDate
	allocatedPrincipal, allocatedInterest := zero, zero

	for i := 1; i <= p.NumInstallments; i++ {
		principal, interest := perPrincipal, perInterest
		if i == p.NumInstallments {
			// Last installment absorbs rounding drift.
			principal = p.Principal.Minus(allocatedPrincipal)
			interest = totalInterest.Minus(allocatedInterest)
		}
		shiftedDue := p.Calendar.ShiftToWorkingDay(due)
		installments = append(installments, NewInstallment(i, from, shiftedDue, principal, interest, zero, zero))
		allocatedPrincipal = allocatedPrincipal.Plus(principal)
		allocatedInterest = allocatedInterest.Plus(interest)
		from = shiftedDue
		due = due.AddMonths(p.FrequencyMonths)
	}
	return installments, nil
}

// =============================================================================
// WINDOW LOOKUP
// =============================================================================

// InstallmentForDate returns the installment whose due window covers the
// date: the first period is inclusive of its from-date, later periods are
// exclusive-from / inclusive-to. Dates past the final due date return the
// last installment (arrears), dates before disbursement return nil.
func InstallmentForDate(installments []*Installment, date DateOf) *Installment {
	var last *Installment
	for _, inst := range installments {
		if inst.Recalculation {
			continue
		}
		first := inst.Number == 1
		if first && date.AfterOrEqual(inst.FromDate) && date.BeforeOrEqual(inst.DueDate) {
			return inst
		}
		if !first && date.After(inst.FromDate) && date.BeforeOrEqual(inst.DueDate) {
			return inst
		}
		last = inst
	}
	if last != nil && date.After(last.DueDate) {
		return last
	}
	return nil
}

// MaturityDate is the last non-recalculation due date.
func MaturityDate(installments []*Installment) DateOf {
	var latest DateOf
	for _, inst := range installments {
		if inst.Recalculation {
			continue
		}
		if latest.IsZero() || inst.DueDate.After(latest) {
			latest = inst.DueDate
		}
	}
	return latest
}

// VisibleInstallmentCount excludes synthetic recalculation periods.
func VisibleInstallmentCount(installments []*Installment) int {
	count := 0
	for _, inst := range installments {
		if !inst.Recalculation {
			count++
		}
	}
	return count
}

// =============================================================================
// FORECLOSURE TAIL
// =============================================================================

// ForeclosureSchedule replaces the tail of the schedule from the settlement
// date onward with one synthetic final installment. The settled period's
// interest, fee and penalty are prorated linearly by elapsed days; later
// periods contribute principal only (their interest has not run). The tail
// carries expected amounts only; the caller replays the transaction history
// to re-derive what of it is already paid.
func ForeclosureSchedule(installments []*Installment, settleOn DateOf) []*Installment {
	currency := ZeroMoney(installments[0].Principal.Currency()).Currency()
	zero := ZeroMoney(currency)

	kept := make([]*Installment, 0, len(installments))
	tailPrincipal, tailInterest, tailFee, tailPenalty := zero, zero, zero, zero
	tailFrom := settleOn
	number := 0

	for _, inst := range installments {
		if inst.Recalculation {
			continue
		}
		if inst.DueDate.Before(settleOn) {
			kept = append(kept, inst)
			number = inst.Number
			tailFrom = inst.DueDate
			continue
		}
		// Scheduled principal, not outstanding: the replay that follows a
		// schedule swap re-applies every payment against the tail, so
		// building it from post-payment state would count those payments
		// twice.
		tailPrincipal = tailPrincipal.Plus(inst.Principal)
		if settleOn.AfterOrEqual(inst.FromDate) && settleOn.BeforeOrEqual(inst.DueDate) {
			// Current period: prorate time-based components by elapsed days.
			periodDays := inst.FromDate.DaysUntil(inst.DueDate)
			elapsed := inst.FromDate.DaysUntil(settleOn)
			if periodDays > 0 && elapsed > 0 {
				fraction := decimal.NewFromInt(int64(elapsed)).Div(decimal.NewFromInt(int64(periodDays)))
				tailInterest = tailInterest.Plus(inst.Interest.MultipliedBy(fraction))
				tailFee = tailFee.Plus(inst.FeeCharges.MultipliedBy(fraction))
				tailPenalty = tailPenalty.Plus(inst.PenaltyCharges.MultipliedBy(fraction))
			}
		}
	}

	tail := NewInstallment(number+1, tailFrom, settleOn, tailPrincipal, tailInterest, tailFee, tailPenalty)
	return append(kept, tail)
}
