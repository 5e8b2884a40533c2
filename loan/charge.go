/*
charge.go - Fee and penalty definitions attached to a loan

PURPOSE:
  A LoanCharge is a fee or penalty with its own paid/waived/written-off
  bookkeeping. Flat or percentage-based (the percentage base depends on the
  calculation type), due at disbursement, on a specified date, per
  installment, or applied when an installment goes overdue.

INSTALLMENT FAN-OUT:
  When the charge is an installment fee it fans out into one
  InstallmentCharge per qualifying installment. The parent's amount, paid
  and waived totals always equal the sums across its children.

LIFECYCLE:
  Created with the application or added later (due date validated against
  disbursement); recalculated whenever principal, schedule, or tranches
  change; deactivated - never hard-deleted - once a transaction references
  it, so reversal replay stays reconstructible.
*/
package loan

import "github.com/shopspring/decimal"

// =============================================================================
// CHARGE CONFIGURATION
// =============================================================================

type ChargeCalculation string

const (
	ChargeFlat                        ChargeCalculation = "flat"
	ChargePercentOfAmount             ChargeCalculation = "percent_of_amount"
	ChargePercentOfAmountAndInterest  ChargeCalculation = "percent_of_amount_and_interest"
	ChargePercentOfInterest           ChargeCalculation = "percent_of_interest"
	ChargePercentOfDisbursementAmount ChargeCalculation = "percent_of_disbursement_amount"
)

func (c ChargeCalculation) IsPercentage() bool { return c != ChargeFlat }

type ChargeTime string

const (
	ChargeAtDisbursement   ChargeTime = "disbursement"
	ChargeSpecifiedDueDate ChargeTime = "specified_due_date"
	ChargeInstallmentFee   ChargeTime = "installment_fee"
	ChargeOverdueFee       ChargeTime = "overdue_fee"
)

// =============================================================================
// LOAN CHARGE
// =============================================================================

type LoanCharge struct {
	ID          int64
	Name        string
	Time        ChargeTime
	Calculation ChargeCalculation
	Penalty     bool
	Active      bool

	// AmountOrPercentage is the configured flat amount or percentage rate.
	AmountOrPercentage decimal.Decimal
	MinCap             *decimal.Decimal
	MaxCap             *decimal.Decimal

	// DueDate is mandatory for specified-due-date charges, absent otherwise.
	DueDate *DateOf

	// OverdueInstallment links an overdue-fee penalty to the installment
	// that triggered it, so the same period is not penalised twice.
	OverdueInstallment int

	// Computed bookkeeping
	Amount           Money
	AmountPaid       Money
	AmountWaived     Money
	AmountWrittenOff Money

	InstallmentCharges []*InstallmentCharge
}

// InstallmentCharge is the per-installment share of an installment-fee
// charge.
type InstallmentCharge struct {
	InstallmentNumber int
	Amount            Money
	AmountPaid        Money
	AmountWaived      Money
	AmountWrittenOff  Money
}

func (ic *InstallmentCharge) Outstanding() Money {
	return ic.Amount.Minus(ic.AmountPaid).Minus(ic.AmountWaived).Minus(ic.AmountWrittenOff).ClampZero()
}

// NewCharge validates configuration and returns an unattached charge.
// The amount is computed once the charge is recalculated against a loan.
func NewCharge(name string, t ChargeTime, calc ChargeCalculation, amountOrPct decimal.Decimal, penalty bool, dueDate *DateOf, currency Currency) (*LoanCharge, error) {
	if t == ChargeSpecifiedDueDate && dueDate == nil {
		return nil, &StructuralError{Rule: "charge_due_date_required", Message: "specified-due-date charge has no due date"}
	}
	if t != ChargeSpecifiedDueDate && dueDate != nil {
		return nil, &StructuralError{Rule: "charge_due_date_forbidden", Message: "due date only valid for specified-due-date charges"}
	}
	zero := ZeroMoney(currency)
	return &LoanCharge{
		Name: name, Time: t, Calculation: calc, Penalty: penalty, Active: true,
		AmountOrPercentage: amountOrPct, DueDate: dueDate,
		Amount: zero, AmountPaid: zero, AmountWaived: zero, AmountWrittenOff: zero,
	}, nil
}

func (c *LoanCharge) IsDueAtDisbursement() bool { return c.Time == ChargeAtDisbursement }
func (c *LoanCharge) IsInstallmentFee() bool    { return c.Time == ChargeInstallmentFee }

func (c *LoanCharge) Outstanding() Money {
	return c.Amount.Minus(c.AmountPaid).Minus(c.AmountWaived).Minus(c.AmountWrittenOff).ClampZero()
}

func (c *LoanCharge) IsFullyPaid() bool { return c.Outstanding().IsZero() }

// IsDueInPeriod reports whether the charge belongs to the installment window
// (from, due]. The first period is inclusive of its from-date so charges due
// on the disbursement date land in installment one.
func (c *LoanCharge) IsDueInPeriod(from, due DateOf, firstPeriod bool) bool {
	if c.DueDate == nil {
		return false
	}
	d := *c.DueDate
	if firstPeriod {
		return d.AfterOrEqual(from) && d.BeforeOrEqual(due)
	}
	return d.After(from) && d.BeforeOrEqual(due)
}

// =============================================================================
// RECALCULATION
// =============================================================================

// percentageBase returns the base the percentage applies to for one
// installment (or for the whole loan when the charge is not per-installment).
func (c *LoanCharge) percentageBase(principal, interest Money) Money {
	switch c.Calculation {
	case ChargePercentOfAmount, ChargePercentOfDisbursementAmount:
		return principal
	case ChargePercentOfAmountAndInterest:
		return principal.Plus(interest)
	case ChargePercentOfInterest:
		return interest
	default:
		return principal.Zero()
	}
}

func (c *LoanCharge) applyCaps(amount Money) Money {
	if c.MinCap != nil {
		min := NewMoney(amount.Currency(), *c.MinCap)
		amount = amount.Max(min)
	}
	if c.MaxCap != nil {
		max := NewMoney(amount.Currency(), *c.MaxCap)
		amount = amount.Min(max)
	}
	return amount
}

// Recalculate recomputes the charge amount from the loan's current principal
// and total scheduled interest. For installment fees it fans out one child
// per non-recalculation installment and sums the children into the parent.
// Recalculation resets bookkeeping; the transaction processor re-derives
// paid amounts on the next replay pass.
func (c *LoanCharge) Recalculate(currency Currency, installments []*Installment, principal Money, totalInterest Money) {
	zero := ZeroMoney(currency)
	c.AmountPaid, c.AmountWaived, c.AmountWrittenOff = zero, zero, zero

	if c.IsInstallmentFee() {
		c.InstallmentCharges = c.InstallmentCharges[:0]
		total := zero
		for _, inst := range installments {
			if inst.Recalculation {
				continue
			}
			var amt Money
			if c.Calculation.IsPercentage() {
				base := c.percentageBase(inst.Principal, inst.Interest)
				amt = c.applyCaps(base.MultipliedBy(c.AmountOrPercentage.Div(decimal.NewFromInt(100))))
			} else {
				amt = NewMoney(currency, c.AmountOrPercentage)
			}
			c.InstallmentCharges = append(c.InstallmentCharges, &InstallmentCharge{
				InstallmentNumber: inst.Number,
				Amount:            amt,
				AmountPaid:        zero,
				AmountWaived:      zero,
				AmountWrittenOff:  zero,
			})
			total = total.Plus(amt)
		}
		c.Amount = total
		return
	}

	if c.Calculation.IsPercentage() {
		base := c.percentageBase(principal, totalInterest)
		c.Amount = c.applyCaps(base.MultipliedBy(c.AmountOrPercentage.Div(decimal.NewFromInt(100))))
	} else {
		c.Amount = NewMoney(currency, c.AmountOrPercentage)
	}
}

// =============================================================================
// BOOKKEEPING - clamp to outstanding, return applied portion
// =============================================================================

// Pay records payment against the charge, clamped to the outstanding amount.
// For installment fees the installment number selects the child; the parent
// total is kept in sync.
func (c *LoanCharge) Pay(amount Money, installmentNumber int) Money {
	if c.IsInstallmentFee() {
		for _, ic := range c.InstallmentCharges {
			if ic.InstallmentNumber != installmentNumber {
				continue
			}
			applied := amount.Min(ic.Outstanding())
			ic.AmountPaid = ic.AmountPaid.Plus(applied)
			c.AmountPaid = c.AmountPaid.Plus(applied)
			return applied
		}
		return amount.Zero()
	}
	applied := amount.Min(c.Outstanding())
	c.AmountPaid = c.AmountPaid.Plus(applied)
	return applied
}

// Waive waives the outstanding amount (whole charge, or one installment's
// share for installment fees) and returns the waived portion.
func (c *LoanCharge) Waive(installmentNumber int) Money {
	if c.IsInstallmentFee() {
		for _, ic := range c.InstallmentCharges {
			if ic.InstallmentNumber != installmentNumber {
				continue
			}
			waived := ic.Outstanding()
			ic.AmountWaived = ic.AmountWaived.Plus(waived)
			c.AmountWaived = c.AmountWaived.Plus(waived)
			return waived
		}
		return c.Amount.Zero()
	}
	waived := c.Outstanding()
	c.AmountWaived = c.AmountWaived.Plus(waived)
	return waived
}

// ResetDerived zeroes bookkeeping before a replay pass.
func (c *LoanCharge) ResetDerived() {
	zero := c.Amount.Zero()
	c.AmountPaid, c.AmountWaived, c.AmountWrittenOff = zero, zero, zero
	for _, ic := range c.InstallmentCharges {
		ic.AmountPaid, ic.AmountWaived, ic.AmountWrittenOff = zero, zero, zero
	}
}

// InstallmentShare returns the child charge for an installment, or nil.
func (c *LoanCharge) InstallmentShare(number int) *InstallmentCharge {
	for _, ic := range c.InstallmentCharges {
		if ic.InstallmentNumber == number {
			return ic
		}
	}
	return nil
}
