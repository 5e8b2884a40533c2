/*
Package loan implements the transaction reprocessing and state-reconciliation
core of a loan account.

PURPOSE:
  Given a chronologically-ordered list of monetary events (disbursements,
  repayments, waivers, write-offs, refunds, chargebacks) and a repayment
  schedule, the engine deterministically re-derives per-installment
  allocations, loan summary totals, and lifecycle status - and replays that
  computation whenever a transaction is added, adjusted, reversed, or the
  terms change.

KEY CONCEPTS IN THIS FILE (types.go):
  - DateOf: day-granularity date used for all temporal comparisons
  - TransactionType: the closed set of monetary / non-monetary events
  - Identifiers: account number (19-char, externally addressable) and
    external correlation id (client-supplied or generated uuid)

DESIGN PRINCIPLES:
  1. Replay over trust: derived state is always recomputed, never patched
  2. Reversal over deletion: posted transactions are immutable; corrections
     append reversals
  3. Explicit collaborators: business date, calendar, and allocation order
     are passed into operations, never stored as mutable fields

SEE ALSO:
  - money.go: Currency-aware arithmetic
  - processor.go: The allocation/replay algorithm
  - account.go: The Loan aggregate orchestrating everything
*/
package loan

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// DATE - Day-granularity time point
// =============================================================================

// DateOf is a calendar date. All engine temporal rules operate on whole
// days; time-of-day never participates in ordering or window checks.
type DateOf struct {
	t time.Time
}

func NewDate(year int, month time.Month, day int) DateOf {
	return DateOf{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func DateFromTime(t time.Time) DateOf {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// Comparison
func (d DateOf) Before(other DateOf) bool        { return d.t.Before(other.t) }
func (d DateOf) After(other DateOf) bool         { return d.t.After(other.t) }
func (d DateOf) Equal(other DateOf) bool         { return d.t.Equal(other.t) }
func (d DateOf) BeforeOrEqual(other DateOf) bool { return !d.t.After(other.t) }
func (d DateOf) AfterOrEqual(other DateOf) bool  { return !d.t.Before(other.t) }

// Arithmetic
func (d DateOf) AddDays(n int) DateOf   { return DateOf{t: d.t.AddDate(0, 0, n)} }
func (d DateOf) AddMonths(n int) DateOf { return DateOf{t: d.t.AddDate(0, n, 0)} }

// DaysUntil returns the whole-day distance to other (negative if other is
// earlier). Used for linear proration at foreclosure.
func (d DateOf) DaysUntil(other DateOf) int {
	return int(other.t.Sub(d.t).Hours() / 24)
}

func (d DateOf) Weekday() time.Weekday { return d.t.Weekday() }
func (d DateOf) IsZero() bool          { return d.t.IsZero() }
func (d DateOf) Time() time.Time       { return d.t }
func (d DateOf) String() string        { return d.t.Format("2006-01-02") }

// Today is the current calendar date in UTC.
func Today() DateOf { return DateFromTime(time.Now().UTC()) }

func ParseDate(s string) (DateOf, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return DateOf{}, err
	}
	return DateFromTime(t), nil
}

// JSON shape is the plain "2006-01-02" string.
func (d DateOf) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *DateOf) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = DateOf{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

type TransactionType string

const (
	TxDisbursement            TransactionType = "disbursement"
	TxRepayment               TransactionType = "repayment"
	TxDownPayment             TransactionType = "down_payment"
	TxChargePayment           TransactionType = "charge_payment"
	TxRepaymentAtDisbursement TransactionType = "repayment_at_disbursement"
	TxWaiveInterest           TransactionType = "waive_interest"
	TxWaiveCharges            TransactionType = "waive_charges"
	TxWriteOff                TransactionType = "write_off"
	TxRecoveryRepayment       TransactionType = "recovery_repayment"
	TxRefund                  TransactionType = "refund"
	TxChargeRefund            TransactionType = "charge_refund"
	TxChargeback              TransactionType = "chargeback"
	TxChargeOff               TransactionType = "charge_off"
	TxCreditBalanceRefund     TransactionType = "credit_balance_refund"
	TxAccrual                 TransactionType = "accrual"
	TxIncomePosting           TransactionType = "income_posting"
)

// IsRepaymentLike reports whether the type allocates money against the
// schedule the way a repayment does.
func (t TransactionType) IsRepaymentLike() bool {
	switch t {
	case TxRepayment, TxDownPayment, TxChargePayment, TxRepaymentAtDisbursement, TxChargeRefund:
		return true
	}
	return false
}

// IsNonMonetary reports whether the type never touches installment
// allocations (bookkeeping-only events).
func (t TransactionType) IsNonMonetary() bool {
	switch t {
	case TxAccrual, TxIncomePosting, TxChargeOff:
		return true
	}
	return false
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

const accountNumberLength = 19

// GenerateAccountNumber produces a random numeric account number.
// Account numbers are the externally addressable identity of a loan;
// the surrogate row id never leaves the store.
func GenerateAccountNumber() string {
	digits := make([]byte, 0, accountNumberLength)
	for len(digits) < accountNumberLength {
		u := uuid.New()
		for _, b := range u {
			digits = append(digits, '0'+b%10)
			if len(digits) == accountNumberLength {
				break
			}
		}
	}
	return string(digits)
}

// GenerateExternalID produces a globally-unique correlation id for callers
// that did not supply one.
func GenerateExternalID() string {
	return uuid.New().String()
}
