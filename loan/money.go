/*
money.go - Currency-aware monetary arithmetic

PURPOSE:
  Money is the leaf value type every other component depends on. It pairs
  an arbitrary-precision decimal amount with a Currency and rounds every
  result to the currency's configured precision, so component bookkeeping
  (principal, interest, fee, penalty) can never drift through repeated
  arithmetic the way raw floats would.

KEY CONCEPTS IN THIS FILE:
  - Currency: code + decimal places + optional in-multiples-of rounding unit
  - Money: immutable amount-in-currency; every operation returns a new value

INVARIANTS:
  1. Immutability: no operation mutates the receiver
  2. Precision: results are rounded to Currency.DecimalPlaces, then to the
     nearest InMultiplesOf unit when one is configured
  3. Same-currency arithmetic: combining two Money values of different
     currencies is a programming error and panics - the engine never mixes
     currencies inside one loan, so a mismatch means corrupted wiring,
     not user input

USAGE:
  usd := loan.Currency{Code: "USD", DecimalPlaces: 2}
  a := loan.NewMoney(usd, decimal.NewFromInt(500))
  b := a.Plus(loan.NewMoney(usd, decimal.NewFromFloat(12.345))) // 512.35

SEE ALSO:
  - installment.go: Component bookkeeping built on Money
  - summary.go: Aggregated totals built on Money
*/
package loan

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCY
// =============================================================================

// Currency describes how amounts are represented and rounded.
type Currency struct {
	Code          string
	DecimalPlaces int32

	// InMultiplesOf rounds amounts to the nearest multiple of this unit
	// (e.g. 5 for cash rounding to 0.05-free currencies). Zero disables it.
	InMultiplesOf int64
}

func (c Currency) round(d decimal.Decimal) decimal.Decimal {
	d = d.Round(c.DecimalPlaces)
	if c.InMultiplesOf > 0 {
		unit := decimal.NewFromInt(c.InMultiplesOf)
		d = d.Div(unit).Round(0).Mul(unit)
	}
	return d
}

// =============================================================================
// MONEY
// =============================================================================

type Money struct {
	amount   decimal.Decimal
	currency Currency
}

func NewMoney(currency Currency, amount decimal.Decimal) Money {
	return Money{amount: currency.round(amount), currency: currency}
}

func MoneyFromFloat(currency Currency, amount float64) Money {
	return NewMoney(currency, decimal.NewFromFloat(amount))
}

func ZeroMoney(currency Currency) Money {
	return Money{amount: decimal.Zero, currency: currency}
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() Currency      { return m.currency }

func (m Money) check(other Money) {
	if m.currency.Code != other.currency.Code {
		panic(fmt.Sprintf("currency mismatch: %s vs %s", m.currency.Code, other.currency.Code))
	}
}

func (m Money) Plus(other Money) Money {
	m.check(other)
	return NewMoney(m.currency, m.amount.Add(other.amount))
}

func (m Money) Minus(other Money) Money {
	m.check(other)
	return NewMoney(m.currency, m.amount.Sub(other.amount))
}

func (m Money) MultipliedBy(f decimal.Decimal) Money {
	return NewMoney(m.currency, m.amount.Mul(f))
}

func (m Money) DividedBy(f decimal.Decimal) Money {
	return NewMoney(m.currency, m.amount.Div(f))
}

func (m Money) Negated() Money { return Money{amount: m.amount.Neg(), currency: m.currency} }
func (m Money) Zero() Money    { return ZeroMoney(m.currency) }

func (m Money) IsZero() bool            { return m.amount.IsZero() }
func (m Money) IsGreaterThanZero() bool { return m.amount.IsPositive() }
func (m Money) IsLessThanZero() bool    { return m.amount.IsNegative() }

func (m Money) IsEqualTo(other Money) bool       { m.check(other); return m.amount.Equal(other.amount) }
func (m Money) IsGreaterThan(other Money) bool   { m.check(other); return m.amount.GreaterThan(other.amount) }
func (m Money) IsLessThan(other Money) bool      { m.check(other); return m.amount.LessThan(other.amount) }
func (m Money) IsGreaterOrEqual(other Money) bool { m.check(other); return !m.amount.LessThan(other.amount) }

func (m Money) Min(other Money) Money {
	if m.IsLessThan(other) {
		return m
	}
	return other
}

func (m Money) Max(other Money) Money {
	if m.IsGreaterThan(other) {
		return m
	}
	return other
}

// ClampZero returns zero when the amount is negative. Used where a derived
// value (outstanding, overpayment) must never go below zero.
func (m Money) ClampZero() Money {
	if m.IsLessThanZero() {
		return m.Zero()
	}
	return m
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.currency.Code, m.amount.StringFixed(m.currency.DecimalPlaces))
}

// =============================================================================
// SERIALIZATION
// =============================================================================

// moneyJSON is the wire/storage shape. The currency travels with the
// amount so a persisted value round-trips without external context.
type moneyJSON struct {
	Amount        string `json:"amount"`
	Code          string `json:"code"`
	DecimalPlaces int32  `json:"decimalPlaces"`
	InMultiplesOf int64  `json:"inMultiplesOf,omitempty"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{
		Amount:        m.amount.String(),
		Code:          m.currency.Code,
		DecimalPlaces: m.currency.DecimalPlaces,
		InMultiplesOf: m.currency.InMultiplesOf,
	})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	amount, err := decimal.NewFromString(raw.Amount)
	if err != nil {
		return fmt.Errorf("invalid money amount %q: %w", raw.Amount, err)
	}
	m.currency = Currency{Code: raw.Code, DecimalPlaces: raw.DecimalPlaces, InMultiplesOf: raw.InMultiplesOf}
	m.amount = amount
	return nil
}
