package loan_test

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func usd() loan.Currency {
	return loan.Currency{Code: "USD", DecimalPlaces: 2}
}

func usdAmount(v float64) loan.Money {
	return loan.MoneyFromFloat(usd(), v)
}

// =============================================================================
// ROUNDING
// =============================================================================

func TestMoney_RoundsToCurrencyPrecision(t *testing.T) {
	// GIVEN: A currency with 2 decimal places
	// WHEN: Creating money with more precision
	// THEN: The amount is rounded half-up to 2 places

	m := loan.NewMoney(usd(), decimal.RequireFromString("10.005"))
	assert.True(t, m.Amount().Equal(decimal.RequireFromString("10.01")),
		"10.005 should round half-up to 10.01, got %s", m.Amount())

	m = loan.NewMoney(usd(), decimal.RequireFromString("10.004"))
	assert.True(t, m.Amount().Equal(decimal.RequireFromString("10.00")),
		"10.004 should round down to 10.00, got %s", m.Amount())
}

func TestMoney_InMultiplesOfRounding(t *testing.T) {
	// GIVEN: A cash currency rounding to multiples of 5, no decimals
	// WHEN: Creating money between multiples
	// THEN: The amount snaps to the nearest multiple

	cash := loan.Currency{Code: "XCD", DecimalPlaces: 0, InMultiplesOf: 5}

	m := loan.NewMoney(cash, decimal.NewFromInt(12))
	assert.True(t, m.Amount().Equal(decimal.NewFromInt(10)), "12 should snap to 10, got %s", m.Amount())

	m = loan.NewMoney(cash, decimal.NewFromInt(13))
	assert.True(t, m.Amount().Equal(decimal.NewFromInt(15)), "13 should snap to 15, got %s", m.Amount())
}

func TestMoney_ArithmeticRoundsEveryResult(t *testing.T) {
	// GIVEN: Two amounts whose division produces a repeating decimal
	// WHEN: Dividing
	// THEN: The result carries currency precision, not raw decimal precision

	m := usdAmount(100).DividedBy(decimal.NewFromInt(3))
	assert.True(t, m.Amount().Equal(decimal.RequireFromString("33.33")),
		"100/3 at 2dp should be 33.33, got %s", m.Amount())
}

// =============================================================================
// IMMUTABILITY AND PREDICATES
// =============================================================================

func TestMoney_OperationsDoNotMutateReceiver(t *testing.T) {
	a := usdAmount(100)
	_ = a.Plus(usdAmount(50))
	_ = a.Minus(usdAmount(30))
	_ = a.Negated()

	assert.True(t, a.IsEqualTo(usdAmount(100)), "receiver must be unchanged")
}

func TestMoney_ClampZero(t *testing.T) {
	assert.True(t, usdAmount(-5).ClampZero().IsZero())
	assert.True(t, usdAmount(5).ClampZero().IsEqualTo(usdAmount(5)))
	assert.True(t, usdAmount(0).ClampZero().IsZero())
}

func TestMoney_MinMax(t *testing.T) {
	a, b := usdAmount(10), usdAmount(20)
	assert.True(t, a.Min(b).IsEqualTo(a))
	assert.True(t, a.Max(b).IsEqualTo(b))
}

func TestMoney_CurrencyMismatchPanics(t *testing.T) {
	// Mixing currencies is corrupted wiring, not user input
	eur := loan.Currency{Code: "EUR", DecimalPlaces: 2}
	assert.Panics(t, func() {
		usdAmount(10).Plus(loan.MoneyFromFloat(eur, 10))
	})
}

// =============================================================================
// SERIALIZATION
// =============================================================================

func TestMoney_JSONRoundTrip(t *testing.T) {
	original := usdAmount(123.45)

	blob, err := json.Marshal(original)
	require.NoError(t, err)

	var restored loan.Money
	require.NoError(t, json.Unmarshal(blob, &restored))

	assert.True(t, restored.IsEqualTo(original))
	assert.Equal(t, "USD", restored.Currency().Code)
	assert.Equal(t, int32(2), restored.Currency().DecimalPlaces)
}

func TestDate_JSONRoundTrip(t *testing.T) {
	original := loan.NewDate(2024, 3, 15)

	blob, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Equal(t, `"2024-03-15"`, string(blob))

	var restored loan.DateOf
	require.NoError(t, json.Unmarshal(blob, &restored))
	assert.True(t, restored.Equal(original))
}
