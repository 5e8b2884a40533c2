package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-engine/loan"
	"github.com/warp/loan-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.New(filepath.Join(t.TempDir(), "loans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func usd() loan.Currency {
	return loan.Currency{Code: "USD", DecimalPlaces: 2}
}

func usdAmount(v float64) loan.Money {
	return loan.NewMoney(usd(), decimal.NewFromFloat(v))
}

func testCtx() loan.ProcessingContext {
	return loan.ProcessingContext{
		BusinessDate: loan.NewDate(2024, 12, 31),
		Calendar:     loan.DefaultCalendar(),
	}
}

func newActiveLoan(t *testing.T) *loan.Loan {
	t.Helper()
	l, err := loan.SubmitApplication(loan.ApplicationParams{
		Terms: loan.Terms{
			Currency:        usd(),
			NumInstallments: 2,
			FrequencyMonths: 1,
		},
		Principal:              usdAmount(1000),
		SubmittedOn:            loan.NewDate(2024, 1, 1),
		ExpectedDisbursementOn: loan.NewDate(2024, 1, 1),
		FirstDueDate:           loan.NewDate(2024, 2, 1),
	})
	require.NoError(t, err)
	_, err = l.Approve(testCtx(), usdAmount(1000), loan.NewDate(2024, 1, 1))
	require.NoError(t, err)
	_, err = l.Disburse(testCtx(), loan.NewDate(2024, 1, 1), usdAmount(1000))
	require.NoError(t, err)
	return l
}

// =============================================================================
// ROUND TRIP
// =============================================================================

func TestRepository_SaveAndGet(t *testing.T) {
	// GIVEN: An active loan with a repayment
	repo := newTestRepo(t)
	ctx := context.Background()
	l := newActiveLoan(t)
	_, err := l.MakeRepayment(testCtx(), loan.NewDate(2024, 2, 1), usdAmount(500), "")
	require.NoError(t, err)

	// WHEN: Saving and reloading
	require.NoError(t, repo.Save(ctx, l))
	assert.NotZero(t, l.ID, "first save assigns the id")

	loaded, err := repo.Get(ctx, l.ID)
	require.NoError(t, err)

	// THEN: Every derived piece survives the round trip
	assert.Equal(t, l.ID, loaded.ID)
	assert.Equal(t, loan.StatusActive, loaded.Status)
	assert.True(t, loaded.Principal.IsEqualTo(usdAmount(1000)))
	assert.True(t, loaded.Summary.TotalOutstanding.IsEqualTo(usdAmount(500)))
	require.Len(t, loaded.Installments, 2)
	assert.True(t, loaded.Installments[0].ObligationsMet)
	require.Len(t, loaded.Transactions, 2)
	require.NotNil(t, loaded.DisbursedOn)
	assert.True(t, loaded.DisbursedOn.Equal(loan.NewDate(2024, 1, 1)))
}

func TestRepository_UpdatePersistsNewState(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	l := newActiveLoan(t)
	require.NoError(t, repo.Save(ctx, l))

	// Mutate through a reloaded copy and save again
	loaded, err := repo.Get(ctx, l.ID)
	require.NoError(t, err)
	_, err = loaded.MakeRepayment(testCtx(), loan.NewDate(2024, 2, 1), usdAmount(1000), "")
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, loaded))

	final, err := repo.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusClosedObligationsMet, final.Status)
	assert.True(t, final.Summary.TotalOutstanding.IsZero())
}

func TestRepository_SaveUnknownIDFails(t *testing.T) {
	repo := newTestRepo(t)
	l := newActiveLoan(t)
	l.ID = 9999

	err := repo.Save(context.Background(), l)
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)
}

// =============================================================================
// LOOKUPS
// =============================================================================

func TestRepository_Lookups(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	l := newActiveLoan(t)
	require.NoError(t, repo.Save(ctx, l))

	byNumber, err := repo.GetByAccountNumber(ctx, l.AccountNumber)
	require.NoError(t, err)
	assert.Equal(t, l.ID, byNumber.ID)

	byExt, err := repo.GetByExternalID(ctx, l.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, l.ID, byExt.ID)

	_, err = repo.Get(ctx, 404)
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)
	_, err = repo.GetByAccountNumber(ctx, "missing")
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)
}

func TestRepository_ListByStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	active := newActiveLoan(t)
	require.NoError(t, repo.Save(ctx, active))

	closed := newActiveLoan(t)
	_, err := closed.MakeRepayment(testCtx(), loan.NewDate(2024, 2, 1), usdAmount(1000), "")
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, closed))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	actives, err := repo.ListByStatus(ctx, loan.StatusActive)
	require.NoError(t, err)
	require.Len(t, actives, 1)
	assert.Equal(t, active.ID, actives[0].ID)
}

// =============================================================================
// READ MODEL
// =============================================================================

func TestRepository_TransactionReadModel(t *testing.T) {
	// GIVEN: A saved loan with disbursement and repayment
	repo := newTestRepo(t)
	ctx := context.Background()
	l := newActiveLoan(t)
	ch, err := l.MakeRepayment(testCtx(), loan.NewDate(2024, 2, 1), usdAmount(500), "pay-001")
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, l))

	// WHEN: Querying the flattened rows
	rows, err := repo.GetTransactions(ctx, l.ID)
	require.NoError(t, err)

	// THEN: One row per transaction, in date order, with the breakdown
	require.Len(t, rows, 2)
	assert.Equal(t, string(loan.TxDisbursement), rows[0].Type)
	assert.Equal(t, string(loan.TxRepayment), rows[1].Type)
	assert.Equal(t, "500", rows[1].PrincipalPortion)
	assert.Equal(t, "500", rows[1].OutstandingBalance)

	found, err := repo.FindTransactionByExternalID(ctx, "pay-001")
	require.NoError(t, err)
	assert.Equal(t, l.ID, found.LoanID)
	assert.Equal(t, ch.Transaction.ID, found.TxID)

	_, err = repo.FindTransactionByExternalID(ctx, "missing")
	assert.ErrorIs(t, err, loan.ErrTransactionNotFound)
}

func TestRepository_ReadModelRebuildsOnSave(t *testing.T) {
	// Reversing a transaction must show up after the next save
	repo := newTestRepo(t)
	ctx := context.Background()
	l := newActiveLoan(t)
	ch, err := l.MakeRepayment(testCtx(), loan.NewDate(2024, 2, 1), usdAmount(500), "")
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, l))

	_, err = l.ReverseTransaction(testCtx(), ch.Transaction.ID)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, l))

	rows, err := repo.GetTransactions(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		if row.TxID == ch.Transaction.ID {
			assert.True(t, row.Reversed)
		}
	}
}

func TestRepository_Reset(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, newActiveLoan(t)))

	require.NoError(t, repo.Reset(ctx))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
