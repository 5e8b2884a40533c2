/*
store.go - Persistence interface for loan aggregates

PURPOSE:
  Defines the interface between the domain logic and the database. The
  Repository persists whole Loan aggregates: the engine re-derives
  installment allocations and summary totals from the transaction list on
  every mutation, so the store never patches derived state row by row -
  it saves and loads the aggregate as one unit.

CONSISTENCY CONTRACT:
  - Save() persists the complete aggregate atomically. A loan with a new
    transaction but stale installments must never be observable.
  - Posted transactions are immutable; corrections appear as reversal
    flags plus replacement transactions, never as deleted rows.
  - Lookups resolve the surrogate id, the account number, or the
    client-supplied external id.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - loan/store/memory.go:   In-memory for testing

SEE ALSO:
  - account.go: The aggregate being persisted
*/
package loan

import "context"

// =============================================================================
// REPOSITORY
// =============================================================================

// Repository handles persistence of loan aggregates.
type Repository interface {
	// Save persists the aggregate atomically, assigning Loan.ID on first
	// save. Either the whole aggregate is written or nothing is.
	Save(ctx context.Context, l *Loan) error

	// Get returns the loan by surrogate id, or ErrLoanNotFound.
	Get(ctx context.Context, id int64) (*Loan, error)

	// GetByAccountNumber returns the loan by its account number, or
	// ErrLoanNotFound.
	GetByAccountNumber(ctx context.Context, accountNumber string) (*Loan, error)

	// GetByExternalID returns the loan by its external correlation id, or
	// ErrLoanNotFound.
	GetByExternalID(ctx context.Context, externalID string) (*Loan, error)

	// List returns all loans ordered by id.
	List(ctx context.Context) ([]*Loan, error)

	// ListByStatus returns loans in the given status ordered by id. Batch
	// jobs (overdue penalty application) drive off this.
	ListByStatus(ctx context.Context, status Status) ([]*Loan, error)
}
