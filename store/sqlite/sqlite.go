/*
Package sqlite provides a SQLite-backed implementation of loan.Repository.

PURPOSE:
  Persists loan aggregates. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

STORAGE MODEL:
  The engine re-derives installment allocations, charge bookkeeping, and
  summary totals by replaying the transaction list, so the aggregate is
  saved and loaded as one unit:

  loans:             One row per loan. Scalar columns for everything that
                     is queried (status, account number, external id,
                     dates); JSON documents for the owned collections
                     (tranches, charges, installments, transactions).
  loan_transactions: Flattened read model of the transaction list,
                     rebuilt on every save. Supports external-id lookup
                     and reporting queries without parsing JSON.

ATOMICITY:
  Save() runs the loans upsert and the read-model rebuild inside one
  database transaction. A loan with a new transaction but stale
  installments is never observable.

KEY INDEXES:
  idx_loans_account_number / idx_loans_external_id: API lookups
  idx_loans_status:                                 batch job scans
  idx_loan_tx_loan / idx_loan_tx_external:          transaction queries

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  repo, err := sqlite.New("./data/loans.db")
  if err != nil {
      log.Fatal(err)
  }
  defer repo.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loan/store.go: Interface definition
  - loan/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/loan-engine/loan"
)

// Repository implements loan.Repository using SQLite.
type Repository struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite repository at the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return repo, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// migrate creates the database schema.
func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS loans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_number TEXT NOT NULL UNIQUE,
		external_id TEXT NOT NULL,
		status TEXT NOT NULL,
		sub_status TEXT NOT NULL DEFAULT '',
		currency_code TEXT NOT NULL,
		submitted_on TEXT NOT NULL,
		disbursed_on TEXT,
		closed_on TEXT,
		matures_on TEXT,
		aggregate_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_account_number
		ON loans(account_number);
	CREATE INDEX IF NOT EXISTS idx_loans_external_id
		ON loans(external_id);
	CREATE INDEX IF NOT EXISTS idx_loans_status
		ON loans(status);
	-- Batch scans: active loans whose maturity has passed
	CREATE INDEX IF NOT EXISTS idx_loans_status_maturity
		ON loans(status, matures_on);

	-- Flattened read model of each loan's transaction list. Rebuilt on
	-- every save; reporting queries read this instead of parsing JSON.
	CREATE TABLE IF NOT EXISTS loan_transactions (
		loan_id INTEGER NOT NULL,
		tx_id INTEGER NOT NULL,
		external_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		tx_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		principal_portion TEXT NOT NULL,
		interest_portion TEXT NOT NULL,
		fee_portion TEXT NOT NULL,
		penalty_portion TEXT NOT NULL,
		overpayment_portion TEXT NOT NULL,
		outstanding_balance TEXT NOT NULL,
		reversed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (loan_id, tx_id),
		FOREIGN KEY (loan_id) REFERENCES loans(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_loan_tx_loan
		ON loan_transactions(loan_id, tx_date);
	CREATE INDEX IF NOT EXISTS idx_loan_tx_external
		ON loan_transactions(external_id);
	CREATE INDEX IF NOT EXISTS idx_loan_tx_type
		ON loan_transactions(tx_type);
	`

	_, err := r.db.Exec(schema)
	return err
}

// =============================================================================
// REPOSITORY (loan.Repository interface)
// =============================================================================

// Save persists the aggregate atomically, assigning Loan.ID on first save.
func (r *Repository) Save(ctx context.Context, l *loan.Loan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	blob, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to serialize loan: %w", err)
	}

	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	maturity := l.MaturityDate()

	if l.ID == 0 {
		res, err := sqlTx.ExecContext(ctx, `
			INSERT INTO loans (account_number, external_id, status, sub_status, currency_code,
				submitted_on, disbursed_on, closed_on, matures_on, aggregate_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.AccountNumber, l.ExternalID, string(l.Status), string(l.SubStatus), l.Currency().Code,
			l.SubmittedOn.String(), dateString(l.DisbursedOn), dateString(l.ClosedOn),
			nullIfZeroDate(maturity), string(blob), now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert loan: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		l.ID = id
		// Re-serialize with the assigned id so the document matches the row.
		blob, err = json.Marshal(l)
		if err != nil {
			return fmt.Errorf("failed to serialize loan: %w", err)
		}
		if _, err := sqlTx.ExecContext(ctx,
			"UPDATE loans SET aggregate_json = ? WHERE id = ?", string(blob), l.ID); err != nil {
			return err
		}
	} else {
		res, err := sqlTx.ExecContext(ctx, `
			UPDATE loans SET account_number = ?, external_id = ?, status = ?, sub_status = ?,
				currency_code = ?, submitted_on = ?, disbursed_on = ?, closed_on = ?,
				matures_on = ?, aggregate_json = ?, updated_at = ?
			WHERE id = ?`,
			l.AccountNumber, l.ExternalID, string(l.Status), string(l.SubStatus), l.Currency().Code,
			l.SubmittedOn.String(), dateString(l.DisbursedOn), dateString(l.ClosedOn),
			nullIfZeroDate(maturity), string(blob), now, l.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update loan: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return loan.ErrLoanNotFound
		}
	}

	if err := r.rebuildTransactionRows(ctx, sqlTx, l); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// rebuildTransactionRows replaces the flattened read model for one loan.
func (r *Repository) rebuildTransactionRows(ctx context.Context, sqlTx *sql.Tx, l *loan.Loan) error {
	if _, err := sqlTx.ExecContext(ctx,
		"DELETE FROM loan_transactions WHERE loan_id = ?", l.ID); err != nil {
		return err
	}

	for _, tx := range l.Transactions {
		reversed := 0
		if tx.Reversed {
			reversed = 1
		}
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO loan_transactions (loan_id, tx_id, external_id, tx_type, tx_date,
				amount, principal_portion, interest_portion, fee_portion, penalty_portion,
				overpayment_portion, outstanding_balance, reversed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, tx.ID, tx.ExternalID, string(tx.Type), tx.Date.String(),
			tx.Amount.Amount().String(),
			tx.PrincipalPortion.Amount().String(),
			tx.InterestPortion.Amount().String(),
			tx.FeePortion.Amount().String(),
			tx.PenaltyPortion.Amount().String(),
			tx.OverpaymentPortion.Amount().String(),
			tx.OutstandingBalance.Amount().String(),
			reversed,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transaction row: %w", err)
		}
	}
	return nil
}

// Get returns the loan by surrogate id.
func (r *Repository) Get(ctx context.Context, id int64) (*loan.Loan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.queryOne(ctx, "SELECT aggregate_json FROM loans WHERE id = ?", id)
}

// GetByAccountNumber returns the loan by account number.
func (r *Repository) GetByAccountNumber(ctx context.Context, accountNumber string) (*loan.Loan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.queryOne(ctx, "SELECT aggregate_json FROM loans WHERE account_number = ?", accountNumber)
}

// GetByExternalID returns the loan by external correlation id.
func (r *Repository) GetByExternalID(ctx context.Context, externalID string) (*loan.Loan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.queryOne(ctx, "SELECT aggregate_json FROM loans WHERE external_id = ?", externalID)
}

// List returns all loans ordered by id.
func (r *Repository) List(ctx context.Context) ([]*loan.Loan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.queryMany(ctx, "SELECT aggregate_json FROM loans ORDER BY id")
}

// ListByStatus returns loans in the given status ordered by id.
func (r *Repository) ListByStatus(ctx context.Context, status loan.Status) ([]*loan.Loan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.queryMany(ctx, "SELECT aggregate_json FROM loans WHERE status = ? ORDER BY id", string(status))
}

func (r *Repository) queryOne(ctx context.Context, query string, args ...any) (*loan.Loan, error) {
	var blob string
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, loan.ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query loan: %w", err)
	}
	return decodeLoan(blob)
}

func (r *Repository) queryMany(ctx context.Context, query string, args ...any) ([]*loan.Loan, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	var loans []*loan.Loan
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		l, err := decodeLoan(blob)
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

func decodeLoan(blob string) (*loan.Loan, error) {
	var l loan.Loan
	if err := json.Unmarshal([]byte(blob), &l); err != nil {
		return nil, fmt.Errorf("failed to deserialize loan: %w", err)
	}
	l.RestoreCounters()
	return &l, nil
}

// =============================================================================
// REPORTING QUERIES (read model)
// =============================================================================

// TransactionRow is one flattened transaction for reporting.
type TransactionRow struct {
	LoanID             int64
	TxID               int64
	ExternalID         string
	Type               string
	Date               string
	Amount             string
	PrincipalPortion   string
	InterestPortion    string
	FeePortion         string
	PenaltyPortion     string
	OverpaymentPortion string
	OutstandingBalance string
	Reversed           bool
}

// GetTransactions returns the flattened transaction rows for a loan in
// date order.
func (r *Repository) GetTransactions(ctx context.Context, loanID int64) ([]TransactionRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	query := `
		SELECT loan_id, tx_id, external_id, tx_type, tx_date, amount,
		       principal_portion, interest_portion, fee_portion, penalty_portion,
		       overpayment_portion, outstanding_balance, reversed
		FROM loan_transactions
		WHERE loan_id = ?
		ORDER BY tx_date ASC, tx_id ASC
	`
	return r.queryTransactionRows(ctx, query, loanID)
}

// FindTransactionByExternalID locates a transaction row across all loans.
func (r *Repository) FindTransactionByExternalID(ctx context.Context, externalID string) (*TransactionRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	query := `
		SELECT loan_id, tx_id, external_id, tx_type, tx_date, amount,
		       principal_portion, interest_portion, fee_portion, penalty_portion,
		       overpayment_portion, outstanding_balance, reversed
		FROM loan_transactions
		WHERE external_id = ?
		LIMIT 1
	`
	rows, err := r.queryTransactionRows(ctx, query, externalID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, loan.ErrTransactionNotFound
	}
	return &rows[0], nil
}

func (r *Repository) queryTransactionRows(ctx context.Context, query string, args ...any) ([]TransactionRow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []TransactionRow
	for rows.Next() {
		var t TransactionRow
		var reversed int
		if err := rows.Scan(&t.LoanID, &t.TxID, &t.ExternalID, &t.Type, &t.Date, &t.Amount,
			&t.PrincipalPortion, &t.InterestPortion, &t.FeePortion, &t.PenaltyPortion,
			&t.OverpaymentPortion, &t.OutstandingBalance, &reversed); err != nil {
			return nil, err
		}
		t.Reversed = reversed == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (r *Repository) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, table := range []string{"loan_transactions", "loans"} {
		if _, err := r.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func dateString(d *loan.DateOf) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullIfZeroDate(d loan.DateOf) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}
