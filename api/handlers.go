/*
handlers.go - HTTP API handlers for the loan engine

PURPOSE:
  Exposes the loan engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Loans:
    GET    /api/loans                  List all loans
    POST   /api/loans                  Submit a loan application
    GET    /api/loans/{id}             Get loan details
    GET    /api/loans/{id}/schedule    Repayment schedule
    GET    /api/loans/{id}/transactions Transaction history
    GET    /api/loans/{id}/charges     Attached charges

  Lifecycle:
    POST   /api/loans/{id}/approve
    POST   /api/loans/{id}/undo-approval
    POST   /api/loans/{id}/reject
    POST   /api/loans/{id}/withdraw
    POST   /api/loans/{id}/disburse
    POST   /api/loans/{id}/undo-disbursal
    POST   /api/loans/{id}/undo-last-disbursal
    POST   /api/loans/{id}/tranches
    PUT    /api/loans/{id}/tranches

  Transactions:
    POST   /api/loans/{id}/repayments
    POST   /api/loans/{id}/recovery-repayments
    POST   /api/loans/{id}/waive-interest
    POST   /api/loans/{id}/refunds
    POST   /api/loans/{id}/credit-balance-refunds
    POST   /api/loans/{id}/transactions/{txID}/adjust
    POST   /api/loans/{id}/transactions/{txID}/reverse
    POST   /api/loans/{id}/transactions/{txID}/chargeback

  Charges:
    POST   /api/loans/{id}/charges
    DELETE /api/loans/{id}/charges/{chargeID}
    POST   /api/loans/{id}/charges/{chargeID}/pay
    POST   /api/loans/{id}/charges/{chargeID}/waive
    POST   /api/loans/{id}/charges/{chargeID}/refund
    POST   /api/loans/{id}/apply-overdue-charges

  Closure:
    POST   /api/loans/{id}/write-off
    POST   /api/loans/{id}/undo-write-off
    POST   /api/loans/{id}/close-rescheduled
    POST   /api/loans/{id}/charge-off
    POST   /api/loans/{id}/foreclose
    POST   /api/loans/{id}/reprocess

REQUEST FLOW:
  1. Parse HTTP request
  2. Load the aggregate from the repository
  3. Call the domain operation
  4. Save the aggregate (only on success)
  5. Serialize response

ERROR HANDLING:
  Domain errors map to HTTP status via the error taxonomy:
  - 404: not-found sentinels
  - 409: invalid lifecycle transition
  - 400: temporal, threshold, structural, type-mismatch violations
  - 500: storage and internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Repo     loan.Repository
	Calendar loan.WorkingCalendar

	// BusinessDate returns the operating date for guards. Injected so
	// tests can freeze time.
	BusinessDate func() loan.DateOf
}

// NewHandler creates a new handler with the given repository.
func NewHandler(repo loan.Repository) *Handler {
	return &Handler{
		Repo:     repo,
		Calendar: loan.DefaultCalendar(),
		BusinessDate: func() loan.DateOf {
			return loan.Today()
		},
	}
}

func (h *Handler) pctx() loan.ProcessingContext {
	return loan.ProcessingContext{BusinessDate: h.BusinessDate(), Calendar: h.Calendar}
}

// =============================================================================
// LOAN QUERIES
// =============================================================================

// ListLoans returns all loans.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Repo.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list loans", err)
		return
	}

	dtos := make([]LoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = toLoanDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLoan returns a single loan.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	l, ok := h.loadLoan(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(l))
}

// GetSchedule returns the repayment schedule.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	l, ok := h.loadLoan(w, r)
	if !ok {
		return
	}
	dtos := make([]InstallmentDTO, 0, len(l.Installments))
	for _, inst := range l.Installments {
		dtos = append(dtos, toInstallmentDTO(inst))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTransactions returns the transaction history.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	l, ok := h.loadLoan(w, r)
	if !ok {
		return
	}
	dtos := make([]TransactionDTO, 0, len(l.Transactions))
	for _, tx := range l.Transactions {
		dtos = append(dtos, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCharges returns the attached charges.
func (h *Handler) GetCharges(w http.ResponseWriter, r *http.Request) {
	l, ok := h.loadLoan(w, r)
	if !ok {
		return
	}
	dtos := make([]ChargeDTO, 0, len(l.Charges))
	for _, c := range l.Charges {
		dtos = append(dtos, toChargeDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// APPLICATION AND APPROVAL
// =============================================================================

// CreateLoan submits a new loan application.
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	currency := loan.Currency{
		Code:          req.CurrencyCode,
		DecimalPlaces: req.DecimalPlaces,
		InMultiplesOf: req.InMultiplesOf,
	}
	if currency.Code == "" {
		writeError(w, http.StatusBadRequest, "currency_code is required", nil)
		return
	}

	submittedOn, err := loan.ParseDate(req.SubmittedOn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid submitted_on (use YYYY-MM-DD)", err)
		return
	}
	expectedDisbursement, err := loan.ParseDate(req.ExpectedDisbursementOn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expected_disbursement_on (use YYYY-MM-DD)", err)
		return
	}
	firstDueDate, err := loan.ParseDate(req.FirstDueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid first_due_date (use YYYY-MM-DD)", err)
		return
	}

	params := loan.ApplicationParams{
		AccountNumber: req.AccountNumber,
		ExternalID:    req.ExternalID,
		Terms: loan.Terms{
			Currency:              currency,
			NumInstallments:       req.NumInstallments,
			FrequencyMonths:       req.FrequencyMonths,
			AnnualInterestRate:    decimal.NewFromFloat(req.AnnualInterestRate),
			InterestRecalculation: req.InterestRecalculation,
			MultiDisbursement:     len(req.Tranches) > 0,
			MaxTrancheCount:       req.MaxTrancheCount,
			AllocationOrder:       loan.ResolveOrder(req.AllocationOrder),
		},
		Principal:              loan.MoneyFromFloat(currency, req.Principal),
		SubmittedOn:            submittedOn,
		ExpectedDisbursementOn: expectedDisbursement,
		FirstDueDate:           firstDueDate,
		Topup:                  req.Topup,
	}
	for _, t := range req.Tranches {
		expected, err := loan.ParseDate(t.ExpectedDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid tranche expected_date", err)
			return
		}
		params.Tranches = append(params.Tranches, loan.TrancheParams{
			ExpectedDate: expected,
			Principal:    loan.MoneyFromFloat(currency, t.Principal),
		})
	}

	l, err := loan.SubmitApplication(params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Repo.Save(r.Context(), l); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save loan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanDTO(l))
}

// ApproveLoan approves a pending application.
func (h *Handler) ApproveLoan(w http.ResponseWriter, r *http.Request) {
	var req ApproveLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	on, err := loan.ParseDate(req.ApprovedOn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid approved_on (use YYYY-MM-DD)", err)
		return
	}
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return l.Approve(h.pctx(), loan.MoneyFromFloat(l.Currency(), req.ApprovedAmount), on)
	})
}

// UndoApproval walks an approved loan back to pending.
func (h *Handler) UndoApproval(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return l.UndoApproval(h.pctx())
	})
}

// RejectLoan rejects a pending application.
func (h *Handler) RejectLoan(w http.ResponseWriter, r *http.Request) {
	h.dateMutation(w, r, func(l *loan.Loan, on loan.DateOf) (*loan.Changes, error) {
		return l.Reject(h.pctx(), on)
	})
}

// WithdrawLoan records a client withdrawal of a pending application.
func (h *Handler) WithdrawLoan(w http.ResponseWriter, r *http.Request) {
	h.dateMutation(w, r, func(l *loan.Loan, on loan.DateOf) (*loan.Changes, error) {
		return l.Withdraw(h.pctx(), on)
	})
}

// =============================================================================
// DISBURSEMENT
// =============================================================================

// DisburseLoan releases funds.
func (h *Handler) DisburseLoan(w http.ResponseWriter, r *http.Request) {
	var req DisburseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	on, err := loan.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
		return
	}
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return l.Disburse(h.pctx(), on, loan.MoneyFromFloat(l.Currency(), req.Amount))
	})
}

// UndoDisbursal rolls the loan back to approved.
func (h *Handler) UndoDisbursal(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return l.UndoDisbursal(h.pctx())
	})
}

// UndoLastDisbursal reverses only the most recent tranche.
func (h *Handler) UndoLastDisbursal(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return l.UndoLastDisbursal(h.pctx())
	})
}

// AddTranche appends one pending expected disbursement.
func (h *Handler) AddTranche(w http.ResponseWriter, r *http.Request) {
	var req TrancheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	expected, err := loan.ParseDate(req.ExpectedDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expected_date (use YYYY-MM-DD)", err)
		return
	}
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return l.AddTranche(h.pctx(), expected, loan.MoneyFromFloat(l.Currency(), req.Principal))
	})
}

// UpdateTranches replaces every pending tranche with the submitted set.
func (h *Handler) UpdateTranches(w http.ResponseWriter, r *http.Request) {
	var req UpdateTranchesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		params := make([]loan.TrancheParams, 0, len(req.Tranches))
		for _, t := range req.Tranches {
			expected, err := loan.ParseDate(t.ExpectedDate)
			if err != nil {
				return nil, &loan.StructuralError{Rule: "invalid_tranche_date", Message: "use YYYY-MM-DD"}
			}
			params = append(params, loan.TrancheParams{
				ExpectedDate: expected,
				Principal:    loan.MoneyFromFloat(l.Currency(), t.Principal),
			})
		}
		return l.UpdateTrancheExpectations(h.pctx(), params)
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// MakeRepayment posts a repayment.
func (h *Handler) MakeRepayment(w http.ResponseWriter, r *http.Request) {
	h.transactionMutation(w, r, func(l *loan.Loan, on loan.DateOf, amount loan.Money, externalID string) (*loan.Changes, error) {
		return l.MakeRepayment(h.pctx(), on, amount, externalID)
	})
}

// MakeRecoveryRepayment posts a recovery against a written-off loan.
func (h *Handler) MakeRecoveryRepayment(w http.ResponseWriter, r *http.Request) {
	h.transactionMutation(w, r, func(l *loan.Loan, on loan.DateOf, amount loan.Money, externalID string) (*loan.Changes, error) {
		return l.MakeRecoveryRepayment(h.pctx(), on, amount, externalID)
	})
}

// WaiveInterest waives scheduled interest.
func (h *Handler) WaiveInterest(w http.ResponseWriter, r *http.Request) {
	h.transactionMutation(w, r, func(l *loan.Loan, on loan.DateOf, amount loan.Money, _ string) (*loan.Changes, error) {
		return l.WaiveInterest(h.pctx(), on, amount)
	})
}

// Refund returns money on an active loan.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	h.transactionMutation(w, r, func(l *loan.Loan, on loan.DateOf, amount loan.Money, _ string) (*loan.Changes, error) {
		return l.Refund(h.pctx(), on, amount)
	})
}

// CreditBalanceRefund pays an overpaid credit balance back to the borrower.
func (h *Handler) CreditBalanceRefund(w http.ResponseWriter, r *http.Request) {
	h.transactionMutation(w, r, func(l *loan.Loan, on loan.DateOf, amount loan.Money, _ string) (*loan.Changes, error) {
		return l.CreditBalanceRefund(h.pctx(), on, amount)
	})
}

// AdjustTransaction reverses a transaction and posts a replacement.
func (h *Handler) AdjustTransaction(w http.ResponseWriter, r *http.Request) {
	txID, ok := paramInt64(w, r, "txID")
	if !ok {
		return
	}
	var req AdjustTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	on, err := loan.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
		return
	}
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return l.AdjustTransaction(h.pctx(), txID, loan.MoneyFromFloat(l.Currency(), req.Amount), on)
	})
}

// ReverseTransaction logically cancels a transaction.
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	txID, ok := paramInt64(w, r, "txID")
	if !ok {
		return
	}
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return l.ReverseTransaction(h.pctx(), txID)
	})
}

// Chargeback disputes a prior repayment.
func (h *Handler) Chargeback(w http.ResponseWriter, r *http.Request) {
	txID, ok := paramInt64(w, r, "txID")
	if !ok {
		return
	}
	var req ChargebackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	on, err := loan.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
		return
	}
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return l.Chargeback(h.pctx(), txID, loan.MoneyFromFloat(l.Currency(), req.Amount), on)
	})
}

// =============================================================================
// CHARGES
// =============================================================================

// AddCharge attaches a fee or penalty.
func (h *Handler) AddCharge(w http.ResponseWriter, r *http.Request) {
	var req AddChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var dueDate *loan.DateOf
	if req.DueDate != "" {
		d, err := loan.ParseDate(req.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid due_date (use YYYY-MM-DD)", err)
			return
		}
		dueDate = &d
	}

	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		c, err := loan.NewCharge(req.Name, loan.ChargeTime(req.ChargeTime),
			loan.ChargeCalculation(req.Calculation),
			decimal.NewFromFloat(req.AmountOrPercentage), req.Penalty, dueDate, l.Currency())
		if err != nil {
			return nil, err
		}
		if req.MinCap != nil {
			d := decimal.NewFromFloat(*req.MinCap)
			c.MinCap = &d
		}
		if req.MaxCap != nil {
			d := decimal.NewFromFloat(*req.MaxCap)
			c.MaxCap = &d
		}
		return l.AddCharge(h.pctx(), c)
	})
}

// RemoveCharge deletes or deactivates a charge.
func (h *Handler) RemoveCharge(w http.ResponseWriter, r *http.Request) {
	chargeID, ok := paramInt64(w, r, "chargeID")
	if !ok {
		return
	}
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return l.RemoveCharge(h.pctx(), chargeID)
	})
}

// PayCharge posts an explicit charge payment.
func (h *Handler) PayCharge(w http.ResponseWriter, r *http.Request) {
	h.chargeAction(w, r, func(l *loan.Loan, chargeID int64, req ChargeActionRequest, on loan.DateOf) (*loan.Changes, error) {
		return l.PayCharge(h.pctx(), chargeID, req.InstallmentNumber, on, loan.MoneyFromFloat(l.Currency(), req.Amount))
	})
}

// RefundCharge credits part of a paid charge back to the borrower.
func (h *Handler) RefundCharge(w http.ResponseWriter, r *http.Request) {
	h.chargeAction(w, r, func(l *loan.Loan, chargeID int64, req ChargeActionRequest, on loan.DateOf) (*loan.Changes, error) {
		return l.RefundCharge(h.pctx(), chargeID, on, loan.MoneyFromFloat(l.Currency(), req.Amount))
	})
}

// WaiveCharge waives a charge's outstanding amount.
func (h *Handler) WaiveCharge(w http.ResponseWriter, r *http.Request) {
	h.chargeAction(w, r, func(l *loan.Loan, chargeID int64, req ChargeActionRequest, on loan.DateOf) (*loan.Changes, error) {
		return l.WaiveCharge(h.pctx(), chargeID, req.InstallmentNumber, on)
	})
}

// ApplyOverdueCharges generates penalties for overdue installments.
func (h *Handler) ApplyOverdueCharges(w http.ResponseWriter, r *http.Request) {
	var req OverdueChargesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return l.ApplyOverdueCharges(h.pctx(), req.GraceDays,
			loan.ChargeCalculation(req.Calculation), decimal.NewFromFloat(req.AmountOrPercentage))
	})
}

// =============================================================================
// CLOSURE
// =============================================================================

// WriteOff closes the loan as written off.
func (h *Handler) WriteOff(w http.ResponseWriter, r *http.Request) {
	h.dateMutation(w, r, func(l *loan.Loan, on loan.DateOf) (*loan.Changes, error) {
		return l.CloseAsWrittenOff(h.pctx(), on)
	})
}

// UndoWriteOff reopens a written-off loan.
func (h *Handler) UndoWriteOff(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return l.UndoWrittenOff(h.pctx())
	})
}

// CloseRescheduled records an administrative closure of a settled loan
// whose balance moved to a rescheduled account.
func (h *Handler) CloseRescheduled(w http.ResponseWriter, r *http.Request) {
	h.dateMutation(w, r, func(l *loan.Loan, on loan.DateOf) (*loan.Changes, error) {
		return l.CloseAsRescheduled(h.pctx(), on)
	})
}

// ChargeOff marks the loan charged off.
func (h *Handler) ChargeOff(w http.ResponseWriter, r *http.Request) {
	h.dateMutation(w, r, func(l *loan.Loan, on loan.DateOf) (*loan.Changes, error) {
		return l.ChargeOff(h.pctx(), on)
	})
}

// Foreclose settles the loan early with prorated current-period amounts.
func (h *Handler) Foreclose(w http.ResponseWriter, r *http.Request) {
	h.dateMutation(w, r, func(l *loan.Loan, on loan.DateOf) (*loan.Changes, error) {
		return l.Foreclose(h.pctx(), on)
	})
}

// Reprocess replays the full transaction history.
func (h *Handler) Reprocess(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return l.Reprocess(h.pctx())
	})
}

// =============================================================================
// SHARED PLUMBING
// =============================================================================

func (h *Handler) loadLoan(w http.ResponseWriter, r *http.Request) (*loan.Loan, bool) {
	id, ok := paramInt64(w, r, "id")
	if !ok {
		return nil, false
	}
	l, err := h.Repo.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return l, true
}

// mutate runs the load -> operate -> save cycle shared by every mutation
// endpoint. The aggregate is only saved when the operation succeeds.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, op func(*loan.Loan) (*loan.Changes, error)) {
	l, ok := h.loadLoan(w, r)
	if !ok {
		return
	}
	changes, err := op(l)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Repo.Save(r.Context(), l); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationResponse(l, changes))
}

func (h *Handler) dateMutation(w http.ResponseWriter, r *http.Request, op func(*loan.Loan, loan.DateOf) (*loan.Changes, error)) {
	var req DateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	on, err := loan.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
		return
	}
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return op(l, on)
	})
}

func (h *Handler) transactionMutation(w http.ResponseWriter, r *http.Request, op func(*loan.Loan, loan.DateOf, loan.Money, string) (*loan.Changes, error)) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	on, err := loan.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
		return
	}
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return op(l, on, loan.MoneyFromFloat(l.Currency(), req.Amount), req.ExternalID)
	})
}

func (h *Handler) chargeAction(w http.ResponseWriter, r *http.Request, op func(*loan.Loan, int64, ChargeActionRequest, loan.DateOf) (*loan.Changes, error)) {
	chargeID, ok := paramInt64(w, r, "chargeID")
	if !ok {
		return
	}
	var req ChargeActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	on, err := loan.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
		return
	}
	h.mutate(w, r, func(l *loan.Loan) (*loan.Changes, error) {
		return op(l, chargeID, req, on)
	})
}

func paramInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name, err)
		return 0, false
	}
	return v, true
}

// writeDomainError maps the error taxonomy to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case loan.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, loan.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, "Invalid lifecycle transition", err)
	case loan.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
