/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND DATES:
  Amounts travel as JSON numbers (float64) at the API boundary and are
  converted to currency-rounded decimals on entry; dates are YYYY-MM-DD
  strings. All internal arithmetic stays decimal.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - loan/account.go: The aggregate behind them
*/
package api

import (
	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateLoanRequest is the loan application payload.
type CreateLoanRequest struct {
	AccountNumber          string  `json:"account_number,omitempty"`
	ExternalID             string  `json:"external_id,omitempty"`
	CurrencyCode           string  `json:"currency_code"`
	DecimalPlaces          int32   `json:"decimal_places"`
	InMultiplesOf          int64   `json:"in_multiples_of,omitempty"`
	Principal              float64 `json:"principal"`
	NumInstallments        int     `json:"num_installments"`
	FrequencyMonths        int     `json:"frequency_months"`
	AnnualInterestRate     float64 `json:"annual_interest_rate"`
	InterestRecalculation  bool    `json:"interest_recalculation"`
	AllocationOrder        string  `json:"allocation_order,omitempty"`
	SubmittedOn            string  `json:"submitted_on"`
	ExpectedDisbursementOn string  `json:"expected_disbursement_on"`
	FirstDueDate           string  `json:"first_due_date"`
	Topup                  bool    `json:"topup,omitempty"`

	// Tranches makes the loan multi-disbursement when present.
	Tranches        []TrancheRequest `json:"tranches,omitempty"`
	MaxTrancheCount int              `json:"max_tranche_count,omitempty"`
}

// TrancheRequest is one expected disbursement of a multi-tranche loan.
type TrancheRequest struct {
	ExpectedDate string  `json:"expected_date"`
	Principal    float64 `json:"principal"`
}

// UpdateTranchesRequest replaces the pending tranches of a multi-tranche
// loan.
type UpdateTranchesRequest struct {
	Tranches []TrancheRequest `json:"tranches"`
}

// ApproveLoanRequest approves a pending application.
type ApproveLoanRequest struct {
	ApprovedAmount float64 `json:"approved_amount"`
	ApprovedOn     string  `json:"approved_on"`
}

// DateRequest carries a single effective date (reject, withdraw,
// write-off, foreclose, charge-off).
type DateRequest struct {
	Date string `json:"date"`
}

// DisburseRequest releases funds.
type DisburseRequest struct {
	Date   string  `json:"date"`
	Amount float64 `json:"amount"`
}

// TransactionRequest posts a monetary transaction (repayment, waiver,
// refund, recovery).
type TransactionRequest struct {
	Date       string  `json:"date"`
	Amount     float64 `json:"amount"`
	ExternalID string  `json:"external_id,omitempty"`
}

// AdjustTransactionRequest reverses a transaction and optionally posts a
// replacement amount. Amount zero means plain reversal with replacement
// suppressed.
type AdjustTransactionRequest struct {
	Date   string  `json:"date"`
	Amount float64 `json:"amount"`
}

// ChargebackRequest disputes a prior repayment.
type ChargebackRequest struct {
	Date   string  `json:"date"`
	Amount float64 `json:"amount"`
}

// AddChargeRequest attaches a fee or penalty.
type AddChargeRequest struct {
	Name               string   `json:"name"`
	ChargeTime         string   `json:"charge_time"`
	Calculation        string   `json:"calculation"`
	Penalty            bool     `json:"penalty"`
	AmountOrPercentage float64  `json:"amount_or_percentage"`
	MinCap             *float64 `json:"min_cap,omitempty"`
	MaxCap             *float64 `json:"max_cap,omitempty"`
	DueDate            string   `json:"due_date,omitempty"`
}

// ChargeActionRequest pays or waives a charge.
type ChargeActionRequest struct {
	Date              string  `json:"date"`
	Amount            float64 `json:"amount,omitempty"`
	InstallmentNumber int     `json:"installment_number,omitempty"`
}

// OverdueChargesRequest drives the overdue-penalty batch endpoint.
type OverdueChargesRequest struct {
	GraceDays          int     `json:"grace_days"`
	Calculation        string  `json:"calculation"`
	AmountOrPercentage float64 `json:"amount_or_percentage"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// LoanDTO is the summary view of a loan.
type LoanDTO struct {
	ID                int64      `json:"id"`
	AccountNumber     string     `json:"account_number"`
	ExternalID        string     `json:"external_id"`
	Status            string     `json:"status"`
	SubStatus         string     `json:"sub_status,omitempty"`
	CurrencyCode      string     `json:"currency_code"`
	Principal         float64    `json:"principal"`
	ApprovedPrincipal float64    `json:"approved_principal"`
	NetDisbursal      float64    `json:"net_disbursal"`
	SubmittedOn       string     `json:"submitted_on"`
	DisbursedOn       string     `json:"disbursed_on,omitempty"`
	ClosedOn          string     `json:"closed_on,omitempty"`
	MaturityDate      string     `json:"maturity_date,omitempty"`
	Summary           SummaryDTO `json:"summary"`
}

// SummaryDTO mirrors loan.Summary in API-friendly numbers.
type SummaryDTO struct {
	PrincipalDisbursed   float64 `json:"principal_disbursed"`
	PrincipalPaid        float64 `json:"principal_paid"`
	PrincipalWrittenOff  float64 `json:"principal_written_off"`
	PrincipalOutstanding float64 `json:"principal_outstanding"`
	InterestCharged      float64 `json:"interest_charged"`
	InterestPaid         float64 `json:"interest_paid"`
	InterestWaived       float64 `json:"interest_waived"`
	InterestWrittenOff   float64 `json:"interest_written_off"`
	InterestOutstanding  float64 `json:"interest_outstanding"`
	FeeCharged           float64 `json:"fee_charged"`
	FeePaid              float64 `json:"fee_paid"`
	FeeWaived            float64 `json:"fee_waived"`
	FeeWrittenOff        float64 `json:"fee_written_off"`
	FeeOutstanding       float64 `json:"fee_outstanding"`
	PenaltyCharged       float64 `json:"penalty_charged"`
	PenaltyPaid          float64 `json:"penalty_paid"`
	PenaltyWaived        float64 `json:"penalty_waived"`
	PenaltyWrittenOff    float64 `json:"penalty_written_off"`
	PenaltyOutstanding   float64 `json:"penalty_outstanding"`
	TotalExpected        float64 `json:"total_expected"`
	TotalPaid            float64 `json:"total_paid"`
	TotalOutstanding     float64 `json:"total_outstanding"`
	TotalOverpaid        float64 `json:"total_overpaid"`
	TotalRecovered       float64 `json:"total_recovered"`
}

// InstallmentDTO is one row of the repayment schedule.
type InstallmentDTO struct {
	Number           int     `json:"number"`
	FromDate         string  `json:"from_date"`
	DueDate          string  `json:"due_date"`
	Principal        float64 `json:"principal"`
	Interest         float64 `json:"interest"`
	FeeCharges       float64 `json:"fee_charges"`
	PenaltyCharges   float64 `json:"penalty_charges"`
	PrincipalPaid    float64 `json:"principal_paid"`
	InterestPaid     float64 `json:"interest_paid"`
	FeePaid          float64 `json:"fee_paid"`
	PenaltyPaid      float64 `json:"penalty_paid"`
	TotalOutstanding float64 `json:"total_outstanding"`
	ObligationsMet   bool    `json:"obligations_met"`
	ObligationsMetOn string  `json:"obligations_met_on,omitempty"`
}

// TransactionDTO is one posted transaction.
type TransactionDTO struct {
	ID                 int64   `json:"id"`
	ExternalID         string  `json:"external_id"`
	Type               string  `json:"type"`
	Date               string  `json:"date"`
	Amount             float64 `json:"amount"`
	PrincipalPortion   float64 `json:"principal_portion"`
	InterestPortion    float64 `json:"interest_portion"`
	FeePortion         float64 `json:"fee_portion"`
	PenaltyPortion     float64 `json:"penalty_portion"`
	OverpaymentPortion float64 `json:"overpayment_portion"`
	OutstandingBalance float64 `json:"outstanding_balance"`
	Reversed           bool    `json:"reversed"`
	ManuallyAdjusted   bool    `json:"manually_adjusted"`
}

// ChargeDTO is one attached charge.
type ChargeDTO struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	ChargeTime  string  `json:"charge_time"`
	Calculation string  `json:"calculation"`
	Penalty     bool    `json:"penalty"`
	Active      bool    `json:"active"`
	Amount      float64 `json:"amount"`
	Paid        float64 `json:"paid"`
	Waived      float64 `json:"waived"`
	Outstanding float64 `json:"outstanding"`
	DueDate     string  `json:"due_date,omitempty"`
}

// OperationResponse wraps a mutation result: the loan view plus what the
// operation changed.
type OperationResponse struct {
	Loan    LoanDTO        `json:"loan"`
	Changes map[string]any `json:"changes,omitempty"`
	// ChangedTransactionIDs lists transactions whose allocations moved
	// during reprocessing.
	ChangedTransactionIDs []int64 `json:"changed_transaction_ids,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toLoanDTO(l *loan.Loan) LoanDTO {
	dto := LoanDTO{
		ID:                l.ID,
		AccountNumber:     l.AccountNumber,
		ExternalID:        l.ExternalID,
		Status:            string(l.Status),
		SubStatus:         string(l.SubStatus),
		CurrencyCode:      l.Currency().Code,
		Principal:         f64(l.Principal),
		ApprovedPrincipal: f64(l.ApprovedPrincipal),
		NetDisbursal:      f64(l.NetDisbursal),
		SubmittedOn:       l.SubmittedOn.String(),
		Summary:           toSummaryDTO(l.Summary),
	}
	if l.DisbursedOn != nil {
		dto.DisbursedOn = l.DisbursedOn.String()
	}
	if l.ClosedOn != nil {
		dto.ClosedOn = l.ClosedOn.String()
	}
	if m := l.MaturityDate(); !m.IsZero() {
		dto.MaturityDate = m.String()
	}
	return dto
}

func toSummaryDTO(s loan.Summary) SummaryDTO {
	return SummaryDTO{
		PrincipalDisbursed:   f64(s.PrincipalDisbursed),
		PrincipalPaid:        f64(s.PrincipalPaid),
		PrincipalWrittenOff:  f64(s.PrincipalWrittenOff),
		PrincipalOutstanding: f64(s.PrincipalOutstanding),
		InterestCharged:      f64(s.InterestCharged),
		InterestPaid:         f64(s.InterestPaid),
		InterestWaived:       f64(s.InterestWaived),
		InterestWrittenOff:   f64(s.InterestWrittenOff),
		InterestOutstanding:  f64(s.InterestOutstanding),
		FeeCharged:           f64(s.FeeCharged),
		FeePaid:              f64(s.FeePaid),
		FeeWaived:            f64(s.FeeWaived),
		FeeWrittenOff:        f64(s.FeeWrittenOff),
		FeeOutstanding:       f64(s.FeeOutstanding),
		PenaltyCharged:       f64(s.PenaltyCharged),
		PenaltyPaid:          f64(s.PenaltyPaid),
		PenaltyWaived:        f64(s.PenaltyWaived),
		PenaltyWrittenOff:    f64(s.PenaltyWrittenOff),
		PenaltyOutstanding:   f64(s.PenaltyOutstanding),
		TotalExpected:        f64(s.TotalExpectedRepayment),
		TotalPaid:            f64(s.TotalRepayment),
		TotalOutstanding:     f64(s.TotalOutstanding),
		TotalOverpaid:        f64(s.TotalOverpaid),
		TotalRecovered:       f64(s.TotalRecovered),
	}
}

func toInstallmentDTO(inst *loan.Installment) InstallmentDTO {
	dto := InstallmentDTO{
		Number:           inst.Number,
		FromDate:         inst.FromDate.String(),
		DueDate:          inst.DueDate.String(),
		Principal:        f64(inst.PrincipalExpected()),
		Interest:         f64(inst.Interest),
		FeeCharges:       f64(inst.FeeCharges),
		PenaltyCharges:   f64(inst.PenaltyCharges),
		PrincipalPaid:    f64(inst.PrincipalPaid),
		InterestPaid:     f64(inst.InterestPaid),
		FeePaid:          f64(inst.FeePaid),
		PenaltyPaid:      f64(inst.PenaltyPaid),
		TotalOutstanding: f64(inst.TotalOutstanding()),
		ObligationsMet:   inst.ObligationsMet,
	}
	if inst.ObligationsMetOn != nil {
		dto.ObligationsMetOn = inst.ObligationsMetOn.String()
	}
	return dto
}

func toTransactionDTO(tx *loan.LoanTransaction) TransactionDTO {
	return TransactionDTO{
		ID:                 tx.ID,
		ExternalID:         tx.ExternalID,
		Type:               string(tx.Type),
		Date:               tx.Date.String(),
		Amount:             f64(tx.Amount),
		PrincipalPortion:   f64(tx.PrincipalPortion),
		InterestPortion:    f64(tx.InterestPortion),
		FeePortion:         f64(tx.FeePortion),
		PenaltyPortion:     f64(tx.PenaltyPortion),
		OverpaymentPortion: f64(tx.OverpaymentPortion),
		OutstandingBalance: f64(tx.OutstandingBalance),
		Reversed:           tx.Reversed,
		ManuallyAdjusted:   tx.ManuallyAdjusted,
	}
}

func toChargeDTO(c *loan.LoanCharge) ChargeDTO {
	dto := ChargeDTO{
		ID:          c.ID,
		Name:        c.Name,
		ChargeTime:  string(c.Time),
		Calculation: string(c.Calculation),
		Penalty:     c.Penalty,
		Active:      c.Active,
		Amount:      f64(c.Amount),
		Paid:        f64(c.AmountPaid),
		Waived:      f64(c.AmountWaived),
		Outstanding: f64(c.Outstanding()),
	}
	if c.DueDate != nil {
		dto.DueDate = c.DueDate.String()
	}
	return dto
}

func toOperationResponse(l *loan.Loan, ch *loan.Changes) OperationResponse {
	resp := OperationResponse{Loan: toLoanDTO(l)}
	if ch != nil {
		if len(ch.Fields) > 0 {
			resp.Changes = make(map[string]any, len(ch.Fields))
			for k, v := range ch.Fields {
				resp.Changes[k] = stringify(v)
			}
		}
		if ch.Detail != nil {
			for id := range ch.Detail.Changed {
				resp.ChangedTransactionIDs = append(resp.ChangedTransactionIDs, id)
			}
		}
	}
	return resp
}

// stringify flattens domain values into JSON-friendly primitives.
func stringify(v any) any {
	switch t := v.(type) {
	case loan.Money:
		return f64(t)
	case loan.DateOf:
		return t.String()
	case loan.Status:
		return string(t)
	case loan.SubStatus:
		return string(t)
	default:
		return v
	}
}

func f64(m loan.Money) float64 {
	f, _ := m.Amount().Float64()
	return f
}
