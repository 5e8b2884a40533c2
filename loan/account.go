/*
account.go - The Loan aggregate root

PURPOSE:
  The Loan orchestrates schedule mutation, transaction addition/reversal,
  charge management, disbursement tranches, reprocessing triggers, and
  summary/status recomputation. Every public mutation follows one shape:

    1. Guard:    lifecycle status must permit the event
    2. Temporal: transaction date must respect chronological rules
    3. Mutate:   append/reverse the transaction, update charges/tranches,
                 trigger a full or fast-path reprocess when ordering or
                 the schedule changed
    4. Re-derive: recompute the summary from scratch, then decide whether
                 the loan becomes Overpaid, Closed-obligations-met, or
                 stays Active
    5. Return a Changes record for the caller to persist and audit

  Guard failures return typed errors before any state changes; there is no
  partial application and no automatic retry.

COLLABORATORS:
  The business date, working calendar, and allocation order arrive in a
  ProcessingContext on every operation. The aggregate stores no injected
  mutable strategy objects, which keeps it testable without wiring.
*/
package loan

import "github.com/shopspring/decimal"

// =============================================================================
// SUPPORTING TYPES
// =============================================================================

// Terms carries the product-derived repayment configuration (the
// loan-product related detail).
type Terms struct {
	Currency              Currency
	NumInstallments       int
	FrequencyMonths       int
	AnnualInterestRate    decimal.Decimal
	InterestRecalculation bool
	MultiDisbursement     bool
	MaxTrancheCount       int
	AllocationOrder       AllocationOrder
}

// DisbursementDetail is one tranche of a multi-disbursement loan.
type DisbursementDetail struct {
	ID           int64
	ExpectedDate DateOf
	ActualDate   *DateOf
	Principal    Money
	Reversed     bool
}

func (d *DisbursementDetail) IsDisbursed() bool { return d.ActualDate != nil && !d.Reversed }

// ProcessingContext bundles the per-operation collaborators.
type ProcessingContext struct {
	BusinessDate DateOf
	Calendar     WorkingCalendar
}

// Changes describes what an operation did, for persistence and audit.
type Changes struct {
	Fields      map[string]interface{}
	Transaction *LoanTransaction
	Detail      *ChangedTransactionDetail
}

func newChanges() *Changes {
	return &Changes{Fields: make(map[string]interface{})}
}

// =============================================================================
// LOAN
// =============================================================================

type Loan struct {
	ID            int64
	AccountNumber string
	ExternalID    string
	Status        Status
	SubStatus     SubStatus
	Terms         Terms

	ProposedPrincipal Money
	ApprovedPrincipal Money
	// Principal mirrors the sum of actually-disbursed tranche principals
	// once disbursement starts.
	Principal    Money
	NetDisbursal Money
	Topup        bool

	SubmittedOn            DateOf
	ApprovedOn             *DateOf
	ExpectedDisbursementOn DateOf
	DisbursedOn            *DateOf
	ClosedOn               *DateOf
	WrittenOffOn           *DateOf
	ChargedOffOn           *DateOf
	// TransferredOn is the client/group transfer-to-office date; no
	// transaction may precede it.
	TransferredOn *DateOf

	FirstDueDate DateOf

	Tranches     []*DisbursementDetail
	Charges      []*LoanCharge
	Installments []*Installment
	Transactions []*LoanTransaction
	Summary      Summary

	// Overpayment is the replay-derived credit balance, refreshed on every
	// reprocess.
	Overpayment Money

	nextTxID      int64
	nextChargeID  int64
	nextTrancheID int64
}

// TrancheParams describes one expected disbursement of a multi-tranche loan.
type TrancheParams struct {
	ExpectedDate DateOf
	Principal    Money
}

// ApplicationParams carries the already-parsed values of a loan application.
type ApplicationParams struct {
	AccountNumber          string
	ExternalID             string
	Terms                  Terms
	Principal              Money
	SubmittedOn            DateOf
	ExpectedDisbursementOn DateOf
	FirstDueDate           DateOf
	Topup                  bool
	Tranches               []TrancheParams
}

// SubmitApplication creates a loan in submitted-pending-approval state with
// its proposed schedule.
func SubmitApplication(p ApplicationParams) (*Loan, error) {
	if p.AccountNumber == "" {
		p.AccountNumber = GenerateAccountNumber()
	}
	if p.ExternalID == "" {
		p.ExternalID = GenerateExternalID()
	}
	if p.Terms.MultiDisbursement && p.Terms.MaxTrancheCount > 0 && len(p.Tranches) > p.Terms.MaxTrancheCount {
		return nil, &StructuralError{Rule: "tranche_count", Message: "expected tranches exceed product maximum"}
	}

	l := &Loan{
		AccountNumber:          p.AccountNumber,
		ExternalID:             p.ExternalID,
		Status:                 StatusSubmittedPendingApproval,
		Terms:                  p.Terms,
		ProposedPrincipal:      p.Principal,
		ApprovedPrincipal:      ZeroMoney(p.Terms.Currency),
		Principal:              p.Principal,
		NetDisbursal:           p.Principal,
		Topup:                  p.Topup,
		SubmittedOn:            p.SubmittedOn,
		ExpectedDisbursementOn: p.ExpectedDisbursementOn,
		FirstDueDate:           p.FirstDueDate,
		Overpayment:            ZeroMoney(p.Terms.Currency),
	}
	for _, t := range p.Tranches {
		l.nextTrancheID++
		l.Tranches = append(l.Tranches, &DisbursementDetail{
			ID: l.nextTrancheID, ExpectedDate: t.ExpectedDate, Principal: t.Principal,
		})
	}

	installments, err := BuildSchedule(p.ExpectedDisbursementOn, ScheduleParams{
		Principal:          p.Principal,
		NumInstallments:    p.Terms.NumInstallments,
		FirstDueDate:       p.FirstDueDate,
		FrequencyMonths:    p.Terms.FrequencyMonths,
		AnnualInterestRate: p.Terms.AnnualInterestRate,
		Calendar:           DefaultCalendar(),
	})
	if err != nil {
		return nil, err
	}
	l.Installments = installments
	l.refreshSummary()
	return l, nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

func (l *Loan) Currency() Currency { return l.Terms.Currency }

// DisbursedAmount is the sum of actually-disbursed tranche principals, or
// the principal for single-disbursement loans once disbursed.
func (l *Loan) DisbursedAmount() Money {
	if !l.Terms.MultiDisbursement {
		if l.DisbursedOn == nil {
			return ZeroMoney(l.Currency())
		}
		return l.Principal
	}
	total := ZeroMoney(l.Currency())
	for _, t := range l.Tranches {
		if t.IsDisbursed() {
			total = total.Plus(t.Principal)
		}
	}
	return total
}

func (l *Loan) FindTransaction(id int64) *LoanTransaction {
	for _, tx := range l.Transactions {
		if tx.ID == id {
			return tx
		}
	}
	return nil
}

func (l *Loan) FindCharge(id int64) *LoanCharge {
	return findCharge(l.Charges, id)
}

func (l *Loan) MaturityDate() DateOf { return MaturityDate(l.Installments) }

func (l *Loan) processor() *Processor { return NewProcessor(l.Terms.AllocationOrder) }

// RestoreCounters rebuilds the internal id counters from the loaded
// collections. Stores call this after deserializing an aggregate.
func (l *Loan) RestoreCounters() {
	l.nextTxID, l.nextChargeID, l.nextTrancheID = 0, 0, 0
	for _, tx := range l.Transactions {
		if tx.ID > l.nextTxID {
			l.nextTxID = tx.ID
		}
	}
	for _, c := range l.Charges {
		if c.ID > l.nextChargeID {
			l.nextChargeID = c.ID
		}
	}
	for _, t := range l.Tranches {
		if t.ID > l.nextTrancheID {
			l.nextTrancheID = t.ID
		}
	}
}

// =============================================================================
// GUARDS
// =============================================================================

func (l *Loan) guardStatus(event Event) (Status, error) {
	return NextStatus(l.Status, event)
}

func (l *Loan) guardNotFuture(pctx ProcessingContext, date DateOf, rule string) error {
	if date.After(pctx.BusinessDate) {
		return &TemporalError{Rule: rule, Date: date, Boundary: pctx.BusinessDate}
	}
	return nil
}

func (l *Loan) guardNotBeforeDisbursement(date DateOf) error {
	if l.DisbursedOn != nil && date.Before(*l.DisbursedOn) {
		return &TemporalError{Rule: "before_disbursement", Date: date, Boundary: *l.DisbursedOn}
	}
	return nil
}

func (l *Loan) guardNotBeforeTransfer(date DateOf) error {
	if l.TransferredOn != nil && date.Before(*l.TransferredOn) {
		return &TemporalError{Rule: "before_transfer", Date: date, Boundary: *l.TransferredOn}
	}
	return nil
}

// guardChargeRefundOrder forbids creating or reversing a repayment-like
// transaction dated before an existing charge refund.
func (l *Loan) guardChargeRefundOrder(date DateOf) error {
	for _, tx := range l.Transactions {
		if tx.Reversed || tx.Type != TxChargeRefund {
			continue
		}
		if date.Before(tx.Date) {
			return &TemporalError{Rule: "before_charge_refund", Date: date, Boundary: tx.Date}
		}
	}
	return nil
}

func (l *Loan) lastTransactionDate() DateOf {
	var latest DateOf
	for _, tx := range l.Transactions {
		if tx.Reversed || tx.IsNonMonetary() {
			continue
		}
		if latest.IsZero() || tx.Date.After(latest) {
			latest = tx.Date
		}
	}
	return latest
}

func (l *Loan) repaymentGuards(pctx ProcessingContext, date DateOf) error {
	if err := l.guardNotFuture(pctx, date, "future_date"); err != nil {
		return err
	}
	if err := l.guardNotBeforeDisbursement(date); err != nil {
		return err
	}
	if err := l.guardNotBeforeTransfer(date); err != nil {
		return err
	}
	return l.guardChargeRefundOrder(date)
}

// =============================================================================
// INTERNAL DERIVATION
// =============================================================================

func (l *Loan) appendTransaction(tx *LoanTransaction) *LoanTransaction {
	l.nextTxID++
	tx.ID = l.nextTxID
	l.Transactions = append(l.Transactions, tx)
	return tx
}

// reprocess replays all transactions and refreshes derived state.
func (l *Loan) reprocess(pctx ProcessingContext) (*ChangedTransactionDetail, error) {
	if l.DisbursedOn == nil {
		return nil, &StructuralError{Rule: "disbursement_date_required", Message: "loan has not been disbursed"}
	}
	detail, err := l.processor().HandleTransaction(*l.DisbursedOn, l.Transactions, l.Currency(), l.Installments, l.Charges)
	if err != nil {
		return nil, err
	}
	l.Overpayment = detail.OverpaymentBalance
	l.refreshSummary()
	return detail, nil
}

func (l *Loan) refreshSummary() {
	l.Summary = ComputeSummary(l.Currency(), l.Installments, l.Charges, l.Transactions, l.DisbursedAmount(), l.Overpayment)
}

// allChargesSettled reports whether every active charge is fully paid,
// waived, or written off.
func (l *Loan) allChargesSettled() bool {
	for _, c := range l.Charges {
		if c.Active && c.Outstanding().IsGreaterThanZero() {
			return false
		}
	}
	return true
}

// postTransactionChecks decides whether the loan becomes Overpaid,
// Closed-obligations-met, or stays Active after a monetary change.
func (l *Loan) postTransactionChecks(on DateOf) {
	switch l.Status {
	case StatusActive, StatusOverpaid, StatusClosedObligationsMet:
	default:
		return
	}
	switch {
	case l.Summary.Overpaid():
		l.Status = StatusOverpaid
		l.ClosedOn = nil
	case l.Summary.TotalOutstanding.IsZero() && l.allChargesSettled():
		l.Status = StatusClosedObligationsMet
		d := on
		l.ClosedOn = &d
	default:
		l.Status = StatusActive
		l.ClosedOn = nil
	}
}

// recalcCharges recomputes charge amounts against the current principal and
// scheduled interest, rebuilds the per-installment fee/penalty expectations,
// and refreshes the net disbursal amount.
func (l *Loan) recalcCharges() {
	principal := l.Principal
	totalInterest := ZeroMoney(l.Currency())
	for _, inst := range l.Installments {
		totalInterest = totalInterest.Plus(inst.Interest)
	}
	for _, c := range l.Charges {
		if c.Active {
			c.Recalculate(l.Currency(), l.Installments, principal, totalInterest)
		}
	}
	l.rebuildChargeExpectations()
	l.updateNetDisbursal()
}

// rebuildChargeExpectations recomputes each installment's expected fee and
// penalty amounts from the active charges. Due-at-disbursement charges live
// outside the schedule.
func (l *Loan) rebuildChargeExpectations() {
	zero := ZeroMoney(l.Currency())
	for _, inst := range l.Installments {
		inst.FeeCharges = zero
		inst.PenaltyCharges = zero
	}
	for _, c := range l.Charges {
		if !c.Active || c.IsDueAtDisbursement() {
			continue
		}
		if c.IsInstallmentFee() {
			for _, ic := range c.InstallmentCharges {
				for _, inst := range l.Installments {
					if inst.Number != ic.InstallmentNumber {
						continue
					}
					if c.Penalty {
						inst.PenaltyCharges = inst.PenaltyCharges.Plus(ic.Amount)
					} else {
						inst.FeeCharges = inst.FeeCharges.Plus(ic.Amount)
					}
				}
			}
			continue
		}
		for _, inst := range l.Installments {
			if inst.Recalculation {
				continue
			}
			if c.IsDueInPeriod(inst.FromDate, inst.DueDate, inst.Number == 1) {
				if c.Penalty {
					inst.PenaltyCharges = inst.PenaltyCharges.Plus(c.Amount)
				} else {
					inst.FeeCharges = inst.FeeCharges.Plus(c.Amount)
				}
				break
			}
		}
	}
}

// updateNetDisbursal keeps netDisbursalAmount = principal - charges due at
// disbursement.
func (l *Loan) updateNetDisbursal() {
	base := l.ApprovedPrincipal
	if base.IsZero() {
		base = l.Principal
	}
	deduction := ZeroMoney(l.Currency())
	for _, c := range l.Charges {
		if c.Active && c.IsDueAtDisbursement() {
			deduction = deduction.Plus(c.Amount)
		}
	}
	l.NetDisbursal = base.Minus(deduction)
}

// regenerateSchedule clears and rebuilds the installment list for the
// current principal, then re-derives charges. Never partially patches.
func (l *Loan) regenerateSchedule(pctx ProcessingContext, disbursementDate DateOf) error {
	installments, err := BuildSchedule(disbursementDate, ScheduleParams{
		Principal:          l.Principal,
		NumInstallments:    l.Terms.NumInstallments,
		FirstDueDate:       l.FirstDueDate,
		FrequencyMonths:    l.Terms.FrequencyMonths,
		AnnualInterestRate: l.Terms.AnnualInterestRate,
		Calendar:           pctx.Calendar,
	})
	if err != nil {
		return err
	}
	l.Installments = installments
	l.recalcCharges()
	return nil
}

// =============================================================================
// APPROVAL PHASE
// =============================================================================

func (l *Loan) Approve(pctx ProcessingContext, approved Money, on DateOf) (*Changes, error) {
	next, err := l.guardStatus(EventApproved)
	if err != nil {
		return nil, err
	}
	if err := l.guardNotFuture(pctx, on, "approval_future_date"); err != nil {
		return nil, err
	}
	if approved.IsGreaterThan(l.ProposedPrincipal) {
		return nil, &ThresholdError{Rule: "approved_exceeds_proposed", Requested: approved, Limit: l.ProposedPrincipal}
	}

	l.Status = next
	l.ApprovedPrincipal = approved
	l.Principal = approved
	d := on
	l.ApprovedOn = &d
	l.recalcCharges()
	l.refreshSummary()

	ch := newChanges()
	ch.Fields["status"] = l.Status
	ch.Fields["approvedPrincipal"] = approved
	ch.Fields["approvedOnDate"] = on
	return ch, nil
}

func (l *Loan) UndoApproval(pctx ProcessingContext) (*Changes, error) {
	next, err := l.guardStatus(EventApprovalUndone)
	if err != nil {
		return nil, err
	}
	l.Status = next
	l.ApprovedOn = nil
	l.ApprovedPrincipal = ZeroMoney(l.Currency())
	l.Principal = l.ProposedPrincipal
	l.recalcCharges()
	l.refreshSummary()

	ch := newChanges()
	ch.Fields["status"] = l.Status
	return ch, nil
}

func (l *Loan) Reject(pctx ProcessingContext, on DateOf) (*Changes, error) {
	return l.closeUndisbursed(pctx, EventRejected, on, "rejectedOnDate")
}

func (l *Loan) Withdraw(pctx ProcessingContext, on DateOf) (*Changes, error) {
	return l.closeUndisbursed(pctx, EventWithdrawn, on, "withdrawnOnDate")
}

func (l *Loan) closeUndisbursed(pctx ProcessingContext, event Event, on DateOf, field string) (*Changes, error) {
	next, err := l.guardStatus(event)
	if err != nil {
		return nil, err
	}
	if err := l.guardNotFuture(pctx, on, "closure_future_date"); err != nil {
		return nil, err
	}
	l.Status = next
	d := on
	l.ClosedOn = &d

	ch := newChanges()
	ch.Fields["status"] = l.Status
	ch.Fields[field] = on
	return ch, nil
}

// =============================================================================
// DISBURSEMENT
// =============================================================================

// Disburse releases funds. For multi-tranche loans each call disburses the
// next pending tranche; the schedule regenerates when the disbursed amount
// or date deviates from the plan, and principal always mirrors the sum of
// disbursed tranches.
func (l *Loan) Disburse(pctx ProcessingContext, on DateOf, amount Money) (*Changes, error) {
	next, err := l.guardStatus(EventDisbursed)
	if err != nil {
		return nil, err
	}
	if err := l.guardNotFuture(pctx, on, "disbursement_future_date"); err != nil {
		return nil, err
	}
	if err := l.guardNotBeforeTransfer(on); err != nil {
		return nil, err
	}
	firstDisbursement := l.DisbursedOn == nil

	if l.Terms.MultiDisbursement {
		if err := l.disburseTranche(on, amount); err != nil {
			return nil, err
		}
	} else {
		if !firstDisbursement {
			return nil, &StateError{Status: l.Status, Event: EventDisbursed}
		}
		if amount.IsGreaterThan(l.ApprovedPrincipal) {
			return nil, &ThresholdError{Rule: "disbursed_exceeds_approved", Requested: amount, Limit: l.ApprovedPrincipal}
		}
		l.Principal = amount
	}

	ch := newChanges()
	scheduleStale := firstDisbursement || !l.Principal.IsEqualTo(scheduledPrincipal(l.Currency(), l.Installments))

	if firstDisbursement {
		d := on
		l.DisbursedOn = &d
	}
	if scheduleStale {
		if err := l.regenerateSchedule(pctx, *l.DisbursedOn); err != nil {
			return nil, err
		}
		ch.Fields["scheduleRegenerated"] = true
	}

	tx := l.appendTransaction(NewTransaction(TxDisbursement, on, pctx.BusinessDate, amount, ""))
	tx.PrincipalPortion = amount
	tx.OutstandingBalance = l.DisbursedAmount()
	ch.Transaction = tx

	if firstDisbursement {
		l.recalcCharges()
		l.collectDisbursementCharges(pctx, on, ch)
	}

	l.Status = next
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	ch.Detail = detail
	l.postTransactionChecks(on)
	ch.Fields["status"] = l.Status
	ch.Fields["actualDisbursementDate"] = on
	return ch, nil
}

// disburseTranche validates and marks the next pending tranche disbursed.
func (l *Loan) disburseTranche(on DateOf, amount Money) error {
	var lastDisbursed *DateOf
	var pending *DisbursementDetail
	for _, t := range l.Tranches {
		if t.IsDisbursed() {
			lastDisbursed = t.ActualDate
			continue
		}
		if pending == nil && !t.Reversed {
			pending = t
		}
	}
	if pending == nil {
		return &StructuralError{Rule: "tranche_exhausted", Message: "no pending tranche to disburse"}
	}
	if lastDisbursed != nil && on.Before(*lastDisbursed) {
		return &TemporalError{Rule: "tranche_before_last_disbursement", Date: on, Boundary: *lastDisbursed}
	}

	already := l.DisbursedAmount()
	if already.Plus(amount).IsGreaterThan(l.ApprovedPrincipal) {
		return &ThresholdError{Rule: "disbursed_exceeds_approved", Requested: already.Plus(amount), Limit: l.ApprovedPrincipal}
	}

	d := on
	pending.ActualDate = &d
	pending.Principal = amount
	l.Principal = l.DisbursedAmount()
	return nil
}

// collectDisbursementCharges auto-creates the repayment-at-disbursement
// transaction settling every charge due at disbursement.
func (l *Loan) collectDisbursementCharges(pctx ProcessingContext, on DateOf, ch *Changes) {
	due := ZeroMoney(l.Currency())
	for _, c := range l.Charges {
		if c.Active && c.IsDueAtDisbursement() {
			due = due.Plus(c.Outstanding())
		}
	}
	if !due.IsGreaterThanZero() {
		return
	}
	l.appendTransaction(NewTransaction(TxRepaymentAtDisbursement, on, pctx.BusinessDate, due, ""))
	ch.Fields["disbursementChargesCollected"] = due
}

// UndoDisbursal rolls the loan back to approved: every transaction is
// reversed, tranche actuals are cleared, and the schedule rebuilds from the
// approved principal. Forbidden on topup loans - the closed topped-up loan
// cannot be reopened.
func (l *Loan) UndoDisbursal(pctx ProcessingContext) (*Changes, error) {
	next, err := l.guardStatus(EventDisbursalUndone)
	if err != nil {
		return nil, err
	}
	if l.Topup {
		return nil, &StateError{Status: l.Status, Event: EventDisbursalUndone}
	}

	for _, tx := range l.Transactions {
		if !tx.Reversed {
			tx.Reverse(pctx.BusinessDate, GenerateExternalID())
		}
	}
	for _, t := range l.Tranches {
		t.ActualDate = nil
	}
	l.DisbursedOn = nil
	l.Principal = l.ApprovedPrincipal
	l.Overpayment = ZeroMoney(l.Currency())
	if err := l.regenerateSchedule(pctx, l.ExpectedDisbursementOn); err != nil {
		return nil, err
	}
	l.Status = next
	l.ClosedOn = nil
	l.refreshSummary()

	ch := newChanges()
	ch.Fields["status"] = l.Status
	ch.Fields["actualDisbursementDate"] = nil
	return ch, nil
}

// UndoLastDisbursal reverses only the most recent tranche of a
// multi-disbursement loan and reprocesses against the reduced principal.
func (l *Loan) UndoLastDisbursal(pctx ProcessingContext) (*Changes, error) {
	if !l.Terms.MultiDisbursement {
		return nil, &StructuralError{Rule: "multi_disbursement_required", Message: "loan has no tranches"}
	}
	if _, err := l.guardStatus(EventDisbursalUndone); err != nil {
		return nil, err
	}

	var last *DisbursementDetail
	for _, t := range l.Tranches {
		if t.IsDisbursed() && (last == nil || t.ActualDate.After(*last.ActualDate)) {
			last = t
		}
	}
	if last == nil {
		return nil, &StructuralError{Rule: "tranche_exhausted", Message: "no disbursed tranche to undo"}
	}

	// Reverse the matching disbursement transaction.
	for idx := len(l.Transactions) - 1; idx >= 0; idx-- {
		tx := l.Transactions[idx]
		if !tx.Reversed && tx.Type == TxDisbursement && tx.Date.Equal(*last.ActualDate) && tx.Amount.IsEqualTo(last.Principal) {
			tx.Reverse(pctx.BusinessDate, GenerateExternalID())
			break
		}
	}
	last.Reversed = true
	last.ActualDate = nil
	l.Principal = l.DisbursedAmount()

	ch := newChanges()
	if l.Principal.IsZero() {
		// Last remaining tranche undone: behave like a full undo.
		return l.UndoDisbursal(pctx)
	}
	if err := l.regenerateSchedule(pctx, *l.DisbursedOn); err != nil {
		return nil, err
	}
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	ch.Detail = detail
	l.postTransactionChecks(pctx.BusinessDate)
	ch.Fields["status"] = l.Status
	return ch, nil
}

// AddTranche appends one pending expected disbursement to a multi-tranche
// loan.
func (l *Loan) AddTranche(pctx ProcessingContext, expectedDate DateOf, principal Money) (*Changes, error) {
	if !l.Terms.MultiDisbursement {
		return nil, &StructuralError{Rule: "multi_disbursement_required", Message: "loan has no tranches"}
	}
	if l.Status.IsClosed() {
		return nil, &StateError{Status: l.Status, Event: EventDisbursed}
	}
	if err := l.guardTrancheTotals(true, []TrancheParams{{ExpectedDate: expectedDate, Principal: principal}}); err != nil {
		return nil, err
	}

	l.nextTrancheID++
	l.Tranches = append(l.Tranches, &DisbursementDetail{
		ID: l.nextTrancheID, ExpectedDate: expectedDate, Principal: principal,
	})

	ch := newChanges()
	ch.Fields["expectedDisbursementDate"] = expectedDate
	ch.Fields["tranchePrincipal"] = principal
	return ch, nil
}

// UpdateTrancheExpectations replaces every pending tranche with the given
// set. Disbursed tranches are untouched.
func (l *Loan) UpdateTrancheExpectations(pctx ProcessingContext, tranches []TrancheParams) (*Changes, error) {
	if !l.Terms.MultiDisbursement {
		return nil, &StructuralError{Rule: "multi_disbursement_required", Message: "loan has no tranches"}
	}
	if l.Status.IsClosed() {
		return nil, &StateError{Status: l.Status, Event: EventDisbursed}
	}
	if err := l.guardTrancheTotals(false, tranches); err != nil {
		return nil, err
	}

	kept := l.Tranches[:0]
	for _, t := range l.Tranches {
		if t.IsDisbursed() || t.Reversed {
			kept = append(kept, t)
		}
	}
	l.Tranches = kept
	for _, p := range tranches {
		l.nextTrancheID++
		l.Tranches = append(l.Tranches, &DisbursementDetail{
			ID: l.nextTrancheID, ExpectedDate: p.ExpectedDate, Principal: p.Principal,
		})
	}

	ch := newChanges()
	ch.Fields["trancheCount"] = len(l.Tranches)
	return ch, nil
}

// guardTrancheTotals checks the tranche count cap and the approved-principal
// ceiling over disbursed tranches, the incoming set and, when keepPending,
// the existing pending tranches.
func (l *Loan) guardTrancheTotals(keepPending bool, incoming []TrancheParams) error {
	count := len(incoming)
	limit := l.ApprovedPrincipal
	if limit.IsZero() {
		limit = l.ProposedPrincipal
	}
	total := l.DisbursedAmount()

	for _, t := range l.Tranches {
		if t.Reversed {
			continue
		}
		if t.IsDisbursed() {
			count++
			continue
		}
		if keepPending {
			count++
			total = total.Plus(t.Principal)
		}
	}
	for _, p := range incoming {
		total = total.Plus(p.Principal)
	}

	if l.Terms.MaxTrancheCount > 0 && count > l.Terms.MaxTrancheCount {
		return &StructuralError{Rule: "tranche_count_exceeded", Message: "tranches exceed the configured maximum"}
	}
	if total.IsGreaterThan(limit) {
		return &ThresholdError{Rule: "tranches_exceed_approved", Requested: total, Limit: limit}
	}
	return nil
}

// =============================================================================
// REPAYMENTS
// =============================================================================

// MakeRepayment posts a repayment. When the transaction is the chronological
// latest and exactly covers the current period's outstanding, the allocation
// takes a fast path that skips the full replay; interest recalculation
// products always force the full replay.
func (l *Loan) MakeRepayment(pctx ProcessingContext, on DateOf, amount Money, externalID string) (*Changes, error) {
	return l.addRepaymentLike(pctx, TxRepayment, on, amount, externalID)
}

// MakeRecoveryRepayment posts a recovery against a written-off loan.
func (l *Loan) MakeRecoveryRepayment(pctx ProcessingContext, on DateOf, amount Money, externalID string) (*Changes, error) {
	next, err := l.guardStatus(EventRecoveryPayment)
	if err != nil {
		return nil, err
	}
	if err := l.repaymentGuards(pctx, on); err != nil {
		return nil, err
	}
	tx := l.appendTransaction(NewTransaction(TxRecoveryRepayment, on, pctx.BusinessDate, amount, externalID))
	l.Status = next
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	ch := newChanges()
	ch.Transaction = tx
	ch.Detail = detail
	return ch, nil
}

func (l *Loan) addRepaymentLike(pctx ProcessingContext, txType TransactionType, on DateOf, amount Money, externalID string) (*Changes, error) {
	next, err := l.guardStatus(EventRepaymentOrWaiver)
	if err != nil {
		return nil, err
	}
	if err := l.repaymentGuards(pctx, on); err != nil {
		return nil, err
	}
	if !amount.IsGreaterThanZero() {
		return nil, &ThresholdError{Rule: "non_positive_amount", Requested: amount, Limit: ZeroMoney(l.Currency())}
	}

	tx := l.appendTransaction(NewTransaction(txType, on, pctx.BusinessDate, amount, externalID))
	l.Status = next

	// Fast-path preconditions: a chronologically-latest transaction that
	// exactly matches the current period's outstanding can be applied
	// incrementally. Interest recalculation always forces a full replay
	// because the payment may change future interest.
	reprocess := true
	if l.isChronologicallyLatestExcluding(on, tx.ID) {
		current := InstallmentForDate(l.Installments, on)
		if current != nil && amount.IsEqualTo(current.TotalOutstanding()) {
			reprocess = false
		}
		if l.Terms.InterestRecalculation {
			reprocess = true
		}
	}

	ch := newChanges()
	ch.Transaction = tx
	if reprocess {
		detail, err := l.reprocess(pctx)
		if err != nil {
			return nil, err
		}
		ch.Detail = detail
	} else {
		l.Overpayment = l.processor().ApplyLatest(tx, l.Currency(), l.Installments, l.Charges, l.Overpayment)
		l.refreshSummary()
	}
	l.postTransactionChecks(on)
	ch.Fields["status"] = l.Status
	return ch, nil
}

// isChronologicallyLatestExcluding ignores the just-appended transaction.
func (l *Loan) isChronologicallyLatestExcluding(date DateOf, txID int64) bool {
	for _, tx := range l.Transactions {
		if tx.ID == txID || tx.Reversed || tx.IsNonMonetary() {
			continue
		}
		if tx.Date.After(date) {
			return false
		}
	}
	return true
}

// =============================================================================
// ADJUSTMENT AND REVERSAL
// =============================================================================

// AdjustTransaction reverses an existing repayment-like or waiver
// transaction and, when the new amount is positive, posts a replacement of
// the same type, then replays.
func (l *Loan) AdjustTransaction(pctx ProcessingContext, txID int64, newAmount Money, on DateOf) (*Changes, error) {
	tx := l.FindTransaction(txID)
	if tx == nil {
		return nil, ErrTransactionNotFound
	}
	if tx.Reversed {
		return nil, &StructuralError{Rule: "already_reversed", Message: "cannot adjust a reversed transaction"}
	}
	if !tx.IsRepaymentLike() && tx.Type != TxWaiveInterest {
		return nil, &TypeMismatchError{Expected: TxRepayment, Got: tx.Type}
	}
	if _, err := l.guardStatus(EventRepaymentOrWaiver); err != nil {
		return nil, err
	}
	if err := l.repaymentGuards(pctx, on); err != nil {
		return nil, err
	}
	if err := l.guardChargeRefundOrder(tx.Date); err != nil {
		return nil, err
	}

	tx.Reverse(pctx.BusinessDate, GenerateExternalID())

	ch := newChanges()
	if newAmount.IsGreaterThanZero() {
		replacement := l.appendTransaction(NewTransaction(tx.Type, on, pctx.BusinessDate, newAmount, ""))
		replacement.RelatedTransactionID = tx.ID
		// A charge payment allocates against its target charge on replay;
		// the replacement must keep pointing at it.
		replacement.TargetChargeID = tx.TargetChargeID
		replacement.TargetInstallment = tx.TargetInstallment
		ch.Transaction = replacement
	}
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	ch.Detail = detail
	l.postTransactionChecks(on)
	ch.Fields["status"] = l.Status
	ch.Fields["reversedTransactionId"] = tx.ID
	return ch, nil
}

// ReverseTransaction logically cancels a transaction and replays.
func (l *Loan) ReverseTransaction(pctx ProcessingContext, txID int64) (*Changes, error) {
	tx := l.FindTransaction(txID)
	if tx == nil {
		return nil, ErrTransactionNotFound
	}
	if tx.Reversed {
		return nil, &StructuralError{Rule: "already_reversed", Message: "transaction is already reversed"}
	}
	if tx.IsRepaymentLike() {
		if err := l.guardChargeRefundOrder(tx.Date); err != nil {
			return nil, err
		}
	}

	tx.Reverse(pctx.BusinessDate, GenerateExternalID())
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	l.postTransactionChecks(pctx.BusinessDate)

	ch := newChanges()
	ch.Transaction = tx
	ch.Detail = detail
	ch.Fields["status"] = l.Status
	return ch, nil
}

// =============================================================================
// WAIVERS AND CHARGES
// =============================================================================

func (l *Loan) WaiveInterest(pctx ProcessingContext, on DateOf, amount Money) (*Changes, error) {
	next, err := l.guardStatus(EventRepaymentOrWaiver)
	if err != nil {
		return nil, err
	}
	if err := l.repaymentGuards(pctx, on); err != nil {
		return nil, err
	}
	tx := l.appendTransaction(NewTransaction(TxWaiveInterest, on, pctx.BusinessDate, amount, ""))
	l.Status = next
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	l.postTransactionChecks(on)

	ch := newChanges()
	ch.Transaction = tx
	ch.Detail = detail
	ch.Fields["status"] = l.Status
	return ch, nil
}

// AddCharge attaches a new fee/penalty, validates its due date against the
// disbursement window, recalculates amounts and replays if disbursed.
func (l *Loan) AddCharge(pctx ProcessingContext, c *LoanCharge) (*Changes, error) {
	if _, err := l.guardStatus(EventChargeAdded); err != nil {
		return nil, err
	}
	if c.DueDate != nil {
		start := l.ExpectedDisbursementOn
		if l.DisbursedOn != nil {
			start = *l.DisbursedOn
		}
		if c.DueDate.Before(start) {
			return nil, &TemporalError{Rule: "charge_before_disbursement", Date: *c.DueDate, Boundary: start}
		}
	}

	l.nextChargeID++
	c.ID = l.nextChargeID
	c.Active = true
	l.Charges = append(l.Charges, c)
	l.recalcCharges()

	ch := newChanges()
	ch.Fields["chargeId"] = c.ID
	if l.DisbursedOn != nil {
		detail, err := l.reprocess(pctx)
		if err != nil {
			return nil, err
		}
		ch.Detail = detail
		l.postTransactionChecks(pctx.BusinessDate)
	} else {
		l.refreshSummary()
	}
	ch.Fields["status"] = l.Status
	return ch, nil
}

// RemoveCharge deletes an unreferenced charge, or deactivates it once any
// transaction has paid against it.
func (l *Loan) RemoveCharge(pctx ProcessingContext, chargeID int64) (*Changes, error) {
	c := l.FindCharge(chargeID)
	if c == nil {
		return nil, ErrChargeNotFound
	}

	referenced := false
	for _, tx := range l.Transactions {
		for _, pc := range tx.PaidCharges {
			if pc.ChargeID == chargeID {
				referenced = true
			}
		}
	}
	if referenced {
		c.Active = false
	} else {
		kept := l.Charges[:0]
		for _, other := range l.Charges {
			if other.ID != chargeID {
				kept = append(kept, other)
			}
		}
		l.Charges = kept
	}
	l.recalcCharges()

	ch := newChanges()
	ch.Fields["removedChargeId"] = chargeID
	if l.DisbursedOn != nil {
		detail, err := l.reprocess(pctx)
		if err != nil {
			return nil, err
		}
		ch.Detail = detail
		l.postTransactionChecks(pctx.BusinessDate)
	} else {
		l.refreshSummary()
	}
	return ch, nil
}

// WaiveCharge posts a charge-waiver transaction for the charge's
// outstanding amount (one installment's share for installment fees).
func (l *Loan) WaiveCharge(pctx ProcessingContext, chargeID int64, installmentNumber int, on DateOf) (*Changes, error) {
	c := l.FindCharge(chargeID)
	if c == nil {
		return nil, ErrChargeNotFound
	}
	next, err := l.guardStatus(EventRepaymentOrWaiver)
	if err != nil {
		return nil, err
	}
	amount := c.Outstanding()
	if installmentNumber > 0 {
		if share := c.InstallmentShare(installmentNumber); share != nil {
			amount = share.Outstanding()
		}
	}
	if !amount.IsGreaterThanZero() {
		return nil, &StructuralError{Rule: "charge_settled", Message: "charge has no outstanding amount to waive"}
	}

	tx := l.appendTransaction(NewTransaction(TxWaiveCharges, on, pctx.BusinessDate, amount, ""))
	tx.TargetChargeID = chargeID
	tx.TargetInstallment = installmentNumber
	l.Status = next
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	l.postTransactionChecks(on)

	ch := newChanges()
	ch.Transaction = tx
	ch.Detail = detail
	ch.Fields["status"] = l.Status
	return ch, nil
}

// PayCharge posts an explicit charge-payment transaction.
func (l *Loan) PayCharge(pctx ProcessingContext, chargeID int64, installmentNumber int, on DateOf, amount Money) (*Changes, error) {
	c := l.FindCharge(chargeID)
	if c == nil {
		return nil, ErrChargeNotFound
	}
	next, err := l.guardStatus(EventRepaymentOrWaiver)
	if err != nil {
		return nil, err
	}
	if err := l.repaymentGuards(pctx, on); err != nil {
		return nil, err
	}

	tx := l.appendTransaction(NewTransaction(TxChargePayment, on, pctx.BusinessDate, amount, ""))
	tx.TargetChargeID = chargeID
	tx.TargetInstallment = installmentNumber
	l.Status = next
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	l.postTransactionChecks(on)

	ch := newChanges()
	ch.Transaction = tx
	ch.Detail = detail
	ch.Fields["status"] = l.Status
	return ch, nil
}

// ApplyOverdueCharges generates one penalty per overdue installment that
// does not already carry one, using the supplied penalty configuration.
// Driven by an explicit call so batch jobs own the cadence.
func (l *Loan) ApplyOverdueCharges(pctx ProcessingContext, graceDays int, calc ChargeCalculation, amountOrPct decimal.Decimal) (*Changes, error) {
	if l.Status != StatusActive {
		return nil, &StateError{Status: l.Status, Event: EventChargeAdded}
	}

	created := 0
	for _, inst := range l.Installments {
		if inst.Recalculation || !inst.IsOverdueOn(pctx.BusinessDate.AddDays(-graceDays)) {
			continue
		}
		if l.hasOverdueChargeFor(inst.Number) {
			continue
		}
		due := pctx.Calendar.ShiftToWorkingDay(inst.DueDate)
		l.nextChargeID++
		zero := ZeroMoney(l.Currency())
		c := &LoanCharge{
			ID: l.nextChargeID, Name: "overdue installment penalty",
			Time: ChargeOverdueFee, Calculation: calc, Penalty: true, Active: true,
			AmountOrPercentage: amountOrPct, DueDate: &due,
			Amount: zero, AmountPaid: zero, AmountWaived: zero, AmountWrittenOff: zero,
			OverdueInstallment: inst.Number,
		}
		if calc.IsPercentage() {
			base := c.percentageBase(inst.PrincipalExpected(), inst.Interest)
			c.Amount = c.applyCaps(base.MultipliedBy(amountOrPct.Div(decimal.NewFromInt(100))))
		} else {
			c.Amount = NewMoney(l.Currency(), amountOrPct)
		}
		l.Charges = append(l.Charges, c)
		created++
	}

	ch := newChanges()
	ch.Fields["overdueChargesApplied"] = created
	if created == 0 {
		return ch, nil
	}
	l.rebuildChargeExpectations()
	l.updateNetDisbursal()
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	ch.Detail = detail
	l.postTransactionChecks(pctx.BusinessDate)
	return ch, nil
}

func (l *Loan) hasOverdueChargeFor(installmentNumber int) bool {
	for _, c := range l.Charges {
		if c.Active && c.Time == ChargeOverdueFee && c.OverdueInstallment == installmentNumber {
			return true
		}
	}
	return false
}

// =============================================================================
// WRITE-OFF AND CLOSURE
// =============================================================================

// CloseAsWrittenOff forecloses all remaining outstanding into the
// written-off bucket as of the given date.
func (l *Loan) CloseAsWrittenOff(pctx ProcessingContext, on DateOf) (*Changes, error) {
	next, err := l.guardStatus(EventWriteOff)
	if err != nil {
		return nil, err
	}
	if err := l.guardNotFuture(pctx, on, "write_off_future_date"); err != nil {
		return nil, err
	}
	if err := l.guardNotBeforeDisbursement(on); err != nil {
		return nil, err
	}
	if last := l.lastTransactionDate(); !last.IsZero() && on.Before(last) {
		return nil, &TemporalError{Rule: "before_last_transaction", Date: on, Boundary: last}
	}

	amount := l.Summary.TotalOutstanding
	tx := l.appendTransaction(NewTransaction(TxWriteOff, on, pctx.BusinessDate, amount, ""))
	l.Status = next
	d := on
	l.WrittenOffOn = &d
	l.ClosedOn = &d
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}

	ch := newChanges()
	ch.Transaction = tx
	ch.Detail = detail
	ch.Fields["status"] = l.Status
	ch.Fields["writtenOffOnDate"] = on
	return ch, nil
}

// CloseAsRescheduled closes an active loan whose balance has been moved to a
// rescheduled account. The balance must already be settled; this operation
// only records the closure, it moves no money.
func (l *Loan) CloseAsRescheduled(pctx ProcessingContext, on DateOf) (*Changes, error) {
	next, err := l.guardStatus(EventRescheduled)
	if err != nil {
		return nil, err
	}
	if err := l.guardNotFuture(pctx, on, "close_future_date"); err != nil {
		return nil, err
	}
	if err := l.guardNotBeforeDisbursement(on); err != nil {
		return nil, err
	}
	if last := l.lastTransactionDate(); !last.IsZero() && on.Before(last) {
		return nil, &TemporalError{Rule: "before_last_transaction", Date: on, Boundary: last}
	}
	if l.Summary.TotalOutstanding.IsGreaterThanZero() {
		return nil, &ThresholdError{Rule: "outstanding_balance_remaining",
			Requested: ZeroMoney(l.Currency()), Limit: l.Summary.TotalOutstanding}
	}

	l.Status = next
	d := on
	l.ClosedOn = &d

	ch := newChanges()
	ch.Fields["status"] = l.Status
	ch.Fields["closedOnDate"] = on
	return ch, nil
}

// UndoWrittenOff reverses the write-off transaction and reopens the loan.
func (l *Loan) UndoWrittenOff(pctx ProcessingContext) (*Changes, error) {
	next, err := l.guardStatus(EventWriteOffUndone)
	if err != nil {
		return nil, err
	}
	var writeOff *LoanTransaction
	for idx := len(l.Transactions) - 1; idx >= 0; idx-- {
		if l.Transactions[idx].Type == TxWriteOff && !l.Transactions[idx].Reversed {
			writeOff = l.Transactions[idx]
			break
		}
	}
	if writeOff == nil {
		return nil, ErrTransactionNotFound
	}

	writeOff.Reverse(pctx.BusinessDate, GenerateExternalID())
	l.Status = next
	l.WrittenOffOn = nil
	l.ClosedOn = nil
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	l.postTransactionChecks(pctx.BusinessDate)

	ch := newChanges()
	ch.Transaction = writeOff
	ch.Detail = detail
	ch.Fields["status"] = l.Status
	return ch, nil
}

// Foreclose settles the loan early: the current period's interest, fee and
// penalty are prorated linearly by elapsed days and the schedule tail is
// replaced with one synthetic installment due on the settlement date.
// Forbidden when interest recalculation is enabled. Returns the settlement
// amount in the changes; the caller posts the settling repayment.
func (l *Loan) Foreclose(pctx ProcessingContext, on DateOf) (*Changes, error) {
	if l.Terms.InterestRecalculation {
		return nil, &StructuralError{Rule: "foreclosure_interest_recalculation", Message: "foreclosure is not supported with interest recalculation"}
	}
	if !CanTransition(l.Status, EventForeclosed) {
		return nil, &StateError{Status: l.Status, Event: EventForeclosed}
	}
	if err := l.guardNotFuture(pctx, on, "foreclosure_future_date"); err != nil {
		return nil, err
	}
	if err := l.guardNotBeforeDisbursement(on); err != nil {
		return nil, err
	}

	l.Installments = ForeclosureSchedule(l.Installments, on)
	// Charges falling due after the settlement date no longer apply.
	for _, c := range l.Charges {
		if c.Active && c.DueDate != nil && c.DueDate.After(on) {
			c.Active = false
		}
	}
	l.rebuildChargeExpectations()
	l.SubStatus = SubStatusForeclosed

	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	l.postTransactionChecks(on)

	ch := newChanges()
	ch.Detail = detail
	ch.Fields["subStatus"] = l.SubStatus
	ch.Fields["foreclosureAmount"] = l.Summary.TotalOutstanding
	return ch, nil
}

// ChargeOff marks the loan charged off as of the date; subsequent ledger
// postings bucket around this date. The loan keeps amortizing.
func (l *Loan) ChargeOff(pctx ProcessingContext, on DateOf) (*Changes, error) {
	if _, err := l.guardStatus(EventChargeOff); err != nil {
		return nil, err
	}
	if l.ChargedOffOn != nil {
		return nil, &StructuralError{Rule: "already_charged_off", Message: "loan is already charged off"}
	}
	if err := l.guardNotFuture(pctx, on, "charge_off_future_date"); err != nil {
		return nil, err
	}
	tx := l.appendTransaction(NewTransaction(TxChargeOff, on, pctx.BusinessDate, l.Summary.TotalOutstanding, ""))
	d := on
	l.ChargedOffOn = &d
	l.SubStatus = SubStatusChargedOff

	ch := newChanges()
	ch.Transaction = tx
	ch.Fields["chargedOffOnDate"] = on
	return ch, nil
}

// =============================================================================
// CHARGEBACK AND REFUNDS
// =============================================================================

// Chargeback disputes a prior repayment: the charged-back amount first
// consumes any overpayment, and the remainder reopens outstanding on the
// schedule tail. Status only re-transitions when obligations are no longer
// met.
func (l *Loan) Chargeback(pctx ProcessingContext, originalTxID int64, amount Money, on DateOf) (*Changes, error) {
	original := l.FindTransaction(originalTxID)
	if original == nil {
		return nil, ErrTransactionNotFound
	}
	if !original.IsRepaymentLike() {
		return nil, &TypeMismatchError{Expected: TxRepayment, Got: original.Type}
	}
	if original.Reversed {
		return nil, &StructuralError{Rule: "chargeback_reversed_transaction", Message: "cannot charge back a reversed transaction"}
	}
	if amount.IsGreaterThan(original.Amount) {
		return nil, &ThresholdError{Rule: "chargeback_exceeds_original", Requested: amount, Limit: original.Amount}
	}
	next, err := l.guardStatus(EventChargeback)
	if err != nil {
		return nil, err
	}
	if err := l.guardNotFuture(pctx, on, "chargeback_future_date"); err != nil {
		return nil, err
	}

	tx := l.appendTransaction(NewTransaction(TxChargeback, on, pctx.BusinessDate, amount, ""))
	tx.RelatedTransactionID = originalTxID
	l.Status = next
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	l.postTransactionChecks(on)

	ch := newChanges()
	ch.Transaction = tx
	ch.Detail = detail
	ch.Fields["status"] = l.Status
	return ch, nil
}

// CreditBalanceRefund pays an overpaid credit balance back to the borrower.
func (l *Loan) CreditBalanceRefund(pctx ProcessingContext, on DateOf, amount Money) (*Changes, error) {
	next, err := l.guardStatus(EventCreditBalanceRefund)
	if err != nil {
		return nil, err
	}
	if err := l.guardNotFuture(pctx, on, "refund_future_date"); err != nil {
		return nil, err
	}
	if amount.IsGreaterThan(l.Summary.TotalOverpaid) {
		return nil, &ThresholdError{Rule: "refund_exceeds_overpaid", Requested: amount, Limit: l.Summary.TotalOverpaid}
	}

	tx := l.appendTransaction(NewTransaction(TxCreditBalanceRefund, on, pctx.BusinessDate, amount, ""))
	l.Status = next
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	l.postTransactionChecks(on)

	ch := newChanges()
	ch.Transaction = tx
	ch.Detail = detail
	ch.Fields["status"] = l.Status
	return ch, nil
}

// Refund returns money on an active loan, backing out the most recent
// allocations after consuming any overpayment.
func (l *Loan) Refund(pctx ProcessingContext, on DateOf, amount Money) (*Changes, error) {
	if l.Status != StatusActive && l.Status != StatusOverpaid {
		return nil, &StateError{Status: l.Status, Event: EventRepaymentOrWaiver}
	}
	if err := l.repaymentGuards(pctx, on); err != nil {
		return nil, err
	}

	tx := l.appendTransaction(NewTransaction(TxRefund, on, pctx.BusinessDate, amount, ""))
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	l.postTransactionChecks(on)

	ch := newChanges()
	ch.Transaction = tx
	ch.Detail = detail
	ch.Fields["status"] = l.Status
	return ch, nil
}

// RefundCharge refunds part of a paid charge back to the borrower. The
// credit allocates against the schedule like a repayment; once posted, no
// repayment-like transaction may be created or reversed with an earlier
// date.
func (l *Loan) RefundCharge(pctx ProcessingContext, chargeID int64, on DateOf, amount Money) (*Changes, error) {
	c := l.FindCharge(chargeID)
	if c == nil {
		return nil, ErrChargeNotFound
	}
	next, err := l.guardStatus(EventRepaymentOrWaiver)
	if err != nil {
		return nil, err
	}
	if err := l.repaymentGuards(pctx, on); err != nil {
		return nil, err
	}
	if !amount.IsGreaterThanZero() {
		return nil, &ThresholdError{Rule: "non_positive_amount", Requested: amount, Limit: ZeroMoney(l.Currency())}
	}
	if amount.IsGreaterThan(c.AmountPaid) {
		return nil, &ThresholdError{Rule: "refund_exceeds_charge_paid", Requested: amount, Limit: c.AmountPaid}
	}

	tx := l.appendTransaction(NewTransaction(TxChargeRefund, on, pctx.BusinessDate, amount, ""))
	tx.TargetChargeID = chargeID
	l.Status = next
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	l.postTransactionChecks(on)

	ch := newChanges()
	ch.Transaction = tx
	ch.Detail = detail
	ch.Fields["status"] = l.Status
	return ch, nil
}

// =============================================================================
// REPROCESSING
// =============================================================================

// Reprocess replays the full transaction history and re-derives the
// summary and status. Safe to call repeatedly.
func (l *Loan) Reprocess(pctx ProcessingContext) (*Changes, error) {
	detail, err := l.reprocess(pctx)
	if err != nil {
		return nil, err
	}
	l.postTransactionChecks(pctx.BusinessDate)

	ch := newChanges()
	ch.Detail = detail
	ch.Fields["status"] = l.Status
	return ch, nil
}
