/*
processor.go - Transaction reprocessing strategy

PURPOSE:
  The Processor allocates monetary transactions against outstanding schedule
  installments. It is the replay engine: given the full ordered list of
  non-reversed post-disbursement transactions, the live installment list and
  the active charges, it resets all derived state and re-derives every
  allocation from scratch.

ALLOCATION ORDER:
  The order components are satisfied in (principal first vs interest first,
  etc.) is a closed set of values, not a hierarchy of strategy classes - the
  algorithm is written once and parameterized by the order. Installments are
  always walked chronologically, earliest-unpaid first; within one
  installment the order decides which component the money lands on.

IDEMPOTENCE:
  HandleTransaction is idempotent given the same inputs: every pass starts
  by resetting installment, charge, and transaction derived state, so
  running it twice on an unmodified list produces identical allocations.
  This is what makes re-invocation after adding a charge, undoing a
  disbursement, or regenerating a schedule safe.

SPECIAL EVENTS:
  - write-off: moves all remaining outstanding into written-off buckets
  - refund: consumes overpayment first, then backs out the latest
    allocations in reverse order
  - chargeback: consumes pre-transaction overpayment first; the remainder
    reopens principal on the tail installment

SEE ALSO:
  - installment.go: The clamped component mutators
  - account.go: Decides when a replay is triggered
*/
package loan

import "sort"

// =============================================================================
// ALLOCATION ORDER
// =============================================================================

type AllocationOrder string

const (
	// OrderPrincipalInterestPenaltyFee is the default product strategy.
	OrderPrincipalInterestPenaltyFee AllocationOrder = "principal_interest_penalty_fee"
	OrderInterestPrincipalPenaltyFee AllocationOrder = "interest_principal_penalty_fee"
	OrderPenaltyFeeInterestPrincipal AllocationOrder = "penalty_fee_interest_principal"
)

type component int

const (
	compPrincipal component = iota
	compInterest
	compFee
	compPenalty
)

// sequence returns the component priority for this order. Unknown codes fall
// back to the default strategy so a bad product configuration degrades
// deterministically instead of dropping allocations.
func (o AllocationOrder) sequence() [4]component {
	switch o {
	case OrderInterestPrincipalPenaltyFee:
		return [4]component{compInterest, compPrincipal, compPenalty, compFee}
	case OrderPenaltyFeeInterestPrincipal:
		return [4]component{compPenalty, compFee, compInterest, compPrincipal}
	default:
		return [4]component{compPrincipal, compInterest, compPenalty, compFee}
	}
}

// ResolveOrder maps a product strategy code to an allocation order.
func ResolveOrder(code string) AllocationOrder {
	switch AllocationOrder(code) {
	case OrderInterestPrincipalPenaltyFee, OrderPenaltyFeeInterestPrincipal:
		return AllocationOrder(code)
	default:
		return OrderPrincipalInterestPenaltyFee
	}
}

// =============================================================================
// CHANGED TRANSACTION DETAIL
// =============================================================================

// ChangedTransactionDetail reports which transactions a replay pass
// re-allocated, keyed by transaction id, plus the final overpayment balance.
// The caller merges these into its persistence/audit flow.
type ChangedTransactionDetail struct {
	Changed            map[int64]*LoanTransaction
	OverpaymentBalance Money
}

// =============================================================================
// PROCESSOR
// =============================================================================

type Processor struct {
	Order AllocationOrder
}

func NewProcessor(order AllocationOrder) *Processor {
	return &Processor{Order: order}
}

// HandleTransaction replays the full transaction list against the schedule.
// txs must be the loan's complete transaction list; reversed, non-monetary
// and disbursement entries are filtered here. installments and charges are
// mutated in place.
func (p *Processor) HandleTransaction(disbursementDate DateOf, txs []*LoanTransaction, currency Currency, installments []*Installment, charges []*LoanCharge) (*ChangedTransactionDetail, error) {
	if disbursementDate.IsZero() {
		return nil, &StructuralError{Rule: "disbursement_date_required", Message: "cannot reprocess transactions without a disbursement date"}
	}

	relevant := make([]*LoanTransaction, 0, len(txs))
	for _, tx := range txs {
		if tx.CountsForReprocessing() {
			relevant = append(relevant, tx)
		}
	}
	// Chronological order, ties broken by id ascending (insertion order).
	// This ordering is load-bearing: an earlier-dated repayment must claim
	// the earliest installment regardless of posting order.
	sort.SliceStable(relevant, func(a, b int) bool {
		if relevant[a].Date.Equal(relevant[b].Date) {
			return relevant[a].ID < relevant[b].ID
		}
		return relevant[a].Date.Before(relevant[b].Date)
	})

	before := make(map[int64]componentSnapshot, len(relevant))
	for _, tx := range relevant {
		before[tx.ID] = tx.snapshot()
	}

	for _, inst := range installments {
		inst.ResetDerived()
	}
	for _, c := range charges {
		c.ResetDerived()
	}

	st := &replayState{
		currency:     currency,
		installments: installments,
		charges:      charges,
		overpayment:  ZeroMoney(currency),
		balance:      scheduledPrincipal(currency, installments),
	}

	for _, tx := range relevant {
		if err := p.replayOne(tx, st); err != nil {
			return nil, err
		}
		tx.OutstandingBalance = st.balance
	}

	detail := &ChangedTransactionDetail{
		Changed:            make(map[int64]*LoanTransaction),
		OverpaymentBalance: st.overpayment,
	}
	for _, tx := range relevant {
		if !tx.snapshot().equal(before[tx.ID]) {
			detail.Changed[tx.ID] = tx
		}
	}
	return detail, nil
}

// ApplyLatest allocates a single chronologically-latest repayment-like
// transaction onto the current derived state without a full replay. This is
// the fast path account.go takes when the new transaction is trivially the
// latest and exactly covers the current period's outstanding; its
// preconditions are checked by the caller. Returns the updated overpayment
// balance.
func (p *Processor) ApplyLatest(tx *LoanTransaction, currency Currency, installments []*Installment, charges []*LoanCharge, overpayment Money) Money {
	balance := ZeroMoney(currency)
	for _, inst := range installments {
		balance = balance.Plus(inst.PrincipalOutstanding())
	}
	st := &replayState{
		currency:     currency,
		installments: installments,
		charges:      charges,
		overpayment:  overpayment,
		balance:      balance,
	}
	tx.ResetDerived()
	p.processRepayment(tx, st)
	tx.OutstandingBalance = st.balance
	return st.overpayment
}

type replayState struct {
	currency     Currency
	installments []*Installment
	charges      []*LoanCharge
	overpayment  Money
	balance      Money // principal outstanding after the current transaction
}

func scheduledPrincipal(currency Currency, installments []*Installment) Money {
	total := ZeroMoney(currency)
	for _, inst := range installments {
		total = total.Plus(inst.Principal)
	}
	return total
}

func (p *Processor) replayOne(tx *LoanTransaction, st *replayState) error {
	tx.ResetDerived()

	switch {
	case tx.Type == TxRepaymentAtDisbursement:
		p.payDisbursementCharges(tx, st)
	case tx.Type == TxChargePayment:
		p.processChargePayment(tx, st)
	case tx.Type.IsRepaymentLike():
		p.processRepayment(tx, st)
	case tx.Type == TxWaiveInterest:
		p.processInterestWaiver(tx, st)
	case tx.Type == TxWaiveCharges:
		p.processChargeWaiver(tx, st)
	case tx.Type == TxWriteOff:
		p.processWriteOff(tx, st)
	case tx.Type == TxRecoveryRepayment:
		// Recovery against a written-off loan never touches the schedule;
		// the summary reports it as recovered.
	case tx.Type == TxRefund:
		p.processRefund(tx, st)
	case tx.Type == TxChargeback:
		p.processChargeback(tx, st)
	case tx.Type == TxCreditBalanceRefund:
		tx.OverpaymentPortion = tx.Amount
		st.overpayment = st.overpayment.Minus(tx.Amount).ClampZero()
	default:
		return &TypeMismatchError{Expected: TxRepayment, Got: tx.Type}
	}
	return nil
}

// =============================================================================
// REPAYMENT ALLOCATION
// =============================================================================

// processRepayment distributes the amount across components in strategy
// order, clamping each component to its outstanding and carrying the
// remainder forward across installments. The target order uses due-date
// window semantics: the installment whose window covers the transaction
// date comes first, then later installments (paying ahead), then any
// earlier installments still unpaid. Anything left after every installment
// is satisfied becomes overpayment.
func (p *Processor) processRepayment(tx *LoanTransaction, st *replayState) {
	remaining := tx.Amount
	seq := p.Order.sequence()

	for _, inst := range allocationTargets(st.installments, tx.Date) {
		if !remaining.IsGreaterThanZero() {
			break
		}
		if inst.ObligationsMet {
			continue
		}
		zero := remaining.Zero()
		principal, interest, fee, penalty := zero, zero, zero, zero

		for _, comp := range seq {
			if !remaining.IsGreaterThanZero() {
				break
			}
			switch comp {
			case compPrincipal:
				applied := inst.PayPrincipal(tx.Date, remaining)
				principal = principal.Plus(applied)
				remaining = remaining.Minus(applied)
			case compInterest:
				applied := inst.PayInterest(tx.Date, remaining)
				interest = interest.Plus(applied)
				remaining = remaining.Minus(applied)
			case compFee:
				applied := inst.PayFee(tx.Date, remaining)
				fee = fee.Plus(applied)
				remaining = remaining.Minus(applied)
				p.linkPaidCharges(tx, inst, applied, false, st)
			case compPenalty:
				applied := inst.PayPenalty(tx.Date, remaining)
				penalty = penalty.Plus(applied)
				remaining = remaining.Minus(applied)
				p.linkPaidCharges(tx, inst, applied, true, st)
			}
		}

		if principal.Plus(interest).Plus(fee).Plus(penalty).IsGreaterThanZero() {
			tx.AddComponents(principal, interest, fee, penalty)
			tx.MapToInstallment(inst.Number, principal, interest, fee, penalty)
		}
	}

	if remaining.IsGreaterThanZero() {
		tx.OverpaymentPortion = remaining
		st.overpayment = st.overpayment.Plus(remaining)
	}
	st.balance = st.balance.Minus(tx.PrincipalPortion).ClampZero()
}

// linkPaidCharges distributes a fee/penalty allocation on one installment
// across the charges due in that period, recording charge-paid-by rows.
func (p *Processor) linkPaidCharges(tx *LoanTransaction, inst *Installment, amount Money, penalty bool, st *replayState) {
	remaining := amount
	firstPeriod := inst.Number == 1
	for _, c := range st.charges {
		if !remaining.IsGreaterThanZero() {
			break
		}
		if !c.Active || c.Penalty != penalty || c.IsDueAtDisbursement() {
			continue
		}
		var applied Money
		switch {
		case c.IsInstallmentFee():
			applied = c.Pay(remaining, inst.Number)
		case c.IsDueInPeriod(inst.FromDate, inst.DueDate, firstPeriod) || c.Time == ChargeOverdueFee:
			applied = c.Pay(remaining, 0)
		default:
			continue
		}
		if applied.IsGreaterThanZero() {
			tx.PaidCharges = append(tx.PaidCharges, ChargePaidBy{
				ChargeID: c.ID, InstallmentNumber: inst.Number, Amount: applied, Penalty: penalty,
			})
			remaining = remaining.Minus(applied)
		}
	}
}

// =============================================================================
// CHARGE SETTLEMENT
// =============================================================================

// payDisbursementCharges settles due-at-disbursement charges. These charges
// live outside the schedule, so the transaction carries fee/penalty portions
// without installment mappings.
func (p *Processor) payDisbursementCharges(tx *LoanTransaction, st *replayState) {
	remaining := tx.Amount
	zero := remaining.Zero()
	fee, penalty := zero, zero
	for _, c := range st.charges {
		if !remaining.IsGreaterThanZero() {
			break
		}
		if !c.Active || !c.IsDueAtDisbursement() {
			continue
		}
		applied := c.Pay(remaining, 0)
		if !applied.IsGreaterThanZero() {
			continue
		}
		if c.Penalty {
			penalty = penalty.Plus(applied)
		} else {
			fee = fee.Plus(applied)
		}
		tx.PaidCharges = append(tx.PaidCharges, ChargePaidBy{ChargeID: c.ID, Amount: applied, Penalty: c.Penalty})
		remaining = remaining.Minus(applied)
	}
	tx.AddComponents(zero, zero, fee, penalty)
	if remaining.IsGreaterThanZero() {
		tx.OverpaymentPortion = remaining
		st.overpayment = st.overpayment.Plus(remaining)
	}
}

// processChargePayment settles one specific charge identified on the
// transaction, allocating the paid amount to the installment that carries
// the charge's share of the schedule.
func (p *Processor) processChargePayment(tx *LoanTransaction, st *replayState) {
	c := findCharge(st.charges, tx.TargetChargeID)
	if c == nil {
		return
	}
	applied := c.Pay(tx.Amount, tx.TargetInstallment)
	if !applied.IsGreaterThanZero() {
		return
	}
	tx.PaidCharges = append(tx.PaidCharges, ChargePaidBy{
		ChargeID: c.ID, InstallmentNumber: tx.TargetInstallment, Amount: applied, Penalty: c.Penalty,
	})

	inst := p.installmentForCharge(c, tx.TargetInstallment, st)
	zero := applied.Zero()
	if inst != nil {
		if c.Penalty {
			inst.PayPenalty(tx.Date, applied)
			tx.AddComponents(zero, zero, zero, applied)
			tx.MapToInstallment(inst.Number, zero, zero, zero, applied)
		} else {
			inst.PayFee(tx.Date, applied)
			tx.AddComponents(zero, zero, applied, zero)
			tx.MapToInstallment(inst.Number, zero, zero, applied, zero)
		}
	} else if c.Penalty {
		tx.AddComponents(zero, zero, zero, applied)
	} else {
		tx.AddComponents(zero, zero, applied, zero)
	}

	leftover := tx.Amount.Minus(applied)
	if leftover.IsGreaterThanZero() {
		tx.OverpaymentPortion = leftover
		st.overpayment = st.overpayment.Plus(leftover)
	}
}

// installmentForCharge locates the installment whose window carries the
// charge (explicit installment number for installment fees, due-date window
// otherwise).
func (p *Processor) installmentForCharge(c *LoanCharge, installmentNumber int, st *replayState) *Installment {
	if installmentNumber > 0 {
		for _, inst := range st.installments {
			if inst.Number == installmentNumber {
				return inst
			}
		}
		return nil
	}
	if c.DueDate == nil {
		return nil
	}
	for _, inst := range st.installments {
		if c.IsDueInPeriod(inst.FromDate, inst.DueDate, inst.Number == 1) {
			return inst
		}
	}
	return nil
}

// =============================================================================
// WAIVERS
// =============================================================================

func (p *Processor) processInterestWaiver(tx *LoanTransaction, st *replayState) {
	remaining := tx.Amount
	zero := remaining.Zero()
	for _, inst := range st.installments {
		if !remaining.IsGreaterThanZero() {
			break
		}
		waived := inst.WaiveInterest(tx.Date, remaining)
		if waived.IsGreaterThanZero() {
			tx.AddComponents(zero, waived, zero, zero)
			tx.MapToInstallment(inst.Number, zero, waived, zero, zero)
			remaining = remaining.Minus(waived)
		}
	}
	// Unallocatable waiver remainder is unrecognized income, never
	// overpayment - a waiver moves no money.
	if remaining.IsGreaterThanZero() {
		tx.UnrecognizedIncome = remaining
	}
}

func (p *Processor) processChargeWaiver(tx *LoanTransaction, st *replayState) {
	c := findCharge(st.charges, tx.TargetChargeID)
	if c == nil {
		return
	}
	waived := c.Waive(tx.TargetInstallment)
	if !waived.IsGreaterThanZero() {
		return
	}
	inst := p.installmentForCharge(c, tx.TargetInstallment, st)
	zero := waived.Zero()
	if inst != nil {
		if c.Penalty {
			inst.WaivePenalty(tx.Date, waived)
			tx.AddComponents(zero, zero, zero, waived)
			tx.MapToInstallment(inst.Number, zero, zero, zero, waived)
		} else {
			inst.WaiveFee(tx.Date, waived)
			tx.AddComponents(zero, zero, waived, zero)
			tx.MapToInstallment(inst.Number, zero, zero, waived, zero)
		}
	} else if c.Penalty {
		tx.AddComponents(zero, zero, zero, waived)
	} else {
		tx.AddComponents(zero, zero, waived, zero)
	}
}

// =============================================================================
// WRITE-OFF
// =============================================================================

// processWriteOff forecloses every remaining outstanding component into the
// written-off buckets as of the transaction date.
func (p *Processor) processWriteOff(tx *LoanTransaction, st *replayState) {
	zero := ZeroMoney(st.currency)
	totalP, totalI, totalF, totalPen := zero, zero, zero, zero
	for _, inst := range st.installments {
		pr, in, fe, pe := inst.WriteOffOutstanding(tx.Date)
		written := pr.Plus(in).Plus(fe).Plus(pe)
		if written.IsGreaterThanZero() {
			tx.MapToInstallment(inst.Number, pr, in, fe, pe)
		}
		totalP, totalI = totalP.Plus(pr), totalI.Plus(in)
		totalF, totalPen = totalF.Plus(fe), totalPen.Plus(pe)
	}
	tx.AddComponents(totalP, totalI, totalF, totalPen)
	st.balance = st.balance.Minus(totalP).ClampZero()
}

// =============================================================================
// REFUND
// =============================================================================

// processRefund pays money back to the borrower: overpayment balance is
// consumed first; any remainder backs out the most recent allocations,
// walking installments latest-first and components in reverse strategy
// order.
func (p *Processor) processRefund(tx *LoanTransaction, st *replayState) {
	remaining := tx.Amount

	fromOverpayment := remaining.Min(st.overpayment)
	if fromOverpayment.IsGreaterThanZero() {
		st.overpayment = st.overpayment.Minus(fromOverpayment)
		tx.OverpaymentPortion = fromOverpayment
		remaining = remaining.Minus(fromOverpayment)
	}

	seq := p.Order.sequence()
	for idx := len(st.installments) - 1; idx >= 0 && remaining.IsGreaterThanZero(); idx-- {
		inst := st.installments[idx]
		zero := remaining.Zero()
		principal, interest, fee, penalty := zero, zero, zero, zero

		for s := len(seq) - 1; s >= 0 && remaining.IsGreaterThanZero(); s-- {
			switch seq[s] {
			case compPrincipal:
				applied := remaining.Min(inst.PrincipalPaid)
				pr, _, _, _ := inst.UnpayComponents(applied, zero, zero, zero)
				principal = principal.Plus(pr)
				remaining = remaining.Minus(pr)
			case compInterest:
				applied := remaining.Min(inst.InterestPaid)
				_, in, _, _ := inst.UnpayComponents(zero, applied, zero, zero)
				interest = interest.Plus(in)
				remaining = remaining.Minus(in)
			case compFee:
				applied := remaining.Min(inst.FeePaid)
				_, _, fe, _ := inst.UnpayComponents(zero, zero, applied, zero)
				fee = fee.Plus(fe)
				remaining = remaining.Minus(fe)
			case compPenalty:
				applied := remaining.Min(inst.PenaltyPaid)
				_, _, _, pe := inst.UnpayComponents(zero, zero, zero, applied)
				penalty = penalty.Plus(pe)
				remaining = remaining.Minus(pe)
			}
		}

		backedOut := principal.Plus(interest).Plus(fee).Plus(penalty)
		if backedOut.IsGreaterThanZero() {
			tx.AddComponents(principal, interest, fee, penalty)
			tx.MapToInstallment(inst.Number, principal, interest, fee, penalty)
		}
	}
	st.balance = st.balance.Plus(tx.PrincipalPortion)
}

// =============================================================================
// CHARGEBACK
// =============================================================================

// processChargeback treats a prior repayment as reversed-in-effect. The
// pre-transaction overpayment absorbs what it can; the remainder reopens
// principal outstanding on the tail installment, so
// outstanding increase == amount - min(amount, pre-transaction overpayment).
func (p *Processor) processChargeback(tx *LoanTransaction, st *replayState) {
	consumed := tx.Amount.Min(st.overpayment)
	st.overpayment = st.overpayment.Minus(consumed)
	tx.OverpaymentPortion = consumed

	remainder := tx.Amount.Minus(consumed)
	if !remainder.IsGreaterThanZero() {
		return
	}

	tail := tailInstallment(st.installments)
	if tail == nil {
		return
	}
	tail.AddChargebackPrincipal(remainder)
	zero := remainder.Zero()
	tx.PrincipalPortion = tx.PrincipalPortion.Plus(remainder)
	tx.MapToInstallment(tail.Number, remainder, zero, zero, zero)
	st.balance = st.balance.Plus(remainder)
}

// allocationTargets orders installments for repayment allocation: the
// installment whose due window covers the date first, then later
// installments chronologically, then earlier installments chronologically.
// Recalculation periods keep their list position.
func allocationTargets(installments []*Installment, date DateOf) []*Installment {
	target := InstallmentForDate(installments, date)
	if target == nil {
		return installments
	}
	ordered := make([]*Installment, 0, len(installments))
	var earlier []*Installment
	for _, inst := range installments {
		if inst.Number < target.Number {
			earlier = append(earlier, inst)
		} else {
			ordered = append(ordered, inst)
		}
	}
	return append(ordered, earlier...)
}

func tailInstallment(installments []*Installment) *Installment {
	for idx := len(installments) - 1; idx >= 0; idx-- {
		if !installments[idx].Recalculation {
			return installments[idx]
		}
	}
	return nil
}

func findCharge(charges []*LoanCharge, id int64) *LoanCharge {
	for _, c := range charges {
		if c.ID == id {
			return c
		}
	}
	return nil
}
