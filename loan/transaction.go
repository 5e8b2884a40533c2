/*
transaction.go - Immutable-once-posted monetary events

PURPOSE:
  A LoanTransaction records one monetary or non-monetary event against the
  loan. Once posted it is never edited except for reversal metadata and the
  processor-owned derived fields (component breakdown, schedule mappings,
  charge-paid-by links), which are reset and refilled on every replay.

CRITICAL INVARIANTS:
  1. REVERSAL, NOT DELETION: a reversed transaction keeps its row for audit
     but is excluded from every reconciliation pass and its mappings are
     cleared
  2. MANUAL-ADJUSTMENT LATCH: once ManuallyAdjusted is set, the processor
     never implicitly auto-adjusts the transaction again
  3. COMPONENT SUM: principal + interest + fee + penalty + overpayment
     portions always sum to the transaction amount after allocation

SEE ALSO:
  - processor.go: Fills the derived fields during replay
  - account.go: Creates and reverses transactions
*/
package loan

// =============================================================================
// LINK ROWS
// =============================================================================

// ChargePaidBy links a transaction to a charge it paid (or waived), with the
// per-installment share for installment fees.
type ChargePaidBy struct {
	ChargeID          int64
	InstallmentNumber int // 0 when the charge is not per-installment
	Amount            Money
	Penalty           bool
}

// ScheduleMapping records which installment each component portion of a
// transaction was applied to. A transaction covering several installments is
// logically split through these rows without duplicating the transaction.
type ScheduleMapping struct {
	InstallmentNumber int
	Principal         Money
	Interest          Money
	Fee               Money
	Penalty           Money
}

func (m ScheduleMapping) Total() Money {
	return m.Principal.Plus(m.Interest).Plus(m.Fee).Plus(m.Penalty)
}

// =============================================================================
// LOAN TRANSACTION
// =============================================================================

type LoanTransaction struct {
	ID          int64
	ExternalID  string
	Type        TransactionType
	Date        DateOf
	SubmittedOn DateOf
	Amount      Money

	// Derived component breakdown, owned by the processor
	PrincipalPortion    Money
	InterestPortion     Money
	FeePortion          Money
	PenaltyPortion      Money
	OverpaymentPortion  Money
	UnrecognizedIncome  Money
	OutstandingBalance  Money // loan principal balance snapshot after this transaction

	Reversed         bool
	ReversedOn       *DateOf
	ReversalExternal string
	ManuallyAdjusted bool

	PaidCharges []ChargePaidBy
	Mappings    []ScheduleMapping

	// RelatedTransactionID points a chargeback at the repayment it disputes,
	// or an adjustment at the transaction it replaced.
	RelatedTransactionID int64

	// TargetChargeID / TargetInstallment identify the charge a
	// charge-payment or charge-waiver transaction settles. They are posted
	// facts, not derived fields, so replay can re-resolve the target.
	TargetChargeID    int64
	TargetInstallment int
}

// NewTransaction creates an unposted transaction; the aggregate assigns the
// id when appending.
func NewTransaction(txType TransactionType, date DateOf, submittedOn DateOf, amount Money, externalID string) *LoanTransaction {
	if externalID == "" {
		externalID = GenerateExternalID()
	}
	zero := amount.Zero()
	return &LoanTransaction{
		ExternalID: externalID, Type: txType, Date: date, SubmittedOn: submittedOn,
		Amount:             amount,
		PrincipalPortion:   zero,
		InterestPortion:    zero,
		FeePortion:         zero,
		PenaltyPortion:     zero,
		OverpaymentPortion: zero,
		UnrecognizedIncome: zero,
		OutstandingBalance: zero,
	}
}

// =============================================================================
// PREDICATES
// =============================================================================

func (t *LoanTransaction) IsRepaymentLike() bool { return t.Type.IsRepaymentLike() }
func (t *LoanTransaction) IsNonMonetary() bool   { return t.Type.IsNonMonetary() }

// CountsForReprocessing reports whether the processor replays this
// transaction: posted, monetary, and not a disbursement/contra entry.
func (t *LoanTransaction) CountsForReprocessing() bool {
	if t.Reversed || t.IsNonMonetary() {
		return false
	}
	return t.Type != TxDisbursement
}

// =============================================================================
// DERIVED-FIELD LIFECYCLE
// =============================================================================

// ResetDerived clears the processor-owned breakdown before re-allocation.
func (t *LoanTransaction) ResetDerived() {
	zero := t.Amount.Zero()
	t.PrincipalPortion, t.InterestPortion = zero, zero
	t.FeePortion, t.PenaltyPortion = zero, zero
	t.OverpaymentPortion, t.UnrecognizedIncome = zero, zero
	t.PaidCharges = t.PaidCharges[:0]
	t.Mappings = t.Mappings[:0]
}

// AddComponents accumulates allocated portions.
func (t *LoanTransaction) AddComponents(principal, interest, fee, penalty Money) {
	t.PrincipalPortion = t.PrincipalPortion.Plus(principal)
	t.InterestPortion = t.InterestPortion.Plus(interest)
	t.FeePortion = t.FeePortion.Plus(fee)
	t.PenaltyPortion = t.PenaltyPortion.Plus(penalty)
}

// MapToInstallment records (or merges) a schedule mapping row.
func (t *LoanTransaction) MapToInstallment(number int, principal, interest, fee, penalty Money) {
	for idx := range t.Mappings {
		if t.Mappings[idx].InstallmentNumber == number {
			m := &t.Mappings[idx]
			m.Principal = m.Principal.Plus(principal)
			m.Interest = m.Interest.Plus(interest)
			m.Fee = m.Fee.Plus(fee)
			m.Penalty = m.Penalty.Plus(penalty)
			return
		}
	}
	t.Mappings = append(t.Mappings, ScheduleMapping{
		InstallmentNumber: number,
		Principal:         principal, Interest: interest, Fee: fee, Penalty: penalty,
	})
}

// Reverse marks the transaction logically cancelled. Mappings are cleared
// immediately so a reversed transaction can never leak into derived totals.
func (t *LoanTransaction) Reverse(on DateOf, reversalExternalID string) {
	t.Reversed = true
	d := on
	t.ReversedOn = &d
	t.ReversalExternal = reversalExternalID
	t.ManuallyAdjusted = true
	t.Mappings = nil
	t.PaidCharges = nil
}

// componentSnapshot captures the allocation-relevant derived state for
// change detection across a replay pass.
type componentSnapshot struct {
	principal, interest, fee, penalty, overpayment Money
	mappings                                       int
}

func (t *LoanTransaction) snapshot() componentSnapshot {
	return componentSnapshot{
		principal:   t.PrincipalPortion,
		interest:    t.InterestPortion,
		fee:         t.FeePortion,
		penalty:     t.PenaltyPortion,
		overpayment: t.OverpaymentPortion,
		mappings:    len(t.Mappings),
	}
}

func (s componentSnapshot) equal(o componentSnapshot) bool {
	return s.principal.IsEqualTo(o.principal) &&
		s.interest.IsEqualTo(o.interest) &&
		s.fee.IsEqualTo(o.fee) &&
		s.penalty.IsEqualTo(o.penalty) &&
		s.overpayment.IsEqualTo(o.overpayment) &&
		s.mappings == o.mappings
}
