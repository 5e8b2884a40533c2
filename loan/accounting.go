/*
accounting.go - Bridge data for the general ledger

PURPOSE:
  Produces a flattened, journal-entry-ready view of a loan's monetary
  transactions for an external accounting subsystem. The loan engine does
  not post journal entries itself; it hands over amounts already split
  into components so the ledger can apply product-specific account
  mappings.

CHARGE-OFF BUCKETING:
  Once a loan is charged off, accounting treatment differs for activity
  before, on, and after the charge-off date. Each exported row carries its
  bucket so downstream mapping rules stay table-driven.
*/
package loan

// ChargeOffBucket positions a transaction relative to the charge-off date.
type ChargeOffBucket string

const (
	BucketNotChargedOff   ChargeOffBucket = "not_charged_off"
	BucketBeforeChargeOff ChargeOffBucket = "before_charge_off"
	BucketOnChargeOff     ChargeOffBucket = "on_charge_off"
	BucketAfterChargeOff  ChargeOffBucket = "after_charge_off"
)

// TransactionAccountingData is one journal-ready transaction row.
type TransactionAccountingData struct {
	TransactionID      int64
	ExternalID         string
	Type               TransactionType
	Date               DateOf
	Amount             Money
	PrincipalPortion   Money
	InterestPortion    Money
	FeePortion         Money
	PenaltyPortion     Money
	OverpaymentPortion Money
	Reversed           bool
	ManuallyAdjusted   bool
	Bucket             ChargeOffBucket
}

// AccountingBridgeData is the full hand-off payload for one loan.
type AccountingBridgeData struct {
	LoanID        int64
	AccountNumber string
	Currency      Currency
	ChargedOffOn  *DateOf
	WrittenOff    bool
	Transactions  []TransactionAccountingData
}

// BuildAccountingBridgeData exports every monetary transaction with its
// charge-off bucket. Reversed transactions are included so the ledger can
// emit the offsetting entries.
func (l *Loan) BuildAccountingBridgeData() AccountingBridgeData {
	out := AccountingBridgeData{
		LoanID:        l.ID,
		AccountNumber: l.AccountNumber,
		Currency:      l.Currency(),
		ChargedOffOn:  l.ChargedOffOn,
		WrittenOff:    l.Status == StatusClosedWrittenOff,
	}
	for _, tx := range l.Transactions {
		if tx.IsNonMonetary() {
			continue
		}
		out.Transactions = append(out.Transactions, TransactionAccountingData{
			TransactionID:      tx.ID,
			ExternalID:         tx.ExternalID,
			Type:               tx.Type,
			Date:               tx.Date,
			Amount:             tx.Amount,
			PrincipalPortion:   tx.PrincipalPortion,
			InterestPortion:    tx.InterestPortion,
			FeePortion:         tx.FeePortion,
			PenaltyPortion:     tx.PenaltyPortion,
			OverpaymentPortion: tx.OverpaymentPortion,
			Reversed:           tx.Reversed,
			ManuallyAdjusted:   tx.ManuallyAdjusted,
			Bucket:             l.chargeOffBucket(tx.Date),
		})
	}
	return out
}

func (l *Loan) chargeOffBucket(date DateOf) ChargeOffBucket {
	if l.ChargedOffOn == nil {
		return BucketNotChargedOff
	}
	switch {
	case date.Before(*l.ChargedOffOn):
		return BucketBeforeChargeOff
	case date.Equal(*l.ChargedOffOn):
		return BucketOnChargeOff
	default:
		return BucketAfterChargeOff
	}
}
