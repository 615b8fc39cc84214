package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// CashBasisLineVals is one line of a planned cash-basis transfer entry.
// SourceLineID links a transition-account leg back to the tax line it
// reverses so the pair can be reconciled.
type CashBasisLineVals struct {
	AccountID            int
	PartnerID            int
	CurrencyID           int
	Debit                decimal.Decimal
	Credit               decimal.Decimal
	AmountCurrency       decimal.Decimal
	TaxLineID            int
	TaxRepartitionLineID int
	TaxBaseAmount        decimal.Decimal
	TagIDs               []int
	Label                string
	SourceLineID         int
}

// CashBasisMoveVals is a planned journal entry moving the paid portion of
// deferred taxes off their transition accounts.
type CashBasisMoveVals struct {
	Date  time.Time
	Ref   string
	Lines []CashBasisLineVals
}

// PrepareCashBasisVals plans the tax transfer triggered by one partial
// payment against a document carrying payment-deferred taxes. paidAmount and
// totalAmount are both in company currency; their ratio is the paid fraction
// applied to every deferred tax line. Returns nil when nothing is deferred
// or the document total is zero.
func (r *Reconciler) PrepareCashBasisVals(move Move, moveLines []*LedgerLine, engine *TaxEngine, company Company, paidAmount, totalAmount decimal.Decimal, date time.Time) *CashBasisMoveVals {
	if totalAmount.IsZero() || paidAmount.IsZero() {
		return nil
	}
	fraction := paidAmount.Div(totalAmount).Abs()
	if fraction.GreaterThan(decimal.NewFromInt(1)) {
		fraction = decimal.NewFromInt(1)
	}

	companyCur := r.Currencies.Get(company.CurrencyID)
	vals := &CashBasisMoveVals{Date: date, Ref: move.Ref}
	for _, l := range moveLines {
		if l.TaxLineID == 0 || l.TaxRepartitionLineID == 0 {
			continue
		}
		tax, ok := engine.Tax(l.TaxLineID)
		if !ok || !tax.CashBasis() {
			continue
		}

		finalAccountID := 0
		for _, rep := range tax.RepartitionFor(move.IsRefund) {
			if rep.ID == l.TaxRepartitionLineID {
				finalAccountID = rep.AccountID
				break
			}
		}
		if finalAccountID == 0 {
			continue
		}

		lineCur := r.Currencies.Get(l.CurrencyID)
		portion := companyCur.Round(l.Balance().Mul(fraction))
		portionCur := lineCur.Round(l.AmountCurrency.Mul(fraction))
		portionBase := companyCur.Round(l.TaxBaseAmount.Mul(fraction))
		if companyCur.IsZero(portion) && lineCur.IsZero(portionCur) {
			continue
		}

		var debit, credit decimal.Decimal
		if portion.Sign() >= 0 {
			debit = portion
		} else {
			credit = portion.Neg()
		}

		// Reverse the paid fraction out of the transition account, then post
		// it on the tax's final account where it becomes exigible.
		vals.Lines = append(vals.Lines, CashBasisLineVals{
			AccountID:      l.AccountID,
			PartnerID:      l.PartnerID,
			CurrencyID:     l.CurrencyID,
			Debit:          credit,
			Credit:         debit,
			AmountCurrency: portionCur.Neg(),
			TaxBaseAmount:  portionBase,
			Label:          tax.Name,
			SourceLineID:   l.ID,
		})
		vals.Lines = append(vals.Lines, CashBasisLineVals{
			AccountID:            finalAccountID,
			PartnerID:            l.PartnerID,
			CurrencyID:           l.CurrencyID,
			Debit:                debit,
			Credit:               credit,
			AmountCurrency:       portionCur,
			TaxLineID:            l.TaxLineID,
			TaxRepartitionLineID: l.TaxRepartitionLineID,
			TaxBaseAmount:        portionBase,
			TagIDs:               l.TagIDs,
			Label:                tax.Name,
		})
	}

	if len(vals.Lines) == 0 {
		return nil
	}
	return vals
}
