package core_test

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tax-ledger/internal/core"
)

var (
	usd = core.Currency{ID: 1, Code: "USD", Symbol: "$", DecimalPlaces: 2, SymbolBefore: true}
	eur = core.Currency{ID: 2, Code: "EUR", Symbol: "€", DecimalPlaces: 2}
	jpy = core.Currency{ID: 3, Code: "JPY", Symbol: "¥", DecimalPlaces: 0, SymbolBefore: true}
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func testCompany() core.Company {
	return core.Company{
		ID:                 1,
		Code:               "MAIN",
		Name:               "Main Operations",
		CurrencyID:         usd.ID,
		ExchangeJournalID:  9,
		CashBasisJournalID: 8,
		GainAccountID:      71,
		LossAccountID:      81,
		TaxRounding:        core.RoundPerLine,
	}
}

func testAccounts() []core.Account {
	return []core.Account{
		{ID: 10, CompanyID: 1, Code: "1200", Name: "Accounts Receivable", Kind: core.AccountReceivable, Reconcilable: true},
		{ID: 20, CompanyID: 1, Code: "2000", Name: "Accounts Payable", Kind: core.AccountPayable, Reconcilable: true},
		{ID: 30, CompanyID: 1, Code: "1100", Name: "Bank", Kind: core.AccountLiquidity},
		{ID: 40, CompanyID: 1, Code: "4000", Name: "Sales Revenue", Kind: core.AccountIncome},
		{ID: 210, CompanyID: 1, Code: "2100", Name: "Tax Collected", Kind: core.AccountLiability},
		{ID: 211, CompanyID: 1, Code: "2110", Name: "Tax Collected (Await)", Kind: core.AccountLiability, Reconcilable: true},
		{ID: 71, CompanyID: 1, Code: "7100", Name: "Exchange Gain", Kind: core.AccountIncome},
		{ID: 81, CompanyID: 1, Code: "8100", Name: "Exchange Loss", Kind: core.AccountExpense},
	}
}

func testCurrencies(rates *core.MemoryRates) *core.CurrencyService {
	if rates == nil {
		rates = core.NewMemoryRates()
	}
	return core.NewCurrencyService([]core.Currency{usd, eur, jpy}, rates)
}

// percentTax builds a plain percent tax with the standard 100% base/tax
// repartition posting on the tax-collected account.
func percentTax(id int, amount string, opts ...func(*core.Tax)) core.Tax {
	t := core.Tax{
		ID:          id,
		CompanyID:   1,
		Name:        fmt.Sprintf("Tax %s%%", amount),
		Sequence:    id,
		AmountType:  core.AmountTypePercent,
		Amount:      d(amount),
		TaxGroupID:  1,
		Exigibility: core.ExigibleOnInvoice,
		InvoiceRepartition: []core.TaxRepartitionLine{
			{ID: id*100 + 1, Kind: core.RepartitionBase, Factor: d("100")},
			{ID: id*100 + 2, Kind: core.RepartitionTax, Factor: d("100"), AccountID: 210},
		},
		RefundRepartition: []core.TaxRepartitionLine{
			{ID: id*100 + 3, Kind: core.RepartitionBase, Factor: d("100")},
			{ID: id*100 + 4, Kind: core.RepartitionTax, Factor: d("100"), AccountID: 210},
		},
	}
	for _, o := range opts {
		o(&t)
	}
	return t
}

func priceIncluded(t *core.Tax) { t.PriceInclude = true }
func includesBase(t *core.Tax)  { t.IncludeBaseAmount = true }

func cashBasis(t *core.Tax) {
	t.Exigibility = core.ExigibleOnPayment
	t.TransitionAccountID = 211
}

func withSequence(seq int) func(*core.Tax) {
	return func(t *core.Tax) { t.Sequence = seq }
}

func baseLine(id int, qty, price string, taxIDs ...int) core.BusinessLine {
	return core.BusinessLine{
		ID:         id,
		Quantity:   d(qty),
		PriceUnit:  d(price),
		CurrencyID: usd.ID,
		TaxIDs:     taxIDs,
		CompanyID:  1,
		AccountID:  40,
		Kind:       core.DocSale,
		Date:       date("2026-03-01"),
	}
}
