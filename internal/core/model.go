package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountKind string

const (
	AccountReceivable AccountKind = "receivable"
	AccountPayable    AccountKind = "payable"
	AccountLiquidity  AccountKind = "liquidity"
	AccountAsset      AccountKind = "asset"
	AccountLiability  AccountKind = "liability"
	AccountEquity     AccountKind = "equity"
	AccountIncome     AccountKind = "income"
	AccountExpense    AccountKind = "expense"
)

type Account struct {
	ID           int         `json:"id"`
	CompanyID    int         `json:"company_id"`
	Code         string      `json:"code"`
	Name         string      `json:"name"`
	Kind         AccountKind `json:"kind"`
	Reconcilable bool        `json:"reconcilable"`
}

// ReceivablePayable reports whether the account tracks open customer or
// vendor balances, which is what drives the foreign-currency pivot during
// reconciliation.
func (a Account) ReceivablePayable() bool {
	return a.Kind == AccountReceivable || a.Kind == AccountPayable
}

type Partner struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// RoundingMode selects when tax amounts are rounded to currency precision:
// on every line as it is computed, or once per tax group at aggregation time.
type RoundingMode string

const (
	RoundPerLine  RoundingMode = "round_per_line"
	RoundGlobally RoundingMode = "round_globally"
)

type Company struct {
	ID                 int          `json:"id"`
	Code               string       `json:"code"`
	Name               string       `json:"name"`
	CurrencyID         int          `json:"currency_id"`
	ExchangeJournalID  int          `json:"exchange_journal_id"`
	CashBasisJournalID int          `json:"cash_basis_journal_id"`
	GainAccountID      int          `json:"gain_account_id"`
	LossAccountID      int          `json:"loss_account_id"`
	FiscalLockDate     time.Time    `json:"fiscal_lock_date"`
	TaxRounding        RoundingMode `json:"tax_rounding"`
}

type Journal struct {
	ID        int    `json:"id"`
	CompanyID int    `json:"company_id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
}

// DocumentKind tells the tax engine which side of the ledger a document
// feeds and which repartition profile applies.
type DocumentKind string

const (
	DocSale     DocumentKind = "sale"
	DocPurchase DocumentKind = "purchase"
	DocNone     DocumentKind = ""
)

type TaxAmountType string

const (
	AmountTypePercent  TaxAmountType = "percent"
	AmountTypeFixed    TaxAmountType = "fixed"
	AmountTypeDivision TaxAmountType = "division"
	AmountTypeGroup    TaxAmountType = "group"
)

type RepartitionKind string

const (
	RepartitionBase RepartitionKind = "base"
	RepartitionTax  RepartitionKind = "tax"
)

// TaxRepartitionLine splits one tax's effect across target accounts and
// report tags. Factor is a percentage: the factors of a tax's "tax" lines
// sum to 100 for a plain tax.
type TaxRepartitionLine struct {
	ID        int             `json:"id"`
	Kind      RepartitionKind `json:"kind"`
	Factor    decimal.Decimal `json:"factor"`
	AccountID int             `json:"account_id"` // 0 = post on the base line's account
	TagIDs    []int           `json:"tag_ids"`
}

// TaxExigibility says when the tax becomes due: at invoicing time, or only
// once the invoice is paid (cash basis).
type TaxExigibility string

const (
	ExigibleOnInvoice TaxExigibility = "on_invoice"
	ExigibleOnPayment TaxExigibility = "on_payment"
)

type Tax struct {
	ID                  int             `json:"id"`
	CompanyID           int             `json:"company_id"`
	Name                string          `json:"name"`
	Sequence            int             `json:"sequence"`
	AmountType          TaxAmountType   `json:"amount_type"`
	Amount              decimal.Decimal `json:"amount"` // percent value, or fixed amount per unit
	PriceInclude        bool            `json:"price_include"`
	IncludeBaseAmount   bool            `json:"include_base_amount"`
	TaxGroupID          int             `json:"tax_group_id"`
	Exigibility         TaxExigibility  `json:"exigibility"`
	TransitionAccountID int             `json:"transition_account_id"` // cash-basis transition account
	Analytic            bool            `json:"analytic"`
	ChildTaxIDs         []int           `json:"child_tax_ids"` // only for AmountTypeGroup
	InvoiceRepartition  []TaxRepartitionLine
	RefundRepartition   []TaxRepartitionLine
}

// RepartitionFor picks the invoice or refund repartition side.
func (t Tax) RepartitionFor(isRefund bool) []TaxRepartitionLine {
	if isRefund {
		return t.RefundRepartition
	}
	return t.InvoiceRepartition
}

// CashBasis reports whether the tax is deferred until payment.
func (t Tax) CashBasis() bool {
	return t.Exigibility == ExigibleOnPayment
}

// FiscalPosition substitutes taxes based on the partner's jurisdiction.
// A tax absent from TaxMap passes through unchanged; a tax mapped to an
// empty slice is removed.
type FiscalPosition struct {
	ID     int           `json:"id"`
	Name   string        `json:"name"`
	TaxMap map[int][]int `json:"tax_map"`
}

// MapTaxIDs applies the substitution to an ordered tax set, preserving
// order and dropping duplicates introduced by the mapping.
func (fp *FiscalPosition) MapTaxIDs(taxIDs []int) []int {
	if fp == nil || len(fp.TaxMap) == 0 {
		return taxIDs
	}
	var out []int
	seen := make(map[int]bool)
	appendID := func(id int) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range taxIDs {
		mapped, ok := fp.TaxMap[id]
		if !ok {
			appendID(id)
			continue
		}
		for _, m := range mapped {
			appendID(m)
		}
	}
	return out
}

type TaxGroup struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	Sequence          int    `json:"sequence"`
	PrecedingSubtotal string `json:"preceding_subtotal"` // "" = default bucket
}

type MoveState string

const (
	MoveDraft     MoveState = "draft"
	MovePosted    MoveState = "posted"
	MoveCancelled MoveState = "cancelled"
)

type Move struct {
	ID         int          `json:"id"`
	CompanyID  int          `json:"company_id"`
	JournalID  int          `json:"journal_id"`
	CurrencyID int          `json:"currency_id"`
	Date       time.Time    `json:"date"`
	State      MoveState    `json:"state"`
	Ref        string       `json:"ref"`
	Kind       DocumentKind `json:"kind"`
	IsRefund   bool         `json:"is_refund"`
}

// BusinessLine is the uniform view of one priced row of a business document
// (invoice line, order line, POS line) or of one already-persisted tax line.
// A line with TaxRepartitionLineID != 0 is an existing tax line; everything
// else carrying taxes is a base line.
type BusinessLine struct {
	ID              int             `json:"id"` // ledger line id, 0 for unsaved lines
	Quantity        decimal.Decimal `json:"quantity"`
	PriceUnit       decimal.Decimal `json:"price_unit"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	CurrencyID      int             `json:"currency_id"`
	TaxIDs          []int           `json:"tax_ids"` // ordered
	CompanyID       int             `json:"company_id"`
	AccountID       int             `json:"account_id"`
	PartnerID       int             `json:"partner_id"`
	Kind            DocumentKind    `json:"kind"`
	IsRefund        bool            `json:"is_refund"`
	Date            time.Time       `json:"date"`

	AnalyticAccountID int   `json:"analytic_account_id"`
	AnalyticTagIDs    []int `json:"analytic_tag_ids"`

	// Fields carried only by existing tax lines.
	TaxRepartitionLineID int             `json:"tax_repartition_line_id"`
	TaxLineID            int             `json:"tax_line_id"` // originating tax (the group tax if any)
	TagIDs               []int           `json:"tag_ids"`
	TaxBaseAmount        decimal.Decimal `json:"tax_base_amount"`
	Amount               decimal.Decimal `json:"amount"` // tax amount in the line's currency
}

// IsTaxLine reports whether the line is a persisted tax line rather than a
// priced base line.
func (b BusinessLine) IsTaxLine() bool {
	return b.TaxRepartitionLineID != 0
}

// PriceAfterDiscount is the unit price with the discount percent applied,
// unrounded.
func (b BusinessLine) PriceAfterDiscount() decimal.Decimal {
	if b.DiscountPercent.IsZero() {
		return b.PriceUnit
	}
	factor := decimal.NewFromInt(1).Sub(b.DiscountPercent.Div(decimal.NewFromInt(100)))
	return b.PriceUnit.Mul(factor)
}

// LedgerLine is a persisted journal item. Debit and credit are in company
// currency and mutually exclusive; AmountCurrency is the amount in the
// line's own currency (equal to the balance when the line is in company
// currency). Residual amounts shrink as partials consume the line.
type LedgerLine struct {
	ID           int             `json:"id"`
	MoveID       int             `json:"move_id"`
	MoveState    MoveState       `json:"move_state"`
	CompanyID    int             `json:"company_id"`
	AccountID    int             `json:"account_id"`
	PartnerID    int             `json:"partner_id"`
	Date         time.Time       `json:"date"`
	DateMaturity time.Time       `json:"date_maturity"` // zero = use Date
	Label        string          `json:"label"`
	Debit        decimal.Decimal `json:"debit"`
	Credit       decimal.Decimal `json:"credit"`

	Quantity        decimal.Decimal `json:"quantity"`
	PriceUnit       decimal.Decimal `json:"price_unit"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`

	CurrencyID     int             `json:"currency_id"`
	AmountCurrency decimal.Decimal `json:"amount_currency"`

	AmountResidual         decimal.Decimal `json:"amount_residual"`
	AmountResidualCurrency decimal.Decimal `json:"amount_residual_currency"`

	TaxIDs               []int           `json:"tax_ids"`
	TaxLineID            int             `json:"tax_line_id"`
	TaxRepartitionLineID int             `json:"tax_repartition_line_id"`
	TaxBaseAmount        decimal.Decimal `json:"tax_base_amount"`
	TagIDs               []int           `json:"tag_ids"`
	AnalyticAccountID    int             `json:"analytic_account_id"`
	AnalyticTagIDs       []int           `json:"analytic_tag_ids"`

	Reconciled      bool `json:"reconciled"`
	FullReconcileID int  `json:"full_reconcile_id"`
	IsPayment       bool `json:"is_payment"`
}

// Balance is debit − credit in company currency.
func (l *LedgerLine) Balance() decimal.Decimal {
	return l.Debit.Sub(l.Credit)
}

// EffectiveDate is the maturity date when set, else the accounting date.
func (l *LedgerLine) EffectiveDate() time.Time {
	if !l.DateMaturity.IsZero() {
		return l.DateMaturity
	}
	return l.Date
}

// PartialReconcile links one debit line and one credit line with a matched
// amount in company currency and in each line's own currency.
type PartialReconcile struct {
	ID                   int             `json:"id"`
	DebitLineID          int             `json:"debit_line_id"`
	CreditLineID         int             `json:"credit_line_id"`
	Amount               decimal.Decimal `json:"amount"` // company currency, positive
	DebitAmountCurrency  decimal.Decimal `json:"debit_amount_currency"`
	CreditAmountCurrency decimal.Decimal `json:"credit_amount_currency"`
	ExchangeMoveID       int             `json:"exchange_move_id"`
}

// FullReconcile closes a set of lines whose residuals all reached zero.
type FullReconcile struct {
	ID             int    `json:"id"`
	Name           string `json:"name"` // uuid reference
	ExchangeMoveID int    `json:"exchange_move_id"`
	PartialIDs     []int  `json:"partial_ids"`
	LineIDs        []int  `json:"line_ids"`
}
