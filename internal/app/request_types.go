package app

import (
	"time"

	"github.com/shopspring/decimal"
)

// DocumentLineRequest is one priced row of a document being created.
// PriceCurrencyCode is the currency PriceUnit is quoted in when it differs
// from the document currency; the price is converted at the document date.
type DocumentLineRequest struct {
	AccountCode       string
	Label             string
	Quantity          decimal.Decimal
	PriceUnit         decimal.Decimal
	PriceCurrencyCode string // empty = document currency
	DiscountPercent   decimal.Decimal
	TaxIDs            []int
}

// CreateDocumentRequest creates a draft document move.
type CreateDocumentRequest struct {
	CompanyCode      string
	JournalCode      string
	Kind             string // "sale", "purchase" or ""
	IsRefund         bool
	CurrencyCode     string // empty = company currency
	Date             time.Time
	Ref              string
	PartnerID        int
	FiscalPositionID int    // 0 = none
	TermAccountCode  string // receivable/payable counterpart account
	Lines            []DocumentLineRequest
}

// PreviewRequest computes display totals for unsaved lines.
type PreviewRequest struct {
	CompanyCode  string
	Kind         string
	IsRefund     bool
	CurrencyCode string
	Date         time.Time
	Lines        []DocumentLineRequest
}
