package app

import (
	"time"

	"github.com/shopspring/decimal"

	"tax-ledger/internal/core"
)

// DocumentResult is returned by document lifecycle operations.
type DocumentResult struct {
	Move   core.Move
	Lines  []core.LedgerLine
	Totals *core.TaxTotals
}

// OpenItem is one unreconciled line with its remaining amounts.
type OpenItem struct {
	LineID                 int
	MoveRef                string
	PartnerID              int
	Date                   time.Time
	DateMaturity           time.Time
	CurrencyCode           string
	AmountResidual         decimal.Decimal
	AmountResidualCurrency decimal.Decimal
}

// OpenItemsResult is returned by ListOpenItems.
type OpenItemsResult struct {
	CompanyCode string
	AccountCode string
	Items       []OpenItem
}
