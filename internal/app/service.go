package app

import (
	"context"

	"tax-ledger/internal/core"
)

// ApplicationService is the single interface all callers (CLI tools, future
// transports) use. It decouples presentation from the engine. Implementations
// must contain no fmt.Println and no display logic of any kind.
type ApplicationService interface {
	// LoadCompany resolves a company by code.
	LoadCompany(ctx context.Context, companyCode string) (*core.Company, error)

	// CreateDocument creates a DRAFT document move with its base lines and
	// an empty payment-term counterpart. Taxes are not synchronized yet.
	CreateDocument(ctx context.Context, req CreateDocumentRequest) (*DocumentResult, error)

	// PostDocument synchronizes a draft document's tax lines, rebalances the
	// payment-term line, opens residuals and posts the move.
	PostDocument(ctx context.Context, moveID int) (*DocumentResult, error)

	// GetDocument returns a document with its lines and display totals.
	GetDocument(ctx context.Context, moveID int) (*DocumentResult, error)

	// PreviewTaxes computes the tax totals of unsaved lines, the quotation
	// path: nothing is persisted.
	PreviewTaxes(ctx context.Context, req PreviewRequest) (*core.TaxTotals, error)

	// Reconcile matches the given ledger lines against each other.
	Reconcile(ctx context.Context, lineIDs []int, opts core.ReconcileOptions) (*core.ReconcileResult, error)

	// Unreconcile deletes every partial touching the given lines and reopens
	// their residuals.
	Unreconcile(ctx context.Context, lineIDs []int) error

	// ListOpenItems returns the unreconciled lines of one account with their
	// residuals, oldest first.
	ListOpenItems(ctx context.Context, companyCode, accountCode string) (*OpenItemsResult, error)
}
