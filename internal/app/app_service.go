package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tax-ledger/internal/core"
)

type appService struct {
	pool   *pgxpool.Pool
	ledger *core.Ledger
}

// NewAppService constructs an appService that satisfies ApplicationService.
func NewAppService(pool *pgxpool.Pool, ledger *core.Ledger) ApplicationService {
	return &appService{pool: pool, ledger: ledger}
}

func (s *appService) resolveCompanyID(ctx context.Context, q core.Querier, companyCode string) (int, error) {
	var id int
	err := q.QueryRow(ctx, "SELECT id FROM companies WHERE code = $1", companyCode).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("company %s not found", companyCode)
		}
		return 0, fmt.Errorf("failed to fetch company %s: %w", companyCode, err)
	}
	return id, nil
}

func (s *appService) resolveCurrencyID(ctx context.Context, q core.Querier, code string) (int, error) {
	var id int
	err := q.QueryRow(ctx, "SELECT id FROM currencies WHERE code = $1", code).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("currency %s not found", code)
		}
		return 0, fmt.Errorf("failed to fetch currency %s: %w", code, err)
	}
	return id, nil
}

// LoadCompany resolves a company by code.
func (s *appService) LoadCompany(ctx context.Context, companyCode string) (*core.Company, error) {
	companyID, err := s.resolveCompanyID(ctx, s.pool, companyCode)
	if err != nil {
		return nil, err
	}
	reg, err := core.LoadRegistry(ctx, s.pool, companyID)
	if err != nil {
		return nil, err
	}
	return &reg.Company, nil
}

// CreateDocument inserts a draft move with its base lines and the empty
// payment-term counterpart. Fiscal-position substitution happens here, at
// line creation: taxes are remapped and tax-included prices re-quoted under
// the substituted set.
func (s *appService) CreateDocument(ctx context.Context, req CreateDocumentRequest) (*DocumentResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	companyID, err := s.resolveCompanyID(ctx, tx, req.CompanyCode)
	if err != nil {
		return nil, err
	}
	reg, err := core.LoadRegistry(ctx, tx, companyID)
	if err != nil {
		return nil, err
	}

	var journalID int
	if err := tx.QueryRow(ctx,
		"SELECT id FROM journals WHERE company_id = $1 AND code = $2",
		companyID, req.JournalCode,
	).Scan(&journalID); err != nil {
		return nil, fmt.Errorf("journal %s not found: %w", req.JournalCode, err)
	}

	currencyID := reg.Company.CurrencyID
	if req.CurrencyCode != "" {
		if currencyID, err = s.resolveCurrencyID(ctx, tx, req.CurrencyCode); err != nil {
			return nil, err
		}
	}
	cur := reg.Currencies.Get(currencyID)

	fp, err := core.LoadFiscalPosition(ctx, tx, req.FiscalPositionID)
	if err != nil {
		return nil, err
	}

	kind := core.DocumentKind(req.Kind)
	var moveID int
	if err := tx.QueryRow(ctx, `
		INSERT INTO moves (company_id, journal_id, currency_id, date, state, ref, kind, is_refund)
		VALUES ($1, $2, $3, $4, 'draft', $5, $6, $7) RETURNING id
	`, companyID, journalID, currencyID, req.Date, req.Ref, string(kind), req.IsRefund).Scan(&moveID); err != nil {
		return nil, fmt.Errorf("failed to insert move: %w", err)
	}

	sign := core.DocumentSign(kind, req.IsRefund)
	for _, lineReq := range req.Lines {
		accountID, err := s.resolveAccountID(ctx, tx, companyID, lineReq.AccountCode)
		if err != nil {
			return nil, err
		}

		price := lineReq.PriceUnit
		if lineReq.PriceCurrencyCode != "" {
			priceCurrencyID, err := s.resolveCurrencyID(ctx, tx, lineReq.PriceCurrencyCode)
			if err != nil {
				return nil, err
			}
			price = reg.Engine.PriceUnitInCurrency(reg.Currencies, price, priceCurrencyID, currencyID, companyID, req.Date)
		}
		taxIDs := lineReq.TaxIDs
		if fp != nil {
			price = reg.Engine.AdjustPriceForFiscalPosition(price, taxIDs, fp, cur, req.IsRefund)
			taxIDs = fp.MapTaxIDs(taxIDs)
		}

		comp := reg.Engine.ComputeLineTaxes(core.BusinessLine{
			Quantity:        lineReq.Quantity,
			PriceUnit:       price,
			DiscountPercent: lineReq.DiscountPercent,
			CurrencyID:      currencyID,
			TaxIDs:          taxIDs,
			IsRefund:        req.IsRefund,
		}, cur, reg.Company.TaxRounding, false)

		amountCur := comp.TotalExcluded.Mul(sign)
		balance := reg.Currencies.Convert(amountCur, currencyID, reg.Company.CurrencyID, companyID, req.Date)
		debit, credit := decimal.Zero, decimal.Zero
		if balance.Sign() >= 0 {
			debit = balance
		} else {
			credit = balance.Neg()
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_lines (
				move_id, company_id, account_id, partner_id, date, label,
				debit, credit, quantity, price_unit, discount_percent,
				currency_id, amount_currency, tax_ids
			) VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, moveID, companyID, accountID, req.PartnerID, req.Date, lineReq.Label,
			debit, credit, lineReq.Quantity, price, lineReq.DiscountPercent,
			currencyID, amountCur, taxIDs); err != nil {
			return nil, fmt.Errorf("failed to insert document line: %w", err)
		}
	}

	if req.TermAccountCode != "" {
		termAccountID, err := s.resolveAccountID(ctx, tx, companyID, req.TermAccountCode)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_lines (
				move_id, company_id, account_id, partner_id, date, date_maturity, label,
				debit, credit, currency_id, amount_currency
			) VALUES ($1, $2, $3, NULLIF($4, 0), $5, $5, $6, 0, 0, $7, 0)
		`, moveID, companyID, termAccountID, req.PartnerID, req.Date, req.Ref, currencyID); err != nil {
			return nil, fmt.Errorf("failed to insert payment-term line: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return s.GetDocument(ctx, moveID)
}

func (s *appService) resolveAccountID(ctx context.Context, q core.Querier, companyID int, code string) (int, error) {
	var id int
	err := q.QueryRow(ctx,
		"SELECT id FROM accounts WHERE company_id = $1 AND code = $2", companyID, code,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("account %s not found", code)
		}
		return 0, fmt.Errorf("failed to fetch account %s: %w", code, err)
	}
	return id, nil
}

// PostDocument posts the draft and returns the refreshed document.
func (s *appService) PostDocument(ctx context.Context, moveID int) (*DocumentResult, error) {
	if err := s.ledger.PostDocument(ctx, moveID); err != nil {
		return nil, err
	}
	return s.GetDocument(ctx, moveID)
}

// GetDocument returns a document with its lines and the display totals
// recomputed from its persisted tax lines.
func (s *appService) GetDocument(ctx context.Context, moveID int) (*DocumentResult, error) {
	move, lines, err := s.ledger.LoadDocument(ctx, moveID)
	if err != nil {
		return nil, err
	}
	reg, err := core.LoadRegistry(ctx, s.pool, move.CompanyID)
	if err != nil {
		return nil, err
	}

	sign := core.DocumentSign(move.Kind, move.IsRefund)
	contribs := reg.Totals.ContributionsFromTaxLines(lines, sign)
	untaxed := decimal.Zero
	for _, l := range lines {
		if l.TaxRepartitionLineID != 0 {
			continue
		}
		if len(l.TaxIDs) == 0 && l.Quantity.IsZero() {
			// payment-term counterpart
			continue
		}
		untaxed = untaxed.Add(l.AmountCurrency.Mul(sign))
	}
	totals := reg.Totals.AggregateTaxTotals(contribs, untaxed, reg.Currencies.Get(move.CurrencyID))

	res := &DocumentResult{Move: move, Totals: &totals}
	for _, l := range lines {
		res.Lines = append(res.Lines, *l)
	}
	return res, nil
}

// PreviewTaxes computes display totals for unsaved lines.
func (s *appService) PreviewTaxes(ctx context.Context, req PreviewRequest) (*core.TaxTotals, error) {
	companyID, err := s.resolveCompanyID(ctx, s.pool, req.CompanyCode)
	if err != nil {
		return nil, err
	}
	reg, err := core.LoadRegistry(ctx, s.pool, companyID)
	if err != nil {
		return nil, err
	}

	currencyID := reg.Company.CurrencyID
	if req.CurrencyCode != "" {
		if currencyID, err = s.resolveCurrencyID(ctx, s.pool, req.CurrencyCode); err != nil {
			return nil, err
		}
	}

	business := make([]core.BusinessLine, 0, len(req.Lines))
	for _, lineReq := range req.Lines {
		price := lineReq.PriceUnit
		if lineReq.PriceCurrencyCode != "" {
			priceCurrencyID, err := s.resolveCurrencyID(ctx, s.pool, lineReq.PriceCurrencyCode)
			if err != nil {
				return nil, err
			}
			price = reg.Engine.PriceUnitInCurrency(reg.Currencies, price, priceCurrencyID, currencyID, companyID, req.Date)
		}
		business = append(business, core.BusinessLine{
			Quantity:        lineReq.Quantity,
			PriceUnit:       price,
			DiscountPercent: lineReq.DiscountPercent,
			CurrencyID:      currencyID,
			TaxIDs:          lineReq.TaxIDs,
			Kind:            core.DocumentKind(req.Kind),
			IsRefund:        req.IsRefund,
			Date:            req.Date,
		})
	}

	contribs, untaxed := reg.Totals.ContributionsFromLines(business, reg.Currencies, reg.Company)
	totals := reg.Totals.AggregateTaxTotals(contribs, untaxed, reg.Currencies.Get(currencyID))
	return &totals, nil
}

// Reconcile matches the given ledger lines against each other.
func (s *appService) Reconcile(ctx context.Context, lineIDs []int, opts core.ReconcileOptions) (*core.ReconcileResult, error) {
	return s.ledger.Reconcile(ctx, lineIDs, opts)
}

// Unreconcile reopens the given lines.
func (s *appService) Unreconcile(ctx context.Context, lineIDs []int) error {
	return s.ledger.Unreconcile(ctx, lineIDs)
}

// ListOpenItems returns the unreconciled lines of one account, oldest first.
func (s *appService) ListOpenItems(ctx context.Context, companyCode, accountCode string) (*OpenItemsResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.id, COALESCE(m.ref, ''), COALESCE(l.partner_id, 0),
		       l.date, COALESCE(l.date_maturity, l.date), cu.code,
		       l.amount_residual, l.amount_residual_currency
		FROM ledger_lines l
		JOIN moves m ON m.id = l.move_id
		JOIN accounts a ON a.id = l.account_id
		JOIN companies c ON c.id = l.company_id
		JOIN currencies cu ON cu.id = l.currency_id
		WHERE c.code = $1 AND a.code = $2
		  AND m.state = 'posted' AND NOT l.reconciled
		  AND l.amount_residual <> 0
		ORDER BY COALESCE(l.date_maturity, l.date), l.id
	`, companyCode, accountCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query open items: %w", err)
	}
	defer rows.Close()

	res := &OpenItemsResult{CompanyCode: companyCode, AccountCode: accountCode}
	for rows.Next() {
		var item OpenItem
		if err := rows.Scan(&item.LineID, &item.MoveRef, &item.PartnerID,
			&item.Date, &item.DateMaturity, &item.CurrencyCode,
			&item.AmountResidual, &item.AmountResidualCurrency); err != nil {
			return nil, fmt.Errorf("failed to scan open item: %w", err)
		}
		res.Items = append(res.Items, item)
	}
	return res, rows.Err()
}
