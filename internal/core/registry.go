package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so
// loaders run the same inside and outside a transaction.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Registry bundles the per-company reference data every computation needs:
// the company itself, its currencies and rates, accounts, taxes and tax
// groups, assembled into ready-to-use services.
type Registry struct {
	Company    Company
	Currencies *CurrencyService
	Engine     *TaxEngine
	Syncer     *TaxSyncer
	Reconciler *Reconciler
	Totals     *TaxTotalsCalculator
	Accounts   map[int]Account
}

// LoadRegistry reads a company's reference data in one pass. Call it with
// the transaction the caller is working in so the computation sees its own
// uncommitted writes.
func LoadRegistry(ctx context.Context, q Querier, companyID int) (*Registry, error) {
	company, err := loadCompany(ctx, q, companyID)
	if err != nil {
		return nil, err
	}

	currencies, err := loadCurrencies(ctx, q)
	if err != nil {
		return nil, err
	}
	rates, err := loadRates(ctx, q, companyID)
	if err != nil {
		return nil, err
	}
	accounts, err := loadAccounts(ctx, q, companyID)
	if err != nil {
		return nil, err
	}
	groups, err := loadTaxGroups(ctx, q)
	if err != nil {
		return nil, err
	}
	taxes, err := loadTaxes(ctx, q, companyID)
	if err != nil {
		return nil, err
	}

	currencyService := NewCurrencyService(currencies, rates)
	engine := NewTaxEngine(taxes)
	reg := &Registry{
		Company:    company,
		Currencies: currencyService,
		Engine:     engine,
		Syncer:     NewTaxSyncer(engine, currencyService),
		Reconciler: NewReconciler(currencyService, accounts),
		Totals:     NewTaxTotalsCalculator(engine, groups),
		Accounts:   make(map[int]Account, len(accounts)),
	}
	for _, a := range accounts {
		reg.Accounts[a.ID] = a
	}
	return reg, nil
}

func loadCompany(ctx context.Context, q Querier, companyID int) (Company, error) {
	var c Company
	err := q.QueryRow(ctx, `
		SELECT id, code, name, currency_id,
		       COALESCE(exchange_journal_id, 0),
		       COALESCE(cash_basis_journal_id, 0),
		       COALESCE(gain_account_id, 0),
		       COALESCE(loss_account_id, 0),
		       COALESCE(fiscal_lock_date, '0001-01-01'::date),
		       tax_rounding
		FROM companies WHERE id = $1
	`, companyID).Scan(&c.ID, &c.Code, &c.Name, &c.CurrencyID,
		&c.ExchangeJournalID, &c.CashBasisJournalID, &c.GainAccountID, &c.LossAccountID,
		&c.FiscalLockDate, &c.TaxRounding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, fmt.Errorf("company %d not found", companyID)
		}
		return c, fmt.Errorf("failed to fetch company %d: %w", companyID, err)
	}
	return c, nil
}

func loadCurrencies(ctx context.Context, q Querier) ([]Currency, error) {
	rows, err := q.Query(ctx, `
		SELECT id, code, symbol, decimal_places, symbol_before
		FROM currencies ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query currencies: %w", err)
	}
	defer rows.Close()

	var out []Currency
	for rows.Next() {
		var c Currency
		if err := rows.Scan(&c.ID, &c.Code, &c.Symbol, &c.DecimalPlaces, &c.SymbolBefore); err != nil {
			return nil, fmt.Errorf("failed to scan currency: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func loadRates(ctx context.Context, q Querier, companyID int) (*MemoryRates, error) {
	rows, err := q.Query(ctx, `
		SELECT currency_id, rate_date, rate
		FROM currency_rates WHERE company_id = $1 ORDER BY currency_id, rate_date
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query currency rates: %w", err)
	}
	defer rows.Close()

	rates := NewMemoryRates()
	for rows.Next() {
		var currencyID int
		var date time.Time
		var rate decimal.Decimal
		if err := rows.Scan(&currencyID, &date, &rate); err != nil {
			return nil, fmt.Errorf("failed to scan currency rate: %w", err)
		}
		rates.Add(currencyID, companyID, date, rate)
	}
	return rates, rows.Err()
}

func loadAccounts(ctx context.Context, q Querier, companyID int) ([]Account, error) {
	rows, err := q.Query(ctx, `
		SELECT id, company_id, code, name, kind, reconcilable
		FROM accounts WHERE company_id = $1 ORDER BY code
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.Code, &a.Name, &a.Kind, &a.Reconcilable); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func loadTaxGroups(ctx context.Context, q Querier) ([]TaxGroup, error) {
	rows, err := q.Query(ctx, `
		SELECT id, name, sequence, COALESCE(preceding_subtotal, '')
		FROM tax_groups ORDER BY sequence, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tax groups: %w", err)
	}
	defer rows.Close()

	var out []TaxGroup
	for rows.Next() {
		var g TaxGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Sequence, &g.PrecedingSubtotal); err != nil {
			return nil, fmt.Errorf("failed to scan tax group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// LoadFiscalPosition reads one fiscal position with its tax substitutions.
// Returns nil when id is zero so callers can pass an optional id through.
func LoadFiscalPosition(ctx context.Context, q Querier, id int) (*FiscalPosition, error) {
	if id == 0 {
		return nil, nil
	}
	fp := &FiscalPosition{TaxMap: make(map[int][]int)}
	err := q.QueryRow(ctx,
		"SELECT id, name FROM fiscal_positions WHERE id = $1", id,
	).Scan(&fp.ID, &fp.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("fiscal position %d not found", id)
		}
		return nil, fmt.Errorf("failed to fetch fiscal position %d: %w", id, err)
	}

	rows, err := q.Query(ctx, `
		SELECT src_tax_id, dst_tax_id
		FROM fiscal_position_taxes WHERE fiscal_position_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query fiscal position taxes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var src int
		var dst *int
		if err := rows.Scan(&src, &dst); err != nil {
			return nil, fmt.Errorf("failed to scan fiscal position tax: %w", err)
		}
		if _, ok := fp.TaxMap[src]; !ok {
			fp.TaxMap[src] = []int{}
		}
		if dst != nil {
			fp.TaxMap[src] = append(fp.TaxMap[src], *dst)
		}
	}
	return fp, rows.Err()
}

func loadTaxes(ctx context.Context, q Querier, companyID int) ([]Tax, error) {
	rows, err := q.Query(ctx, `
		SELECT id, company_id, name, sequence, amount_type, amount,
		       price_include, include_base_amount, tax_group_id, exigibility,
		       COALESCE(transition_account_id, 0), analytic,
		       COALESCE(child_tax_ids, '{}')
		FROM taxes WHERE company_id = $1 ORDER BY sequence, id
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query taxes: %w", err)
	}
	defer rows.Close()

	byID := make(map[int]*Tax)
	var order []int
	for rows.Next() {
		var t Tax
		if err := rows.Scan(&t.ID, &t.CompanyID, &t.Name, &t.Sequence, &t.AmountType,
			&t.Amount, &t.PriceInclude, &t.IncludeBaseAmount, &t.TaxGroupID,
			&t.Exigibility, &t.TransitionAccountID, &t.Analytic, &t.ChildTaxIDs); err != nil {
			return nil, fmt.Errorf("failed to scan tax: %w", err)
		}
		byID[t.ID] = &t
		order = append(order, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	repRows, err := q.Query(ctx, `
		SELECT r.id, r.tax_id, r.document_kind, r.kind, r.factor,
		       COALESCE(r.account_id, 0), COALESCE(r.tag_ids, '{}')
		FROM tax_repartition_lines r
		JOIN taxes t ON t.id = r.tax_id
		WHERE t.company_id = $1
		ORDER BY r.tax_id, r.sequence, r.id
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tax repartition lines: %w", err)
	}
	defer repRows.Close()

	for repRows.Next() {
		var rep TaxRepartitionLine
		var taxID int
		var documentKind string
		if err := repRows.Scan(&rep.ID, &taxID, &documentKind, &rep.Kind,
			&rep.Factor, &rep.AccountID, &rep.TagIDs); err != nil {
			return nil, fmt.Errorf("failed to scan tax repartition line: %w", err)
		}
		t, ok := byID[taxID]
		if !ok {
			continue
		}
		if documentKind == "refund" {
			t.RefundRepartition = append(t.RefundRepartition, rep)
		} else {
			t.InvoiceRepartition = append(t.InvoiceRepartition, rep)
		}
	}
	if err := repRows.Err(); err != nil {
		return nil, err
	}

	out := make([]Tax, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}
