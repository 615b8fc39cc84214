package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// LedgerService is the persistence surface of the engine: posting documents
// with synchronized tax lines, matching open items, and undoing matches.
type LedgerService interface {
	PostDocument(ctx context.Context, moveID int) error
	Reconcile(ctx context.Context, lineIDs []int, opts ReconcileOptions) (*ReconcileResult, error)
	Unreconcile(ctx context.Context, lineIDs []int) error
}

// ReconcileResult reports what one reconciliation pass persisted.
type ReconcileResult struct {
	PartialIDs        []int
	FullReconcileID   int
	FullReconcileName string
	ExchangeMoveID    int
	CashBasisMoveIDs  []int
}

type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// DocumentSign maps the document direction onto ledger signs: sale documents
// credit their revenue and tax lines, purchases debit them, refunds flip.
func DocumentSign(kind DocumentKind, isRefund bool) decimal.Decimal {
	sign := dec1
	if kind == DocSale {
		sign = sign.Neg()
	}
	if isRefund {
		sign = sign.Neg()
	}
	return sign
}

// LoadDocument returns a move with its ledger lines.
func (l *Ledger) LoadDocument(ctx context.Context, moveID int) (Move, []*LedgerLine, error) {
	move, err := loadMove(ctx, l.pool, moveID)
	if err != nil {
		return move, nil, err
	}
	lines, err := loadMoveLines(ctx, l.pool, moveID)
	if err != nil {
		return move, nil, err
	}
	return move, lines, nil
}

// Pool exposes the underlying connection pool for read-only lookups.
func (l *Ledger) Pool() *pgxpool.Pool {
	return l.pool
}

// PostDocument posts a draft move: recomputes and synchronizes its tax
// lines, rebalances the payment-term counterpart, opens residuals and flips
// the state, all in one transaction.
func (l *Ledger) PostDocument(ctx context.Context, moveID int) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := l.PostDocumentTx(ctx, tx, moveID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PostDocumentTx is PostDocument running inside a caller-owned transaction.
func (l *Ledger) PostDocumentTx(ctx context.Context, tx pgx.Tx, moveID int) error {
	move, err := loadMove(ctx, tx, moveID)
	if err != nil {
		return err
	}
	if move.State == MovePosted {
		return fmt.Errorf("move %d is already posted", moveID)
	}

	reg, err := LoadRegistry(ctx, tx, move.CompanyID)
	if err != nil {
		return err
	}

	lines, err := loadMoveLines(ctx, tx, moveID)
	if err != nil {
		return err
	}

	sign := DocumentSign(move.Kind, move.IsRefund)
	business := make([]BusinessLine, 0, len(lines))
	for _, line := range lines {
		if reg.Accounts[line.AccountID].ReceivablePayable() && line.TaxRepartitionLineID == 0 {
			// Payment-term counterpart, rebalanced after the sync.
			continue
		}
		business = append(business, businessLineFrom(line, move, sign))
	}

	syncRes := reg.Syncer.SyncTaxLines(business, reg.Company)
	if err := l.applyTaxSync(ctx, tx, reg, move, sign, syncRes); err != nil {
		return err
	}
	if err := l.syncPaymentTerm(ctx, tx, reg, move); err != nil {
		return err
	}

	// A posted move must balance exactly in company currency.
	var imbalance decimal.Decimal
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(debit - credit), 0) FROM ledger_lines WHERE move_id = $1",
		moveID,
	).Scan(&imbalance); err != nil {
		return fmt.Errorf("failed to check move balance: %w", err)
	}
	companyCur := reg.Currencies.Get(reg.Company.CurrencyID)
	if !companyCur.IsZero(imbalance) {
		return fmt.Errorf("move %d is unbalanced by %s", moveID, imbalance.String())
	}

	// Open residuals on lines that can be matched later.
	if _, err := tx.Exec(ctx, `
		UPDATE ledger_lines l SET
			amount_residual = l.debit - l.credit,
			amount_residual_currency = l.amount_currency
		FROM accounts a
		WHERE a.id = l.account_id AND l.move_id = $1 AND NOT l.reconciled
		  AND (a.reconcilable OR a.kind IN ('receivable', 'payable'))
	`, moveID); err != nil {
		return fmt.Errorf("failed to open residuals: %w", err)
	}

	totals := syncRes.TotalsByCurrency[move.CurrencyID]
	if _, err := tx.Exec(ctx, `
		UPDATE moves SET state = 'posted', amount_untaxed = $2, amount_tax = $3, amount_total = $4
		WHERE id = $1
	`, moveID, totals.AmountUntaxed, totals.AmountTax, totals.AmountUntaxed.Add(totals.AmountTax)); err != nil {
		return fmt.Errorf("failed to post move %d: %w", moveID, err)
	}
	return nil
}

func businessLineFrom(l *LedgerLine, move Move, sign decimal.Decimal) BusinessLine {
	return BusinessLine{
		ID:                   l.ID,
		Quantity:             l.Quantity,
		PriceUnit:            l.PriceUnit,
		DiscountPercent:      l.DiscountPercent,
		CurrencyID:           l.CurrencyID,
		TaxIDs:               l.TaxIDs,
		CompanyID:            l.CompanyID,
		AccountID:            l.AccountID,
		PartnerID:            l.PartnerID,
		Kind:                 move.Kind,
		IsRefund:             move.IsRefund,
		Date:                 move.Date,
		AnalyticAccountID:    l.AnalyticAccountID,
		AnalyticTagIDs:       l.AnalyticTagIDs,
		TaxRepartitionLineID: l.TaxRepartitionLineID,
		TaxLineID:            l.TaxLineID,
		TagIDs:               l.TagIDs,
		TaxBaseAmount:        l.TaxBaseAmount,
		Amount:               l.AmountCurrency.Mul(sign),
	}
}

// applyTaxSync persists a tax-line diff: deletes stale lines, retargets
// drifted ones and inserts the missing ones, converting document-positive
// amounts back into signed ledger balances.
func (l *Ledger) applyTaxSync(ctx context.Context, tx pgx.Tx, reg *Registry, move Move, sign decimal.Decimal, res TaxSyncResult) error {
	if len(res.ToDelete) > 0 {
		if _, err := tx.Exec(ctx, "DELETE FROM ledger_lines WHERE id = ANY($1)", res.ToDelete); err != nil {
			return fmt.Errorf("failed to delete stale tax lines: %w", err)
		}
	}

	for _, upd := range res.ToUpdate {
		amountCur := upd.Amount.Mul(sign)
		balance := reg.Currencies.Convert(amountCur, move.CurrencyID, reg.Company.CurrencyID, reg.Company.ID, move.Date)
		debit, credit := splitBalance(balance)
		if _, err := tx.Exec(ctx, `
			UPDATE ledger_lines
			SET debit = $2, credit = $3, amount_currency = $4, tax_base_amount = $5
			WHERE id = $1
		`, upd.LineID, debit, credit, amountCur, upd.TaxBaseAmount); err != nil {
			return fmt.Errorf("failed to update tax line %d: %w", upd.LineID, err)
		}
	}

	for _, vals := range res.ToCreate {
		amountCur := vals.Amount.Mul(sign)
		balance := reg.Currencies.Convert(amountCur, move.CurrencyID, reg.Company.CurrencyID, reg.Company.ID, move.Date)
		debit, credit := splitBalance(balance)
		label := ""
		if t, ok := reg.Engine.Tax(vals.TaxLineID); ok {
			label = t.Name
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_lines (
				move_id, company_id, account_id, partner_id, date, label,
				debit, credit, currency_id, amount_currency,
				tax_ids, tax_line_id, tax_repartition_line_id, tax_base_amount,
				tag_ids, analytic_account_id, analytic_tag_ids
			) VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULLIF($16, 0), $17)
		`, move.ID, reg.Company.ID, vals.AccountID, vals.PartnerID, move.Date, label,
			debit, credit, vals.CurrencyID, amountCur,
			vals.TaxIDs, vals.TaxLineID, vals.TaxRepartitionLineID, vals.TaxBaseAmount,
			vals.TagIDs, vals.AnalyticAccountID, vals.AnalyticTagIDs); err != nil {
			return fmt.Errorf("failed to insert tax line: %w", err)
		}
	}

	for _, upd := range res.BaseUpdates {
		if upd.LineID == 0 {
			continue
		}
		if _, err := tx.Exec(ctx,
			"UPDATE ledger_lines SET tag_ids = $2 WHERE id = $1",
			upd.LineID, upd.TagIDs); err != nil {
			return fmt.Errorf("failed to update base line %d: %w", upd.LineID, err)
		}
	}
	return nil
}

// syncPaymentTerm rebalances the receivable/payable counterpart so the move
// sums to zero after the tax lines moved.
func (l *Ledger) syncPaymentTerm(ctx context.Context, tx pgx.Tx, reg *Registry, move Move) error {
	lines, err := loadMoveLines(ctx, tx, move.ID)
	if err != nil {
		return err
	}

	var term *LedgerLine
	sumBalance := decimal.Zero
	sumCurrency := decimal.Zero
	for _, line := range lines {
		if reg.Accounts[line.AccountID].ReceivablePayable() && line.TaxRepartitionLineID == 0 {
			if term != nil {
				return fmt.Errorf("move %d has multiple payment-term lines", move.ID)
			}
			term = line
			continue
		}
		sumBalance = sumBalance.Add(line.Balance())
		sumCurrency = sumCurrency.Add(line.AmountCurrency)
	}
	if term == nil {
		return nil
	}

	debit, credit := splitBalance(sumBalance.Neg())
	if _, err := tx.Exec(ctx, `
		UPDATE ledger_lines SET debit = $2, credit = $3, amount_currency = $4
		WHERE id = $1
	`, term.ID, debit, credit, sumCurrency.Neg()); err != nil {
		return fmt.Errorf("failed to rebalance payment-term line %d: %w", term.ID, err)
	}
	return nil
}

func splitBalance(balance decimal.Decimal) (debit, credit decimal.Decimal) {
	if balance.Sign() >= 0 {
		return balance, decimal.Zero
	}
	return decimal.Zero, balance.Neg()
}

// Reconcile matches the given lines against each other: plans and persists
// the partials, books the exchange-difference entry owed to fully-matched
// foreign lines, transfers deferred taxes for the paid fraction, and closes
// the set with a full reconcile when every residual reached zero.
func (l *Ledger) Reconcile(ctx context.Context, lineIDs []int, opts ReconcileOptions) (*ReconcileResult, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := l.reconcileTx(ctx, tx, lineIDs, opts)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return res, nil
}

func (l *Ledger) reconcileTx(ctx context.Context, tx pgx.Tx, lineIDs []int, opts ReconcileOptions) (*ReconcileResult, error) {
	lines, err := loadLinesForUpdate(ctx, tx, lineIDs)
	if err != nil {
		return nil, err
	}
	res := &ReconcileResult{}
	if len(lines) == 0 {
		return res, nil
	}

	reg, err := LoadRegistry(ctx, tx, lines[0].CompanyID)
	if err != nil {
		return nil, err
	}
	if err := reg.Reconciler.ValidateReconciliation(lines); err != nil {
		return nil, err
	}

	plan := reg.Reconciler.PlanPartials(lines, reg.Company, opts)
	partialIDs, err := insertPartials(ctx, tx, plan.Partials, 0)
	if err != nil {
		return nil, err
	}
	res.PartialIDs = partialIDs
	if err := storeResiduals(ctx, tx, lines); err != nil {
		return nil, err
	}

	involved := lines
	if len(plan.ExchangeItems) > 0 && !opts.NoExchangeDifference {
		exchangeLines, moveID, err := l.bookExchangeDifference(ctx, tx, reg, plan.ExchangeItems)
		if err != nil {
			return nil, err
		}
		res.ExchangeMoveID = moveID
		involved = append(involved, exchangeLines...)
	}

	cashIDs, err := l.transferCashBasis(ctx, tx, reg, plan.Partials, lines)
	if err != nil {
		return nil, err
	}
	res.CashBasisMoveIDs = cashIDs

	if reg.Reconciler.FullReconcileCheck(involved, reg.Company) {
		fullID, name, err := closeFullReconcile(ctx, tx, involved, res.ExchangeMoveID)
		if err != nil {
			return nil, err
		}
		res.FullReconcileID = fullID
		res.FullReconcileName = name
	}
	return res, nil
}

// bookExchangeDifference creates the exchange-difference move and reconciles
// each offsetting leg back onto the line it corrects.
func (l *Ledger) bookExchangeDifference(ctx context.Context, tx pgx.Tx, reg *Registry, items []ExchangeDiffItem) ([]*LedgerLine, int, error) {
	vals, err := reg.Reconciler.PrepareExchangeDifferenceVals(items, reg.Company)
	if err != nil {
		return nil, 0, err
	}

	ref := fmt.Sprintf("Exchange difference %s", uuid.NewString())
	moveID, err := insertPostedMove(ctx, tx, reg.Company, vals.JournalID, reg.Company.CurrencyID, vals.Date, ref)
	if err != nil {
		return nil, 0, err
	}

	var exchangeLines []*LedgerLine
	for _, lineVals := range vals.Lines {
		reconcilable := lineVals.SourceLineID != 0
		newLine, err := insertExchangeLine(ctx, tx, reg.Company, moveID, vals.Date, lineVals, reconcilable)
		if err != nil {
			return nil, 0, err
		}
		if !reconcilable {
			continue
		}

		// Close the corrected line against its offsetting leg.
		var source *LedgerLine
		for _, item := range items {
			if item.Line.ID == lineVals.SourceLineID {
				source = item.Line
				break
			}
		}
		if source == nil {
			continue
		}
		pair := []*LedgerLine{source, newLine}
		subPlan := reg.Reconciler.PlanPartials(pair, reg.Company, ReconcileOptions{NoExchangeDifference: true})
		if _, err := insertPartials(ctx, tx, subPlan.Partials, moveID); err != nil {
			return nil, 0, err
		}
		if err := storeResiduals(ctx, tx, pair); err != nil {
			return nil, 0, err
		}
		exchangeLines = append(exchangeLines, newLine)
	}
	return exchangeLines, moveID, nil
}

// transferCashBasis books the paid fraction of deferred taxes out of their
// transition accounts, once per partial per document side.
func (l *Ledger) transferCashBasis(ctx context.Context, tx pgx.Tx, reg *Registry, partials []PartialVals, lines []*LedgerLine) ([]int, error) {
	byID := make(map[int]*LedgerLine, len(lines))
	for _, line := range lines {
		byID[line.ID] = line
	}

	var moveIDs []int
	for _, partial := range partials {
		for _, lineID := range []int{partial.DebitLineID, partial.CreditLineID} {
			termLine, ok := byID[lineID]
			if !ok || termLine.IsPayment {
				continue
			}
			move, err := loadMove(ctx, tx, termLine.MoveID)
			if err != nil {
				return nil, err
			}
			moveLines, err := loadMoveLines(ctx, tx, move.ID)
			if err != nil {
				return nil, err
			}

			total := termLine.Balance().Abs()
			vals := reg.Reconciler.PrepareCashBasisVals(move, moveLines, reg.Engine, reg.Company, partial.Amount, total, move.Date)
			if vals == nil {
				continue
			}
			if reg.Company.CashBasisJournalID == 0 {
				return nil, fmt.Errorf("%w: configure a cash-basis journal on company %s", ErrExchangeConfig, reg.Company.Name)
			}

			cabaMoveID, err := l.bookCashBasisMove(ctx, tx, reg, vals, moveLines)
			if err != nil {
				return nil, err
			}
			moveIDs = append(moveIDs, cabaMoveID)
		}
	}
	return moveIDs, nil
}

func (l *Ledger) bookCashBasisMove(ctx context.Context, tx pgx.Tx, reg *Registry, vals *CashBasisMoveVals, moveLines []*LedgerLine) (int, error) {
	ref := fmt.Sprintf("Cash basis transfer for %s", vals.Ref)
	moveID, err := insertPostedMove(ctx, tx, reg.Company, reg.Company.CashBasisJournalID, reg.Company.CurrencyID, vals.Date, ref)
	if err != nil {
		return 0, err
	}

	byID := make(map[int]*LedgerLine, len(moveLines))
	for _, line := range moveLines {
		byID[line.ID] = line
	}

	for _, lineVals := range vals.Lines {
		var newID int
		err := tx.QueryRow(ctx, `
			INSERT INTO ledger_lines (
				move_id, company_id, account_id, partner_id, date, label,
				debit, credit, currency_id, amount_currency,
				amount_residual, amount_residual_currency,
				tax_line_id, tax_repartition_line_id, tax_base_amount, tag_ids
			) VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6, $7, $8, $9, $10, $11, $12,
			          NULLIF($13, 0), NULLIF($14, 0), $15, $16)
			RETURNING id
		`, moveID, reg.Company.ID, lineVals.AccountID, lineVals.PartnerID, vals.Date, lineVals.Label,
			lineVals.Debit, lineVals.Credit, lineVals.CurrencyID, lineVals.AmountCurrency,
			lineVals.Debit.Sub(lineVals.Credit), lineVals.AmountCurrency,
			lineVals.TaxLineID, lineVals.TaxRepartitionLineID, lineVals.TaxBaseAmount, lineVals.TagIDs).Scan(&newID)
		if err != nil {
			return 0, fmt.Errorf("failed to insert cash-basis line: %w", err)
		}

		// The transition reversal closes against the original deferred line.
		source, ok := byID[lineVals.SourceLineID]
		if !ok {
			continue
		}
		newLine := &LedgerLine{
			ID:                     newID,
			MoveID:                 moveID,
			MoveState:              MovePosted,
			CompanyID:              reg.Company.ID,
			AccountID:              lineVals.AccountID,
			PartnerID:              lineVals.PartnerID,
			Date:                   vals.Date,
			Debit:                  lineVals.Debit,
			Credit:                 lineVals.Credit,
			CurrencyID:             lineVals.CurrencyID,
			AmountCurrency:         lineVals.AmountCurrency,
			AmountResidual:         lineVals.Debit.Sub(lineVals.Credit),
			AmountResidualCurrency: lineVals.AmountCurrency,
		}
		pair := []*LedgerLine{source, newLine}
		subPlan := reg.Reconciler.PlanPartials(pair, reg.Company, ReconcileOptions{NoExchangeDifference: true})
		if _, err := insertPartials(ctx, tx, subPlan.Partials, 0); err != nil {
			return 0, err
		}
		if err := storeResiduals(ctx, tx, pair); err != nil {
			return 0, err
		}
	}
	return moveID, nil
}

// Unreconcile deletes every partial touching the given lines, reopens the
// affected residuals and reverses the exchange-difference entries the
// deleted partials had produced.
func (l *Ledger) Unreconcile(ctx context.Context, lineIDs []int) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, debit_line_id, credit_line_id,
		       COALESCE(exchange_move_id, 0), COALESCE(full_reconcile_id, 0)
		FROM partial_reconciles
		WHERE debit_line_id = ANY($1) OR credit_line_id = ANY($1)
		FOR UPDATE
	`, lineIDs)
	if err != nil {
		return fmt.Errorf("failed to query partials: %w", err)
	}

	var partialIDs []int
	affected := make(map[int]bool)
	exchangeMoves := make(map[int]bool)
	fullIDs := make(map[int]bool)
	for rows.Next() {
		var id, debitID, creditID, exchangeID, fullID int
		if err := rows.Scan(&id, &debitID, &creditID, &exchangeID, &fullID); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan partial: %w", err)
		}
		partialIDs = append(partialIDs, id)
		affected[debitID] = true
		affected[creditID] = true
		if exchangeID != 0 {
			exchangeMoves[exchangeID] = true
		}
		if fullID != 0 {
			fullIDs[fullID] = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(partialIDs) == 0 {
		return tx.Commit(ctx)
	}

	// Reopen every member of the broken full reconciles, not just the lines
	// whose partials are deleted.
	for fullID := range fullIDs {
		memberRows, err := tx.Query(ctx, "SELECT id FROM ledger_lines WHERE full_reconcile_id = $1", fullID)
		if err != nil {
			return fmt.Errorf("failed to query full reconcile members: %w", err)
		}
		for memberRows.Next() {
			var id int
			if err := memberRows.Scan(&id); err != nil {
				memberRows.Close()
				return err
			}
			affected[id] = true
		}
		memberRows.Close()
		if err := memberRows.Err(); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			"UPDATE ledger_lines SET reconciled = false, full_reconcile_id = NULL WHERE full_reconcile_id = $1",
			fullID); err != nil {
			return fmt.Errorf("failed to reopen full reconcile %d: %w", fullID, err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM full_reconciles WHERE id = $1", fullID); err != nil {
			return fmt.Errorf("failed to delete full reconcile %d: %w", fullID, err)
		}
	}

	if _, err := tx.Exec(ctx, "DELETE FROM partial_reconciles WHERE id = ANY($1)", partialIDs); err != nil {
		return fmt.Errorf("failed to delete partials: %w", err)
	}

	affectedIDs := make([]int, 0, len(affected))
	for id := range affected {
		affectedIDs = append(affectedIDs, id)
	}
	// Residual = balance minus whatever the surviving partials still consume.
	if _, err := tx.Exec(ctx, `
		UPDATE ledger_lines SET
			amount_residual = (debit - credit)
				- COALESCE((SELECT SUM(p.amount) FROM partial_reconciles p WHERE p.debit_line_id = ledger_lines.id), 0)
				+ COALESCE((SELECT SUM(p.amount) FROM partial_reconciles p WHERE p.credit_line_id = ledger_lines.id), 0),
			amount_residual_currency = amount_currency
				- COALESCE((SELECT SUM(p.debit_amount_currency) FROM partial_reconciles p WHERE p.debit_line_id = ledger_lines.id), 0)
				+ COALESCE((SELECT SUM(p.credit_amount_currency) FROM partial_reconciles p WHERE p.credit_line_id = ledger_lines.id), 0),
			reconciled = false
		WHERE id = ANY($1)
	`, affectedIDs); err != nil {
		return fmt.Errorf("failed to restore residuals: %w", err)
	}

	for moveID := range exchangeMoves {
		if err := reverseMove(ctx, tx, moveID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertPartials(ctx context.Context, tx pgx.Tx, partials []PartialVals, exchangeMoveID int) ([]int, error) {
	ids := make([]int, 0, len(partials))
	for _, p := range partials {
		var id int
		err := tx.QueryRow(ctx, `
			INSERT INTO partial_reconciles (
				debit_line_id, credit_line_id, amount,
				debit_amount_currency, credit_amount_currency, exchange_move_id
			) VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0))
			RETURNING id
		`, p.DebitLineID, p.CreditLineID, p.Amount,
			p.DebitAmountCurrency, p.CreditAmountCurrency, exchangeMoveID).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to insert partial: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func storeResiduals(ctx context.Context, tx pgx.Tx, lines []*LedgerLine) error {
	for _, line := range lines {
		if _, err := tx.Exec(ctx, `
			UPDATE ledger_lines SET amount_residual = $2, amount_residual_currency = $3
			WHERE id = $1
		`, line.ID, line.AmountResidual, line.AmountResidualCurrency); err != nil {
			return fmt.Errorf("failed to store residuals for line %d: %w", line.ID, err)
		}
	}
	return nil
}

func closeFullReconcile(ctx context.Context, tx pgx.Tx, lines []*LedgerLine, exchangeMoveID int) (int, string, error) {
	name := uuid.NewString()
	var fullID int
	err := tx.QueryRow(ctx, `
		INSERT INTO full_reconciles (name, exchange_move_id)
		VALUES ($1, NULLIF($2, 0)) RETURNING id
	`, name, exchangeMoveID).Scan(&fullID)
	if err != nil {
		return 0, "", fmt.Errorf("failed to insert full reconcile: %w", err)
	}

	lineIDs := make([]int, 0, len(lines))
	for _, line := range lines {
		lineIDs = append(lineIDs, line.ID)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE ledger_lines SET reconciled = true, full_reconcile_id = $2
		WHERE id = ANY($1)
	`, lineIDs, fullID); err != nil {
		return 0, "", fmt.Errorf("failed to close lines: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE partial_reconciles SET full_reconcile_id = $2
		WHERE debit_line_id = ANY($1) AND credit_line_id = ANY($1)
	`, lineIDs, fullID); err != nil {
		return 0, "", fmt.Errorf("failed to link partials: %w", err)
	}
	return fullID, name, nil
}

func insertPostedMove(ctx context.Context, tx pgx.Tx, company Company, journalID, currencyID int, date time.Time, ref string) (int, error) {
	var id int
	err := tx.QueryRow(ctx, `
		INSERT INTO moves (company_id, journal_id, currency_id, date, state, ref, kind)
		VALUES ($1, $2, $3, $4, 'posted', $5, '') RETURNING id
	`, company.ID, journalID, currencyID, date, ref).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert move: %w", err)
	}
	return id, nil
}

func insertExchangeLine(ctx context.Context, tx pgx.Tx, company Company, moveID int, date time.Time, vals ExchangeMoveLineVals, reconcilable bool) (*LedgerLine, error) {
	residual := decimal.Zero
	residualCur := decimal.Zero
	if reconcilable {
		residual = vals.Debit.Sub(vals.Credit)
		residualCur = vals.AmountCurrency
	}
	var id int
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_lines (
			move_id, company_id, account_id, partner_id, date, label,
			debit, credit, currency_id, amount_currency,
			amount_residual, amount_residual_currency
		) VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, moveID, company.ID, vals.AccountID, vals.PartnerID, date, vals.Label,
		vals.Debit, vals.Credit, vals.CurrencyID, vals.AmountCurrency,
		residual, residualCur).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to insert exchange line: %w", err)
	}
	return &LedgerLine{
		ID:                     id,
		MoveID:                 moveID,
		MoveState:              MovePosted,
		CompanyID:              company.ID,
		AccountID:              vals.AccountID,
		PartnerID:              vals.PartnerID,
		Date:                   date,
		Debit:                  vals.Debit,
		Credit:                 vals.Credit,
		CurrencyID:             vals.CurrencyID,
		AmountCurrency:         vals.AmountCurrency,
		AmountResidual:         residual,
		AmountResidualCurrency: residualCur,
	}, nil
}

// reverseMove books the mirror image of a move: debits and credits swapped,
// currency amounts negated.
func reverseMove(ctx context.Context, tx pgx.Tx, moveID int) error {
	move, err := loadMove(ctx, tx, moveID)
	if err != nil {
		return err
	}
	lines, err := loadMoveLines(ctx, tx, moveID)
	if err != nil {
		return err
	}

	var reversalID int
	err = tx.QueryRow(ctx, `
		INSERT INTO moves (company_id, journal_id, currency_id, date, state, ref, kind)
		VALUES ($1, $2, $3, $4, 'posted', $5, '') RETURNING id
	`, move.CompanyID, move.JournalID, move.CurrencyID, move.Date,
		fmt.Sprintf("Reversal of: %s", move.Ref)).Scan(&reversalID)
	if err != nil {
		return fmt.Errorf("failed to insert reversal move: %w", err)
	}

	for _, line := range lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_lines (
				move_id, company_id, account_id, partner_id, date, label,
				debit, credit, currency_id, amount_currency
			) VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6, $7, $8, $9, $10)
		`, reversalID, line.CompanyID, line.AccountID, line.PartnerID, move.Date, line.Label,
			line.Credit, line.Debit, line.CurrencyID, line.AmountCurrency.Neg()); err != nil {
			return fmt.Errorf("failed to insert reversal line: %w", err)
		}
	}
	return nil
}

const ledgerLineColumns = `
	l.id, l.move_id, m.state, l.company_id, l.account_id, COALESCE(l.partner_id, 0),
	l.date, COALESCE(l.date_maturity, '0001-01-01'::date), l.label,
	l.debit, l.credit, l.quantity, l.price_unit, l.discount_percent,
	l.currency_id, l.amount_currency, l.amount_residual, l.amount_residual_currency,
	COALESCE(l.tax_ids, '{}'), COALESCE(l.tax_line_id, 0), COALESCE(l.tax_repartition_line_id, 0),
	l.tax_base_amount, COALESCE(l.tag_ids, '{}'),
	COALESCE(l.analytic_account_id, 0), COALESCE(l.analytic_tag_ids, '{}'),
	l.reconciled, COALESCE(l.full_reconcile_id, 0), l.is_payment`

func scanLedgerLine(row pgx.Row) (*LedgerLine, error) {
	var l LedgerLine
	err := row.Scan(
		&l.ID, &l.MoveID, &l.MoveState, &l.CompanyID, &l.AccountID, &l.PartnerID,
		&l.Date, &l.DateMaturity, &l.Label,
		&l.Debit, &l.Credit, &l.Quantity, &l.PriceUnit, &l.DiscountPercent,
		&l.CurrencyID, &l.AmountCurrency, &l.AmountResidual, &l.AmountResidualCurrency,
		&l.TaxIDs, &l.TaxLineID, &l.TaxRepartitionLineID,
		&l.TaxBaseAmount, &l.TagIDs,
		&l.AnalyticAccountID, &l.AnalyticTagIDs,
		&l.Reconciled, &l.FullReconcileID, &l.IsPayment,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func collectLedgerLines(rows pgx.Rows) ([]*LedgerLine, error) {
	defer rows.Close()
	var out []*LedgerLine
	for rows.Next() {
		line, err := scanLedgerLine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger line: %w", err)
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func loadMove(ctx context.Context, q Querier, moveID int) (Move, error) {
	var m Move
	err := q.QueryRow(ctx, `
		SELECT id, company_id, journal_id, currency_id, date, state, COALESCE(ref, ''), kind, is_refund
		FROM moves WHERE id = $1
	`, moveID).Scan(&m.ID, &m.CompanyID, &m.JournalID, &m.CurrencyID, &m.Date, &m.State, &m.Ref, &m.Kind, &m.IsRefund)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, fmt.Errorf("move %d not found", moveID)
		}
		return m, fmt.Errorf("failed to fetch move %d: %w", moveID, err)
	}
	return m, nil
}

func loadMoveLines(ctx context.Context, q Querier, moveID int) ([]*LedgerLine, error) {
	rows, err := q.Query(ctx, `
		SELECT `+ledgerLineColumns+`
		FROM ledger_lines l JOIN moves m ON m.id = l.move_id
		WHERE l.move_id = $1 ORDER BY l.id
	`, moveID)
	if err != nil {
		return nil, fmt.Errorf("failed to query move lines: %w", err)
	}
	return collectLedgerLines(rows)
}

func loadLinesForUpdate(ctx context.Context, tx pgx.Tx, lineIDs []int) ([]*LedgerLine, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+ledgerLineColumns+`
		FROM ledger_lines l JOIN moves m ON m.id = l.move_id
		WHERE l.id = ANY($1) ORDER BY l.id
		FOR UPDATE OF l
	`, lineIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to lock ledger lines: %w", err)
	}
	return collectLedgerLines(rows)
}
