// ledger-verify audits the ledger invariants that posting and reconciliation
// are supposed to maintain: balanced posted moves, no duplicate tax lines per
// document, residuals consistent with the surviving partials, and no closed
// set with a leftover residual. Exits non-zero when a violation is found.
//
// Usage: go run ./cmd/ledger-verify
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"tax-ledger/internal/db"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()

	violations := 0
	violations += checkBalancedMoves(ctx, pool)
	violations += checkDuplicateTaxLines(ctx, pool)
	violations += checkResiduals(ctx, pool)
	violations += checkFullReconciles(ctx, pool)

	if violations > 0 {
		log.Fatalf("FAIL: %d invariant violation(s) found", violations)
	}
	fmt.Println("OK: all ledger invariants hold")
	os.Exit(0)
}

// Every posted move sums to zero in company currency.
func checkBalancedMoves(ctx context.Context, pool *pgxpool.Pool) int {
	rows, err := pool.Query(ctx, `
		SELECT m.id, SUM(l.debit - l.credit)
		FROM moves m JOIN ledger_lines l ON l.move_id = m.id
		WHERE m.state = 'posted'
		GROUP BY m.id
		HAVING SUM(l.debit - l.credit) <> 0
	`)
	if err != nil {
		log.Fatalf("Failed to check move balance: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var moveID int
		var imbalance decimal.Decimal
		if err := rows.Scan(&moveID, &imbalance); err != nil {
			log.Fatalf("Failed to scan: %v", err)
		}
		log.Printf("VIOLATION: move %d is unbalanced by %s", moveID, imbalance)
		count++
	}
	return count
}

// One tax line per (move, account, currency, partner, repartition line,
// subsequent taxes, tags, originating tax): the grouping-key uniqueness the
// sync pass guarantees.
func checkDuplicateTaxLines(ctx context.Context, pool *pgxpool.Pool) int {
	rows, err := pool.Query(ctx, `
		SELECT move_id, COUNT(*)
		FROM ledger_lines
		WHERE tax_repartition_line_id IS NOT NULL
		GROUP BY move_id, account_id, currency_id, partner_id,
		         tax_repartition_line_id, tax_ids, tag_ids, tax_line_id,
		         analytic_account_id, analytic_tag_ids
		HAVING COUNT(*) > 1
	`)
	if err != nil {
		log.Fatalf("Failed to check tax line duplicates: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var moveID, n int
		if err := rows.Scan(&moveID, &n); err != nil {
			log.Fatalf("Failed to scan: %v", err)
		}
		log.Printf("VIOLATION: move %d carries %d tax lines on one grouping key", moveID, n)
		count++
	}
	return count
}

// amount_residual equals balance minus the partials consuming the line.
func checkResiduals(ctx context.Context, pool *pgxpool.Pool) int {
	rows, err := pool.Query(ctx, `
		SELECT l.id,
		       l.amount_residual,
		       (l.debit - l.credit)
		         - COALESCE((SELECT SUM(p.amount) FROM partial_reconciles p WHERE p.debit_line_id = l.id), 0)
		         + COALESCE((SELECT SUM(p.amount) FROM partial_reconciles p WHERE p.credit_line_id = l.id), 0)
		FROM ledger_lines l
		JOIN accounts a ON a.id = l.account_id
		WHERE a.reconcilable OR a.kind IN ('receivable', 'payable')
	`)
	if err != nil {
		log.Fatalf("Failed to check residuals: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var lineID int
		var stored, expected decimal.Decimal
		if err := rows.Scan(&lineID, &stored, &expected); err != nil {
			log.Fatalf("Failed to scan: %v", err)
		}
		if !stored.Equal(expected) {
			log.Printf("VIOLATION: line %d residual %s, partials imply %s", lineID, stored, expected)
			count++
		}
	}
	return count
}

// Members of a full reconcile carry no residual and are flagged reconciled.
func checkFullReconciles(ctx context.Context, pool *pgxpool.Pool) int {
	rows, err := pool.Query(ctx, `
		SELECT l.id, l.full_reconcile_id
		FROM ledger_lines l
		WHERE l.full_reconcile_id IS NOT NULL
		  AND (l.amount_residual <> 0 OR NOT l.reconciled)
	`)
	if err != nil {
		log.Fatalf("Failed to check full reconciles: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var lineID, fullID int
		if err := rows.Scan(&lineID, &fullID); err != nil {
			log.Fatalf("Failed to scan: %v", err)
		}
		log.Printf("VIOLATION: line %d in full reconcile %d still carries a residual", lineID, fullID)
		count++
	}
	return count
}
