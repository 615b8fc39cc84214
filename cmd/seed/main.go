// seed is a one-shot tool loading a demo company: currencies and rates, a
// chart of accounts, journals and a small set of taxes. Re-runnable; every
// statement upserts.
//
// Usage: go run ./cmd/seed
package main

import (
	"context"
	"log"

	"tax-ledger/internal/db"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()

	tx, err := pool.Begin(ctx)
	if err != nil {
		log.Fatalf("Failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	log.Println("Seeding currencies...")
	_, err = tx.Exec(ctx, `
		INSERT INTO currencies (code, symbol, decimal_places, symbol_before)
		VALUES
		  ('USD', '$', 2, true),
		  ('EUR', '€', 2, false),
		  ('JPY', '¥', 0, true)
		ON CONFLICT (code) DO UPDATE
		  SET symbol = EXCLUDED.symbol,
		      decimal_places = EXCLUDED.decimal_places,
		      symbol_before = EXCLUDED.symbol_before;
	`)
	if err != nil {
		log.Fatalf("Failed to seed currencies: %v", err)
	}

	log.Println("Seeding company...")
	_, err = tx.Exec(ctx, `
		INSERT INTO companies (code, name, currency_id, tax_rounding)
		SELECT 'MAIN', 'Main Operations', c.id, 'round_per_line'
		FROM currencies c WHERE c.code = 'USD'
		ON CONFLICT (code) DO UPDATE
		  SET name = EXCLUDED.name,
		      currency_id = EXCLUDED.currency_id;
	`)
	if err != nil {
		log.Fatalf("Failed to seed company: %v", err)
	}

	log.Println("Seeding journals...")
	_, err = tx.Exec(ctx, `
		INSERT INTO journals (company_id, code, name)
		SELECT c.id, j.code, j.name
		FROM companies c
		CROSS JOIN (VALUES
		    ('SAL',  'Customer Invoices'),
		    ('PUR',  'Vendor Bills'),
		    ('BNK',  'Bank'),
		    ('EXCH', 'Exchange Differences'),
		    ('CABA', 'Cash Basis Taxes'),
		    ('MISC', 'Miscellaneous')
		) AS j(code, name)
		WHERE c.code = 'MAIN'
		ON CONFLICT (company_id, code) DO UPDATE SET name = EXCLUDED.name;
	`)
	if err != nil {
		log.Fatalf("Failed to seed journals: %v", err)
	}

	log.Println("Seeding chart of accounts...")
	_, err = tx.Exec(ctx, `
		INSERT INTO accounts (company_id, code, name, kind, reconcilable)
		SELECT c.id, a.code, a.name, a.kind, a.reconcilable
		FROM companies c
		CROSS JOIN (VALUES
		    ('1100', 'Bank Account',          'liquidity',  false),
		    ('1200', 'Accounts Receivable',   'receivable', true),
		    ('2000', 'Accounts Payable',      'payable',    true),
		    ('2100', 'Tax Collected',         'liability',  false),
		    ('2110', 'Tax Collected (Await)', 'liability',  true),
		    ('2200', 'Tax Paid',              'asset',      false),
		    ('4000', 'Sales Revenue',         'income',     false),
		    ('5000', 'Purchases',             'expense',    false),
		    ('7100', 'Exchange Gain',         'income',     false),
		    ('8100', 'Exchange Loss',         'expense',    false)
		) AS a(code, name, kind, reconcilable)
		WHERE c.code = 'MAIN'
		ON CONFLICT (company_id, code) DO UPDATE
		  SET name = EXCLUDED.name,
		      kind = EXCLUDED.kind,
		      reconcilable = EXCLUDED.reconcilable;
	`)
	if err != nil {
		log.Fatalf("Failed to seed accounts: %v", err)
	}

	log.Println("Wiring company exchange and cash-basis configuration...")
	_, err = tx.Exec(ctx, `
		UPDATE companies c SET
		  exchange_journal_id   = (SELECT id FROM journals WHERE company_id = c.id AND code = 'EXCH'),
		  cash_basis_journal_id = (SELECT id FROM journals WHERE company_id = c.id AND code = 'CABA'),
		  gain_account_id       = (SELECT id FROM accounts WHERE company_id = c.id AND code = '7100'),
		  loss_account_id       = (SELECT id FROM accounts WHERE company_id = c.id AND code = '8100')
		WHERE c.code = 'MAIN';
	`)
	if err != nil {
		log.Fatalf("Failed to wire company configuration: %v", err)
	}

	log.Println("Seeding currency rates...")
	_, err = tx.Exec(ctx, `
		INSERT INTO currency_rates (currency_id, company_id, rate_date, rate)
		SELECT cu.id, co.id, r.rate_date::date, r.rate
		FROM companies co
		JOIN (VALUES
		    ('EUR', '2026-01-01', 0.92),
		    ('EUR', '2026-06-01', 0.95),
		    ('JPY', '2026-01-01', 148.0)
		) AS r(code, rate_date, rate) ON true
		JOIN currencies cu ON cu.code = r.code
		WHERE co.code = 'MAIN'
		ON CONFLICT (currency_id, company_id, rate_date) DO UPDATE SET rate = EXCLUDED.rate;
	`)
	if err != nil {
		log.Fatalf("Failed to seed currency rates: %v", err)
	}

	log.Println("Seeding tax groups and taxes...")
	_, err = tx.Exec(ctx, `
		INSERT INTO tax_groups (id, name, sequence)
		VALUES (1, 'VAT', 10), (2, 'Withholding', 20)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, sequence = EXCLUDED.sequence;
		SELECT setval('tax_groups_id_seq', (SELECT MAX(id) FROM tax_groups));
	`)
	if err != nil {
		log.Fatalf("Failed to seed tax groups: %v", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO taxes (id, company_id, name, sequence, amount_type, amount, tax_group_id, exigibility, transition_account_id)
		SELECT t.id, c.id, t.name, t.sequence, t.amount_type, t.amount, t.group_id, t.exigibility,
		       CASE WHEN t.transition = '' THEN NULL
		            ELSE (SELECT id FROM accounts WHERE company_id = c.id AND code = t.transition) END
		FROM companies c
		CROSS JOIN (VALUES
		    (1, 'VAT 20%',            1, 'percent', 20.0, 1, 'on_invoice', ''),
		    (2, 'VAT 10%',            2, 'percent', 10.0, 1, 'on_invoice', ''),
		    (3, 'VAT 20% (on paym.)', 3, 'percent', 20.0, 1, 'on_payment', '2110')
		) AS t(id, name, sequence, amount_type, amount, group_id, exigibility, transition)
		WHERE c.code = 'MAIN'
		ON CONFLICT (id) DO UPDATE
		  SET name = EXCLUDED.name,
		      amount = EXCLUDED.amount,
		      exigibility = EXCLUDED.exigibility,
		      transition_account_id = EXCLUDED.transition_account_id;
		SELECT setval('taxes_id_seq', (SELECT MAX(id) FROM taxes));
	`)
	if err != nil {
		log.Fatalf("Failed to seed taxes: %v", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM tax_repartition_lines WHERE tax_id IN (1, 2, 3);
		INSERT INTO tax_repartition_lines (tax_id, document_kind, kind, factor, account_id, sequence)
		SELECT r.tax_id, r.document_kind, r.kind, r.factor,
		       CASE WHEN r.account = '' THEN NULL
		            ELSE (SELECT a.id FROM accounts a JOIN companies c ON c.id = a.company_id
		                  WHERE c.code = 'MAIN' AND a.code = r.account) END,
		       r.sequence
		FROM (VALUES
		    (1, 'invoice', 'base', 100.0, '',     1),
		    (1, 'invoice', 'tax',  100.0, '2100', 2),
		    (1, 'refund',  'base', 100.0, '',     1),
		    (1, 'refund',  'tax',  100.0, '2100', 2),
		    (2, 'invoice', 'base', 100.0, '',     1),
		    (2, 'invoice', 'tax',  100.0, '2100', 2),
		    (2, 'refund',  'base', 100.0, '',     1),
		    (2, 'refund',  'tax',  100.0, '2100', 2),
		    (3, 'invoice', 'base', 100.0, '',     1),
		    (3, 'invoice', 'tax',  100.0, '2100', 2),
		    (3, 'refund',  'base', 100.0, '',     1),
		    (3, 'refund',  'tax',  100.0, '2100', 2)
		) AS r(tax_id, document_kind, kind, factor, account, sequence);
	`)
	if err != nil {
		log.Fatalf("Failed to seed tax repartition lines: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		log.Fatalf("Failed to commit: %v", err)
	}

	log.Println("Seed data loaded successfully.")
}
