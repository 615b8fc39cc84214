package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tax-ledger/internal/core"
)

func newReconciler(rates *core.MemoryRates) *core.Reconciler {
	return core.NewReconciler(testCurrencies(rates), testAccounts())
}

// receivableLine builds an open line on the receivable account. balance and
// amountCurrency are signed; residuals start fully open.
func receivableLine(id int, balance, amountCurrency string, currencyID int, day string) *core.LedgerLine {
	bal := d(balance)
	cur := d(amountCurrency)
	debit, credit := bal, d("0")
	if bal.Sign() < 0 {
		debit, credit = d("0"), bal.Neg()
	}
	return &core.LedgerLine{
		ID:                     id,
		MoveID:                 id,
		MoveState:              core.MovePosted,
		CompanyID:              1,
		AccountID:              10,
		Date:                   date(day),
		Debit:                  debit,
		Credit:                 credit,
		CurrencyID:             currencyID,
		AmountCurrency:         cur,
		AmountResidual:         bal,
		AmountResidualCurrency: cur,
	}
}

func TestPlanPartials_FullMatchCompanyCurrency(t *testing.T) {
	r := newReconciler(nil)
	inv := receivableLine(1, "1200", "1200", usd.ID, "2026-03-01")
	pay := receivableLine(2, "-1200", "-1200", usd.ID, "2026-03-05")

	plan := r.PlanPartials([]*core.LedgerLine{inv, pay}, testCompany(), core.ReconcileOptions{})

	require.Len(t, plan.Partials, 1)
	p := plan.Partials[0]
	assert.Equal(t, 1, p.DebitLineID)
	assert.Equal(t, 2, p.CreditLineID)
	assert.Equal(t, "1200", p.Amount.String())
	assert.Equal(t, "1200", p.DebitAmountCurrency.String())
	assert.Equal(t, "1200", p.CreditAmountCurrency.String())
	assert.Empty(t, plan.ExchangeItems)

	assert.True(t, inv.AmountResidual.IsZero())
	assert.True(t, pay.AmountResidual.IsZero())
	assert.True(t, r.FullReconcileCheck([]*core.LedgerLine{inv, pay}, testCompany()))
}

func TestPlanPartials_PartialMatchesInDateOrder(t *testing.T) {
	r := newReconciler(nil)
	inv := receivableLine(1, "1000", "1000", usd.ID, "2026-03-01")
	pay1 := receivableLine(2, "-400", "-400", usd.ID, "2026-03-10")
	pay2 := receivableLine(3, "-600", "-600", usd.ID, "2026-03-20")

	plan := r.PlanPartials([]*core.LedgerLine{pay2, inv, pay1}, testCompany(), core.ReconcileOptions{})

	require.Len(t, plan.Partials, 2)
	assert.Equal(t, 2, plan.Partials[0].CreditLineID)
	assert.Equal(t, "400", plan.Partials[0].Amount.String())
	assert.Equal(t, 3, plan.Partials[1].CreditLineID)
	assert.Equal(t, "600", plan.Partials[1].Amount.String())
	assert.True(t, r.FullReconcileCheck([]*core.LedgerLine{inv, pay1, pay2}, testCompany()))
}

func TestPlanPartials_Deterministic(t *testing.T) {
	build := func() []*core.LedgerLine {
		return []*core.LedgerLine{
			receivableLine(1, "500", "500", usd.ID, "2026-03-01"),
			receivableLine(2, "500", "500", usd.ID, "2026-03-01"),
			receivableLine(3, "-700", "-700", usd.ID, "2026-03-02"),
			receivableLine(4, "-300", "-300", usd.ID, "2026-03-02"),
		}
	}
	r := newReconciler(nil)

	first := r.PlanPartials(build(), testCompany(), core.ReconcileOptions{})

	shuffled := build()
	shuffled[0], shuffled[3] = shuffled[3], shuffled[0]
	shuffled[1], shuffled[2] = shuffled[2], shuffled[1]
	second := r.PlanPartials(shuffled, testCompany(), core.ReconcileOptions{})

	require.Equal(t, len(first.Partials), len(second.Partials))
	for i := range first.Partials {
		assert.Equal(t, first.Partials[i].DebitLineID, second.Partials[i].DebitLineID)
		assert.Equal(t, first.Partials[i].CreditLineID, second.Partials[i].CreditLineID)
		assert.True(t, first.Partials[i].Amount.Equal(second.Partials[i].Amount))
	}
}

func TestPlanPartials_ReducedSortingOrdersTiedLinesByID(t *testing.T) {
	build := func() []*core.LedgerLine {
		return []*core.LedgerLine{
			receivableLine(1, "700", "700", usd.ID, "2026-03-01"),
			receivableLine(2, "300", "300", usd.ID, "2026-03-01"),
			receivableLine(3, "-1000", "-1000", usd.ID, "2026-03-02"),
		}
	}
	r := newReconciler(nil)

	// The full sort key breaks the date tie on amount: the 300 debit matches
	// first.
	full := r.PlanPartials(build(), testCompany(), core.ReconcileOptions{})
	require.Len(t, full.Partials, 2)
	assert.Equal(t, 2, full.Partials[0].DebitLineID)
	assert.Equal(t, "300", full.Partials[0].Amount.String())
	assert.Equal(t, 1, full.Partials[1].DebitLineID)
	assert.Equal(t, "700", full.Partials[1].Amount.String())

	// Reduced sorting drops the amount component, so tied lines keep id order.
	lines := build()
	reduced := r.PlanPartials(lines, testCompany(), core.ReconcileOptions{ReducedLineSorting: true})
	require.Len(t, reduced.Partials, 2)
	assert.Equal(t, 1, reduced.Partials[0].DebitLineID)
	assert.Equal(t, "700", reduced.Partials[0].Amount.String())
	assert.Equal(t, 2, reduced.Partials[1].DebitLineID)
	assert.Equal(t, "300", reduced.Partials[1].Amount.String())
	assert.True(t, r.FullReconcileCheck(lines, testCompany()))
}

func TestPlanPartials_ForeignReceivableAgainstCompanyPayment(t *testing.T) {
	rates := core.NewMemoryRates()
	// invoice-time rate 0.5 EUR/USD, payment-time rate 0.55 EUR/USD
	rates.Add(eur.ID, 1, date("2026-03-01"), d("0.5"))
	rates.Add(eur.ID, 1, date("2026-04-01"), d("0.55"))
	r := newReconciler(rates)

	inv := receivableLine(1, "220", "110", eur.ID, "2026-03-01")
	pay := receivableLine(2, "-200", "-200", usd.ID, "2026-04-01")

	plan := r.PlanPartials([]*core.LedgerLine{inv, pay}, testCompany(), core.ReconcileOptions{})

	// Matched in EUR: the payment covers the full 110 EUR at today's rate,
	// leaving a 20 USD revaluation loss on the invoice.
	require.Len(t, plan.Partials, 1)
	p := plan.Partials[0]
	assert.Equal(t, "200", p.Amount.String())
	assert.Equal(t, "110", p.DebitAmountCurrency.String())
	assert.Equal(t, "200", p.CreditAmountCurrency.String())

	assert.Equal(t, "20", inv.AmountResidual.String())
	assert.True(t, inv.AmountResidualCurrency.IsZero())
	assert.True(t, pay.AmountResidual.IsZero())

	require.Len(t, plan.ExchangeItems, 1)
	item := plan.ExchangeItems[0]
	assert.Equal(t, 1, item.Line.ID)
	assert.Equal(t, "20", item.AmountResidual.String())
	assert.True(t, item.AmountResidualCurrency.IsZero())
}

func TestPlanPartials_NoExchangeDifferenceOption(t *testing.T) {
	rates := core.NewMemoryRates()
	rates.Add(eur.ID, 1, date("2026-04-01"), d("0.55"))
	r := newReconciler(rates)

	inv := receivableLine(1, "220", "110", eur.ID, "2026-03-01")
	pay := receivableLine(2, "-200", "-200", usd.ID, "2026-04-01")

	plan := r.PlanPartials([]*core.LedgerLine{inv, pay}, testCompany(), core.ReconcileOptions{NoExchangeDifference: true})
	require.Len(t, plan.Partials, 1)
	assert.Empty(t, plan.ExchangeItems)
}

func TestPlanPartials_SameForeignCurrencyBothSides(t *testing.T) {
	r := newReconciler(nil)
	// Same 110 EUR booked at different dates and rates: 100 vs 105 USD.
	inv := receivableLine(1, "100", "110", eur.ID, "2026-03-01")
	pay := receivableLine(2, "-105", "-110", eur.ID, "2026-04-01")

	plan := r.PlanPartials([]*core.LedgerLine{inv, pay}, testCompany(), core.ReconcileOptions{})

	require.Len(t, plan.Partials, 1)
	p := plan.Partials[0]
	assert.Equal(t, "100", p.Amount.String())
	assert.Equal(t, "110", p.DebitAmountCurrency.String())
	assert.Equal(t, "110", p.CreditAmountCurrency.String())

	// The payment side keeps a 5 USD leftover with no EUR residual: a pure
	// revaluation gain.
	assert.Equal(t, "-5", pay.AmountResidual.String())
	assert.True(t, pay.AmountResidualCurrency.IsZero())
	require.Len(t, plan.ExchangeItems, 1)
	assert.Equal(t, "-5", plan.ExchangeItems[0].AmountResidual.String())
}

func TestPlanPartials_ExchangeLegClosesWithoutTouchingForeignResiduals(t *testing.T) {
	r := newReconciler(nil)
	// Leftover from a previous match: 20 USD on a EUR line whose EUR
	// residual is already zero, against its EUR-denominated exchange leg.
	inv := receivableLine(1, "220", "110", eur.ID, "2026-03-01")
	inv.AmountResidual = d("20")
	inv.AmountResidualCurrency = d("0")
	leg := receivableLine(2, "-20", "0", eur.ID, "2026-04-01")

	plan := r.PlanPartials([]*core.LedgerLine{inv, leg}, testCompany(), core.ReconcileOptions{NoExchangeDifference: true})

	require.Len(t, plan.Partials, 1)
	p := plan.Partials[0]
	assert.Equal(t, "20", p.Amount.String())
	assert.True(t, p.DebitAmountCurrency.IsZero())
	assert.True(t, p.CreditAmountCurrency.IsZero())
	assert.True(t, inv.AmountResidual.IsZero())
	assert.True(t, leg.AmountResidual.IsZero())
	assert.True(t, r.FullReconcileCheck([]*core.LedgerLine{inv, leg}, testCompany()))
}

func TestPlanPartials_RoundTripDeterminism(t *testing.T) {
	rates := core.NewMemoryRates()
	rates.Add(eur.ID, 1, date("2026-04-01"), d("0.55"))
	build := func() []*core.LedgerLine {
		return []*core.LedgerLine{
			receivableLine(1, "220", "110", eur.ID, "2026-03-01"),
			receivableLine(2, "-200", "-200", usd.ID, "2026-04-01"),
		}
	}
	r := newReconciler(rates)

	first := r.PlanPartials(build(), testCompany(), core.ReconcileOptions{})
	// Undoing the match restores the original residuals; replanning must
	// reproduce the exact same partials.
	second := r.PlanPartials(build(), testCompany(), core.ReconcileOptions{})

	require.Equal(t, len(first.Partials), len(second.Partials))
	for i := range first.Partials {
		assert.True(t, first.Partials[i].Amount.Equal(second.Partials[i].Amount))
		assert.True(t, first.Partials[i].DebitAmountCurrency.Equal(second.Partials[i].DebitAmountCurrency))
		assert.True(t, first.Partials[i].CreditAmountCurrency.Equal(second.Partials[i].CreditAmountCurrency))
	}
}

func TestValidateReconciliation(t *testing.T) {
	r := newReconciler(nil)

	t.Run("already reconciled", func(t *testing.T) {
		l1 := receivableLine(1, "100", "100", usd.ID, "2026-03-01")
		l1.Reconciled = true
		l2 := receivableLine(2, "-100", "-100", usd.ID, "2026-03-02")
		err := r.ValidateReconciliation([]*core.LedgerLine{l1, l2})
		assert.ErrorIs(t, err, core.ErrAlreadyReconciled)
	})

	t.Run("mixed accounts", func(t *testing.T) {
		l1 := receivableLine(1, "100", "100", usd.ID, "2026-03-01")
		l2 := receivableLine(2, "-100", "-100", usd.ID, "2026-03-02")
		l2.AccountID = 20
		err := r.ValidateReconciliation([]*core.LedgerLine{l1, l2})
		assert.ErrorIs(t, err, core.ErrMixedAccounts)
	})

	t.Run("mixed companies", func(t *testing.T) {
		l1 := receivableLine(1, "100", "100", usd.ID, "2026-03-01")
		l2 := receivableLine(2, "-100", "-100", usd.ID, "2026-03-02")
		l2.CompanyID = 2
		err := r.ValidateReconciliation([]*core.LedgerLine{l1, l2})
		assert.ErrorIs(t, err, core.ErrMixedCompanies)
	})

	t.Run("draft move", func(t *testing.T) {
		l1 := receivableLine(1, "100", "100", usd.ID, "2026-03-01")
		l1.MoveState = core.MoveDraft
		l2 := receivableLine(2, "-100", "-100", usd.ID, "2026-03-02")
		err := r.ValidateReconciliation([]*core.LedgerLine{l1, l2})
		assert.ErrorIs(t, err, core.ErrNotPosted)
	})

	t.Run("not reconcilable account", func(t *testing.T) {
		l1 := receivableLine(1, "100", "100", usd.ID, "2026-03-01")
		l2 := receivableLine(2, "-100", "-100", usd.ID, "2026-03-02")
		l1.AccountID, l2.AccountID = 40, 40
		err := r.ValidateReconciliation([]*core.LedgerLine{l1, l2})
		assert.ErrorIs(t, err, core.ErrNotReconcilable)
	})

	t.Run("liquidity account passes", func(t *testing.T) {
		l1 := receivableLine(1, "100", "100", usd.ID, "2026-03-01")
		l2 := receivableLine(2, "-100", "-100", usd.ID, "2026-03-02")
		l1.AccountID, l2.AccountID = 30, 30
		assert.NoError(t, r.ValidateReconciliation([]*core.LedgerLine{l1, l2}))
	})
}

func TestPrepareExchangeDifferenceVals(t *testing.T) {
	r := newReconciler(nil)
	line := receivableLine(1, "220", "110", eur.ID, "2026-03-01")
	items := []core.ExchangeDiffItem{{Line: line, AmountResidual: d("20"), AmountResidualCurrency: d("0")}}

	vals, err := r.PrepareExchangeDifferenceVals(items, testCompany())
	require.NoError(t, err)
	require.Len(t, vals.Lines, 2)

	offset := vals.Lines[0]
	assert.Equal(t, 10, offset.AccountID)
	assert.Equal(t, "20", offset.Credit.String())
	assert.Equal(t, 1, offset.SourceLineID)

	// a positive leftover written off is a loss
	gainLoss := vals.Lines[1]
	assert.Equal(t, 81, gainLoss.AccountID)
	assert.Equal(t, "20", gainLoss.Debit.String())
	assert.Equal(t, 0, gainLoss.SourceLineID)

	assert.Equal(t, date("2026-03-01"), vals.Date)
	assert.Equal(t, 9, vals.JournalID)
}

func TestPrepareExchangeDifferenceVals_LockDateFloor(t *testing.T) {
	r := newReconciler(nil)
	line := receivableLine(1, "220", "110", eur.ID, "2026-03-01")
	items := []core.ExchangeDiffItem{{Line: line, AmountResidual: d("20")}}

	company := testCompany()
	company.FiscalLockDate = date("2026-03-15")
	vals, err := r.PrepareExchangeDifferenceVals(items, company)
	require.NoError(t, err)
	assert.Equal(t, date("2026-03-16"), vals.Date)
}

func TestPrepareExchangeDifferenceVals_MissingConfiguration(t *testing.T) {
	r := newReconciler(nil)
	line := receivableLine(1, "220", "110", eur.ID, "2026-03-01")
	items := []core.ExchangeDiffItem{{Line: line, AmountResidual: d("20")}}

	for _, mutate := range []func(*core.Company){
		func(c *core.Company) { c.ExchangeJournalID = 0 },
		func(c *core.Company) { c.GainAccountID = 0 },
		func(c *core.Company) { c.LossAccountID = 0 },
	} {
		company := testCompany()
		mutate(&company)
		_, err := r.PrepareExchangeDifferenceVals(items, company)
		assert.ErrorIs(t, err, core.ErrExchangeConfig)
	}
}

func TestPrepareCashBasisVals(t *testing.T) {
	caba := percentTax(3, "20", cashBasis)
	engine := core.NewTaxEngine([]core.Tax{caba})
	r := newReconciler(nil)

	move := core.Move{ID: 1, CompanyID: 1, CurrencyID: usd.ID, Kind: core.DocSale, Ref: "INV/001"}
	taxLine := &core.LedgerLine{
		ID: 3, MoveID: 1, CompanyID: 1, AccountID: 211, CurrencyID: usd.ID,
		Credit: d("20"), AmountCurrency: d("-20"),
		TaxLineID: 3, TaxRepartitionLineID: caba.InvoiceRepartition[1].ID,
		TaxBaseAmount: d("100"),
	}
	moveLines := []*core.LedgerLine{
		{ID: 1, MoveID: 1, AccountID: 10, Debit: d("120"), AmountCurrency: d("120"), CurrencyID: usd.ID},
		{ID: 2, MoveID: 1, AccountID: 40, Credit: d("100"), AmountCurrency: d("-100"), CurrencyID: usd.ID},
		taxLine,
	}

	// Half the invoice is paid: half the deferred tax becomes exigible.
	vals := r.PrepareCashBasisVals(move, moveLines, engine, testCompany(), d("60"), d("120"), date("2026-04-01"))
	require.NotNil(t, vals)
	require.Len(t, vals.Lines, 2)

	reversal := vals.Lines[0]
	assert.Equal(t, 211, reversal.AccountID)
	assert.Equal(t, "10", reversal.Debit.String())
	assert.Equal(t, 3, reversal.SourceLineID)

	final := vals.Lines[1]
	assert.Equal(t, 210, final.AccountID)
	assert.Equal(t, "10", final.Credit.String())
	assert.Equal(t, 3, final.TaxLineID)
	assert.Equal(t, "50", final.TaxBaseAmount.String())

	sum := reversal.Debit.Sub(reversal.Credit).Add(final.Debit.Sub(final.Credit))
	assert.True(t, sum.IsZero(), "cash-basis entry must balance")
}

func TestPrepareCashBasisVals_NothingDeferred(t *testing.T) {
	plain := percentTax(1, "20")
	engine := core.NewTaxEngine([]core.Tax{plain})
	r := newReconciler(nil)

	move := core.Move{ID: 1, CompanyID: 1, CurrencyID: usd.ID, Kind: core.DocSale}
	lines := []*core.LedgerLine{
		{ID: 3, MoveID: 1, AccountID: 210, CurrencyID: usd.ID, Credit: d("20"), AmountCurrency: d("-20"),
			TaxLineID: 1, TaxRepartitionLineID: plain.InvoiceRepartition[1].ID, TaxBaseAmount: d("100")},
	}
	assert.Nil(t, r.PrepareCashBasisVals(move, lines, engine, testCompany(), d("60"), d("120"), time.Time{}))
}
