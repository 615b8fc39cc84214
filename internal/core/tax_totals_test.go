package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tax-ledger/internal/core"
)

func totalsCalculator(taxes []core.Tax, groups []core.TaxGroup) *core.TaxTotalsCalculator {
	return core.NewTaxTotalsCalculator(core.NewTaxEngine(taxes), groups)
}

func TestAggregateTaxTotals_SingleGroup(t *testing.T) {
	vat := percentTax(1, "20")
	calc := totalsCalculator([]core.Tax{vat}, []core.TaxGroup{{ID: 1, Name: "VAT", Sequence: 10}})

	contribs := []core.TotalsContribution{
		{RecordID: 1, OriginatingTaxID: 1, TaxAmount: d("20"), BaseAmount: d("100")},
		{RecordID: 2, OriginatingTaxID: 1, TaxAmount: d("40"), BaseAmount: d("200")},
	}
	totals := calc.AggregateTaxTotals(contribs, d("300"), usd)

	assert.Equal(t, "300", totals.AmountUntaxed.String())
	assert.Equal(t, "360", totals.AmountTotal.String())
	assert.Equal(t, []string{core.DefaultSubtotal}, totals.SubtotalsOrder)
	require.Len(t, totals.Subtotals, 1)
	assert.Equal(t, "300", totals.Subtotals[0].Amount.String())

	groups := totals.GroupsBySubtotal[core.DefaultSubtotal]
	require.Len(t, groups, 1)
	assert.Equal(t, "VAT", groups[0].GroupName)
	assert.Equal(t, "60", groups[0].TaxAmount.String())
	assert.Equal(t, "300", groups[0].BaseAmount.String())
	assert.Equal(t, "$ 60.00", groups[0].FormattedTaxAmount)
}

func TestAggregateTaxTotals_BaseCountedOncePerRecordAndGroup(t *testing.T) {
	// Two repartition slices of one tax on the same record: the tax amounts
	// add up, the shared base does not double.
	vat := percentTax(1, "20")
	calc := totalsCalculator([]core.Tax{vat}, []core.TaxGroup{{ID: 1, Name: "VAT", Sequence: 10}})

	contribs := []core.TotalsContribution{
		{RecordID: 1, OriginatingTaxID: 1, TaxAmount: d("10"), BaseAmount: d("100")},
		{RecordID: 1, OriginatingTaxID: 1, TaxAmount: d("10"), BaseAmount: d("100")},
	}
	totals := calc.AggregateTaxTotals(contribs, d("100"), usd)

	groups := totals.GroupsBySubtotal[core.DefaultSubtotal]
	require.Len(t, groups, 1)
	assert.Equal(t, "20", groups[0].TaxAmount.String())
	assert.Equal(t, "100", groups[0].BaseAmount.String())
}

func TestAggregateTaxTotals_CascadingSubtotals(t *testing.T) {
	vat := percentTax(1, "20")
	withholding := percentTax(2, "-5")
	withholding.TaxGroupID = 2

	groups := []core.TaxGroup{
		{ID: 1, Name: "VAT", Sequence: 10},
		{ID: 2, Name: "Withholding", Sequence: 20, PrecedingSubtotal: "Amount after VAT"},
	}
	calc := totalsCalculator([]core.Tax{vat, withholding}, groups)

	contribs := []core.TotalsContribution{
		{RecordID: 1, OriginatingTaxID: 1, TaxAmount: d("20"), BaseAmount: d("100")},
		{RecordID: 1, OriginatingTaxID: 2, TaxAmount: d("-6"), BaseAmount: d("120")},
	}
	totals := calc.AggregateTaxTotals(contribs, d("100"), usd)

	require.Equal(t, []string{core.DefaultSubtotal, "Amount after VAT"}, totals.SubtotalsOrder)
	require.Len(t, totals.Subtotals, 2)
	assert.Equal(t, "100", totals.Subtotals[0].Amount.String())
	// the second checkpoint already carries the VAT added before it
	assert.Equal(t, "120", totals.Subtotals[1].Amount.String())
	assert.Equal(t, "114", totals.AmountTotal.String())

	require.Len(t, totals.GroupsBySubtotal["Amount after VAT"], 1)
	assert.Equal(t, "Withholding", totals.GroupsBySubtotal["Amount after VAT"][0].GroupName)
}

func TestContributionsFromLines_RecomputesOnTheFly(t *testing.T) {
	vat := percentTax(1, "20")
	calc := totalsCalculator([]core.Tax{vat}, []core.TaxGroup{{ID: 1, Name: "VAT", Sequence: 10}})

	unsaved := baseLine(0, "2", "50", 1)
	contribs, untaxed := calc.ContributionsFromLines([]core.BusinessLine{unsaved}, testCurrencies(nil), testCompany())

	assert.Equal(t, "100", untaxed.String())
	require.Len(t, contribs, 1)
	assert.Equal(t, "20", contribs[0].TaxAmount.String())
	assert.NotZero(t, contribs[0].RecordID, "unsaved lines still need a distinct record identity")

	totals := calc.AggregateTaxTotals(contribs, untaxed, usd)
	assert.Equal(t, "120", totals.AmountTotal.String())
	assert.Equal(t, "$ 120.00", totals.FormattedAmountTotal)
}

func TestContributionsFromTaxLines_ReadsPersistedLines(t *testing.T) {
	vat := percentTax(1, "20")
	calc := totalsCalculator([]core.Tax{vat}, []core.TaxGroup{{ID: 1, Name: "VAT", Sequence: 10}})

	lines := []*core.LedgerLine{
		{ID: 5, AccountID: 40, CurrencyID: usd.ID, AmountCurrency: d("-100")},
		{ID: 6, AccountID: 210, CurrencyID: usd.ID, AmountCurrency: d("-20"),
			TaxLineID: 1, TaxRepartitionLineID: 102, TaxBaseAmount: d("100")},
	}
	contribs := calc.ContributionsFromTaxLines(lines, core.DocumentSign(core.DocSale, false))

	require.Len(t, contribs, 1)
	assert.Equal(t, "20", contribs[0].TaxAmount.String())
	assert.Equal(t, "100", contribs[0].BaseAmount.String())
	assert.Equal(t, 1, contribs[0].OriginatingTaxID)
}
