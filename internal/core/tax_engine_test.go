package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tax-ledger/internal/core"
)

func computeArgs(taxes []core.Tax, price, qty string) core.ComputeArgs {
	return core.ComputeArgs{
		Taxes:              taxes,
		PriceUnit:          d(price),
		Quantity:           d(qty),
		Currency:           usd,
		HandlePriceInclude: true,
		Rounding:           core.RoundPerLine,
	}
}

func TestComputeAll_Percent(t *testing.T) {
	tax := percentTax(1, "20")
	engine := core.NewTaxEngine([]core.Tax{tax})

	res := engine.ComputeAll(computeArgs([]core.Tax{tax}, "100", "10"))

	assert.Equal(t, "1000", res.TotalExcluded.String())
	assert.Equal(t, "1200", res.TotalIncluded.String())
	require.Len(t, res.Taxes, 1)
	assert.Equal(t, "200", res.Taxes[0].Amount.String())
	assert.Equal(t, "1000", res.Taxes[0].Base.String())
	assert.Equal(t, 210, res.Taxes[0].AccountID)
}

func TestComputeAll_PriceIncluded(t *testing.T) {
	tax := percentTax(1, "20", priceIncluded)
	engine := core.NewTaxEngine([]core.Tax{tax})

	res := engine.ComputeAll(computeArgs([]core.Tax{tax}, "120", "1"))

	assert.Equal(t, "100", res.TotalExcluded.String())
	assert.Equal(t, "120", res.TotalIncluded.String())
	require.Len(t, res.Taxes, 1)
	assert.Equal(t, "20", res.Taxes[0].Amount.String())
}

func TestComputeAll_FixedPerUnit(t *testing.T) {
	tax := percentTax(1, "5", func(tx *core.Tax) { tx.AmountType = core.AmountTypeFixed })
	engine := core.NewTaxEngine([]core.Tax{tax})

	res := engine.ComputeAll(computeArgs([]core.Tax{tax}, "100", "3"))
	require.Len(t, res.Taxes, 1)
	assert.Equal(t, "15", res.Taxes[0].Amount.String())
	assert.Equal(t, "315", res.TotalIncluded.String())

	// Fixed amounts follow the sign of the base, not the quantity.
	neg := engine.ComputeAll(computeArgs([]core.Tax{tax}, "-100", "3"))
	require.Len(t, neg.Taxes, 1)
	assert.Equal(t, "-15", neg.Taxes[0].Amount.String())
}

func TestComputeAll_Division(t *testing.T) {
	tax := percentTax(1, "10", func(tx *core.Tax) { tx.AmountType = core.AmountTypeDivision })
	engine := core.NewTaxEngine([]core.Tax{tax})

	// tax / total == 10%: base 90 gives tax 10 and total 100.
	res := engine.ComputeAll(computeArgs([]core.Tax{tax}, "90", "1"))
	require.Len(t, res.Taxes, 1)
	assert.Equal(t, "10", res.Taxes[0].Amount.String())
	assert.Equal(t, "100", res.TotalIncluded.String())
}

func TestComputeAll_GroupExpandsChildren(t *testing.T) {
	child1 := percentTax(1, "10", withSequence(1))
	child2 := percentTax(2, "5", withSequence(2))
	group := core.Tax{
		ID: 3, CompanyID: 1, Name: "Group 15%", Sequence: 1,
		AmountType: core.AmountTypeGroup, TaxGroupID: 1,
		ChildTaxIDs: []int{1, 2},
	}
	engine := core.NewTaxEngine([]core.Tax{child1, child2, group})

	res := engine.ComputeAll(computeArgs([]core.Tax{group}, "100", "1"))

	require.Len(t, res.Taxes, 2)
	assert.Equal(t, 1, res.Taxes[0].TaxID)
	assert.Equal(t, 3, res.Taxes[0].GroupTaxID)
	assert.Equal(t, "10", res.Taxes[0].Amount.String())
	assert.Equal(t, 2, res.Taxes[1].TaxID)
	assert.Equal(t, 3, res.Taxes[1].GroupTaxID)
	assert.Equal(t, "5", res.Taxes[1].Amount.String())
	assert.Equal(t, "115", res.TotalIncluded.String())
}

func TestComputeAll_IncludeBaseAmountChainsBase(t *testing.T) {
	first := percentTax(1, "10", withSequence(1), includesBase)
	second := percentTax(2, "10", withSequence(2))
	engine := core.NewTaxEngine([]core.Tax{first, second})

	res := engine.ComputeAll(computeArgs([]core.Tax{first, second}, "100", "1"))

	require.Len(t, res.Taxes, 2)
	assert.Equal(t, "10", res.Taxes[0].Amount.String())
	assert.Equal(t, []int{2}, res.Taxes[0].SubsequentTaxIDs)
	assert.Equal(t, "110", res.Taxes[1].Base.String())
	assert.Equal(t, "11", res.Taxes[1].Amount.String())
	assert.Equal(t, "121", res.TotalIncluded.String())
}

func TestComputeAll_PriceIncludedWithChaining(t *testing.T) {
	first := percentTax(1, "10", withSequence(1), priceIncluded, includesBase)
	second := percentTax(2, "10", withSequence(2), priceIncluded)
	engine := core.NewTaxEngine([]core.Tax{first, second})

	res := engine.ComputeAll(computeArgs([]core.Tax{first, second}, "121", "1"))

	assert.Equal(t, "100", res.TotalExcluded.String())
	assert.Equal(t, "121", res.TotalIncluded.String())
}

func TestComputeAll_RepartitionDustOnLastLine(t *testing.T) {
	tax := percentTax(1, "15")
	tax.InvoiceRepartition = []core.TaxRepartitionLine{
		{ID: 101, Kind: core.RepartitionBase, Factor: d("100")},
		{ID: 102, Kind: core.RepartitionTax, Factor: d("50"), AccountID: 210},
		{ID: 103, Kind: core.RepartitionTax, Factor: d("50"), AccountID: 211},
	}
	engine := core.NewTaxEngine([]core.Tax{tax})

	res := engine.ComputeAll(computeArgs([]core.Tax{tax}, "1", "1"))

	require.Len(t, res.Taxes, 2)
	assert.Equal(t, "0.08", res.Taxes[0].Amount.String())
	assert.Equal(t, "0.07", res.Taxes[1].Amount.String())
	assert.Equal(t, "0.15", res.Taxes[0].Amount.Add(res.Taxes[1].Amount).String())
}

func TestComputeAll_RefundUsesRefundRepartition(t *testing.T) {
	tax := percentTax(1, "20")
	tax.RefundRepartition[1].AccountID = 211
	engine := core.NewTaxEngine([]core.Tax{tax})

	args := computeArgs([]core.Tax{tax}, "100", "1")
	args.IsRefund = true
	res := engine.ComputeAll(args)

	require.Len(t, res.Taxes, 1)
	assert.Equal(t, 211, res.Taxes[0].AccountID)
	assert.Equal(t, tax.RefundRepartition[1].ID, res.Taxes[0].RepartitionLineID)
}

func TestComputeAll_RoundingModes(t *testing.T) {
	tax := percentTax(1, "21")
	engine := core.NewTaxEngine([]core.Tax{tax})

	perLine := engine.ComputeAll(computeArgs([]core.Tax{tax}, "1.115", "1"))
	require.Len(t, perLine.Taxes, 1)
	assert.Equal(t, "0.24", perLine.Taxes[0].Amount.String())

	args := computeArgs([]core.Tax{tax}, "1.115", "1")
	args.Rounding = core.RoundGlobally
	global := engine.ComputeAll(args)
	require.Len(t, global.Taxes, 1)
	assert.Equal(t, "0.23415", global.Taxes[0].Amount.String())
}

func TestComputeLineTaxes_ZeroQuantity(t *testing.T) {
	tax := percentTax(1, "20")
	engine := core.NewTaxEngine([]core.Tax{tax})

	res := engine.ComputeLineTaxes(baseLine(1, "0", "100", 1), usd, core.RoundPerLine, false)

	assert.True(t, res.TotalExcluded.IsZero())
	assert.True(t, res.TotalIncluded.IsZero())
	for _, impact := range res.Taxes {
		assert.True(t, impact.Amount.IsZero())
	}
}

func TestComputeAll_CashBasisUsesTransitionAccount(t *testing.T) {
	tax := percentTax(1, "20", cashBasis)
	tax.InvoiceRepartition[1].TagIDs = []int{5}
	engine := core.NewTaxEngine([]core.Tax{tax})

	res := engine.ComputeAll(computeArgs([]core.Tax{tax}, "100", "1"))
	require.Len(t, res.Taxes, 1)
	assert.Equal(t, 211, res.Taxes[0].AccountID)
	assert.Empty(t, res.Taxes[0].TagIDs)

	args := computeArgs([]core.Tax{tax}, "100", "1")
	args.IncludeCabaTags = true
	withTags := engine.ComputeAll(args)
	require.Len(t, withTags.Taxes, 1)
	assert.Equal(t, []int{5}, withTags.Taxes[0].TagIDs)
}

func TestFiscalPosition_MapTaxIDs(t *testing.T) {
	fp := &core.FiscalPosition{ID: 1, TaxMap: map[int][]int{
		1: {2, 3},
		4: {},
	}}

	assert.Equal(t, []int{2, 3}, fp.MapTaxIDs([]int{1}))
	// duplicates introduced by the mapping collapse, order is preserved
	assert.Equal(t, []int{2, 3}, fp.MapTaxIDs([]int{1, 2}))
	// empty mapping removes the tax
	assert.Empty(t, fp.MapTaxIDs([]int{4}))
	// unmapped taxes pass through
	assert.Equal(t, []int{9}, fp.MapTaxIDs([]int{9}))
}

func TestAdjustPriceForFiscalPosition(t *testing.T) {
	orig := percentTax(1, "15", priceIncluded)
	repl := percentTax(2, "10", priceIncluded)
	excl := percentTax(3, "10")
	engine := core.NewTaxEngine([]core.Tax{orig, repl, excl})

	// incl 15% -> incl 10%: 115 quoted becomes 110
	fp := &core.FiscalPosition{ID: 1, TaxMap: map[int][]int{1: {2}}}
	assert.Equal(t, "110", engine.AdjustPriceForFiscalPosition(d("115"), []int{1}, fp, usd, false).String())

	// incl 15% -> excl 10%: the included part is stripped, nothing re-added
	fp = &core.FiscalPosition{ID: 2, TaxMap: map[int][]int{1: {3}}}
	assert.Equal(t, "100", engine.AdjustPriceForFiscalPosition(d("115"), []int{1}, fp, usd, false).String())

	// removal: quoted price falls back to the bare price
	fp = &core.FiscalPosition{ID: 3, TaxMap: map[int][]int{1: {}}}
	assert.Equal(t, "100", engine.AdjustPriceForFiscalPosition(d("115"), []int{1}, fp, usd, false).String())

	// identity mapping leaves the price untouched
	fp = &core.FiscalPosition{ID: 4, TaxMap: map[int][]int{}}
	assert.Equal(t, "115", engine.AdjustPriceForFiscalPosition(d("115"), []int{1}, fp, usd, false).String())
}

func TestPriceUnitInCurrency(t *testing.T) {
	rates := core.NewMemoryRates()
	rates.Add(eur.ID, 1, date("2026-03-01"), d("0.5"))
	cs := testCurrencies(rates)
	engine := core.NewTaxEngine(nil)

	// a product priced 100 EUR at 0.5 EUR per USD quotes as 200 USD
	assert.Equal(t, "200", engine.PriceUnitInCurrency(cs, d("100"), eur.ID, usd.ID, 1, date("2026-03-01")).String())

	// pricing currency equals the document currency: passthrough
	assert.Equal(t, "100", engine.PriceUnitInCurrency(cs, d("100"), usd.ID, usd.ID, 1, date("2026-03-01")).String())

	// conversion keeps full precision so downstream tax math rounds once
	assert.Equal(t, "33.3", engine.PriceUnitInCurrency(cs, d("16.65"), eur.ID, usd.ID, 1, date("2026-03-01")).String())
}

func TestUnitPriceFromTotal(t *testing.T) {
	assert.Equal(t, "110", core.UnitPriceFromTotal(d("220"), d("2"), d("0")).String())
	assert.Equal(t, "200", core.UnitPriceFromTotal(d("220"), d("2"), d("45")).String())
	assert.True(t, core.UnitPriceFromTotal(d("100"), d("0"), d("0")).IsZero())
	assert.True(t, core.UnitPriceFromTotal(d("100"), d("2"), d("100")).IsZero())
}
