package core

import (
	"sort"

	"github.com/shopspring/decimal"
)

// DefaultSubtotal is the bucket every tax group lands in unless it
// configures a preceding subtotal of its own.
const DefaultSubtotal = "Untaxed Amount"

// TaxGroupTotal is one tax group's aggregated base and tax amount, formatted
// for the active locale.
type TaxGroupTotal struct {
	GroupID             int             `json:"group_id"`
	GroupName           string          `json:"group_name"`
	TaxAmount           decimal.Decimal `json:"tax_amount"`
	BaseAmount          decimal.Decimal `json:"base_amount"`
	FormattedTaxAmount  string          `json:"formatted_tax_amount"`
	FormattedBaseAmount string          `json:"formatted_base_amount"`
}

// TaxSubtotal is a named running checkpoint in the cascading display, e.g.
// "Untaxed Amount" or "Amount after VAT".
type TaxSubtotal struct {
	Name            string          `json:"name"`
	Amount          decimal.Decimal `json:"amount"`
	FormattedAmount string          `json:"formatted_amount"`
}

// TaxTotals is the presentation aggregate: untaxed, total, and the
// per-subtotal tax-group breakdown. Recomputed on demand, never persisted.
type TaxTotals struct {
	AmountUntaxed          decimal.Decimal            `json:"amount_untaxed"`
	AmountTotal            decimal.Decimal            `json:"amount_total"`
	FormattedAmountUntaxed string                     `json:"formatted_amount_untaxed"`
	FormattedAmountTotal   string                     `json:"formatted_amount_total"`
	GroupsBySubtotal       map[string][]TaxGroupTotal `json:"groups_by_subtotal"`
	Subtotals              []TaxSubtotal              `json:"subtotals"`
	SubtotalsOrder         []string                   `json:"subtotals_order"`
}

// TotalsContribution is one (record, originating tax, amounts) tuple feeding
// the aggregation: a tax line's amount together with the base it was
// computed on.
type TotalsContribution struct {
	RecordID         int
	OriginatingTaxID int
	TaxAmount        decimal.Decimal
	BaseAmount       decimal.Decimal
}

// TaxTotalsCalculator rolls tax amounts into per-group and per-subtotal
// buckets for display.
type TaxTotalsCalculator struct {
	Engine *TaxEngine
	Groups map[int]TaxGroup
}

func NewTaxTotalsCalculator(engine *TaxEngine, groups []TaxGroup) *TaxTotalsCalculator {
	byID := make(map[int]TaxGroup, len(groups))
	for _, g := range groups {
		byID[g.ID] = g
	}
	return &TaxTotalsCalculator{Engine: engine, Groups: byID}
}

// ContributionsFromLines recomputes contributions on the fly from base
// lines, for documents that do not persist tax lines (quotations).
func (c *TaxTotalsCalculator) ContributionsFromLines(lines []BusinessLine, cs *CurrencyService, company Company) ([]TotalsContribution, decimal.Decimal) {
	var contribs []TotalsContribution
	untaxed := decimal.Zero
	for i, line := range lines {
		if line.IsTaxLine() {
			continue
		}
		cur := cs.Get(line.CurrencyID)
		comp := c.Engine.ComputeLineTaxes(line, cur, company.TaxRounding, false)
		untaxed = untaxed.Add(comp.TotalExcluded)
		recordID := line.ID
		if recordID == 0 {
			recordID = -(i + 1) // unsaved lines still need a distinct record identity
		}
		for _, impact := range comp.Taxes {
			originating := impact.TaxID
			if impact.GroupTaxID != 0 {
				originating = impact.GroupTaxID
			}
			contribs = append(contribs, TotalsContribution{
				RecordID:         recordID,
				OriginatingTaxID: originating,
				TaxAmount:        impact.Amount,
				BaseAmount:       impact.Base,
			})
		}
	}
	return contribs, untaxed
}

// ContributionsFromTaxLines reads contributions off persisted tax lines, for
// posted documents. sign converts ledger amounts back to document-positive.
func (c *TaxTotalsCalculator) ContributionsFromTaxLines(lines []*LedgerLine, sign decimal.Decimal) []TotalsContribution {
	var contribs []TotalsContribution
	for _, l := range lines {
		if l.TaxRepartitionLineID == 0 {
			continue
		}
		contribs = append(contribs, TotalsContribution{
			RecordID:         l.ID,
			OriginatingTaxID: l.TaxLineID,
			TaxAmount:        l.AmountCurrency.Mul(sign),
			BaseAmount:       l.TaxBaseAmount,
		})
	}
	return contribs
}

// groupOf resolves the tax group a contribution belongs to; group taxes
// resolve through the group tax's own configuration.
func (c *TaxTotalsCalculator) groupOf(taxID int) TaxGroup {
	if t, ok := c.Engine.Tax(taxID); ok {
		if g, ok := c.Groups[t.TaxGroupID]; ok {
			return g
		}
	}
	return TaxGroup{}
}

// AggregateTaxTotals produces the cascading "Untaxed → +VAT → Total"
// display structure. Tax amounts accumulate per group whenever the
// originating tax belongs to it; base amounts accumulate once per distinct
// (record, group) pair so a hierarchy of taxes from one group never counts
// the same base twice.
func (c *TaxTotalsCalculator) AggregateTaxTotals(contribs []TotalsContribution, amountUntaxed decimal.Decimal, cur Currency) TaxTotals {
	type groupAmounts struct {
		group TaxGroup
		tax   decimal.Decimal
		base  decimal.Decimal
	}
	byGroup := make(map[int]*groupAmounts)
	baseSeen := make(map[[2]int]bool) // (record, group)
	for _, contrib := range contribs {
		group := c.groupOf(contrib.OriginatingTaxID)
		ga, ok := byGroup[group.ID]
		if !ok {
			ga = &groupAmounts{group: group}
			byGroup[group.ID] = ga
		}
		ga.tax = ga.tax.Add(contrib.TaxAmount)
		seenKey := [2]int{contrib.RecordID, group.ID}
		if !baseSeen[seenKey] {
			baseSeen[seenKey] = true
			ga.base = ga.base.Add(contrib.BaseAmount)
		}
	}

	groups := make([]*groupAmounts, 0, len(byGroup))
	for _, ga := range byGroup {
		groups = append(groups, ga)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].group.Sequence != groups[j].group.Sequence {
			return groups[i].group.Sequence < groups[j].group.Sequence
		}
		return groups[i].group.ID < groups[j].group.ID
	})

	// Partition groups into subtotal buckets, ordered by the minimal
	// sequence of their members; the default bucket is forced first.
	bucketSeq := map[string]int{DefaultSubtotal: 0}
	bucketGroups := make(map[string][]TaxGroupTotal)
	amountUntaxed = cur.Round(amountUntaxed)
	totalTax := decimal.Zero
	for _, ga := range groups {
		name := ga.group.PrecedingSubtotal
		if name == "" {
			name = DefaultSubtotal
		}
		if name != DefaultSubtotal {
			if seq, ok := bucketSeq[name]; !ok || ga.group.Sequence < seq {
				bucketSeq[name] = ga.group.Sequence
			}
		}
		taxAmount := cur.Round(ga.tax)
		baseAmount := cur.Round(ga.base)
		totalTax = totalTax.Add(taxAmount)
		bucketGroups[name] = append(bucketGroups[name], TaxGroupTotal{
			GroupID:             ga.group.ID,
			GroupName:           ga.group.Name,
			TaxAmount:           taxAmount,
			BaseAmount:          baseAmount,
			FormattedTaxAmount:  FormatAmount(taxAmount, cur),
			FormattedBaseAmount: FormatAmount(baseAmount, cur),
		})
	}

	order := make([]string, 0, len(bucketGroups))
	for name := range bucketGroups {
		order = append(order, name)
	}
	sort.Slice(order, func(i, j int) bool {
		if bucketSeq[order[i]] != bucketSeq[order[j]] {
			return bucketSeq[order[i]] < bucketSeq[order[j]]
		}
		return order[i] < order[j]
	})

	// Walk buckets in order, emitting the running subtotal before adding
	// each bucket's taxes.
	running := amountUntaxed
	subtotals := make([]TaxSubtotal, 0, len(order))
	for _, name := range order {
		subtotals = append(subtotals, TaxSubtotal{
			Name:            name,
			Amount:          running,
			FormattedAmount: FormatAmount(running, cur),
		})
		for _, g := range bucketGroups[name] {
			running = running.Add(g.TaxAmount)
		}
	}

	total := amountUntaxed.Add(totalTax)
	return TaxTotals{
		AmountUntaxed:          amountUntaxed,
		AmountTotal:            total,
		FormattedAmountUntaxed: FormatAmount(amountUntaxed, cur),
		FormattedAmountTotal:   FormatAmount(total, cur),
		GroupsBySubtotal:       bucketGroups,
		Subtotals:              subtotals,
		SubtotalsOrder:         order,
	}
}
