package core

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	dec100 = decimal.NewFromInt(100)
	dec1   = decimal.NewFromInt(1)
)

// TaxImpact is the ephemeral result of applying one repartition line of one
// tax to a base amount. Impacts are never persisted directly; they are
// reduced into grouping-key buckets by SyncTaxLines.
type TaxImpact struct {
	TaxID             int
	GroupTaxID        int // originating group tax, 0 when the tax stands alone
	RepartitionLineID int
	AccountID         int // 0 = post on the base line's account
	Base              decimal.Decimal
	Amount            decimal.Decimal
	TagIDs            []int
	Analytic          bool
	PriceInclude      bool
	// SubsequentTaxIDs lists the taxes whose base this amount feeds
	// (include_base_amount chaining); they become the tax line's own tax set.
	SubsequentTaxIDs []int
}

// TaxComputation is the outcome of applying a tax set at one price point.
type TaxComputation struct {
	TotalExcluded decimal.Decimal
	TotalIncluded decimal.Decimal
	BaseTags      []int
	Taxes         []TaxImpact
}

// ComputeArgs carries one tax application request. PriceUnit is the price
// after discount. HandlePriceInclude=false treats price-included taxes as
// exclusive, which is what the fiscal-position second pass needs.
type ComputeArgs struct {
	Taxes              []Tax
	PriceUnit          decimal.Decimal
	Quantity           decimal.Decimal
	Currency           Currency
	IsRefund           bool
	HandlePriceInclude bool
	IncludeCabaTags    bool
	Rounding           RoundingMode
}

// TaxEngine applies tax definitions to priced lines. It is pure: no
// persistence, no panics on incomplete draft data.
type TaxEngine struct {
	registry map[int]Tax
}

func NewTaxEngine(taxes []Tax) *TaxEngine {
	byID := make(map[int]Tax, len(taxes))
	for _, t := range taxes {
		byID[t.ID] = t
	}
	return &TaxEngine{registry: byID}
}

// Tax returns a tax definition by id.
func (e *TaxEngine) Tax(id int) (Tax, bool) {
	t, ok := e.registry[id]
	return t, ok
}

// Resolve maps tax ids to definitions, silently skipping unknown ids so the
// engine can run speculatively on incomplete documents.
func (e *TaxEngine) Resolve(ids []int) []Tax {
	out := make([]Tax, 0, len(ids))
	for _, id := range ids {
		if t, ok := e.registry[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// flatTax is a tax expanded out of its group, remembering the group it came
// from so grouping keys can carry the originating tax.
type flatTax struct {
	Tax
	groupID int
}

// flatten sorts by sequence and expands group taxes into their children.
func (e *TaxEngine) flatten(taxes []Tax) []flatTax {
	sorted := make([]Tax, len(taxes))
	copy(sorted, taxes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	var out []flatTax
	for _, t := range sorted {
		if t.AmountType != AmountTypeGroup {
			out = append(out, flatTax{Tax: t})
			continue
		}
		children := e.Resolve(t.ChildTaxIDs)
		sort.SliceStable(children, func(i, j int) bool { return children[i].Sequence < children[j].Sequence })
		for _, child := range children {
			out = append(out, flatTax{Tax: child, groupID: t.ID})
		}
	}
	return out
}

// ComputeAll applies an ordered tax set to one priced quantity and returns
// the price-excluded subtotal, the all-in total, the base tags and one
// TaxImpact per tax repartition line.
func (e *TaxEngine) ComputeAll(a ComputeArgs) TaxComputation {
	taxes := e.flatten(a.Taxes)

	base := a.PriceUnit.Mul(a.Quantity)
	if a.Rounding == RoundPerLine {
		base = a.Currency.Round(base)
	}

	totalExcluded := base
	if a.HandlePriceInclude {
		totalExcluded = e.stripIncludedTaxes(base, taxes, a.Quantity)
	}
	if a.Rounding == RoundPerLine {
		totalExcluded = a.Currency.Round(totalExcluded)
	}

	res := TaxComputation{
		TotalExcluded: a.Currency.Round(totalExcluded),
	}

	runningBase := totalExcluded
	totalIncluded := totalExcluded
	for i, t := range taxes {
		amount := e.taxAmount(t, runningBase, a.Quantity)
		if a.Rounding == RoundPerLine {
			amount = a.Currency.Round(amount)
		}

		var subsequent []int
		if t.IncludeBaseAmount {
			for _, later := range taxes[i+1:] {
				subsequent = append(subsequent, later.ID)
			}
		}

		reps := t.RepartitionFor(a.IsRefund)
		taxReps := make([]TaxRepartitionLine, 0, len(reps))
		for _, rep := range reps {
			switch rep.Kind {
			case RepartitionTax:
				taxReps = append(taxReps, rep)
			case RepartitionBase:
				// Base repartition lines only carry tags; a factor other
				// than 100 never scales the base itself.
				if !t.CashBasis() || a.IncludeCabaTags {
					res.BaseTags = mergeTagIDs(res.BaseTags, rep.TagIDs)
				}
			}
		}

		repAmounts := distributeRepartition(amount, taxReps, a.Currency, a.Rounding)
		for ri, rep := range taxReps {
			accountID := rep.AccountID
			if t.CashBasis() && t.TransitionAccountID != 0 {
				accountID = t.TransitionAccountID
			}
			tags := rep.TagIDs
			if t.CashBasis() && !a.IncludeCabaTags {
				tags = nil
			}
			res.Taxes = append(res.Taxes, TaxImpact{
				TaxID:             t.ID,
				GroupTaxID:        t.groupID,
				RepartitionLineID: rep.ID,
				AccountID:         accountID,
				Base:              a.Currency.Round(runningBase),
				Amount:            repAmounts[ri],
				TagIDs:            tags,
				Analytic:          t.Analytic,
				PriceInclude:      t.PriceInclude,
				SubsequentTaxIDs:  subsequent,
			})
		}

		totalIncluded = totalIncluded.Add(amount)
		if t.IncludeBaseAmount {
			runningBase = runningBase.Add(amount)
		}
	}

	res.TotalIncluded = a.Currency.Round(totalIncluded)
	return res
}

// stripIncludedTaxes backs price-included taxes out of a tax-inclusive base.
// Walked in reverse so an include_base_amount checkpoint resets the
// accumulators on the already-unwound base.
func (e *TaxEngine) stripIncludedTaxes(base decimal.Decimal, taxes []flatTax, quantity decimal.Decimal) decimal.Decimal {
	inclFixed := decimal.Zero
	inclPercent := decimal.Zero
	inclDivision := decimal.Zero

	unwind := func(b decimal.Decimal) decimal.Decimal {
		// (b - fixed) / (1 + pct/100) * (100 - div)/100
		b = b.Sub(inclFixed)
		divisor := dec1.Add(inclPercent.Div(dec100))
		if !divisor.IsZero() {
			b = b.Div(divisor)
		}
		return b.Mul(dec100.Sub(inclDivision)).Div(dec100)
	}

	for i := len(taxes) - 1; i >= 0; i-- {
		t := taxes[i]
		if t.IncludeBaseAmount {
			base = unwind(base)
			inclFixed, inclPercent, inclDivision = decimal.Zero, decimal.Zero, decimal.Zero
		}
		if !t.PriceInclude {
			continue
		}
		switch t.AmountType {
		case AmountTypeFixed:
			inclFixed = inclFixed.Add(quantity.Abs().Mul(t.Amount))
		case AmountTypePercent:
			inclPercent = inclPercent.Add(t.Amount)
		case AmountTypeDivision:
			inclDivision = inclDivision.Add(t.Amount)
		}
	}
	return unwind(base)
}

// taxAmount computes one tax's amount on a base, before repartition.
func (e *TaxEngine) taxAmount(t flatTax, base, quantity decimal.Decimal) decimal.Decimal {
	switch t.AmountType {
	case AmountTypePercent:
		return base.Mul(t.Amount).Div(dec100)
	case AmountTypeFixed:
		amount := quantity.Abs().Mul(t.Amount)
		if base.Sign() < 0 {
			amount = amount.Neg()
		}
		return amount
	case AmountTypeDivision:
		// tax = base / (1 - rate) - base, so that tax/total == rate
		denom := dec1.Sub(t.Amount.Div(dec100))
		if denom.IsZero() {
			return decimal.Zero
		}
		return base.Div(denom).Sub(base)
	default:
		return decimal.Zero
	}
}

// distributeRepartition splits a tax amount over repartition factors.
// In per-line mode each slice is rounded and the rounding dust lands on the
// last repartition line so the slices always sum to the tax amount exactly.
func distributeRepartition(amount decimal.Decimal, reps []TaxRepartitionLine, cur Currency, rounding RoundingMode) []decimal.Decimal {
	out := make([]decimal.Decimal, len(reps))
	if len(reps) == 0 {
		return out
	}
	distributed := decimal.Zero
	for i, rep := range reps {
		part := amount.Mul(rep.Factor).Div(dec100)
		if rounding == RoundPerLine {
			part = cur.Round(part)
		}
		out[i] = part
		distributed = distributed.Add(part)
	}
	if rounding == RoundPerLine {
		dust := amount.Sub(distributed)
		if !dust.IsZero() {
			out[len(out)-1] = out[len(out)-1].Add(dust)
		}
	}
	return out
}

// ComputeLineTaxes computes a business line's subtotal, total, base tags and
// tax impacts in the line's own currency. Lines without taxes short-circuit
// to rounded price × quantity.
func (e *TaxEngine) ComputeLineTaxes(line BusinessLine, cur Currency, rounding RoundingMode, includeCabaTags bool) TaxComputation {
	price := line.PriceAfterDiscount()
	taxes := e.Resolve(line.TaxIDs)
	if len(taxes) == 0 {
		amount := cur.Round(price.Mul(line.Quantity))
		return TaxComputation{TotalExcluded: amount, TotalIncluded: amount}
	}
	return e.ComputeAll(ComputeArgs{
		Taxes:              taxes,
		PriceUnit:          price,
		Quantity:           line.Quantity,
		Currency:           cur,
		IsRefund:           line.IsRefund,
		HandlePriceInclude: true,
		IncludeCabaTags:    includeCabaTags,
		Rounding:           rounding,
	})
}

// AdjustPriceForFiscalPosition converts a tax-included unit price quoted
// under one tax set into the equivalent price under the fiscal position's
// substituted set. Two passes: the original taxes are backed out to get the
// true tax-excluded price, then any still-price-included substituted taxes
// are re-added on that base. Substituting incl→excl or excl→incl therefore
// never double-taxes or double-detaxes the price.
func (e *TaxEngine) AdjustPriceForFiscalPosition(priceUnit decimal.Decimal, taxIDs []int, fp *FiscalPosition, cur Currency, isRefund bool) decimal.Decimal {
	mappedIDs := fp.MapTaxIDs(taxIDs)
	if equalIDs(mappedIDs, taxIDs) {
		return priceUnit
	}

	orig := e.Resolve(taxIDs)
	excluded := e.ComputeAll(ComputeArgs{
		Taxes:              orig,
		PriceUnit:          priceUnit,
		Quantity:           dec1,
		Currency:           cur,
		IsRefund:           isRefund,
		HandlePriceInclude: true,
		Rounding:           RoundGlobally,
	}).TotalExcluded

	mapped := e.Resolve(mappedIDs)
	second := e.ComputeAll(ComputeArgs{
		Taxes:              mapped,
		PriceUnit:          excluded,
		Quantity:           dec1,
		Currency:           cur,
		IsRefund:           isRefund,
		HandlePriceInclude: false,
		Rounding:           RoundGlobally,
	})
	price := excluded
	for _, impact := range second.Taxes {
		if impact.PriceInclude {
			price = price.Add(impact.Amount)
		}
	}
	return cur.Round(price)
}

// PriceUnitInCurrency converts a unit price from the product's pricing
// currency into the document currency at the document date.
func (e *TaxEngine) PriceUnitInCurrency(cs *CurrencyService, price decimal.Decimal, fromCurrencyID, toCurrencyID, companyID int, date time.Time) decimal.Decimal {
	if fromCurrencyID == toCurrencyID {
		return price
	}
	return cs.ConvertRaw(price, fromCurrencyID, toCurrencyID, companyID, date)
}

// UnitPriceFromTotal inverts a line total back to a unit price. Zero
// quantity or a 100% discount yield zero instead of dividing by zero, since
// this runs speculatively on draft lines.
func UnitPriceFromTotal(total, quantity, discountPercent decimal.Decimal) decimal.Decimal {
	if quantity.IsZero() {
		return decimal.Zero
	}
	factor := dec1.Sub(discountPercent.Div(dec100))
	if factor.IsZero() {
		return decimal.Zero
	}
	return total.Div(quantity).Div(factor)
}

func equalIDs(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mergeTagIDs(dst, src []int) []int {
	seen := make(map[int]bool, len(dst))
	for _, id := range dst {
		seen[id] = true
	}
	for _, id := range src {
		if !seen[id] {
			seen[id] = true
			dst = append(dst, id)
		}
	}
	return dst
}
