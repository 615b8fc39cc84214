package core

import (
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// GroupingKey is the canonical identity that merges equivalent tax impacts
// into one ledger line. It is a comparable value type so map lookup uses
// structural equality; id sets are carried as canonical sorted strings.
type GroupingKey struct {
	AccountID            int
	CurrencyID           int
	PartnerID            int
	TaxRepartitionLineID int
	TaxIDs               string
	TagIDs               string
	TaxLineID            int // originating tax (the group tax when expanded)
	AnalyticAccountID    int
	AnalyticTagIDs       string
}

// canonicalIDs serializes an id set deterministically: sorted ascending,
// comma-joined.
func canonicalIDs(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	sorted := make([]int, len(ids))
	copy(sorted, ids)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// TaxLineVals carries everything needed to create one tax ledger line.
type TaxLineVals struct {
	Key                  GroupingKey
	AccountID            int
	CurrencyID           int
	PartnerID            int
	TaxRepartitionLineID int
	TaxLineID            int
	TaxIDs               []int
	TagIDs               []int
	AnalyticAccountID    int
	AnalyticTagIDs       []int
	TaxBaseAmount        decimal.Decimal
	Amount               decimal.Decimal // in the line's currency
}

// TaxLineUpdate retargets an existing tax line's amounts.
type TaxLineUpdate struct {
	LineID        int
	TaxBaseAmount decimal.Decimal
	Amount        decimal.Decimal
}

// BaseLineUpdate refreshes a base line's computed subtotal, total and tags.
type BaseLineUpdate struct {
	LineID        int
	AmountUntaxed decimal.Decimal
	AmountTotal   decimal.Decimal
	TagIDs        []int
}

// CurrencyTotals is the running document total for one currency.
type CurrencyTotals struct {
	AmountUntaxed decimal.Decimal
	AmountTax     decimal.Decimal
}

// TaxSyncResult is the diff bringing a document's persisted tax lines in
// line with what its base lines currently imply.
type TaxSyncResult struct {
	ToCreate         []TaxLineVals
	ToUpdate         []TaxLineUpdate
	ToDelete         []int // ledger line ids
	BaseUpdates      []BaseLineUpdate
	TotalsByCurrency map[int]CurrencyTotals
}

// Changed reports whether the sync produced any persistence work.
func (r TaxSyncResult) Changed() bool {
	return len(r.ToCreate) > 0 || len(r.ToUpdate) > 0 || len(r.ToDelete) > 0
}

// TaxSyncer diffs computed tax impacts against existing tax lines.
type TaxSyncer struct {
	Engine     *TaxEngine
	Currencies *CurrencyService
}

func NewTaxSyncer(engine *TaxEngine, currencies *CurrencyService) *TaxSyncer {
	return &TaxSyncer{Engine: engine, Currencies: currencies}
}

type groupAccum struct {
	vals   TaxLineVals
	base   decimal.Decimal
	amount decimal.Decimal
}

// SyncTaxLines consumes a document's lines — priced base lines and existing
// tax lines mixed — and returns the create/update/delete sets plus base-line
// updates and per-currency running totals. The routine is idempotent: run on
// an already-synced document it returns an empty diff.
//
// Postcondition: after applying the result, the document's tax lines are in
// 1:1 correspondence with the distinct grouping keys implied by its base
// lines.
func (s *TaxSyncer) SyncTaxLines(lines []BusinessLine, company Company) TaxSyncResult {
	res := TaxSyncResult{TotalsByCurrency: make(map[int]CurrencyTotals)}

	// Pass 1: compute impacts for base lines, reduce into grouping buckets.
	computed := make(map[GroupingKey]*groupAccum)
	var keyOrder []GroupingKey
	for _, line := range lines {
		if line.IsTaxLine() {
			continue
		}
		cur := s.Currencies.Get(line.CurrencyID)
		comp := s.Engine.ComputeLineTaxes(line, cur, company.TaxRounding, false)

		if len(line.TaxIDs) > 0 || line.ID != 0 {
			res.BaseUpdates = append(res.BaseUpdates, BaseLineUpdate{
				LineID:        line.ID,
				AmountUntaxed: comp.TotalExcluded,
				AmountTotal:   comp.TotalIncluded,
				TagIDs:        comp.BaseTags,
			})
		}
		totals := res.TotalsByCurrency[line.CurrencyID]
		totals.AmountUntaxed = totals.AmountUntaxed.Add(comp.TotalExcluded)
		res.TotalsByCurrency[line.CurrencyID] = totals

		for _, impact := range comp.Taxes {
			accountID := impact.AccountID
			if accountID == 0 {
				accountID = line.AccountID
			}
			analyticAccountID := 0
			var analyticTags []int
			if impact.Analytic {
				analyticAccountID = line.AnalyticAccountID
				analyticTags = line.AnalyticTagIDs
			}
			originating := impact.TaxID
			if impact.GroupTaxID != 0 {
				originating = impact.GroupTaxID
			}
			key := GroupingKey{
				AccountID:            accountID,
				CurrencyID:           line.CurrencyID,
				PartnerID:            line.PartnerID,
				TaxRepartitionLineID: impact.RepartitionLineID,
				TaxIDs:               canonicalIDs(impact.SubsequentTaxIDs),
				TagIDs:               canonicalIDs(impact.TagIDs),
				TaxLineID:            originating,
				AnalyticAccountID:    analyticAccountID,
				AnalyticTagIDs:       canonicalIDs(analyticTags),
			}
			accum, ok := computed[key]
			if !ok {
				accum = &groupAccum{vals: TaxLineVals{
					Key:                  key,
					AccountID:            accountID,
					CurrencyID:           line.CurrencyID,
					PartnerID:            line.PartnerID,
					TaxRepartitionLineID: impact.RepartitionLineID,
					TaxLineID:            originating,
					TaxIDs:               impact.SubsequentTaxIDs,
					TagIDs:               impact.TagIDs,
					AnalyticAccountID:    analyticAccountID,
					AnalyticTagIDs:       analyticTags,
				}}
				computed[key] = accum
				keyOrder = append(keyOrder, key)
			}
			accum.base = accum.base.Add(impact.Base)
			accum.amount = accum.amount.Add(impact.Amount)
		}
	}

	// Pass 2: key the existing tax lines on their stored grouping fields.
	// Two existing lines colliding on one key (manual edits) keep the first;
	// the rest are stale duplicates.
	existing := make(map[GroupingKey]BusinessLine)
	for _, line := range lines {
		if !line.IsTaxLine() {
			continue
		}
		key := GroupingKey{
			AccountID:            line.AccountID,
			CurrencyID:           line.CurrencyID,
			PartnerID:            line.PartnerID,
			TaxRepartitionLineID: line.TaxRepartitionLineID,
			TaxIDs:               canonicalIDs(line.TaxIDs),
			TagIDs:               canonicalIDs(line.TagIDs),
			TaxLineID:            line.TaxLineID,
			AnalyticAccountID:    line.AnalyticAccountID,
			AnalyticTagIDs:       canonicalIDs(line.AnalyticTagIDs),
		}
		if _, dup := existing[key]; dup {
			res.ToDelete = append(res.ToDelete, line.ID)
			continue
		}
		existing[key] = line
	}

	// Pass 3: reconcile the two maps.
	matched := make(map[GroupingKey]bool)
	for _, key := range keyOrder {
		accum := computed[key]
		cur := s.Currencies.Get(key.CurrencyID)
		accum.vals.TaxBaseAmount = cur.Round(accum.base)
		accum.vals.Amount = cur.Round(accum.amount)

		totals := res.TotalsByCurrency[key.CurrencyID]
		totals.AmountTax = totals.AmountTax.Add(accum.vals.Amount)
		res.TotalsByCurrency[key.CurrencyID] = totals

		if line, ok := existing[key]; ok {
			matched[key] = true
			if cur.Compare(line.Amount, accum.vals.Amount) != 0 ||
				cur.Compare(line.TaxBaseAmount, accum.vals.TaxBaseAmount) != 0 {
				res.ToUpdate = append(res.ToUpdate, TaxLineUpdate{
					LineID:        line.ID,
					TaxBaseAmount: accum.vals.TaxBaseAmount,
					Amount:        accum.vals.Amount,
				})
			}
			continue
		}
		res.ToCreate = append(res.ToCreate, accum.vals)
	}

	// Existing tax lines no longer implied by any base line are stale.
	var staleKeys []GroupingKey
	for key := range existing {
		if !matched[key] {
			staleKeys = append(staleKeys, key)
		}
	}
	sort.Slice(staleKeys, func(i, j int) bool {
		return existing[staleKeys[i]].ID < existing[staleKeys[j]].ID
	})
	for _, key := range staleKeys {
		res.ToDelete = append(res.ToDelete, existing[key].ID)
	}

	return res
}
