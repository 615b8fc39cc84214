package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Reconciliation precondition violations. All are raised before any
// mutation: a half-applied reconciliation is never left behind.
var (
	ErrAlreadyReconciled = errors.New("entries are already fully reconciled")
	ErrMixedCompanies    = errors.New("entries to reconcile must share one company")
	ErrMixedAccounts     = errors.New("entries to reconcile must share one account")
	ErrNotReconcilable   = errors.New("account is not marked as reconcilable")
	ErrNotPosted         = errors.New("entries to reconcile must belong to posted moves")
	ErrExchangeConfig    = errors.New("exchange difference configuration is incomplete")
)

// ReconcileOptions tweak the matching pass.
type ReconcileOptions struct {
	// NoExchangeDifference suppresses exchange-difference corrections; set
	// when reconciling the corrections themselves to stop the recursion.
	NoExchangeDifference bool
	// ReducedLineSorting omits the amount component from the deterministic
	// sort key.
	ReducedLineSorting bool
}

// PartialVals is one planned partial match between a debit and a credit
// line: the amount in company currency plus the amount in each line's own
// currency.
type PartialVals struct {
	DebitLineID          int
	CreditLineID         int
	Amount               decimal.Decimal
	DebitAmountCurrency  decimal.Decimal
	CreditAmountCurrency decimal.Decimal
}

// ExchangeDiffItem is the leftover residual of a fully-matched line that an
// exchange-difference entry must absorb.
type ExchangeDiffItem struct {
	Line                   *LedgerLine
	AmountResidual         decimal.Decimal // signed, company currency
	AmountResidualCurrency decimal.Decimal // signed, line currency
}

// ReconcilePlan is the outcome of one matching pass. Residuals on the input
// lines have been reduced in place by the planned partials.
type ReconcilePlan struct {
	Partials      []PartialVals
	ExchangeItems []ExchangeDiffItem
}

// Reconciler matches debit lines against credit lines. The matching itself
// is pure; persistence happens in LedgerService.
type Reconciler struct {
	Currencies *CurrencyService
	Accounts   map[int]Account
}

func NewReconciler(currencies *CurrencyService, accounts []Account) *Reconciler {
	byID := make(map[int]Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}
	return &Reconciler{Currencies: currencies, Accounts: byID}
}

// ValidateReconciliation enforces the preconditions on a candidate line set:
// a single reconcilable (or liquidity) account, a single company, posted
// moves only, nothing already fully reconciled.
func (r *Reconciler) ValidateReconciliation(lines []*LedgerLine) error {
	if len(lines) == 0 {
		return nil
	}
	companyID := lines[0].CompanyID
	accountID := lines[0].AccountID
	for _, l := range lines {
		if l.Reconciled || l.FullReconcileID != 0 {
			return fmt.Errorf("%w: line %d", ErrAlreadyReconciled, l.ID)
		}
		if l.CompanyID != companyID {
			return fmt.Errorf("%w: got companies %d and %d", ErrMixedCompanies, companyID, l.CompanyID)
		}
		if l.AccountID != accountID {
			return fmt.Errorf("%w: got accounts %d and %d", ErrMixedAccounts, accountID, l.AccountID)
		}
		if l.MoveState != MovePosted {
			return fmt.Errorf("%w: line %d is in state %q", ErrNotPosted, l.ID, l.MoveState)
		}
	}
	account, ok := r.Accounts[accountID]
	if !ok || (!account.Reconcilable && account.Kind != AccountLiquidity) {
		return fmt.Errorf("%w: account %s (%s)", ErrNotReconcilable, account.Code, account.Name)
	}
	return nil
}

// sortLines orders lines deterministically so re-running reconciliation on
// the same unreconciled set reproduces the same partials.
func sortLines(lines []*LedgerLine, opts ReconcileOptions) []*LedgerLine {
	sorted := make([]*LedgerLine, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.EffectiveDate().Equal(b.EffectiveDate()) {
			return a.EffectiveDate().Before(b.EffectiveDate())
		}
		if a.CurrencyID != b.CurrencyID {
			return a.CurrencyID < b.CurrencyID
		}
		if !opts.ReducedLineSorting {
			if cmp := a.AmountCurrency.Cmp(b.AmountCurrency); cmp != 0 {
				return cmp < 0
			}
		}
		return a.ID < b.ID
	})
	return sorted
}

// residualSign classifies a line as debit-signed (+1), credit-signed (-1) or
// exhausted (0), looking at the company residual first and the currency
// residual for lines whose company residual is already zero.
func (r *Reconciler) residualSign(l *LedgerLine, company Company) int {
	companyCur := r.Currencies.Get(company.CurrencyID)
	if !companyCur.IsZero(l.AmountResidual) {
		return l.AmountResidual.Sign()
	}
	lineCur := r.Currencies.Get(l.CurrencyID)
	if !lineCur.IsZero(l.AmountResidualCurrency) {
		return l.AmountResidualCurrency.Sign()
	}
	return 0
}

// accountingRate is the line's own rate: units of its currency per one unit
// of company currency. Zero when no rate can be derived from the line.
func accountingRate(l *LedgerLine) decimal.Decimal {
	if !l.AmountResidual.IsZero() && !l.AmountResidualCurrency.IsZero() {
		return l.AmountResidualCurrency.Div(l.AmountResidual).Abs()
	}
	balance := l.Balance()
	if !balance.IsZero() && !l.AmountCurrency.IsZero() {
		return l.AmountCurrency.Div(balance).Abs()
	}
	return decimal.Zero
}

func clamp(amount, limit decimal.Decimal) decimal.Decimal {
	if amount.GreaterThan(limit) {
		return limit
	}
	return amount
}

// PlanPartials matches debit lines against credit lines in deterministic
// order and returns the planned partials plus the exchange-difference
// corrections owed to fully-matched sides. Residuals on the lines are
// reduced in place.
func (r *Reconciler) PlanPartials(lines []*LedgerLine, company Company, opts ReconcileOptions) ReconcilePlan {
	sorted := sortLines(lines, opts)

	var debits, credits []*LedgerLine
	for _, l := range sorted {
		switch r.residualSign(l, company) {
		case 1:
			debits = append(debits, l)
		case -1:
			credits = append(credits, l)
		}
	}

	var plan ReconcilePlan
	i, j := 0, 0
	for i < len(debits) && j < len(credits) {
		d, c := debits[i], credits[j]
		if r.residualSign(d, company) == 0 {
			i++
			continue
		}
		if r.residualSign(c, company) == 0 {
			j++
			continue
		}

		partial, items, dFull, cFull := r.matchPair(d, c, company, opts)
		if partial != nil {
			plan.Partials = append(plan.Partials, *partial)
		}
		plan.ExchangeItems = append(plan.ExchangeItems, items...)
		if dFull {
			i++
		}
		if cFull {
			j++
		}
		if !dFull && !cFull {
			// No progress is only possible when both residuals round to
			// zero; bail out rather than loop.
			break
		}
	}
	return plan
}

// matchPair reconciles one (debit, credit) pair: it picks the
// reconciliation currency through the priority cascade, computes the
// clamped per-side amounts, reduces residuals and reports which side(s)
// were fully matched this round.
func (r *Reconciler) matchPair(d, c *LedgerLine, company Company, opts ReconcileOptions) (*PartialVals, []ExchangeDiffItem, bool, bool) {
	companyCur := r.Currencies.Get(company.CurrencyID)
	dCur := r.Currencies.Get(d.CurrencyID)
	cCur := r.Currencies.Get(c.CurrencyID)

	dResC := d.AmountResidual
	cResC := c.AmountResidual.Neg()
	dResCur := d.AmountResidualCurrency
	cResCur := c.AmountResidualCurrency.Neg()

	account := r.Accounts[d.AccountID]

	// Reconciliation-currency cascade. carryRate=false marks the
	// exchange-difference special case: company-currency matching that must
	// not touch the foreign residuals.
	recCurrencyID := company.CurrencyID
	carryRate := true
	var pairRate decimal.Decimal

	switch {
	case d.CurrencyID == company.CurrencyID && c.CurrencyID == company.CurrencyID:
		// Plain company-currency matching at rate 1.

	case d.CurrencyID != c.CurrencyID && (d.CurrencyID == company.CurrencyID || c.CurrencyID == company.CurrencyID) && account.ReceivablePayable():
		// One side is foreign on a receivable/payable account: pull the
		// company-currency side into the foreign currency, at the foreign
		// line's own rate when it comes from a payment, else at the
		// document-date rate. Fall back to company currency if the
		// conversion rounds to nothing.
		foreign, domestic := d, c
		foreignRes, domesticRes := dResCur, cResC
		if c.CurrencyID != company.CurrencyID {
			foreign, domestic = c, d
			foreignRes, domesticRes = cResCur, dResC
		}
		foreignCur := r.Currencies.Get(foreign.CurrencyID)
		rate := decimal.Zero
		if foreign.IsPayment {
			rate = accountingRate(foreign)
		}
		if rate.IsZero() {
			rate = r.Currencies.rates.Rate(foreign.CurrencyID, company.ID, domestic.Date)
		}
		converted := foreignCur.Round(domesticRes.Mul(rate))
		if rate.IsZero() || (converted.IsZero() && !domesticRes.IsZero()) || foreignCur.IsZero(foreignRes) {
			// stay in company currency
		} else {
			recCurrencyID = foreign.CurrencyID
			pairRate = rate
		}

	case d.CurrencyID == c.CurrencyID && d.CurrencyID != company.CurrencyID:
		if dCur.IsZero(dResCur) || cCur.IsZero(cResCur) {
			// Exchange-difference lines carry a zero residual in their own
			// currency: match in company currency without a rate so the
			// correction does not also alter the foreign residuals.
			carryRate = false
		} else {
			recCurrencyID = d.CurrencyID
		}

	default:
		// Different foreign currencies on each side: company currency.
	}

	recCur := r.Currencies.Get(recCurrencyID)

	// Residuals expressed in the reconciliation currency.
	recResidual := func(l *LedgerLine, resC, resCur decimal.Decimal) decimal.Decimal {
		switch {
		case recCurrencyID == company.CurrencyID:
			return resC
		case l.CurrencyID == recCurrencyID:
			return resCur
		default:
			return recCur.Round(resC.Mul(pairRate))
		}
	}
	dRec := recResidual(d, dResC, dResCur)
	cRec := recResidual(c, cResC, cResCur)

	matched := decimal.Min(dRec, cRec)
	if recCur.IsZero(matched) {
		// Nothing to match at this precision; both sides count as done.
		return nil, nil, true, true
	}

	// Per-side amounts at each side's own rate, clamped so floating-point
	// overshoot can never exceed a side's own residual.
	sideAmounts := func(l *LedgerLine, resC, resCur decimal.Decimal) (companyAmt, ownAmt decimal.Decimal) {
		lineCur := r.Currencies.Get(l.CurrencyID)
		if recCurrencyID == company.CurrencyID {
			companyAmt = matched
			switch {
			case l.CurrencyID == company.CurrencyID:
				ownAmt = matched
			case !carryRate:
				ownAmt = decimal.Zero
			default:
				rate := accountingRate(l)
				if rate.IsZero() {
					rate = r.Currencies.rates.Rate(l.CurrencyID, company.ID, l.Date)
				}
				ownAmt = clamp(lineCur.Round(matched.Mul(rate)), resCur)
			}
			return companyAmt, ownAmt
		}
		// Reconciling in a foreign currency.
		if l.CurrencyID == recCurrencyID {
			ownAmt = matched
			rate := accountingRate(l)
			if rate.IsZero() {
				rate = pairRate
			}
			if rate.IsZero() {
				companyAmt = clamp(matched, resC)
			} else {
				companyAmt = clamp(companyCur.Round(matched.Div(rate)), resC)
			}
			return companyAmt, ownAmt
		}
		// Company-currency side converted into the foreign pivot.
		companyAmt = clamp(companyCur.Round(matched.Div(pairRate)), resC)
		ownAmt = companyAmt
		return companyAmt, ownAmt
	}

	dCompanyAmt, dOwnAmt := sideAmounts(d, dResC, dResCur)
	cCompanyAmt, cOwnAmt := sideAmounts(c, cResC, cResCur)
	amount := decimal.Min(dCompanyAmt, cCompanyAmt)

	partial := &PartialVals{
		DebitLineID:          d.ID,
		CreditLineID:         c.ID,
		Amount:               amount,
		DebitAmountCurrency:  dOwnAmt,
		CreditAmountCurrency: cOwnAmt,
	}

	dFull := recCur.Compare(dRec, matched) == 0
	cFull := recCur.Compare(cRec, matched) == 0

	d.AmountResidual = d.AmountResidual.Sub(amount)
	d.AmountResidualCurrency = d.AmountResidualCurrency.Sub(dOwnAmt)
	c.AmountResidual = c.AmountResidual.Add(amount)
	c.AmountResidualCurrency = c.AmountResidualCurrency.Add(cOwnAmt)

	var items []ExchangeDiffItem
	if !opts.NoExchangeDifference {
		collect := func(l *LedgerLine, full bool) {
			if !full {
				return
			}
			lineCur := r.Currencies.Get(l.CurrencyID)
			leftC := l.AmountResidual
			leftCur := l.AmountResidualCurrency
			if companyCur.IsZero(leftC) && lineCur.IsZero(leftCur) {
				return
			}
			items = append(items, ExchangeDiffItem{
				Line:                   l,
				AmountResidual:         leftC,
				AmountResidualCurrency: leftCur,
			})
		}
		collect(d, dFull)
		collect(c, cFull)
	}

	return partial, items, dFull, cFull
}

// ExchangeMoveLineVals is one line of a planned exchange-difference entry.
// SourceLineID is set on the leg that offsets the original line and must be
// reconciled back onto it.
type ExchangeMoveLineVals struct {
	AccountID      int
	PartnerID      int
	CurrencyID     int
	Debit          decimal.Decimal
	Credit         decimal.Decimal
	AmountCurrency decimal.Decimal
	Label          string
	SourceLineID   int
}

// ExchangeMoveVals is a planned exchange-difference journal entry: one
// offsetting leg per correction plus one gain/loss leg each.
type ExchangeMoveVals struct {
	JournalID int
	Date      time.Time
	Lines     []ExchangeMoveLineVals
}

// PrepareExchangeDifferenceVals plans the journal entry absorbing the given
// corrections. The entry is dated at the latest involved line date, floored
// at the day after the fiscal lock date. Missing exchange configuration is a
// fatal, user-reported error.
func (r *Reconciler) PrepareExchangeDifferenceVals(items []ExchangeDiffItem, company Company) (*ExchangeMoveVals, error) {
	if len(items) == 0 {
		return nil, nil
	}
	switch {
	case company.ExchangeJournalID == 0:
		return nil, fmt.Errorf("%w: configure an exchange journal on company %s", ErrExchangeConfig, company.Name)
	case company.GainAccountID == 0:
		return nil, fmt.Errorf("%w: configure an exchange gain account on company %s", ErrExchangeConfig, company.Name)
	case company.LossAccountID == 0:
		return nil, fmt.Errorf("%w: configure an exchange loss account on company %s", ErrExchangeConfig, company.Name)
	}

	vals := &ExchangeMoveVals{JournalID: company.ExchangeJournalID}
	var maxDate time.Time
	for _, item := range items {
		if item.Line.Date.After(maxDate) {
			maxDate = item.Line.Date
		}

		residual := item.AmountResidual
		residualCur := item.AmountResidualCurrency

		var debit, credit decimal.Decimal
		if residual.Sign() > 0 {
			credit = residual
		} else {
			debit = residual.Neg()
		}
		vals.Lines = append(vals.Lines, ExchangeMoveLineVals{
			AccountID:      item.Line.AccountID,
			PartnerID:      item.Line.PartnerID,
			CurrencyID:     item.Line.CurrencyID,
			Debit:          debit,
			Credit:         credit,
			AmountCurrency: residualCur.Neg(),
			Label:          "Currency exchange rate difference",
			SourceLineID:   item.Line.ID,
		})

		// Writing off a positive leftover is a loss, a negative one a gain.
		sign := residual.Sign()
		if sign == 0 {
			sign = residualCur.Sign()
		}
		gainLossAccount := company.GainAccountID
		if sign > 0 {
			gainLossAccount = company.LossAccountID
		}
		vals.Lines = append(vals.Lines, ExchangeMoveLineVals{
			AccountID:      gainLossAccount,
			PartnerID:      item.Line.PartnerID,
			CurrencyID:     item.Line.CurrencyID,
			Debit:          credit,
			Credit:         debit,
			AmountCurrency: residualCur,
			Label:          "Currency exchange rate difference",
		})
	}

	vals.Date = maxDate
	if !company.FiscalLockDate.IsZero() {
		floor := company.FiscalLockDate.AddDate(0, 0, 1)
		if vals.Date.Before(floor) {
			vals.Date = floor
		}
	}
	return vals, nil
}

// FullReconcileCheck reports whether a line set is fully settled: every
// residual is zero in company currency, and in the shared foreign currency
// too when the whole set uses a single one.
func (r *Reconciler) FullReconcileCheck(lines []*LedgerLine, company Company) bool {
	companyCur := r.Currencies.Get(company.CurrencyID)
	currencyIDs := make(map[int]bool)
	for _, l := range lines {
		currencyIDs[l.CurrencyID] = true
	}
	singleCurrency := len(currencyIDs) == 1
	for _, l := range lines {
		if !companyCur.IsZero(l.AmountResidual) {
			return false
		}
		if singleCurrency {
			lineCur := r.Currencies.Get(l.CurrencyID)
			if !lineCur.IsZero(l.AmountResidualCurrency) {
				return false
			}
		}
	}
	return true
}
