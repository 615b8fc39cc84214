package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Currency struct {
	ID            int    `json:"id"`
	Code          string `json:"code"`
	Symbol        string `json:"symbol"`
	DecimalPlaces int32  `json:"decimal_places"`
	SymbolBefore  bool   `json:"symbol_before"`
}

// Round rounds half away from zero to the currency's precision.
func (c Currency) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(c.DecimalPlaces)
}

// IsZero reports whether the amount rounds to zero at the currency's
// precision. Residual dust below precision must compare as zero.
func (c Currency) IsZero(amount decimal.Decimal) bool {
	return amount.Round(c.DecimalPlaces).IsZero()
}

// Compare compares two amounts at the currency's precision:
// -1, 0 or +1.
func (c Currency) Compare(a, b decimal.Decimal) int {
	return a.Round(c.DecimalPlaces).Cmp(b.Round(c.DecimalPlaces))
}

// RateProvider yields the conversion rate of a currency against the
// company currency as of a date: how many units of the currency equal one
// unit of the company currency. The company currency itself is rate 1.
type RateProvider interface {
	Rate(currencyID, companyID int, date time.Time) decimal.Decimal
}

// MemoryRates is an in-memory RateProvider: dated rates per currency and
// company, looked up as the latest rate on or before the requested date.
// Missing rates fall back to 1 so speculative draft computations degrade
// instead of failing.
type MemoryRates struct {
	rates map[[2]int][]datedRate
}

type datedRate struct {
	date time.Time
	rate decimal.Decimal
}

func NewMemoryRates() *MemoryRates {
	return &MemoryRates{rates: make(map[[2]int][]datedRate)}
}

func (m *MemoryRates) Add(currencyID, companyID int, date time.Time, rate decimal.Decimal) {
	key := [2]int{currencyID, companyID}
	m.rates[key] = append(m.rates[key], datedRate{date: date, rate: rate})
	sort.Slice(m.rates[key], func(i, j int) bool {
		return m.rates[key][i].date.Before(m.rates[key][j].date)
	})
}

func (m *MemoryRates) Rate(currencyID, companyID int, date time.Time) decimal.Decimal {
	entries := m.rates[[2]int{currencyID, companyID}]
	rate := decimal.NewFromInt(1)
	for _, e := range entries {
		if e.date.After(date) {
			break
		}
		rate = e.rate
	}
	return rate
}

// CurrencyService converts and rounds amounts using a currency registry and
// a dated rate provider.
type CurrencyService struct {
	currencies map[int]Currency
	rates      RateProvider
}

func NewCurrencyService(currencies []Currency, rates RateProvider) *CurrencyService {
	byID := make(map[int]Currency, len(currencies))
	for _, c := range currencies {
		byID[c.ID] = c
	}
	return &CurrencyService{currencies: byID, rates: rates}
}

// Get returns the currency for an id; unknown ids return a 2-decimal
// placeholder so draft-state computations never panic.
func (s *CurrencyService) Get(id int) Currency {
	if c, ok := s.currencies[id]; ok {
		return c
	}
	return Currency{ID: id, DecimalPlaces: 2}
}

// Convert converts an amount between two currencies using the daily rate of
// the given company and date, rounded to the target currency's precision.
func (s *CurrencyService) Convert(amount decimal.Decimal, fromID, toID, companyID int, date time.Time) decimal.Decimal {
	return s.Get(toID).Round(s.ConvertRaw(amount, fromID, toID, companyID, date))
}

// ConvertRaw converts without rounding.
func (s *CurrencyService) ConvertRaw(amount decimal.Decimal, fromID, toID, companyID int, date time.Time) decimal.Decimal {
	if fromID == toID || amount.IsZero() {
		return amount
	}
	fromRate := s.rates.Rate(fromID, companyID, date)
	toRate := s.rates.Rate(toID, companyID, date)
	if fromRate.IsZero() {
		return decimal.Zero
	}
	return amount.Div(fromRate).Mul(toRate)
}

// FormatAmount renders an amount for display in the given currency:
// thousands-separated, fixed decimals, symbol on the configured side.
func FormatAmount(amount decimal.Decimal, c Currency) string {
	fixed := amount.StringFixed(c.DecimalPlaces)
	neg := strings.HasPrefix(fixed, "-")
	fixed = strings.TrimPrefix(fixed, "-")

	intPart := fixed
	fracPart := ""
	if i := strings.IndexByte(fixed, '.'); i >= 0 {
		intPart, fracPart = fixed[:i], fixed[i:]
	}

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	num := b.String() + fracPart
	if neg {
		num = "-" + num
	}
	if c.Symbol == "" {
		return num
	}
	if c.SymbolBefore {
		return fmt.Sprintf("%s %s", c.Symbol, num)
	}
	return fmt.Sprintf("%s %s", num, c.Symbol)
}
