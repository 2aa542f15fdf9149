package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Filter narrows the orders a settlement run or preview may touch.
// Zero-valued fields do not constrain. Time fields are evaluated in UTC.
type Filter struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`

	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
	// HourStart and HourEnd bound the hour of creation, inclusive start and
	// exclusive end. A window with HourStart > HourEnd wraps past midnight.
	HourStart *int `json:"hour_start,omitempty"`
	HourEnd   *int `json:"hour_end,omitempty"`

	IncludePartners       []string `json:"include_partners,omitempty"`
	ExcludePartners       []string `json:"exclude_partners,omitempty"`
	IncludeSubMerchants   []string `json:"include_sub_merchants,omitempty"`
	ExcludeSubMerchants   []string `json:"exclude_sub_merchants,omitempty"`
	IncludePaymentMethods []string `json:"include_payment_methods,omitempty"`
	ExcludePaymentMethods []string `json:"exclude_payment_methods,omitempty"`

	MinAmount *decimal.Decimal `json:"min_amount,omitempty"`
	MaxAmount *decimal.Decimal `json:"max_amount,omitempty"`
}

// Matches reports whether o satisfies every constraint of f. It does not
// check status; callers combine it with their own eligibility rule.
func (f Filter) Matches(o Order) bool {
	created := o.CreatedAt.UTC()
	if f.From != nil && created.Before(f.From.UTC()) {
		return false
	}
	if f.To != nil && !created.Before(f.To.UTC()) {
		return false
	}
	if len(f.DaysOfWeek) > 0 && !containsWeekday(f.DaysOfWeek, created.Weekday()) {
		return false
	}
	if f.HourStart != nil || f.HourEnd != nil {
		start, end := f.HourWindow()
		if !hourInWindow(created.Hour(), start, end) {
			return false
		}
	}
	if len(f.IncludePartners) > 0 && !contains(f.IncludePartners, o.PartnerID) {
		return false
	}
	if contains(f.ExcludePartners, o.PartnerID) {
		return false
	}
	sub := ""
	if o.SubMerchantID != nil {
		sub = *o.SubMerchantID
	}
	if len(f.IncludeSubMerchants) > 0 && (sub == "" || !contains(f.IncludeSubMerchants, sub)) {
		return false
	}
	if sub != "" && contains(f.ExcludeSubMerchants, sub) {
		return false
	}
	if len(f.IncludePaymentMethods) > 0 && !contains(f.IncludePaymentMethods, o.PaymentMethod) {
		return false
	}
	if contains(f.ExcludePaymentMethods, o.PaymentMethod) {
		return false
	}
	if f.MinAmount != nil && o.Amount.LessThan(*f.MinAmount) {
		return false
	}
	if f.MaxAmount != nil && o.Amount.GreaterThan(*f.MaxAmount) {
		return false
	}
	return true
}

// HourWindow returns the effective [start, end) hour window, defaulting
// a missing bound to the start or end of the day.
func (f Filter) HourWindow() (int, int) {
	start, end := 0, 24
	if f.HourStart != nil {
		start = *f.HourStart
	}
	if f.HourEnd != nil {
		end = *f.HourEnd
	}
	return start, end
}

func hourInWindow(h, start, end int) bool {
	if start <= end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

func containsWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, v := range days {
		if v == d {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
