package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// MerchantBalance is one merchant's balance with its signed movement since local midnight.
type MerchantBalance struct {
	MerchantID  int64
	Name        string
	Current     decimal.Decimal
	NetMovement decimal.Decimal
}

// Midnight derives the balance at the start of the local day.
func (m MerchantBalance) Midnight() decimal.Decimal {
	return m.Current.Sub(m.NetMovement)
}

// BalanceHeader matches MerchantBalance.Row.
var BalanceHeader = []string{"merchant_id", "saldo_atual", "saldo_0h", "name_text"}

// Row renders the sink columns.
func (m MerchantBalance) Row() []any {
	return []any{m.MerchantID, m.Current.StringFixed(2), m.Midnight().StringFixed(2), m.Name}
}

// PaymentAggregate groups the day's paid payments.
type PaymentAggregate struct {
	Day      time.Time
	Merchant string
	Provider string
	Method   string
	Count    int64
	Volume   decimal.Decimal
}

// Row renders the sink columns.
func (p PaymentAggregate) Row() []any {
	return []any{p.Day.Format("2006-01-02"), p.Merchant, p.Provider, p.Method, p.Count, p.Volume.StringFixed(2)}
}

// BackofficeAggregate groups manual adjustments per merchant, description and minute.
type BackofficeAggregate struct {
	Merchant    string
	Description string
	Total       decimal.Decimal
	Minute      time.Time
}

// Row renders the sink columns with the minute in loc.
func (b BackofficeAggregate) Row(loc *time.Location) []any {
	if loc == nil {
		loc = time.UTC
	}
	return []any{b.Merchant, b.Description, b.Total.StringFixed(2), b.Minute.In(loc).Format("2006-01-02 15:04")}
}

// DayStart is local midnight of now's day in loc.
func DayStart(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
