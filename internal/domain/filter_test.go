package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestFilterMatches(t *testing.T) {
	sub := "sm-1"
	base := Order{
		ID:            "o1",
		PartnerID:     "p1",
		SubMerchantID: &sub,
		PaymentMethod: "QRIS",
		Amount:        decimal.NewFromInt(5000),
		CreatedAt:     time.Date(2026, 3, 4, 22, 30, 0, 0, time.UTC), // Wednesday
	}
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 4, 22, 30, 0, 0, time.UTC)
	minAmount := decimal.NewFromInt(6000)

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"to is exclusive", Filter{From: &from, To: &to}, false},
		{"weekday hit", Filter{DaysOfWeek: []time.Weekday{time.Wednesday}}, true},
		{"weekday miss", Filter{DaysOfWeek: []time.Weekday{time.Monday}}, false},
		{"hour wraps midnight", Filter{HourStart: intPtr(22), HourEnd: intPtr(2)}, true},
		{"hour outside", Filter{HourStart: intPtr(8), HourEnd: intPtr(17)}, false},
		{"include partner", Filter{IncludePartners: []string{"p2"}}, false},
		{"exclude sub merchant", Filter{ExcludeSubMerchants: []string{"sm-1"}}, false},
		{"include method", Filter{IncludePaymentMethods: []string{"QRIS", "VA"}}, true},
		{"exclude method", Filter{ExcludePaymentMethods: []string{"QRIS"}}, false},
		{"min amount", Filter{MinAmount: &minAmount}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.f.Matches(base))
		})
	}
}

func TestLoanHistoryPreservesOtherKeys(t *testing.T) {
	meta := json.RawMessage(`{"callback":{"ref":"abc"}}`)
	entries := []LoanAuditEntry{{Kind: AuditLoanSettled, Reason: "loan_settlement", Amount: decimal.NewFromInt(10)}}

	out, err := WithLoanHistory(meta, entries)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.JSONEq(t, `{"ref":"abc"}`, string(doc["callback"]))

	got, err := LoanHistory(out)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0, LatestUnreverted(got))

	got[0].Reverted = true
	assert.Equal(t, -1, LatestUnreverted(got))
}
