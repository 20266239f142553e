package main

import (
	"testing"

	"github.com/shopspring/decimal"
)

func line(id int64, price string, qty int) CartLine {
	return CartLine{ProductID: id, Name: "p", Price: decimal.RequireFromString(price), Quantity: qty, InStock: true}
}

func TestCalculateQuote(t *testing.T) {
	rules := DefaultPricingRules()
	tests := []struct {
		name       string
		lines      []CartLine
		in         QuoteInput
		wantTotal  string
		wantBonus  int64
		wantEarned int64
		wantDisc   string
	}{
		{
			name:       "bonus within cap with delivery",
			lines:      []CartLine{line(1, "1500", 2)},
			in:         QuoteInput{AvailableBonus: 500, BonusRequested: 500, DeliveryType: DeliveryCourier},
			wantTotal:  "2800",
			wantBonus:  500,
			wantEarned: 125,
			wantDisc:   "0",
		},
		{
			name:       "first order discount and bonus cap",
			lines:      []CartLine{line(1, "1500", 2)},
			in:         QuoteInput{FirstOrder: true, AvailableBonus: 2000, BonusRequested: 2000, DeliveryType: DeliveryPickup},
			wantTotal:  "1890",
			wantBonus:  810,
			wantEarned: 94,
			wantDisc:   "300",
		},
		{
			name:       "request above balance",
			lines:      []CartLine{line(1, "1000", 1)},
			in:         QuoteInput{AvailableBonus: 100, BonusRequested: 1000, DeliveryType: DeliveryCourier},
			wantTotal:  "1200",
			wantBonus:  100,
			wantEarned: 45,
			wantDisc:   "0",
		},
		{
			name:       "fractional price",
			lines:      []CartLine{line(1, "999.99", 1)},
			in:         QuoteInput{FirstOrder: true, DeliveryType: DeliveryCourier},
			wantTotal:  "1200.99",
			wantBonus:  0,
			wantEarned: 45,
			wantDisc:   "99",
		},
		{
			name:       "empty cart pays delivery only",
			in:         QuoteInput{AvailableBonus: 100, BonusRequested: 100, DeliveryType: DeliveryCourier},
			wantTotal:  "300",
			wantBonus:  0,
			wantEarned: 0,
			wantDisc:   "0",
		},
		{
			name:       "negative request ignored",
			lines:      []CartLine{line(1, "1000", 1)},
			in:         QuoteInput{AvailableBonus: 100, BonusRequested: -50, DeliveryType: DeliveryPickup},
			wantTotal:  "1000",
			wantBonus:  0,
			wantEarned: 50,
			wantDisc:   "0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := CalculateQuote(tt.lines, tt.in, rules)
			if !q.Total.Equal(decimal.RequireFromString(tt.wantTotal)) {
				t.Errorf("total = %s, want %s", q.Total, tt.wantTotal)
			}
			if q.BonusUsed != tt.wantBonus {
				t.Errorf("bonus used = %d, want %d", q.BonusUsed, tt.wantBonus)
			}
			if q.BonusEarned != tt.wantEarned {
				t.Errorf("bonus earned = %d, want %d", q.BonusEarned, tt.wantEarned)
			}
			if !q.Discount.Equal(decimal.RequireFromString(tt.wantDisc)) {
				t.Errorf("discount = %s, want %s", q.Discount, tt.wantDisc)
			}
			if q.Total.IsNegative() {
				t.Errorf("negative total %s", q.Total)
			}
		})
	}
}

func TestCartTotalSkipsEmptyLines(t *testing.T) {
	got := CartTotal([]CartLine{line(1, "100", 3), line(2, "50", 0), line(3, "0.5", 1)})
	if !got.Equal(decimal.RequireFromString("300.5")) {
		t.Fatalf("total = %s", got)
	}
}

func TestCheckBonus(t *testing.T) {
	rules := DefaultPricingRules()
	lines := []CartLine{line(1, "3000", 1)}

	c := CheckBonus(lines, 5000, 5000, false, rules)
	if !c.CanUse || c.ActualUsable != 900 || c.MaxAllowed != 900 {
		t.Fatalf("unexpected check %+v", c)
	}
	c = CheckBonus(lines, 100, 0, false, rules)
	if c.CanUse || c.ActualUsable != 0 {
		t.Fatalf("expected nothing usable, got %+v", c)
	}
}

func TestPricingRulesValidate(t *testing.T) {
	r := DefaultPricingRules()
	if err := r.Validate(); err != nil {
		t.Fatalf("default rules: %v", err)
	}
	r.MaxBonusShare = decimal.RequireFromString("1.5")
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for share above 1")
	}
	r = DefaultPricingRules()
	r.DeliveryFee = decimal.NewFromInt(-1)
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for negative fee")
	}
}

func TestFormatMoney(t *testing.T) {
	tests := map[string]string{
		"2500":    "2500 ₽",
		"1200.99": "1200.99 ₽",
		"10.5":    "10.50 ₽",
		"0":       "0 ₽",
	}
	for in, want := range tests {
		if got := FormatMoney(decimal.RequireFromString(in)); got != want {
			t.Errorf("FormatMoney(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestLineTotals(t *testing.T) {
	lines := []CartLine{line(1, "1000", 1), line(2, "500", 2), line(3, "333.33", 3)}
	tests := []struct {
		name string
		q    Quote
		want []string
	}{
		{"no reduction", Quote{}, []string{"1000", "1000", "999.99"}},
		{"discount and bonus", Quote{Discount: decimal.NewFromInt(150), BonusUsed: 150}, []string{"900", "900", "899.99"}},
		{"remainder on last line", Quote{BonusUsed: 100}, []string{"966.67", "966.67", "966.65"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LineTotals(lines, tt.q)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d totals", len(got))
			}
			sum := decimal.Zero
			for i, w := range tt.want {
				if !got[i].Equal(decimal.RequireFromString(w)) {
					t.Errorf("line %d = %s, want %s", i, got[i], w)
				}
				sum = sum.Add(got[i])
			}
			reduction := tt.q.Discount.Add(decimal.NewFromInt(tt.q.BonusUsed))
			if want := CartTotal(lines).Sub(reduction); !sum.Equal(want) {
				t.Errorf("sum = %s, want %s", sum, want)
			}
		})
	}
}
