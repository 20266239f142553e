package main

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PricingRules holds the percentages and the courier fee used for every quote.
// Rates are fractions, 0.3 means 30%.
type PricingRules struct {
	MaxBonusShare      decimal.Decimal
	BonusEarnRate      decimal.Decimal
	FirstOrderDiscount decimal.Decimal
	DeliveryFee        decimal.Decimal
}

func DefaultPricingRules() PricingRules {
	return PricingRules{
		MaxBonusShare:      decimal.RequireFromString("0.30"),
		BonusEarnRate:      decimal.RequireFromString("0.05"),
		FirstOrderDiscount: decimal.RequireFromString("0.10"),
		DeliveryFee:        decimal.NewFromInt(300),
	}
}

func (r PricingRules) Validate() error {
	one := decimal.NewFromInt(1)
	for name, v := range map[string]decimal.Decimal{
		"BONUS_MAX_SHARE":      r.MaxBonusShare,
		"BONUS_EARN_RATE":      r.BonusEarnRate,
		"FIRST_ORDER_DISCOUNT": r.FirstOrderDiscount,
	} {
		if v.IsNegative() || v.GreaterThan(one) {
			return fmt.Errorf("%s must be within [0, 1], got %s", name, v)
		}
	}
	if r.DeliveryFee.IsNegative() {
		return errors.New("DELIVERY_FEE must not be negative")
	}
	return nil
}

func (r PricingRules) DeliveryCost(t DeliveryType) decimal.Decimal {
	if t == DeliveryPickup {
		return decimal.Zero
	}
	return r.DeliveryFee
}

type QuoteInput struct {
	FirstOrder     bool
	AvailableBonus int64
	BonusRequested int64
	DeliveryType   DeliveryType
}

type Quote struct {
	ProductsTotal         decimal.Decimal `json:"products_total"`
	Discount              decimal.Decimal `json:"discount"`
	ProductsAfterDiscount decimal.Decimal `json:"products_after_discount"`
	FirstOrder            bool            `json:"first_order"`
	AvailableBonus        int64           `json:"available_bonus"`
	MaxBonusAllowed       int64           `json:"max_bonus_allowed"`
	BonusUsed             int64           `json:"bonus_used"`
	DeliveryCost          decimal.Decimal `json:"delivery_cost"`
	Total                 decimal.Decimal `json:"total"`
	BonusEarned           int64           `json:"bonus_earned"`
}

// CartTotal sums price × quantity over the lines.
func CartTotal(lines []CartLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		if l.Quantity <= 0 {
			continue
		}
		total = total.Add(l.Subtotal())
	}
	return total
}

// CalculateQuote prices a cart. The discount applies to products only, the
// bonus redemption is capped at MaxBonusShare of the discounted products and
// by the available balance, and delivery is added last.
func CalculateQuote(lines []CartLine, in QuoteInput, rules PricingRules) Quote {
	q := Quote{
		ProductsTotal:  CartTotal(lines),
		FirstOrder:     in.FirstOrder,
		AvailableBonus: max(in.AvailableBonus, 0),
		DeliveryCost:   rules.DeliveryCost(in.DeliveryType),
	}

	q.Discount = decimal.Zero
	if in.FirstOrder {
		q.Discount = decimal.Min(q.ProductsTotal.Mul(rules.FirstOrderDiscount).Floor(), q.ProductsTotal)
	}
	q.ProductsAfterDiscount = decimal.Max(q.ProductsTotal.Sub(q.Discount), decimal.Zero)

	q.MaxBonusAllowed = q.ProductsAfterDiscount.Mul(rules.MaxBonusShare).Floor().IntPart()
	q.BonusUsed = max(min(in.BonusRequested, q.AvailableBonus, q.MaxBonusAllowed), 0)

	bonus := decimal.NewFromInt(q.BonusUsed)
	q.Total = decimal.Max(q.ProductsAfterDiscount.Sub(bonus).Add(q.DeliveryCost), decimal.Zero).Round(2)

	paidProducts := decimal.Max(q.ProductsAfterDiscount.Sub(bonus), decimal.Zero)
	q.BonusEarned = paidProducts.Mul(rules.BonusEarnRate).Floor().IntPart()
	return q
}

// UsableBonus is the largest redemption the quote would accept.
func (q Quote) UsableBonus() int64 {
	return max(min(q.AvailableBonus, q.MaxBonusAllowed), 0)
}

// LineTotals spreads the quote's discount and redeemed bonus over the lines in
// proportion to their subtotals. The totals add up to the products part of
// q.Total; the kopeck remainder lands on the last line.
func LineTotals(lines []CartLine, q Quote) []decimal.Decimal {
	reduction := q.Discount.Add(decimal.NewFromInt(q.BonusUsed))
	products := CartTotal(lines)
	totals := make([]decimal.Decimal, len(lines))
	left := reduction
	for i, l := range lines {
		sub := l.Subtotal()
		if i == len(lines)-1 {
			totals[i] = sub.Sub(left)
			break
		}
		share := decimal.Zero
		if products.IsPositive() {
			share = reduction.Mul(sub).Div(products).RoundFloor(2)
		}
		totals[i] = sub.Sub(share)
		left = left.Sub(share)
	}
	return totals
}

type BonusCheck struct {
	CanUse         bool
	ActualUsable   int64
	AvailableBonus int64
	MaxAllowed     int64
	ProductsTotal  decimal.Decimal
}

// CheckBonus reports how much of the requested bonus can be redeemed on the
// given cart. CanUse is false when nothing at all is usable.
func CheckBonus(lines []CartLine, requested, available int64, firstOrder bool, rules PricingRules) BonusCheck {
	q := CalculateQuote(lines, QuoteInput{
		FirstOrder:     firstOrder,
		AvailableBonus: available,
		BonusRequested: requested,
		DeliveryType:   DeliveryPickup,
	}, rules)
	return BonusCheck{
		CanUse:         q.BonusUsed > 0,
		ActualUsable:   q.BonusUsed,
		AvailableBonus: q.AvailableBonus,
		MaxAllowed:     q.MaxBonusAllowed,
		ProductsTotal:  q.ProductsTotal,
	}
}

// FormatMoney renders an amount the way the shop prints prices: no
// fractional part for whole amounts.
func FormatMoney(d decimal.Decimal) string {
	if d.Equal(d.Truncate(0)) {
		return d.Truncate(0).String() + " ₽"
	}
	return d.StringFixed(2) + " ₽"
}
