// Package pricing computes cart totals. Every function is pure: the same
// lines, promotions and instant always produce the same quote.
package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"storefront/backend/internal/domain"
)

var ErrInvalidLine = errors.New("invalid cart line")

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

type Line struct {
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

type Calculator struct {
	taxRatePercent decimal.Decimal
}

func NewCalculator(taxRatePercent decimal.Decimal) Calculator {
	return Calculator{taxRatePercent: taxRatePercent}
}

func (c Calculator) TaxRatePercent() decimal.Decimal {
	return c.taxRatePercent
}

// Price applies the best active promotion per product and derives subtotal,
// tax and total. Rounding to cents happens once per discounted unit price and
// once per aggregate, never on intermediate fractions.
func (c Calculator) Price(lines []Line, promotions []domain.Promotion, at time.Time) (domain.Quote, error) {
	if c.taxRatePercent.IsNegative() || c.taxRatePercent.GreaterThan(hundred) {
		return domain.Quote{}, fmt.Errorf("%w: tax rate %s out of range", ErrInvalidLine, c.taxRatePercent)
	}

	byProduct := make(map[int64]domain.Promotion, len(promotions))
	for _, promo := range promotions {
		if !promo.ActiveAt(at) {
			continue
		}
		if promo.DiscountPercentage.IsNegative() || promo.DiscountPercentage.GreaterThan(hundred) {
			return domain.Quote{}, fmt.Errorf("%w: promotion %d discount %s out of range", ErrInvalidLine, promo.ID, promo.DiscountPercentage)
		}
		current, ok := byProduct[promo.ProductID]
		if !ok || promo.DiscountPercentage.GreaterThan(current.DiscountPercentage) {
			byProduct[promo.ProductID] = promo
		}
	}

	quoted := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return domain.Quote{}, fmt.Errorf("%w: product %d quantity %d", ErrInvalidLine, line.ProductID, line.Quantity)
		}
		if line.UnitPrice.IsNegative() {
			return domain.Quote{}, fmt.Errorf("%w: product %d negative price", ErrInvalidLine, line.ProductID)
		}

		unit := Round2(line.UnitPrice)
		cartLine := domain.CartLine{
			ProductID:           line.ProductID,
			Quantity:            line.Quantity,
			UnitPrice:           unit,
			DiscountedUnitPrice: unit,
		}
		if promo, ok := byProduct[line.ProductID]; ok {
			cartLine.DiscountedUnitPrice = DiscountedPrice(unit, promo.DiscountPercentage)
			cartLine.PromotionID = promo.ID
			cartLine.PromotionName = promo.Name
		}
		quoted = append(quoted, cartLine)
	}

	return c.total(quoted), nil
}

// QuoteFromItems re-derives the totals of a persisted order from its items.
func (c Calculator) QuoteFromItems(items []domain.OrderItem) domain.Quote {
	lines := make([]domain.CartLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.CartLine{
			ProductID:           item.ProductID,
			Quantity:            item.Quantity,
			UnitPrice:           item.PricePerUnit,
			DiscountedUnitPrice: item.DiscountedPrice,
		})
	}
	return c.total(lines)
}

func (c Calculator) total(lines []domain.CartLine) domain.Quote {
	gross := decimal.Zero
	subtotal := decimal.Zero
	for i := range lines {
		qty := decimal.NewFromInt(int64(lines[i].Quantity))
		lines[i].LineTotal = Round2(lines[i].DiscountedUnitPrice.Mul(qty))
		gross = gross.Add(lines[i].UnitPrice.Mul(qty))
		subtotal = subtotal.Add(lines[i].LineTotal)
	}
	subtotal = Round2(subtotal)
	tax := Round2(subtotal.Mul(c.taxRatePercent).Div(hundred))

	return domain.Quote{
		Lines:          lines,
		Gross:          Round2(gross),
		Subtotal:       subtotal,
		TaxRatePercent: c.taxRatePercent,
		Tax:            tax,
		Total:          Round2(subtotal.Add(tax)),
	}
}

// DiscountedPrice returns round2(unit × (1 − pct/100)).
func DiscountedPrice(unit decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
	factor := one.Sub(pct.Div(hundred))
	return Round2(unit.Mul(factor))
}

// Round2 rounds half away from zero to cents, which is half-up for the
// non-negative amounts handled here.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MergeCart folds repeated products into one line, keeping first-seen order.
func MergeCart(items []domain.CartItem) ([]domain.CartItem, error) {
	merged := make([]domain.CartItem, 0, len(items))
	index := make(map[int64]int, len(items))
	for _, item := range items {
		if item.ProductID < 1 || item.Quantity < 1 {
			return nil, fmt.Errorf("%w: product %d quantity %d", ErrInvalidLine, item.ProductID, item.Quantity)
		}
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}

// LinesFor prices cart items at catalogue price. Product ids absent from
// products are returned as missing.
func LinesFor(items []domain.CartItem, products map[int64]domain.Product) ([]Line, []int64) {
	lines := make([]Line, 0, len(items))
	var missing []int64
	for _, item := range items {
		p, ok := products[item.ProductID]
		if !ok {
			missing = append(missing, item.ProductID)
			continue
		}
		lines = append(lines, Line{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: p.Price})
	}
	return lines, missing
}
