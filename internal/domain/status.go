package domain

import "strings"

const (
	StatusPending         = "pending"
	StatusPaymentReceived = "payment-received"
	StatusOrderProcessed  = "order-processed"
	StatusShipped         = "shipped"
	StatusDelivered       = "delivered"
	StatusCheckedOut      = "checked-out"
	StatusCompleted       = "completed"
)

var orderStatuses = map[string]struct{}{
	StatusPending:         {},
	StatusPaymentReceived: {},
	StatusOrderProcessed:  {},
	StatusShipped:         {},
	StatusDelivered:       {},
	StatusCheckedOut:      {},
	StatusCompleted:       {},
}

func IsValidStatus(status string) bool {
	_, ok := orderStatuses[status]
	return ok
}

func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

type StockEffectKind string

const (
	StockEffectNone      StockEffectKind = "none"
	StockEffectDecrement StockEffectKind = "decrement"
	StockEffectRestore   StockEffectKind = "restore"
)

// StockEffect is the inventory boundary rule. Only crossing the
// order-processed boundary touches stock: entering it decrements every line,
// leaving it restores every line.
func StockEffect(from string, to string) StockEffectKind {
	if from == to {
		return StockEffectNone
	}
	switch {
	case to == StatusOrderProcessed:
		return StockEffectDecrement
	case from == StatusOrderProcessed:
		return StockEffectRestore
	default:
		return StockEffectNone
	}
}

// Sign returns the multiplier applied to an item quantity for this effect.
func (k StockEffectKind) Sign() int {
	switch k {
	case StockEffectDecrement:
		return -1
	case StockEffectRestore:
		return 1
	default:
		return 0
	}
}
