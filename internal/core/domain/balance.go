package domain

import "github.com/shopspring/decimal"

// Available is the amount a user may still commit to new transactions:
// the node's confirmed balance less everything already promised out.
// Receivable and pending_receive funds are never spendable.
// The result may be negative while a settled send is visible on the node
// but not yet recorded as settled.
func Available(confirmed, pendingSend decimal.Decimal) decimal.Decimal {
	return confirmed.Sub(pendingSend)
}

// Balance is the user-facing breakdown of an account's funds.
type Balance struct {
	Confirmed      decimal.Decimal
	Receivable     decimal.Decimal
	PendingSend    decimal.Decimal
	PendingReceive decimal.Decimal
	Available      decimal.Decimal // clamped at zero
}

// NewBalance combines the node's view with the ledger's pending aggregates.
func NewBalance(node NodeBalance, account *Account) Balance {
	available := Available(node.Confirmed, account.PendingSend)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return Balance{
		Confirmed:      node.Confirmed,
		Receivable:     node.Receivable,
		PendingSend:    account.PendingSend,
		PendingReceive: account.PendingReceive,
		Available:      available,
	}
}
