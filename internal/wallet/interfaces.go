package wallet

import (
	"context"

	"cashucloak/internal/balance"
	"cashucloak/internal/credential"
)

// Client abstracts the remote Cashu wallet service.
type Client interface {
	// CreateInvoice asks mint for a Lightning invoice of amount sats.
	CreateInvoice(ctx context.Context, amount int64, mint balance.MintID) (credential.Credential, error)

	// Balance returns the current per-mint balances.
	Balance(ctx context.Context) (balance.Snapshot, error)

	// CheckState reports the invoice state as the wallet names it, or an
	// empty string when the wallet returned no state.
	CheckState(ctx context.Context, invoice credential.Credential, mint balance.MintID) (string, error)

	// Send issues an ecash token worth amount sats from mint.
	Send(ctx context.Context, amount int64, mint balance.MintID) (credential.Credential, error)

	// Redeem claims an ecash token into the wallet.
	Redeem(ctx context.Context, token credential.Credential) (RedeemReceipt, error)

	// PayInvoice melts ecash to pay a Lightning invoice.
	PayInvoice(ctx context.Context, invoice credential.Credential) (PayReceipt, error)
}

// HealthChecker is implemented by clients that can probe the remote side.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type RedeemReceipt struct {
	// Amount is the credited amount when the wallet reports it, else zero.
	Amount int64
	Mint   balance.MintID
}

// PayState is the melt state reported by the wallet.
type PayState string

const (
	PayStatePaid    PayState = "paid"
	PayStatePending PayState = "pending"
	PayStateUnpaid  PayState = "unpaid"
)

type PayReceipt struct {
	State    PayState
	Quote    string
	Preimage string
}
