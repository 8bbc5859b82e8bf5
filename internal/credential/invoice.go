package credential

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
)

// InvoiceDetails is the subset of a decoded BOLT-11 invoice that the rest of
// the module cares about.
type InvoiceDetails struct {
	// AmountSat is zero for amountless invoices.
	AmountSat   int64
	PaymentHash string
	Description string
	CreatedAt   time.Time
	Expiry      time.Duration
}

// ExpiresAt is the moment the invoice stops being payable.
func (d InvoiceDetails) ExpiresAt() time.Time {
	return d.CreatedAt.Add(d.Expiry)
}

// Expired reports whether the invoice is past its expiry at now.
func (d InvoiceDetails) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt())
}

// NetParams maps a network name onto btcd chain parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// DecodeInvoice parses c as a BOLT-11 invoice for the given network.
func DecodeInvoice(c Credential, net *chaincfg.Params) (*InvoiceDetails, error) {
	if !c.IsInvoice() {
		return nil, fmt.Errorf("credential is a %s, not an invoice", c.Kind())
	}
	if net == nil {
		net = &chaincfg.MainNetParams
	}

	inv, err := zpay32.Decode(c.String(), net)
	if err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}

	details := &InvoiceDetails{
		CreatedAt: inv.Timestamp,
		Expiry:    inv.Expiry(),
	}
	if inv.MilliSat != nil {
		details.AmountSat = int64(inv.MilliSat.ToSatoshis())
	}
	if inv.PaymentHash != nil {
		details.PaymentHash = hex.EncodeToString(inv.PaymentHash[:])
	}
	if inv.Description != nil {
		details.Description = *inv.Description
	}

	return details, nil
}
