package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lightningnetwork/lnd/clock"

	"cashucloak/internal/balance"
	"cashucloak/internal/credential"
)

var (
	ErrUnknownInvoice = errors.New("unknown invoice")
	ErrTokenSpent     = errors.New("token already spent")
	ErrUnknownToken   = errors.New("unknown token")
	ErrInsufficient   = errors.New("insufficient balance")
)

// FakeClient is an in-process wallet that deterministically derives invoices
// and tokens from a counter. It backs local development when no wallet URL is
// configured and is what the tests drive.
type FakeClient struct {
	clock clock.Clock

	mu       sync.Mutex
	seq      int
	balances map[balance.MintID]balance.MintBalance
	invoices map[string]*fakeInvoice
	tokens   map[string]*fakeToken
	melted   map[string]bool
}

type fakeInvoice struct {
	mint   balance.MintID
	amount int64
	paid   bool
}

type fakeToken struct {
	mint   balance.MintID
	amount int64
	spent  bool
}

var _ Client = (*FakeClient)(nil)

func NewFakeClient(clk clock.Clock) *FakeClient {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &FakeClient{
		clock:    clk,
		balances: make(map[balance.MintID]balance.MintBalance),
		invoices: make(map[string]*fakeInvoice),
		tokens:   make(map[string]*fakeToken),
		melted:   make(map[string]bool),
	}
}

// Fund credits mint directly.
func (f *FakeClient) Fund(mint balance.MintID, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creditLocked(mint, amount)
}

// SettleInvoice marks an issued invoice paid and credits its mint, the way a
// counterparty paying it would.
func (f *FakeClient) SettleInvoice(invoice string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invoices[invoice]
	if !ok {
		return ErrUnknownInvoice
	}
	if inv.paid {
		return nil
	}
	inv.paid = true
	f.creditLocked(inv.mint, inv.amount)
	return nil
}

func (f *FakeClient) creditLocked(mint balance.MintID, amount int64) {
	mint = balance.NormalizeMint(mint.String())
	b := f.balances[mint]
	b.Available += amount
	b.Total += amount
	f.balances[mint] = b
}

func (f *FakeClient) nextID(parts ...string) string {
	f.seq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", f.seq,
		strings.Join(parts, "|"))))
	return hex.EncodeToString(sum[:])
}

func (f *FakeClient) CreateInvoice(_ context.Context, amount int64,
	mint balance.MintID) (credential.Credential, error) {

	if amount <= 0 {
		return credential.Credential{}, fmt.Errorf("invalid amount %d", amount)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	mint = balance.NormalizeMint(mint.String())
	pr := fmt.Sprintf("lnbcrt%dn1p%s", amount, f.nextID("invoice", mint.String())[:40])
	f.invoices[pr] = &fakeInvoice{mint: mint, amount: amount}
	return credential.NewInvoice(pr), nil
}

func (f *FakeClient) Balance(context.Context) (balance.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return balance.NewSnapshot(f.clock.Now(), f.balances)
}

func (f *FakeClient) CheckState(_ context.Context, invoice credential.Credential,
	_ balance.MintID) (string, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invoices[invoice.String()]
	if !ok {
		return "", ErrUnknownInvoice
	}
	if inv.paid {
		return balance.StatusSettled, nil
	}
	return "UNPAID", nil
}

func (f *FakeClient) Send(_ context.Context, amount int64,
	mint balance.MintID) (credential.Credential, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	mint = balance.NormalizeMint(mint.String())
	b := f.balances[mint]
	if amount <= 0 || b.Available < amount {
		return credential.Credential{}, ErrInsufficient
	}
	b.Available -= amount
	b.Total -= amount
	f.balances[mint] = b

	id := f.nextID("token", mint.String())
	raw := "cashuA" + base64.RawURLEncoding.EncodeToString([]byte(
		fmt.Sprintf(`{"mint":%q,"amount":%d,"id":%q}`, mint, amount, id[:16])))
	f.tokens[raw] = &fakeToken{mint: mint, amount: amount}
	return credential.NewToken(raw), nil
}

func (f *FakeClient) Redeem(_ context.Context,
	token credential.Credential) (RedeemReceipt, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	tok, ok := f.tokens[token.String()]
	if !ok {
		return RedeemReceipt{}, ErrUnknownToken
	}
	if tok.spent {
		return RedeemReceipt{}, ErrTokenSpent
	}
	tok.spent = true
	f.creditLocked(tok.mint, tok.amount)
	return RedeemReceipt{Amount: tok.amount, Mint: tok.mint}, nil
}

func (f *FakeClient) PayInvoice(_ context.Context,
	invoice credential.Credential) (PayReceipt, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.melted[invoice.String()] {
		return PayReceipt{}, errors.New("invoice already paid")
	}

	// Pay our own invoices from the mint that issued them; foreign
	// invoices stay unpaid.
	inv, ok := f.invoices[invoice.String()]
	if !ok {
		return PayReceipt{State: PayStateUnpaid}, nil
	}
	b := f.balances[inv.mint]
	if b.Available < inv.amount {
		return PayReceipt{State: PayStateUnpaid}, nil
	}
	b.Available -= inv.amount
	b.Total -= inv.amount
	f.balances[inv.mint] = b
	f.melted[invoice.String()] = true

	return PayReceipt{
		State: PayStatePaid,
		Quote: f.nextID("quote")[:16],
	}, nil
}

func (f *FakeClient) Ping(context.Context) error {
	return nil
}
