// Package lifecycle drives a payment credential through its workflows:
// issue, embed into an image, and await settlement on one side; extract and
// redeem or pay on the other.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/event"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"

	"cashucloak/internal/balance"
	"cashucloak/internal/credential"
	"cashucloak/internal/poller"
	"cashucloak/internal/remote"
	"cashucloak/internal/stego"
	"cashucloak/internal/wallet"
)

// Config wires a Controller to its collaborators.
type Config struct {
	Wallet wallet.Client
	Codec  stego.Codec

	// Poll is the settlement schedule.
	Poll poller.Config

	// Registry holds live poll sessions. Controllers sharing a registry
	// share the one-session-per-credential guarantee. Optional.
	Registry *poller.Registry

	// Ledger records spent credentials. Optional; defaults to a private
	// in-memory ledger.
	Ledger Ledger

	// InFlight holds credentials between the ledger check and the spent
	// mark. Share it wherever Ledger is shared. Optional.
	InFlight *InFlight

	// Network is used to decode invoices for inspection. Optional; when
	// nil invoices are not decoded.
	Network *chaincfg.Params

	Clock clock.Clock
}

// Controller runs one workflow at a time. All methods are safe for
// concurrent use; a workflow started while another is running is refused
// with KindInvariantViolation.
type Controller struct {
	cfg Config

	feed event.Feed

	mu       sync.Mutex
	state    State
	current  credential.Credential
	epoch    uint64
	cancelOp context.CancelFunc
	session  *poller.Handle
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Wallet == nil {
		return nil, errors.New("wallet client is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("codec is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Poll.Clock == nil {
		cfg.Poll.Clock = cfg.Clock
	}
	if cfg.Registry == nil {
		cfg.Registry = poller.NewRegistry(nil)
	}
	if cfg.Ledger == nil {
		cfg.Ledger = NewMemoryLedger()
	}
	if cfg.InFlight == nil {
		cfg.InFlight = NewInFlight()
	}

	return &Controller{cfg: cfg}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Current returns the credential of the latest workflow once known. It
// survives Cancel so an issued invoice or token can still be handed over.
func (c *Controller) Current() credential.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// Subscribe delivers every Transition to ch. Publishing blocks until each
// subscriber has received the value, so ch must be drained.
func (c *Controller) Subscribe(ch chan<- Transition) event.Subscription {
	return c.feed.Subscribe(ch)
}

func (c *Controller) emit(from, to State, fingerprint string) {
	if from == to {
		return
	}
	log.Debugf("%.12s: %v -> %v", fingerprint, from, to)

	c.feed.Send(Transition{
		From:        from,
		To:          to,
		At:          c.cfg.Clock.Now(),
		Fingerprint: fingerprint,
	})
}

// op is one running workflow.
type op struct {
	ctx     context.Context
	epoch   uint64
	cred    credential.Credential
	started time.Time
}

func (o *op) id() string {
	if o.cred.IsZero() {
		return ""
	}
	return o.cred.Fingerprint()
}

// begin moves an idle or finished controller into state to. It fails when a
// workflow is already running.
func (c *Controller) begin(ctx context.Context, to State,
	cred credential.Credential) (*op, bool) {

	c.mu.Lock()
	if c.state.Busy() {
		busy := c.state
		c.mu.Unlock()

		log.Warnf("Refusing %v while %v", to, busy)
		return nil, false
	}

	opCtx, cancel := context.WithCancel(ctx)
	c.epoch++
	o := &op{
		ctx:     opCtx,
		epoch:   c.epoch,
		cred:    cred,
		started: c.cfg.Clock.Now(),
	}
	c.cancelOp = cancel
	from := c.state
	c.state = to
	c.current = cred
	c.mu.Unlock()

	c.emit(from, to, o.id())
	return o, true
}

// advance moves to the next state unless the workflow has been cancelled
// since it began.
func (c *Controller) advance(o *op, to State) bool {
	c.mu.Lock()
	if o.epoch != c.epoch {
		c.mu.Unlock()
		return false
	}
	from := c.state
	c.state = to
	c.current = o.cred
	c.mu.Unlock()

	c.emit(from, to, o.id())
	return true
}

// finish records the terminal state of res and releases the workflow. A
// cancelled workflow yields a discarded result instead.
func (c *Controller) finish(o *op, res Result) Result {
	c.mu.Lock()
	if o.epoch != c.epoch {
		c.mu.Unlock()
		return discarded(res)
	}
	from := c.state
	c.state = res.State
	if !res.Credential.IsZero() {
		c.current = res.Credential
	}
	if c.cancelOp != nil {
		c.cancelOp()
		c.cancelOp = nil
	}
	c.session = nil
	c.mu.Unlock()

	res.Elapsed = c.cfg.Clock.Now().Sub(o.started)
	c.emit(from, res.State, o.id())

	if res.Err != nil {
		log.Infof("%.12s: %v (%v: %s)", o.id(), res.State,
			res.Err.Kind, res.Err.Reason)
	} else {
		log.Infof("%.12s: %v", o.id(), res.State)
	}
	return res
}

func (c *Controller) fail(o *op, res Result, kind ErrorKind, err error) Result {
	res.State = StateFailed
	res.Err = &Error{Kind: kind, Reason: remote.Reason(err), Err: err}
	return c.finish(o, res)
}

// discarded keeps only the credential, which the caller may still need.
func discarded(res Result) Result {
	return Result{State: StateIdle, Credential: res.Credential}
}

func refused(reason string) Result {
	return Result{
		State: StateFailed,
		Err: &Error{
			Kind:   KindInvariantViolation,
			Reason: reason,
		},
	}
}

// Cancel returns the controller to Idle, stopping any poll session. The
// running workflow's outcome is discarded.
func (c *Controller) Cancel() {
	c.mu.Lock()
	c.epoch++
	cancel := c.cancelOp
	c.cancelOp = nil
	session := c.session
	c.session = nil
	from := c.state
	c.state = StateIdle
	c.mu.Unlock()

	if session != nil {
		session.Cancel()
	}
	if cancel != nil {
		cancel()
	}
	c.emit(from, StateIdle, "")
}

// inspect decodes invoice details when a network is configured.
func (c *Controller) inspect(cred credential.Credential) *credential.InvoiceDetails {
	if c.cfg.Network == nil || !cred.IsInvoice() {
		return nil
	}
	details, err := credential.DecodeInvoice(cred, c.cfg.Network)
	if err != nil {
		log.Debugf("Unable to decode invoice %s: %v", cred.Short(), err)
		return nil
	}
	return details
}

func checkAmount(amount int64, mint balance.MintID) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", amount)
	}
	if mint == "" {
		return errors.New("mint is required")
	}
	return nil
}

// classify maps a collaborator error onto a kind. Transport failures are
// network errors; anything else is a refusal of the given kind.
func classify(err error, otherwise ErrorKind) ErrorKind {
	if remote.IsTransport(err) {
		return KindNetworkError
	}
	return otherwise
}

// GenerateAndEmbed requests an invoice for amount sats at mint, embeds it
// into img, and waits for it to be paid.
func (c *Controller) GenerateAndEmbed(ctx context.Context, amount int64,
	mint balance.MintID, img stego.ImageAsset) (Result, error) {

	if err := checkAmount(amount, mint); err != nil {
		return Result{}, err
	}
	if err := img.Validate(); err != nil {
		return Result{}, err
	}

	o, ok := c.begin(ctx, StateGenerating, credential.Credential{})
	if !ok {
		return refused("controller is busy"), nil
	}

	inv, err := c.cfg.Wallet.CreateInvoice(o.ctx, amount, mint)
	if err != nil {
		return c.fail(o, Result{}, KindNetworkError, err), nil
	}
	o.cred = inv

	res := Result{Credential: inv, Invoice: c.inspect(inv)}
	if !c.advance(o, StateEmbedding) {
		return discarded(res), nil
	}

	embedded, err := c.cfg.Codec.Embed(o.ctx, inv, img)
	if err != nil {
		kind := classify(err, KindEmbedFailed)
		return c.fail(o, res, kind, err), nil
	}
	res.Image = &embedded

	if !c.advance(o, StateAwaitingSettlement) {
		return discarded(res), nil
	}
	return c.awaitSettlement(o, inv, mint, res), nil
}

// Watch starts a fresh settlement poll for an invoice issued earlier.
func (c *Controller) Watch(ctx context.Context, invoice credential.Credential,
	mint balance.MintID) (Result, error) {

	if !invoice.IsInvoice() {
		return Result{}, fmt.Errorf("cannot watch a %s", invoice.Kind())
	}
	if mint == "" {
		return Result{}, errors.New("mint is required")
	}

	o, ok := c.begin(ctx, StateAwaitingSettlement, invoice)
	if !ok {
		return refused("controller is busy"), nil
	}

	res := Result{Credential: invoice, Invoice: c.inspect(invoice)}
	return c.awaitSettlement(o, invoice, mint, res), nil
}

// awaitSettlement records a baseline balance and polls until the invoice
// is settled, polling gives up, or the workflow is cancelled.
func (c *Controller) awaitSettlement(o *op, inv credential.Credential,
	mint balance.MintID, res Result) Result {

	baseline, err := c.cfg.Wallet.Balance(o.ctx)
	if err != nil {
		return c.fail(o, res, KindNetworkError, err)
	}

	// latest is written by the predicate and read only after the session
	// settled.
	var latest balance.Snapshot
	pred := func(ctx context.Context) (bool, error) {
		state, err := c.cfg.Wallet.CheckState(ctx, inv, mint)
		if err != nil {
			return false, err
		}
		current, err := c.cfg.Wallet.Balance(ctx)
		if err != nil {
			return false, err
		}
		latest = current

		status := fn.None[string]()
		if state != "" {
			status = fn.Some(state)
		}
		return balance.IsSettled(status, baseline, current, mint), nil
	}

	key := poller.NewKey(inv, mint)
	h := c.cfg.Registry.Start(o.ctx, key, c.cfg.Poll, pred)

	c.mu.Lock()
	live := o.epoch == c.epoch
	if live {
		c.session = h
	}
	c.mu.Unlock()
	if !live {
		c.cfg.Registry.Cancel(key)
		return discarded(res)
	}

	pr := h.Result()
	res.Attempts = pr.Attempts

	switch pr.Outcome {
	case poller.OutcomeSettled:
		res.State = StateSettled
		res.Balance = fn.Some(latest)
		return c.finish(o, res)

	case poller.OutcomeTimedOut:
		res.State = StateTimedOut
		res.Err = &Error{
			Kind: KindTimedOut,
			Reason: fmt.Sprintf("not settled after %d attempts",
				pr.Attempts),
		}
		return c.finish(o, res)

	case poller.OutcomeError:
		return c.fail(o, res, KindNetworkError, pr.Err)

	default:
		// Cancelled by us, by the parent context, or replaced by a
		// newer session for the same invoice.
		res.State = StateIdle
		return discarded(c.finish(o, res))
	}
}

// SendAndEmbed issues an ecash token worth amount sats from mint and embeds
// it into img.
func (c *Controller) SendAndEmbed(ctx context.Context, amount int64,
	mint balance.MintID, img stego.ImageAsset) (Result, error) {

	if err := checkAmount(amount, mint); err != nil {
		return Result{}, err
	}
	if err := img.Validate(); err != nil {
		return Result{}, err
	}

	o, ok := c.begin(ctx, StateIssuing, credential.Credential{})
	if !ok {
		return refused("controller is busy"), nil
	}

	token, err := c.cfg.Wallet.Send(o.ctx, amount, mint)
	if err != nil {
		kind := classify(err, KindPaymentFailed)
		return c.fail(o, Result{}, kind, err), nil
	}
	o.cred = token

	res := Result{Credential: token, Amount: amount}
	if !c.advance(o, StateEmbedding) {
		return discarded(res), nil
	}

	embedded, err := c.cfg.Codec.Embed(o.ctx, token, img)
	if err != nil {
		kind := classify(err, KindEmbedFailed)
		return c.fail(o, res, kind, err), nil
	}
	res.Image = &embedded
	res.State = StateEmbedded

	return c.finish(o, res), nil
}

// Extract recovers a credential from img.
func (c *Controller) Extract(ctx context.Context,
	img stego.ImageAsset) (Result, error) {

	if err := img.Validate(); err != nil {
		return Result{}, err
	}

	o, ok := c.begin(ctx, StateExtracting, credential.Credential{})
	if !ok {
		return refused("controller is busy"), nil
	}

	cred, err := c.cfg.Codec.Extract(o.ctx, img)
	if err != nil {
		kind := classify(err, KindExtractFailed)
		return c.fail(o, Result{}, kind, err), nil
	}
	o.cred = cred

	return c.finish(o, Result{
		State:      StateExtracted,
		Credential: cred,
		Invoice:    c.inspect(cred),
	}), nil
}

// claim holds cred for the calling workflow, then consults the ledger. The
// hold lasts until release is called, which must happen after any spent
// mark, so a second caller can not pass the ledger check in between. When
// stop is set the workflow must return res and nothing is held.
func (c *Controller) claim(ctx context.Context,
	cred credential.Credential) (release func(), res Result, stop bool) {

	fp := cred.Fingerprint()
	if !c.cfg.InFlight.acquire(fp) {
		busy := refused(fmt.Sprintf("%s already in progress", cred.Kind()))
		busy.Credential = cred
		return nil, busy, true
	}
	release = func() { c.cfg.InFlight.release(fp) }

	used, err := c.cfg.Ledger.Spent(ctx, fp)
	switch {
	case err != nil:
		release()
		return nil, Result{
			State:      StateFailed,
			Credential: cred,
			Err: &Error{
				Kind:   KindNetworkError,
				Reason: err.Error(),
				Err:    err,
			},
		}, true

	case used:
		release()
		done := refused(fmt.Sprintf("%s already spent", cred.Kind()))
		done.Credential = cred
		return nil, done, true
	}
	return release, Result{}, false
}

// markSpent records cred even when the workflow has since been cancelled:
// the wallet has already consumed it.
func (c *Controller) markSpent(cred credential.Credential) {
	err := c.cfg.Ledger.MarkSpent(context.Background(), cred.Fingerprint())
	if err != nil {
		log.Errorf("Unable to record %s as spent: %v", cred.Short(), err)
	}
}

// readBalance is best effort: the wallet already acted.
func (c *Controller) readBalance(ctx context.Context) fn.Option[balance.Snapshot] {
	snap, err := c.cfg.Wallet.Balance(ctx)
	if err != nil {
		log.Warnf("Unable to refresh balance: %v", err)
		return fn.None[balance.Snapshot]()
	}
	return fn.Some(snap)
}

// Redeem claims an ecash token into the wallet. A token the ledger has seen
// spent, or one another workflow is redeeming, is refused without contacting
// the wallet.
func (c *Controller) Redeem(ctx context.Context,
	token credential.Credential) (Result, error) {

	if !token.IsToken() {
		return Result{}, fmt.Errorf("cannot redeem a %s", token.Kind())
	}

	release, res, stop := c.claim(ctx, token)
	if stop {
		return res, nil
	}
	defer release()

	o, ok := c.begin(ctx, StateRedeeming, token)
	if !ok {
		return refused("controller is busy"), nil
	}

	res = Result{Credential: token}
	receipt, err := c.cfg.Wallet.Redeem(o.ctx, token)
	if err != nil {
		kind := classify(err, KindRedeemFailed)
		return c.fail(o, res, kind, err), nil
	}
	c.markSpent(token)

	res.State = StateRedeemed
	res.Amount = receipt.Amount
	res.Balance = c.readBalance(o.ctx)
	return c.finish(o, res), nil
}

// Pay melts ecash to pay invoice.
func (c *Controller) Pay(ctx context.Context,
	invoice credential.Credential) (Result, error) {

	if !invoice.IsInvoice() {
		return Result{}, fmt.Errorf("cannot pay a %s", invoice.Kind())
	}

	release, res, stop := c.claim(ctx, invoice)
	if stop {
		return res, nil
	}
	defer release()

	o, ok := c.begin(ctx, StatePaying, invoice)
	if !ok {
		return refused("controller is busy"), nil
	}

	res = Result{Credential: invoice, Invoice: c.inspect(invoice)}
	receipt, err := c.cfg.Wallet.PayInvoice(o.ctx, invoice)
	if err != nil {
		kind := classify(err, KindPaymentFailed)
		return c.fail(o, res, kind, err), nil
	}

	switch receipt.State {
	case wallet.PayStatePaid:
		c.markSpent(invoice)
		res.State = StatePaid
		res.Balance = c.readBalance(o.ctx)

	case wallet.PayStatePending:
		// A pending melt may still complete, so paying again could pay
		// twice.
		c.markSpent(invoice)
		res.State = StatePaymentPending

	default:
		return c.fail(o, res, KindPaymentFailed,
			fmt.Errorf("payment %s", receipt.State)), nil
	}

	return c.finish(o, res), nil
}
