package lifecycle

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"cashucloak/internal/balance"
	"cashucloak/internal/credential"
	"cashucloak/internal/stego"
)

// ErrorKind classifies a failed workflow.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota

	// KindNetworkError is a transport failure talking to the wallet or
	// codec.
	KindNetworkError

	// KindEmbedFailed means the codec refused the image or payload.
	KindEmbedFailed

	// KindExtractFailed means no credential could be recovered.
	KindExtractFailed

	// KindRedeemFailed means the wallet rejected the token.
	KindRedeemFailed

	// KindPaymentFailed means the wallet could not pay an invoice or issue
	// a token.
	KindPaymentFailed

	// KindTimedOut means polling ended without settlement. The invoice
	// may still be paid later.
	KindTimedOut

	// KindInvariantViolation means the call would break a controller
	// guarantee, such as spending a credential twice.
	KindInvariantViolation
)

var kindNames = map[ErrorKind]string{
	KindNone:               "none",
	KindNetworkError:       "network_error",
	KindEmbedFailed:        "embed_failed",
	KindExtractFailed:      "extract_failed",
	KindRedeemFailed:       "redeem_failed",
	KindPaymentFailed:      "payment_failed",
	KindTimedOut:           "timed_out",
	KindInvariantViolation: "invariant_violation",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error describes why a workflow failed. Reason is what the remote side
// said, verbatim where it said anything.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is the terminal outcome of one controller call.
type Result struct {
	// State is the terminal state reached. StateIdle means the workflow
	// was cancelled and its outcome discarded.
	State State

	// Err is set whenever the workflow did not succeed.
	Err *Error

	// Credential is the invoice or token involved. It is populated even
	// when embedding failed so it can be handed over manually.
	Credential credential.Credential

	// Invoice is set when Credential is an invoice that could be decoded.
	Invoice *credential.InvoiceDetails

	// Image is the carrier produced by a successful embed.
	Image *stego.EmbeddedImage

	// Balance is the wallet balance read after settlement, redemption or
	// payment.
	Balance fn.Option[balance.Snapshot]

	// Amount is the value credited by a redeem, when the wallet reports
	// it.
	Amount int64

	// Attempts counts settlement polls.
	Attempts int

	Elapsed time.Duration
}

// OK reports whether the workflow succeeded. PaymentPending and TimedOut
// are not failures but are not successes either.
func (r Result) OK() bool {
	return r.Err == nil && r.State != StateIdle &&
		r.State != StatePaymentPending
}

// Cancelled reports whether the outcome was discarded by a cancel.
func (r Result) Cancelled() bool {
	return r.State == StateIdle
}

// Kind returns the failure kind, or KindNone.
func (r Result) Kind() ErrorKind {
	if r.Err == nil {
		return KindNone
	}
	return r.Err.Kind
}

// Reason returns the failure reason, or "".
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Reason
}

// Transition is published on every state change.
type Transition struct {
	From State
	To   State
	At   time.Time

	// Fingerprint identifies the credential involved, when known.
	Fingerprint string
}
