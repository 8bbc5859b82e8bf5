package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Kind tags what a credential string is.
type Kind uint8

const (
	// KindUnknown is the zero value and never produced by Parse.
	KindUnknown Kind = iota

	// KindInvoice is a BOLT-11 Lightning invoice.
	KindInvoice

	// KindToken is a Cashu ecash token.
	KindToken
)

func (k Kind) String() string {
	switch k {
	case KindInvoice:
		return "invoice"
	case KindToken:
		return "token"
	default:
		return "unknown"
	}
}

var (
	ErrEmpty        = errors.New("empty credential")
	ErrUnrecognized = errors.New("unrecognized credential format")
)

var invoicePrefixes = []string{"lnbcrt", "lntbs", "lntb", "lnsb", "lnbc"}

var tokenPrefixes = []string{"cashuA", "cashuB"}

// Credential is an immutable payment credential: a Lightning invoice or an
// ecash token. The raw text is kept verbatim.
type Credential struct {
	kind Kind
	raw  string
}

// NewInvoice tags raw as an invoice without inspecting it.
func NewInvoice(raw string) Credential {
	return Credential{kind: KindInvoice, raw: strings.TrimSpace(raw)}
}

// NewToken tags raw as an ecash token without inspecting it.
func NewToken(raw string) Credential {
	return Credential{kind: KindToken, raw: strings.TrimSpace(raw)}
}

// Parse classifies raw by its prefix. A leading "lightning:" URI scheme is
// stripped from invoices.
func Parse(raw string) (Credential, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Credential{}, ErrEmpty
	}

	if len(s) > len("lightning:") &&
		strings.EqualFold(s[:len("lightning:")], "lightning:") {

		s = s[len("lightning:"):]
	}

	lower := strings.ToLower(s)
	for _, p := range invoicePrefixes {
		if strings.HasPrefix(lower, p) {
			return Credential{kind: KindInvoice, raw: s}, nil
		}
	}
	for _, p := range tokenPrefixes {
		if strings.HasPrefix(s, p) {
			return Credential{kind: KindToken, raw: s}, nil
		}
	}

	return Credential{}, ErrUnrecognized
}

func (c Credential) Kind() Kind {
	return c.kind
}

// String returns the raw credential text.
func (c Credential) String() string {
	return c.raw
}

func (c Credential) IsZero() bool {
	return c.raw == ""
}

func (c Credential) IsInvoice() bool {
	return c.kind == KindInvoice
}

func (c Credential) IsToken() bool {
	return c.kind == KindToken
}

// Fingerprint is a stable, non-reversible identifier for the credential. It
// is what gets logged and used as a map key; the raw text never is.
func (c Credential) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.raw))
	return hex.EncodeToString(sum[:])
}

// Short returns the first 12 hex characters of the fingerprint.
func (c Credential) Short() string {
	return c.Fingerprint()[:12]
}
