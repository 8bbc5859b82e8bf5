package credential

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestParseClassifies(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind Kind
		want string
	}{
		{"mainnet invoice", "lnbc10u1pexample", KindInvoice, "lnbc10u1pexample"},
		{"regtest invoice", "lnbcrt500n1pexample", KindInvoice, "lnbcrt500n1pexample"},
		{"uppercase invoice", "LNBC10U1PEXAMPLE", KindInvoice, "LNBC10U1PEXAMPLE"},
		{"uri scheme", "lightning:lntb1pexample", KindInvoice, "lntb1pexample"},
		{"v3 token", "cashuAeyJ0b2tlbiI6W119", KindToken, "cashuAeyJ0b2tlbiI6W119"},
		{"v4 token", " cashuBo2F0gaJhaUgA \n", KindToken, "cashuBo2F0gaJhaUgA"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Parse(tc.raw)
			require.NoError(t, err)
			require.Equal(t, tc.kind, c.Kind())
			require.Equal(t, tc.want, c.String())
		})
	}
}

func TestParseRejects(t *testing.T) {
	_, err := Parse("   ")
	require.ErrorIs(t, err, ErrEmpty)

	_, err = Parse("hello world")
	require.ErrorIs(t, err, ErrUnrecognized)

	// Token prefixes are case sensitive.
	_, err = Parse("CASHUAabc")
	require.ErrorIs(t, err, ErrUnrecognized)
}

func TestFingerprintIsStable(t *testing.T) {
	a := NewToken("cashuAabc")
	b := NewToken(" cashuAabc ")
	c := NewToken("cashuAabd")

	require.Equal(t, a.Fingerprint(), b.Fingerprint())
	require.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	require.Len(t, a.Fingerprint(), 64)
	require.Len(t, a.Short(), 12)
	require.NotContains(t, a.Fingerprint(), "cashu")
}

func TestDecodeInvoiceRejectsGarbage(t *testing.T) {
	_, err := DecodeInvoice(NewInvoice("lnbc1notreallyaninvoice"), nil)
	require.Error(t, err)

	_, err = DecodeInvoice(NewToken("cashuAabc"), nil)
	require.Error(t, err)
}

func TestNetParams(t *testing.T) {
	p, err := NetParams("")
	require.NoError(t, err)
	require.Equal(t, chaincfg.MainNetParams.Name, p.Name)

	p, err = NetParams("Regtest")
	require.NoError(t, err)
	require.Equal(t, chaincfg.RegressionNetParams.Name, p.Name)

	_, err = NetParams("dogecoin")
	require.Error(t, err)
}

func TestInvoiceDetailsExpiry(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	d := InvoiceDetails{CreatedAt: created, Expiry: time.Hour}

	require.False(t, d.Expired(created.Add(59*time.Minute)))
	require.True(t, d.Expired(created.Add(time.Hour)))
}
