package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	want := Default()
	require.Equal(t, want.HTTPPort, cfg.HTTPPort)
	require.Equal(t, want.DefaultMint, cfg.DefaultMint)
	require.Equal(t, 5*time.Second, cfg.PollInterval)
	require.Equal(t, 60, cfg.PollMaxAttempts)
	require.Equal(t, "mainnet", cfg.Network)
	require.NotEmpty(t, cfg.IdempotencyStorePath)
	require.Equal(t, []string{DefaultMint}, cfg.KnownMints())
}

func TestLoadFlagsAndEnv(t *testing.T) {
	t.Setenv("CLOAK_WALLET_URL", "http://127.0.0.1:4448")
	t.Setenv("CLOAK_POLL_MAX_ATTEMPTS", "12")

	cfg, err := Load([]string{"--pollinterval=2s", "--network=regtest"})
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:4448", cfg.WalletURL)
	require.Equal(t, "http://127.0.0.1:4448", cfg.StegoEndpoint())
	require.Equal(t, 12, cfg.PollMaxAttempts)
	require.Equal(t, 2*time.Second, cfg.PollInterval)
	require.Equal(t, "regtest", cfg.Network)
}

func TestLoadMintsFile(t *testing.T) {
	dir := t.TempDir()

	obj := filepath.Join(dir, "mints.json")
	require.NoError(t, os.WriteFile(obj, []byte(`{"mints":["https://a.example/","https://8333.space:3338"]}`), 0o600))

	cfg, err := Load([]string{"--mintsfile=" + obj})
	require.NoError(t, err)
	require.Equal(t, []string{DefaultMint, "https://a.example"}, cfg.KnownMints())

	arr := filepath.Join(dir, "list.json")
	require.NoError(t, os.WriteFile(arr, []byte(`["https://b.example"]`), 0o600))

	cfg, err = Load([]string{"--mintsfile=" + arr})
	require.NoError(t, err)
	require.Equal(t, []string{"https://b.example"}, cfg.Mints)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"port":     func(c *Config) { c.HTTPPort = 0 },
		"interval": func(c *Config) { c.PollInterval = 0 },
		"attempts": func(c *Config) { c.PollMaxAttempts = -1 },
		"url":      func(c *Config) { c.WalletURL = "ftp://wallet" },
		"mint":     func(c *Config) { c.Mints = []string{"not a url"} },
		"imagedir": func(c *Config) { c.ImageDir = "" },
	}

	for name, mutate := range cases {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsUnknownNetwork(t *testing.T) {
	_, err := Load([]string{"--network=moonnet"})
	require.Error(t, err)
}
