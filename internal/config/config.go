package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"

	"cashucloak/internal/balance"
)

const (
	DefaultHTTPPort    = 4449
	DefaultMint        = "https://8333.space:3338"
	defaultStoreName   = "cashucloak-idem.json"
	defaultLogLevel    = "info"
	defaultImageDir    = "images"
	defaultNetworkName = "mainnet"
)

// Config is the server configuration. Every option can be given as a flag
// or through its environment variable.
type Config struct {
	HTTPPort int `long:"httpport" env:"CLOAK_HTTP_PORT" default:"4449" description:"Port the API listens on"`

	WalletURL   string `long:"walleturl" env:"CLOAK_WALLET_URL" description:"Base URL of the Cashu wallet service; empty runs an in-process fake wallet"`
	StegoURL    string `long:"stegourl" env:"CLOAK_STEGO_URL" description:"Base URL of the steganography service; defaults to the wallet URL"`
	DefaultMint string `long:"defaultmint" env:"CLOAK_DEFAULT_MINT" default:"https://8333.space:3338" description:"Mint used when a request names none"`
	MintsFile   string `long:"mintsfile" env:"CLOAK_MINTS_FILE" description:"JSON file listing known mint URLs"`
	Network     string `long:"network" env:"CLOAK_NETWORK" default:"mainnet" choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest" choice:"simnet" description:"Bitcoin network used to decode invoices"`

	PollInterval    time.Duration `long:"pollinterval" env:"CLOAK_POLL_INTERVAL" default:"5s" description:"Delay between settlement checks"`
	PollMaxAttempts int           `long:"pollmaxattempts" env:"CLOAK_POLL_MAX_ATTEMPTS" default:"60" description:"Settlement checks before giving up"`

	RequestTimeout  time.Duration `long:"requesttimeout" env:"CLOAK_REQUEST_TIMEOUT" default:"30s" description:"Timeout for a single call to the wallet"`
	WalletRateLimit float64       `long:"walletratelimit" env:"CLOAK_WALLET_RATE_LIMIT" default:"0" description:"Outbound wallet requests per second; 0 disables pacing"`
	WalletBurst     int           `long:"walletburst" env:"CLOAK_WALLET_BURST" default:"5" description:"Burst allowed above the wallet rate limit"`

	APISecret    string        `long:"apisecret" env:"CLOAK_API_SECRET" description:"Shared secret for HMAC request signing; empty disables auth"`
	MaxClockSkew time.Duration `long:"maxclockskew" env:"CLOAK_MAX_CLOCK_SKEW" default:"60s" description:"Accepted drift of signed request timestamps"`

	IdempotencyWindow    time.Duration `long:"idempotencywindow" env:"CLOAK_IDEMPOTENCY_WINDOW" default:"24h" description:"How long replayed responses are served for an idempotency key"`
	IdempotencyStorePath string        `long:"idempotencystore" env:"CLOAK_IDEMPOTENCY_STORE_PATH" description:"JSON file backing idempotency records and the spent ledger"`
	PostgresDSN          string        `long:"postgresdsn" env:"CLOAK_POSTGRES_DSN" description:"PostgreSQL DSN; takes precedence over the file store"`

	ImageDir string `long:"imagedir" env:"CLOAK_IMAGE_DIR" default:"images" description:"Directory that image paths in requests are resolved against"`

	LogLevel string `long:"loglevel" env:"CLOAK_LOG_LEVEL" default:"info" description:"Log level: trace, debug, info, warn, error, critical, off"`

	// Mints is loaded from MintsFile.
	Mints []string `no-flag:"true"`
}

type mintsFile struct {
	Mints []string `json:"mints"`
}

// Load parses args and the environment, then reads side files.
func Load(args []string) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if cfg.MintsFile != "" {
		mints, err := loadMints(cfg.MintsFile)
		if err != nil {
			return nil, fmt.Errorf("load mints: %w", err)
		}
		cfg.Mints = mints
	}

	if cfg.IdempotencyStorePath == "" && cfg.PostgresDSN == "" {
		cfg.IdempotencyStorePath = filepath.Join(os.TempDir(), defaultStoreName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration Load yields with no flags or
// environment.
func Default() Config {
	return Config{
		HTTPPort:          DefaultHTTPPort,
		DefaultMint:       DefaultMint,
		Network:           defaultNetworkName,
		PollInterval:      5 * time.Second,
		PollMaxAttempts:   60,
		RequestTimeout:    30 * time.Second,
		WalletBurst:       5,
		MaxClockSkew:      time.Minute,
		IdempotencyWindow: 24 * time.Hour,
		ImageDir:          defaultImageDir,
		LogLevel:          defaultLogLevel,
	}
}

func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.PollMaxAttempts <= 0 {
		return errors.New("poll max attempts must be positive")
	}
	if c.WalletRateLimit < 0 {
		return errors.New("wallet rate limit must not be negative")
	}
	if c.ImageDir == "" {
		return errors.New("image directory is required")
	}
	for _, raw := range append([]string{c.WalletURL, c.StegoURL}, c.KnownMints()...) {
		if raw == "" {
			continue
		}
		if err := checkURL(raw); err != nil {
			return err
		}
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	return nil
}

// StegoEndpoint is the steganography base URL.
func (c *Config) StegoEndpoint() string {
	if c.StegoURL != "" {
		return c.StegoURL
	}
	return c.WalletURL
}

// KnownMints lists the default mint followed by the configured ones,
// without duplicates.
func (c *Config) KnownMints() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range append([]string{c.DefaultMint}, c.Mints...) {
		m = balance.NormalizeMint(m).String()
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// loadMints accepts either {"mints": [...]} or a bare array.
func loadMints(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var file mintsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, err
	}
	return file.Mints, nil
}
