package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/jessevdk/go-flags"

	"cashucloak/internal/config"
	"cashucloak/internal/credential"
	"cashucloak/internal/idempotency"
	"cashucloak/internal/server"
	"cashucloak/internal/stego"
	"cashucloak/internal/wallet"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log, err := setupLoggers(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log setup: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Criticalf("Server failed: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log btclog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT,
		syscall.SIGTERM)
	defer stop()

	network, err := credential.NetParams(cfg.Network)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer closeStore()

	var walletClient wallet.Client
	if cfg.WalletURL == "" {
		log.Warnf("No wallet URL configured, using in-process fake wallet")
		walletClient = wallet.NewFakeClient(nil)
	} else {
		walletClient, err = wallet.NewHTTPClient(wallet.HTTPConfig{
			URL:               cfg.WalletURL,
			Timeout:           cfg.RequestTimeout,
			RequestsPerSecond: cfg.WalletRateLimit,
			Burst:             cfg.WalletBurst,
		})
		if err != nil {
			return fmt.Errorf("wallet client: %w", err)
		}
	}

	var codec stego.Codec = stego.TrailerCodec{}
	if endpoint := cfg.StegoEndpoint(); endpoint != "" {
		codec, err = stego.NewHTTPCodec(stego.HTTPConfig{URL: endpoint})
		if err != nil {
			return fmt.Errorf("steganography codec: %w", err)
		}
	} else {
		log.Warnf("No steganography service configured, using trailer codec")
	}

	images, err := stego.OpenImageRoot(cfg.ImageDir)
	if err != nil {
		return fmt.Errorf("image root: %w", err)
	}
	defer images.Close()
	log.Infof("Serving images from %s", images.Dir())

	apiServer, err := server.NewServer(server.Deps{
		Config:  cfg,
		Wallet:  walletClient,
		Codec:   codec,
		Store:   store,
		Network: network,
		Images:  images,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	select {
	case <-ctx.Done():
		log.Infof("Shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		shutdownTimeout)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

// openStore picks Postgres when a DSN is configured and the JSON file store
// otherwise.
func openStore(ctx context.Context, cfg *config.Config) (idempotency.Store,
	func(), error) {

	if cfg.PostgresDSN != "" {
		pg, err := idempotency.NewPostgresStore(ctx, cfg.PostgresDSN, nil)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}

	fs, err := idempotency.NewFileStore(cfg.IdempotencyStorePath, nil)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() {}, nil
}
