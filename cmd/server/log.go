package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog/v2"

	"cashucloak/internal/hmacauth"
	"cashucloak/internal/lifecycle"
	"cashucloak/internal/poller"
	"cashucloak/internal/server"
	"cashucloak/internal/stego"
	"cashucloak/internal/wallet"
)

// subsystemLoggers maps each subsystem tag onto the package hook that
// installs its logger.
var subsystemLoggers = map[string]func(btclog.Logger){
	wallet.Subsystem:    wallet.UseLogger,
	stego.Subsystem:     stego.UseLogger,
	poller.Subsystem:    poller.UseLogger,
	lifecycle.Subsystem: lifecycle.UseLogger,
	hmacauth.Subsystem:  hmacauth.UseLogger,
	server.Subsystem:    server.UseLogger,
}

// setupLoggers routes every subsystem to stdout at the given level and
// returns the logger for main itself.
func setupLoggers(level string) (btclog.Logger, error) {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	root := btclog.NewSLogger(btclog.NewDefaultHandler(os.Stdout))
	for tag, use := range subsystemLoggers {
		logger := root.SubSystem(tag)
		logger.SetLevel(lvl)
		use(logger)
	}

	mainLog := root.SubSystem("CLOK")
	mainLog.SetLevel(lvl)
	return mainLog, nil
}
