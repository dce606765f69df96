// chirp-auth verifies login tokens for the gateway over the framed packet
// protocol.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/cuihairu/chirp/internal/auth"
	"github.com/cuihairu/chirp/internal/config"
	"github.com/cuihairu/chirp/internal/logging"
	"github.com/cuihairu/chirp/internal/metrics"
	"github.com/cuihairu/chirp/internal/transport"
)

func main() {
	cfg, err := config.LoadAuth(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New("auth", cfg.Debug)
	metrics.Serve(cfg.MetricsAddr, logger)

	if cfg.JWTSecret == "" {
		logger.Warn().Msg("no jwt secret configured, all tokens pass as user ids")
	}

	svc := auth.NewService(cfg.JWTSecret, logger)
	srv := transport.NewServer(fmt.Sprintf(":%d", cfg.Port), transport.ModeTCP, svc.OnFrame, svc.OnClose, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("listener failed")
	}
	logger.Info().Msg("auth up")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	srv.Stop()
}
