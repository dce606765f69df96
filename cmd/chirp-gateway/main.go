// chirp-gateway terminates client connections over TCP and WebSocket,
// verifies logins through the auth service, and enforces single-session
// ownership locally and, with Redis configured, across gateway instances.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/cuihairu/chirp/internal/config"
	"github.com/cuihairu/chirp/internal/gateway"
	"github.com/cuihairu/chirp/internal/logging"
	"github.com/cuihairu/chirp/internal/metrics"
	"github.com/cuihairu/chirp/internal/transport"
)

func main() {
	cfg, err := config.LoadGateway(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New("gateway", cfg.Debug)
	metrics.Serve(cfg.MetricsAddr, logger)

	var auth *gateway.AuthClient
	if cfg.AuthHost != "" {
		auth = gateway.NewAuthClient(cfg.AuthHost, cfg.AuthPort, logger)
	} else {
		logger.Warn().Msg("no auth service configured, accepting tokens as user ids")
	}

	gw := gateway.New(logger, auth, nil)

	var sessions *gateway.SessionManager
	if cfg.RedisHost != "" {
		sessions, err = gateway.NewSessionManager(cfg.RedisHost, cfg.RedisPort, cfg.InstanceID, cfg.RedisTTL, gw.OnKick, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis session manager failed to start")
		}
		gw.SetSessionManager(sessions)
	} else {
		logger.Warn().Msg("no redis configured, session ownership is instance-local")
	}

	tcpSrv := transport.NewServer(fmt.Sprintf(":%d", cfg.Port), transport.ModeTCP, gw.OnFrame, gw.OnClose, logger)
	if err := tcpSrv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("tcp listener failed")
	}

	var wsSrv *transport.Server
	if cfg.WSPort > 0 {
		wsSrv = transport.NewServer(fmt.Sprintf(":%d", cfg.WSPort), transport.ModeWebSocket, gw.OnFrame, gw.OnClose, logger)
		if err := wsSrv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("websocket listener failed")
		}
	}

	logger.Info().Str("instance", cfg.InstanceID).Msg("gateway up")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	tcpSrv.Stop()
	if wsSrv != nil {
		wsSrv.Stop()
	}
	if sessions != nil {
		sessions.Stop()
	}
	if auth != nil {
		auth.Stop()
	}
}
