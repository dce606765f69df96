// chirp-chat serves message sends, online delivery, and history over TCP
// and WebSocket.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/cuihairu/chirp/internal/chat"
	"github.com/cuihairu/chirp/internal/config"
	"github.com/cuihairu/chirp/internal/logging"
	"github.com/cuihairu/chirp/internal/metrics"
	"github.com/cuihairu/chirp/internal/transport"
)

func main() {
	cfg, err := config.LoadChat(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New("chat", cfg.Debug)
	metrics.Serve(cfg.MetricsAddr, logger)

	svc := chat.NewService(logger)

	tcpSrv := transport.NewServer(fmt.Sprintf(":%d", cfg.Port), transport.ModeTCP, svc.OnFrame, svc.OnClose, logger)
	if err := tcpSrv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("tcp listener failed")
	}

	var wsSrv *transport.Server
	if cfg.WSPort > 0 {
		wsSrv = transport.NewServer(fmt.Sprintf(":%d", cfg.WSPort), transport.ModeWebSocket, svc.OnFrame, svc.OnClose, logger)
		if err := wsSrv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("websocket listener failed")
		}
	}

	logger.Info().Msg("chat up")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	tcpSrv.Stop()
	if wsSrv != nil {
		wsSrv.Stop()
	}
}
