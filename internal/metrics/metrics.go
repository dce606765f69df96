// Package metrics exposes prometheus instrumentation for the chirp
// services, plus an optional /metrics listener and a process collector.
package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chirp_connections_current",
		Help: "Live sessions on this instance.",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chirp_connections_total",
		Help: "Sessions accepted since start.",
	})
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chirp_packets_received_total",
		Help: "Envelopes received, by message kind.",
	}, []string{"msg"})
	PacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chirp_packets_sent_total",
		Help: "Envelopes sent.",
	})
	LoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chirp_logins_total",
		Help: "Login attempts, by result code.",
	}, []string{"code"})
	KicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chirp_kicks_total",
		Help: "Sessions kicked, by origin (local or redis).",
	}, []string{"origin"})
	ChatMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chirp_chat_messages_total",
		Help: "Chat messages accepted into history.",
	})
	ChatNotifiesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chirp_chat_notifies_total",
		Help: "Chat messages pushed to online recipients.",
	})

	procCPU = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chirp_process_cpu_percent",
		Help: "Process CPU usage percent.",
	})
	procRSS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chirp_process_rss_bytes",
		Help: "Process resident set size.",
	})
)

// Serve starts the /metrics listener and the process stats collector.
// A no-op when addr is empty.
func Serve(addr string, logger zerolog.Logger) {
	if addr == "" {
		return
	}

	go collectProcessStats()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics listener failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("metrics listening")
}

// collectProcessStats samples CPU and RSS every few seconds.
func collectProcessStats() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if pct, err := proc.CPUPercent(); err == nil {
			procCPU.Set(pct)
		}
		if mi, err := proc.MemoryInfo(); err == nil {
			procRSS.Set(float64(mi.RSS))
		}
	}
}
