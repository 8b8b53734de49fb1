package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/facebookgo/httpdown"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	metricsLog := &zapio.Writer{Log: logger.Named("metrics"), Level: zap.InfoLevel}
	defer metricsLog.Close()
	startMetrics(metricsLog, cfg.Metrics.Tick)
	defer stopMetrics()

	h := newHub(cfg, logger)
	defer h.close()

	if cfg.App.Key == "" || cfg.App.Secret == "" {
		logger.Warn("no app key/secret configured, private and presence channels are not authorized")
	}
	if cfg.Vacancy.URL == "" {
		logger.Info("no vacancy url configured, channel_vacated webhooks disabled")
	}

	// Prepare the stoppable HTTP server
	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: newHandler(h, cfg.Origin),
	}
	hd := &httpdown.HTTP{
		StopTimeout: cfg.StopTimeout,
		KillTimeout: cfg.KillTimeout,
	}

	logger.Info("websocket server listening",
		zap.String("addr", cfg.Addr),
		zap.Duration("heartbeat_interval", cfg.Heartbeat.Interval),
		zap.Duration("heartbeat_timeout", cfg.Heartbeat.Timeout))
	if err := httpdown.ListenAndServe(server, hd); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}
