package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/incomudon/mumble-ws-gateway/internal/config"
	"github.com/incomudon/mumble-ws-gateway/internal/httpserver"
	"github.com/incomudon/mumble-ws-gateway/internal/logging"
	"github.com/incomudon/mumble-ws-gateway/internal/peer"
	"github.com/incomudon/mumble-ws-gateway/internal/supervisor"
	"github.com/incomudon/mumble-ws-gateway/internal/whitelist"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway's HTTP/WebSocket listener.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	logger, err := logging.New(cfg.GatewayDebug)
	if err != nil {
		return fmt.Errorf("gateway: build logger: %w", err)
	}
	defer logger.Sync()

	wl, err := whitelist.Load(cfg.ServersConfigPath)
	if err != nil {
		return fmt.Errorf("gateway: load whitelist: %w", err)
	}

	admin, err := httpserver.NewAdminAuth(ctx, httpserver.AdminAuthConfig{
		Mode:             cfg.AdminAuthMode,
		BasicUser:        cfg.AdminBasicUser,
		BasicPass:        cfg.AdminBasicPass,
		OIDCIssuer:       cfg.AdminOIDCIssuer,
		OIDCClientID:     cfg.AdminOIDCClientID,
		OIDCClientSecret: cfg.AdminOIDCClientSecret,
		OIDCRedirectURL:  cfg.AdminOIDCRedirectURL,
	})
	if err != nil {
		return fmt.Errorf("gateway: admin auth: %w", err)
	}

	adminMetrics := supervisor.NewAdminMetrics(prometheus.DefaultRegisterer)

	pacingCfg := peer.PacerConfig{
		IntervalMs:     cfg.VoiceUplinkPacingIntervalMs,
		MaxQueueFrames: cfg.VoiceUplinkPacingMaxQueueFrames,
		IdleTimeoutMs:  cfg.VoiceUplinkPacingIdleTimeoutMs,
	}.Clamp()

	sup := supervisor.New(wl, adminMetrics, pacingCfg, upstreamTLSConfig, logger)

	srv := httpserver.New(httpserver.Config{
		WebRoot:   cfg.WebRoot,
		CoopCoep:  cfg.CoopCoep,
		Whitelist: wl,
		Admin:     admin,
		Logger:    logger,
	}, sup)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler,
	}

	serveCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway: listening", zap.Int("port", cfg.Port))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-serveCtx.Done():
		logger.Info("gateway: shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway: listen: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// upstreamTLSConfig builds the *tls.Config used for a given upstream
// Mumble server's connect attempt.
func upstreamTLSConfig(insecure bool) *tls.Config {
	return &tls.Config{InsecureSkipVerify: insecure}
}
