// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Command proxy is the multi-protocol front door for the registry backend.
// It terminates TLS with a key decrypted through Cloud KMS at startup and
// relays decoded protocol messages to the backend over authenticated HTTPS.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mamikk/nomulus/pkg/breaker"
	"github.com/mamikk/nomulus/pkg/codec"
	eppcodec "github.com/mamikk/nomulus/pkg/codec/epp"
	healthcodec "github.com/mamikk/nomulus/pkg/codec/health"
	whoiscodec "github.com/mamikk/nomulus/pkg/codec/whois"
	"github.com/mamikk/nomulus/pkg/config"
	"github.com/mamikk/nomulus/pkg/credentials"
	proxyerrors "github.com/mamikk/nomulus/pkg/errors"
	"github.com/mamikk/nomulus/pkg/health"
	"github.com/mamikk/nomulus/pkg/metrics"
	"github.com/mamikk/nomulus/pkg/ratelimit"
	"github.com/mamikk/nomulus/pkg/registry"
	"github.com/mamikk/nomulus/pkg/relay"
	"github.com/mamikk/nomulus/pkg/server/tcp"
)

var (
	flagEppPort         int
	flagWhoisPort       int
	flagHealthCheckPort int
	flagEnv             string
	flagLog             bool
)

var rootCmd = &cobra.Command{
	Use:           "proxy_server",
	Short:         "Multi-protocol front-door proxy for the registry backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().IntVar(&flagEppPort, "epp", 0, "Port for EPP")
	rootCmd.Flags().IntVar(&flagWhoisPort, "whois", 0, "Port for WHOIS")
	rootCmd.Flags().IntVar(&flagHealthCheckPort, "health-check", 0, "Port for health check protocol")
	rootCmd.Flags().StringVar(&flagEnv, "env", "", "Environment to run the proxy in")
	rootCmd.Flags().BoolVar(&flagLog, "log", false, "Whether to log activities for debugging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// .env file is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flagEnv != "" {
		cfg.Environment = flagEnv
	}
	eppPort, err := flagPort("epp", flagEppPort)
	if err != nil {
		return err
	}
	whoisPort, err := flagPort("whois", flagWhoisPort)
	if err != nil {
		return err
	}
	healthCheckPort, err := flagPort("health-check", flagHealthCheckPort)
	if err != nil {
		return err
	}
	if eppPort != 0 {
		cfg.EppPort = eppPort
	}
	if whoisPort != 0 {
		cfg.WhoisPort = whoisPort
	}
	if healthCheckPort != 0 {
		cfg.HealthCheckPort = healthCheckPort
	}

	settings, err := cfg.Resolve()
	if err != nil {
		return err
	}

	logger := setupLogger(settings)
	logger.Info("starting registry proxy",
		slog.String("environment", settings.Environment),
		slog.Int("epp_port", int(settings.Profile.EppPort)),
		slog.Int("whois_port", int(settings.Profile.WhoisPort)),
		slog.Int("health_check_port", int(settings.Profile.HealthCheckPort)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New("registry_proxy", nil)

	// Credential bootstrap is strictly before any listener: a proxy that
	// cannot serve its certificate must not accept connections.
	serverCert, err := loadServerCertificate(ctx, settings, logger)
	if err != nil {
		return err
	}

	tokenSrc, err := credentials.GoogleTokenSource(ctx, settings.Profile.GCPScopes...)
	if err != nil {
		return err
	}
	tokens := credentials.NewTokenSource(tokenSrc, credentials.TokenConfig{
		RefreshMargin: settings.TokenRefreshMargin,
		RetryInterval: settings.TokenRetryInterval,
		Logger:        logger,
		Metrics:       m,
	})

	backendBreaker := breaker.New(breaker.Config{})
	backendBreaker.OnStateChange(func(from, to breaker.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.BreakerState.WithLabelValues("backend").Set(float64(to))
		if to == breaker.StateOpen {
			m.BreakerTrips.WithLabelValues("backend").Inc()
		}
	})

	relayClient, err := relay.New(relay.Config{
		Endpoints: map[string]string{
			"epp":   settings.Profile.EppRelayURL,
			"whois": settings.Profile.WhoisRelayURL,
		},
		Timeout:        settings.RelayTimeout,
		Attempts:       settings.RelayAttempts,
		RetryBaseDelay: settings.RelayRetryBaseDelay,
		Logger:         logger,
		Metrics:        m,
		Breaker:        backendBreaker,
	}, tokens)
	if err != nil {
		return err
	}

	portMap, err := registry.Register(protocolSet(settings))
	if err != nil {
		return err
	}

	limiter := ratelimit.NewLimiter(settings.RateLimitCapacity, settings.RateLimitRefill, 0)

	checker := health.NewChecker(10 * time.Second)
	checker.Register("access_token", health.TokenCheck(tokens))
	checker.Register("serving_certificate",
		health.CertificateCheck(time.Unix(serverCert.NotAfter(), 0), 7*24*time.Hour))

	go startMetricsServer(settings.MetricsPort, logger)
	go startHealthServer(settings.HealthPort, checker, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tokens.Run(ctx)
	})

	for _, def := range portMap {
		var tlsConfig *tls.Config
		if def.RequireTLS {
			tlsConfig = serverCert.TLSConfig(def.RequestClientCert)
		}
		srv, err := tcp.New(tcp.Config{
			Definition:       def,
			TLSConfig:        tlsConfig,
			IdleTimeout:      settings.IdleTimeout,
			HandshakeTimeout: settings.HandshakeTimeout,
			ShutdownTimeout:  settings.ShutdownTimeout,
			Limiter:          limiter,
			Metrics:          m,
			Logger:           logger,
		}, relayClient)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("proxy terminated with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("proxy stopped")
	return nil
}

// flagPort validates a port flag value; zero means the flag was not set.
func flagPort(name string, v int) (uint16, error) {
	if v < 0 || v > 65535 {
		return 0, fmt.Errorf("%w: flag --%s: port %d out of range", proxyerrors.ErrConfiguration, name, v)
	}
	return uint16(v), nil
}

// protocolSet builds the fixed protocol table from resolved settings.
// Adding a protocol means adding an entry here.
func protocolSet(settings *config.Settings) []registry.ProtocolDefinition {
	return []registry.ProtocolDefinition{
		{
			Name:              "epp",
			Port:              settings.Profile.EppPort,
			RequireTLS:        true,
			RequestClientCert: true,
			NewCodec: func() codec.Codec {
				return eppcodec.New(settings.MaxFrameBytes)
			},
		},
		{
			Name:       "whois",
			Port:       settings.Profile.WhoisPort,
			RequireTLS: true,
			OneShot:    true,
			NewCodec: func() codec.Codec {
				return whoiscodec.New(settings.MaxLineBytes)
			},
		},
		{
			Name:      "health-check",
			Port:      settings.Profile.HealthCheckPort,
			OneShot:   true,
			LocalOnly: true,
			NewCodec: func() codec.Codec {
				return healthcodec.New(
					settings.Profile.HealthCheckRequest,
					settings.Profile.HealthCheckResponse)
			},
		},
	}
}

// loadServerCertificate reads the encrypted PEM blob and decrypts it with
// Cloud KMS. Any failure aborts startup before a single port is bound.
func loadServerCertificate(ctx context.Context, settings *config.Settings, logger *slog.Logger) (*credentials.ServerCertificate, error) {
	encrypted, err := os.ReadFile(settings.PEMFile)
	if err != nil {
		return nil, fmt.Errorf("read encrypted PEM file %s: %w", settings.PEMFile, err)
	}

	decrypter, err := credentials.NewKMSDecrypter(ctx)
	if err != nil {
		return nil, err
	}
	defer decrypter.Close()

	keyPath := credentials.KeyPath(
		settings.Profile.ProjectID,
		settings.Profile.KMSLocation,
		settings.Profile.KMSKeyRing,
		settings.Profile.KMSCryptoKey)

	cert, err := credentials.LoadServerCertificate(ctx, decrypter, keyPath, encrypted)
	if err != nil {
		return nil, err
	}
	logger.Info("serving certificate decrypted", slog.String("kms_key", keyPath))
	return cert, nil
}

// setupLogger builds the structured logger. Non-local environments log
// single-line JSON for the hosting platform's log collector.
func setupLogger(settings *config.Settings) *slog.Logger {
	level := slog.LevelInfo
	switch settings.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if flagLog {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if config.Environment(settings.Environment) == config.EnvLocal {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// startMetricsServer exposes the Prometheus scrape endpoint.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer exposes the admin health endpoints.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.Handler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", slog.String("error", err.Error()))
	}
}
