// Command shelfd serves one shelf engine over the line protocol and an HTTP
// inspection API.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/shelf/internal/api"
	"github.com/celerix-dev/shelf/internal/buildinfo"
	"github.com/celerix-dev/shelf/internal/config"
	"github.com/celerix-dev/shelf/internal/logging"
	"github.com/celerix-dev/shelf/internal/server"
	"github.com/celerix-dev/shelf/internal/vault"
	"github.com/celerix-dev/shelf/pkg/codec"
	"github.com/celerix-dev/shelf/pkg/engine"
	"github.com/celerix-dev/shelf/pkg/schema"
)

var (
	configFile string
	shutdownTO time.Duration
	flags      config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "shelfd",
		Short:         "Serve a shelf engine to remote clients",
		Version:       buildinfo.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	f := rootCmd.Flags()
	f.StringVar(&configFile, "config", "", "YAML config file (default $SHELF_CONFIG)")
	f.DurationVar(&shutdownTO, "shutdown-timeout", 15*time.Second, "graceful shutdown timeout")
	f.StringVar(&flags.Location, "location", "", "engine location, e.g. sqlite:./data or badger:/var/lib/shelf")
	f.StringVar(&flags.Addr, "addr", "", "wire protocol listen address")
	f.StringVar(&flags.HTTPAddr, "http-addr", "", "HTTP API listen address, empty to disable")
	f.StringVar(&flags.TLSCert, "tls-cert", "", "TLS certificate file, created if missing")
	f.StringVar(&flags.TLSKey, "tls-key", "", "TLS key file, created if missing")
	f.BoolVar(&flags.DisableTLS, "disable-tls", false, "serve plain TCP")
	f.StringVar(&flags.LogLevel, "log-level", "", "debug, info, warn or error")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shelfd:", err)
		os.Exit(1)
	}
}

// settings merges the loaded configuration with the flags that were set.
func settings(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	for name, dst := range map[string]*string{
		"location":  &cfg.Location,
		"addr":      &cfg.Addr,
		"http-addr": &cfg.HTTPAddr,
		"tls-cert":  &cfg.TLSCert,
		"tls-key":   &cfg.TLSKey,
		"log-level": &cfg.LogLevel,
	} {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	if f.Changed("disable-tls") {
		cfg.DisableTLS = flags.DisableTLS
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := settings(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := engine.Open(cfg.Location, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close engine", "err", err)
		}
	}()
	logger.Info("engine opened", "location", cfg.Location, "version", buildinfo.Version())

	router := server.NewRouter(store)
	router.SetLogger(logger)
	if !cfg.DisableTLS {
		cert, err := certificate(cfg)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		router.SetCertificate(cert)
	} else {
		logger.Warn("TLS disabled, serving plain TCP")
	}

	c := codec.New()
	if err := schema.Register(c.Registry); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return router.Listen(cfg.Addr)
	})

	var httpSrv *http.Server
	if cfg.HTTPAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery(), requestLogger(logger))
		h := &api.Handler{Engine: store, Codec: c}
		h.Register(r.Group("/api"))
		httpSrv = &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Info("HTTP API listening", "addr", cfg.HTTPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		router.Stop()
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTO)
			defer cancel()
			httpSrv.Shutdown(sctx)
		}
		return nil
	})

	err = g.Wait()
	if serr := store.Sync(); serr != nil {
		logger.Error("final sync", "err", serr)
	}
	logger.Info("shutdown complete")
	return err
}

// certificate loads the configured key pair, creating it on first start, or
// generates an in-memory one.
func certificate(cfg *config.Config) (tls.Certificate, error) {
	if cfg.TLSCert != "" {
		return vault.LoadOrCreate(cfg.TLSCert, cfg.TLSKey)
	}
	slog.Info("generating self-signed certificate for the wire server")
	return vault.GenerateSelfSignedCert()
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}
