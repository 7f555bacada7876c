package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"

	"github.com/celerix-dev/celerix-identity/internal/api"
	"github.com/celerix-dev/celerix-identity/internal/auth"
	"github.com/celerix-dev/celerix-identity/internal/biometric"
	"github.com/celerix-dev/celerix-identity/internal/config"
	"github.com/celerix-dev/celerix-identity/internal/engine"
	"github.com/celerix-dev/celerix-identity/internal/logging"
	"github.com/celerix-dev/celerix-identity/internal/server"
	"github.com/celerix-dev/celerix-identity/internal/storage/sqlite"
	"github.com/celerix-dev/celerix-identity/internal/telemetry"
	"github.com/celerix-dev/celerix-identity/internal/vault"
	"github.com/celerix-dev/celerix-identity/internal/verify"
)

const serviceName = "celerix-identityd"

var version = "dev"

func main() {
	configPath := flag.StringP("config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML config file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(serviceName, version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting", "version", version, "storage", cfg.Storage, "data_dir", cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	// Persistence
	persister, closePersister, err := openPersister(cfg, logger)
	if err != nil {
		return err
	}
	defer closePersister()

	snap, err := persister.LoadAll()
	if err != nil {
		logger.Warn("could not load existing data", "error", err)
	}

	e := engine.New(engine.Options{Persister: persister, Logger: logger})
	e.Restore(snap)
	if snap != nil {
		logger.Info("engine restored",
			"identities", len(snap.Identities),
			"grants", len(snap.Grants),
			"audit_entries", len(snap.Audit))
	}
	defer e.Close()

	// Biometric collaborators
	masterKey, err := vault.ParseMasterKey(cfg.MasterKey)
	if err != nil {
		return err
	}
	artifacts, err := biometric.NewFileStore(cfg.ArtifactDir)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	svc, err := biometric.NewService(biometric.Options{
		Store:     artifacts,
		MasterKey: masterKey,
		Threshold: cfg.Verify.Threshold,
		MaxBatch:  cfg.Verify.MaxBatch,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	authority, err := auth.NewAuthority(auth.Config{
		Secret: []byte(cfg.Token.Secret),
		Issuer: cfg.Token.Issuer,
		TTL:    cfg.Token.TTL,
	})
	if err != nil {
		return err
	}

	verifier, err := verify.New(verify.Config{
		Identities:  e.Identities,
		Grants:      e.Grants,
		Audit:       e.Audit,
		Hasher:      svc,
		Matcher:     svc,
		StepTimeout: cfg.Verify.StepTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// TCP command channel
	router := server.NewRouter(e, authority, logger)
	if !cfg.DisableTLS {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("generate TLS certificate: %w", err)
		}
		router.SetCertificate(cert)
	} else {
		logger.Warn("TLS disabled on the command channel")
	}

	errc := make(chan error, 2)
	go func() {
		errc <- router.Listen(cfg.Port)
	}()

	// HTTP API
	var httpSrv *http.Server
	if !cfg.DisableHTTP {
		h := &api.Handler{Engine: e, Auth: authority, Biometric: svc, Verifier: verifier, Logger: logger}
		httpSrv = &http.Server{
			Addr:              ":" + cfg.HTTPPort,
			Handler:           newHTTPHandler(h),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP API listening", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("http: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, finalizing disk writes")
	case err = <-errc:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	if httpSrv != nil {
		// a verify in flight may run three external steps
		grace := 3*verifier.StepTimeout() + 5*time.Second
		sctx, cancel := context.WithTimeout(context.Background(), grace)
		if serr := httpSrv.Shutdown(sctx); serr != nil {
			logger.Warn("HTTP shutdown", "error", serr)
		}
		cancel()
	}
	if serr := router.Stop(); serr != nil {
		logger.Warn("command channel shutdown", "error", serr)
	}
	e.Wait()
	logger.Info("persistence complete, exiting")
	return err
}

// openPersister returns the configured persister and a func releasing it.
func openPersister(cfg *config.Config, logger *slog.Logger) (engine.Persister, func(), error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, err
		}
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("close sqlite", "error", err)
			}
		}, nil
	default:
		p, err := engine.NewPersistence(cfg.DataDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize persistence: %w", err)
		}
		return p, func() {}, nil
	}
}

func newHTTPHandler(h *api.Handler) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	h.Routes(r)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}
