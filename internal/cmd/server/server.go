// Package server wires storage, ceremonies, and the HTTP API into a
// runnable service.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	api "github.com/louisbranch/passkeys.space/internal/api/http"
	"github.com/louisbranch/passkeys.space/internal/ceremony"
	"github.com/louisbranch/passkeys.space/internal/passkey"
	"github.com/louisbranch/passkeys.space/internal/storage/sqlite"
)

// Config holds server command configuration.
type Config struct {
	HTTPAddr      string
	DBPath        string
	SecureCookies bool
	CeremonyRate  int
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		HTTPAddr:      envOrDefault(lookup, []string{"PASSKEYS_SPACE_HTTP_ADDR"}, "localhost:8087"),
		DBPath:        envOrDefault(lookup, []string{"PASSKEYS_SPACE_DB_PATH"}, "passkeys.db"),
		SecureCookies: envOrDefault(lookup, []string{"PASSKEYS_SPACE_SECURE_COOKIES"}, "false") == "true",
		CeremonyRate:  0,
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The HTTP server address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The sqlite database path")
	fs.BoolVar(&cfg.SecureCookies, "secure-cookies", cfg.SecureCookies, "Mark cookies Secure for HTTPS deployments")
	fs.IntVar(&cfg.CeremonyRate, "ceremony-rate", cfg.CeremonyRate, "Ceremony requests per IP per minute (0 uses the default)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the passkey server and blocks until the context ends.
func Run(ctx context.Context, cfg Config) error {
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	webauthnCfg := passkey.LoadConfigFromEnv()
	provider, err := ceremony.NewProvider(webauthnCfg)
	if err != nil {
		return fmt.Errorf("configure webauthn: %w", err)
	}

	registry := passkey.NewRegistry(store)
	registration := ceremony.NewRegistration(store, registry, provider).
		WithDisplayField(webauthnCfg.IdentityDisplayField)
	authentication := ceremony.NewAuthentication(store, registry, provider).
		WithParanoid(webauthnCfg.Paranoid)
	reauthentication := ceremony.NewReauthentication(registry, provider)
	gate := ceremony.NewStepUpGate()
	management := ceremony.NewManagement(registry, provider, gate)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	promRegistry := prometheus.NewRegistry()

	handler := api.NewHandler(api.Deps{
		Logger:                logger,
		Sessions:              api.NewSessionManager(store).WithSecureCookies(cfg.SecureCookies),
		Identities:            store,
		Registry:              registry,
		Registration:          registration,
		Authentication:        authentication,
		Reauthentication:      reauthentication,
		Management:            management,
		Metrics:               api.NewMetrics(promRegistry),
		Gatherer:              promRegistry,
		SecureCookies:         cfg.SecureCookies,
		CeremonyRatePerMinute: cfg.CeremonyRate,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("passkey server listening at %v", cfg.HTTPAddr)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func envOrDefault(lookup EnvLookup, keys []string, fallback string) string {
	for _, key := range keys {
		if lookup == nil {
			break
		}
		value, ok := lookup(key)
		if ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return fallback
}
