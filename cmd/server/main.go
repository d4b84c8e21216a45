// Command server runs keymux as a standalone OpenAI-compatible proxy.
// Provider keys are read from the environment: every variable named
// <PROVIDER>_API_KEY or <PROVIDER>_API_KEY_<n> joins that provider's
// rotation pool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blueberrycongee/keymux"
	"github.com/blueberrycongee/keymux/internal/observability"
)

func main() {
	var (
		host     = flag.String("host", "0.0.0.0", "host to bind the server to")
		port     = flag.Int("port", 8000, "port to run the server on")
		snapshot = flag.String("snapshot", "usage.json", "path of the usage snapshot file")
		pricing  = flag.String("pricing", "", "optional pricing override file (hot-reloaded)")
		timeout  = flag.Duration("timeout", 30*time.Second, "per-request global timeout")
		logJSON  = flag.Bool("log-json", false, "emit JSON logs")
		logLevel = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      parseLevel(*logLevel),
		Output:     os.Stderr,
		JSONFormat: *logJSON,
	})
	slog.SetDefault(logger)

	if err := run(logger, *host, *port, *snapshot, *pricing, *timeout); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, host string, port int, snapshot, pricingFile string, timeout time.Duration) error {
	proxyKey := os.Getenv("PROXY_API_KEY")
	if proxyKey == "" {
		return fmt.Errorf("PROXY_API_KEY environment variable not set")
	}

	pools := scanProviderKeys(os.Environ())
	if len(pools) == 0 {
		return fmt.Errorf("no provider API keys found in environment variables")
	}

	registry := prometheus.NewRegistry()
	opts := []keymux.Option{
		keymux.WithLogger(logger),
		keymux.WithGlobalTimeout(timeout),
		keymux.WithSnapshotFile(snapshot),
		keymux.WithMetrics(registry),
	}
	for providerName, keys := range pools {
		opts = append(opts, keymux.WithKeys(providerName, keys...))
	}
	if pricingFile != "" {
		opts = append(opts, keymux.WithPricingFile(pricingFile))
	}

	client, err := keymux.New(opts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           newRouter(client, proxyKey, registry, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", "addr", srv.Addr, "providers", len(pools))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("proxy stopped")
	return nil
}

// scanProviderKeys collects provider pools from environment variables of
// the form <PROVIDER>_API_KEY or <PROVIDER>_API_KEY_<n>.
func scanProviderKeys(environ []string) map[string][]string {
	pools := make(map[string][]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || name == "PROXY_API_KEY" {
			continue
		}
		prefix, rest, found := strings.Cut(name, "_API_KEY")
		if !found || prefix == "" {
			continue
		}
		if rest != "" && !strings.HasPrefix(rest, "_") {
			continue
		}
		providerName := strings.ToLower(prefix)
		pools[providerName] = append(pools[providerName], value)
	}
	return pools
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
