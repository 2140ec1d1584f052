// Command gateway wires the Service Registry (C6) and its dependencies
// into an HTTP process: load templates, start the health sweep, serve the
// JSON-RPC proxy endpoint, and shut down cleanly on SIGINT/SIGTERM.
//
// The signal-handling and graceful-shutdown shape is grounded on the
// teacher's cmd/gateway/main.go (its auth, database, enclave-attestation,
// and wallet/gasbank surfaces are not reused — those are out of scope
// here).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshgate/toolgateway/internal/balancer"
	"github.com/meshgate/toolgateway/internal/health"
	"github.com/meshgate/toolgateway/internal/registry"
	"github.com/meshgate/toolgateway/internal/store"
	"github.com/meshgate/toolgateway/pkg/config"
	"github.com/meshgate/toolgateway/pkg/logger"
	"github.com/meshgate/toolgateway/pkg/metrics"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Tool service gateway: registry, health checks, and JSON-RPC proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runGateway,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (optional; env GATEWAY_* and defaults apply regardless)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	entry := log.Component("main")

	st := store.New()
	checker := health.New(st, health.Config{Interval: cfg.HealthCheckInterval, Logger: log})
	bal := balancer.New()
	reg := registry.New(st, checker, bal, cfg, log)

	persist := registry.NewPersistence(cfg.TemplatesDir, reg, log)
	if err := persist.LoadAll(); err != nil {
		return err
	}
	if err := persist.Watch(); err != nil {
		entry.WithError(err).Warn("template file watch disabled")
	}
	defer persist.Stop()

	checker.Start()
	defer checker.Stop()
	defer reg.Shutdown()

	stopResync := startMetricsResync(st, cfg.HealthCheckInterval)
	defer stopResync()

	handler := newRouter(reg, log, cfg.RequestTimeout)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		entry.WithField("addr", cfg.ListenAddr).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-sigCh:
	}

	entry.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("graceful shutdown did not complete cleanly")
	}
	return <-serveErr
}

// startMetricsResync periodically republishes the Observation Store's
// instance counts and commit revision as Prometheus gauges, since neither
// changes on its own schedule the way a counter increment does.
func startMetricsResync(st *store.Store, interval time.Duration) func() {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				resyncMetrics(st)
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

func resyncMetrics(st *store.Store) {
	metrics.SetRevision(st.Revision())

	counts := make(map[[2]string]int)
	for _, tmpl := range st.ListTemplates() {
		for _, inst := range st.ListInstances(tmpl.Name) {
			counts[[2]string{tmpl.Name, string(inst.State)}]++
		}
	}
	for key, count := range counts {
		metrics.SetInstanceGauge(key[0], key[1], count)
	}
}
