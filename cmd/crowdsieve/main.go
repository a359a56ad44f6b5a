// Command crowdsieve runs the CrowdSieve proxy: the filtered LAPI-to-CAPI
// signals pipeline, the analyzer engine, and the operator dashboard API,
// all behind one HTTP listener plus a dedicated metrics listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crowdsieve/crowdsieve/internal/analyzer"
	"github.com/crowdsieve/crowdsieve/internal/capi"
	"github.com/crowdsieve/crowdsieve/internal/config"
	"github.com/crowdsieve/crowdsieve/internal/filter"
	"github.com/crowdsieve/crowdsieve/internal/ingress"
	"github.com/crowdsieve/crowdsieve/internal/janitor"
	"github.com/crowdsieve/crowdsieve/internal/lapiclient"
	"github.com/crowdsieve/crowdsieve/internal/obslog"
	"github.com/crowdsieve/crowdsieve/internal/operator"
	"github.com/crowdsieve/crowdsieve/internal/pipeline"
	"github.com/crowdsieve/crowdsieve/internal/storage"
	"github.com/crowdsieve/crowdsieve/internal/validator"
)

// Version/Commit/Date are set by the build system via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "crowdsieve",
		Short: "Filtering proxy between CrowdSec LAPI agents and CAPI",
	}
	root.PersistentFlags().String("config", "config.yaml", "path to the configuration file")

	root.AddCommand(runCmd(), healthcheckCmd(), versionCmd(), configCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the crowdsieve daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if err := runDaemon(path); err != nil {
				return err
			}
			return nil
		},
	}
}

func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failure: %v\n", err)
		os.Exit(1)
	}

	log := obslog.New(obslog.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log.Info().Str("version", Version).Msg("crowdsieve starting")
	for _, ferr := range cfg.FiltersDirErrors() {
		log.Warn().Err(ferr).Msg("filters.d entry skipped")
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		log.Error().Err(err).Msg("open storage")
		os.Exit(1)
	}
	defer store.Close()

	engine, filterErrs := filter.New(filter.Mode(cfg.Filters.Mode), cfg.Filters.Rules)
	for _, ferr := range filterErrs {
		log.Warn().Err(ferr).Msg("filter rule compile failed, rule disabled")
	}

	timeout := time.Duration(cfg.Proxy.TimeoutMS) * time.Millisecond
	capiClient := capi.New(cfg.Proxy.CAPIURL, timeout)
	lapi := lapiclient.New(timeout)
	servers := lapiServers(cfg.LAPIServers)

	var v *validator.Validator
	if cfg.ClientValidation.Enabled {
		v, err = validator.New(validator.Config{
			Enabled:           cfg.ClientValidation.Enabled,
			CacheTTL:          time.Duration(cfg.ClientValidation.CacheTTLSeconds) * time.Second,
			CacheTTLError:     time.Duration(cfg.ClientValidation.CacheTTLErrSeconds) * time.Second,
			ValidationTimeout: time.Duration(cfg.ClientValidation.ValidationTimeoutMS) * time.Millisecond,
			MaxMemoryEntries:  cfg.ClientValidation.MaxMemoryEntries,
			FailClosed:        cfg.ClientValidation.FailClosed,
		}, store, capiClient, log)
		if err != nil {
			log.Error().Err(err).Msg("build client validator")
			os.Exit(1)
		}
	}

	pl := pipeline.New(engine, store, capiClient, cfg.Proxy.ForwardEnabled, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	var runner operator.AnalyzerRunner
	if cfg.Analyzers.Enabled {
		defs, defErrs := analyzer.LoadDefs(cfg.Analyzers.ConfigDir, cfg.Analyzers)
		for _, derr := range defErrs {
			log.Warn().Err(derr).Msg("analyzer config skipped")
		}
		eng := analyzer.New(defs, cfg.Analyzers, store, lapi, servers, timeout, log)
		runner = eng
		g.Go(func() error { return eng.Run(gctx) })
	}

	validatedTTL := time.Duration(cfg.ClientValidation.CacheTTLSeconds) * time.Second
	jan := janitor.New(store, janitorInterval, retentionDuration(cfg.Storage.RetentionDays), validatedTTL, log)
	g.Go(func() error { return jan.Run(gctx) })

	g.Go(func() error { return serveIngress(gctx, cfg, pl, capiClient, v, store, lapi, servers, runner, log) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Proxy.MetricsPort, log) })
	return g.Wait()
}

// janitorInterval is fixed rather than configurable; retention pruning is
// cheap and doesn't need the knob surface a faster-moving job would.
const janitorInterval = 1 * time.Hour

func retentionDuration(days int) time.Duration {
	if days <= 0 {
		return 0
	}
	return time.Duration(days) * 24 * time.Hour
}

// serveIngress builds the operator handler and ingress router, then runs
// the HTTP listener until ctx is cancelled, draining in-flight requests
// within a bounded grace window before returning.
func serveIngress(ctx context.Context, cfg *config.Config, pl *pipeline.Pipeline, capiClient *capi.Client, v *validator.Validator, store storage.Store, lapi *lapiclient.Client, servers []lapiclient.Server, runner operator.AnalyzerRunner, log zerolog.Logger) error {
	opHandler := operator.New(operator.Config{DashboardAPIKey: cfg.Proxy.DashboardAPIKey}, store, lapi, servers, runner, nil, log)

	router := ingress.New(ingress.Config{
		AllowedOrigins:  cfg.Proxy.AllowedOrigins,
		Production:      cfg.Proxy.Production,
		DashboardAPIKey: cfg.Proxy.DashboardAPIKey,
		UpstreamTimeout: time.Duration(cfg.Proxy.TimeoutMS) * time.Millisecond,
	}, pl, capiClient, v, opHandler, log)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Proxy.ListenPort),
		Handler: router,
	}

	return runServer(ctx, srv, log, "ingress")
}

func serveMetrics(ctx context.Context, port int, log zerolog.Logger) error {
	if port <= 0 {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	return runServer(ctx, srv, log, "metrics")
}

// runServer starts srv, blocks until ctx is cancelled, then shuts down
// within a bounded grace window.
func runServer(ctx context.Context, srv *http.Server, log zerolog.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Str("server", name).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func lapiServers(cfgServers []config.LAPIServer) []lapiclient.Server {
	out := make([]lapiclient.Server, 0, len(cfgServers))
	for _, s := range cfgServers {
		out = append(out, lapiclient.Server{
			Name:      s.Name,
			URL:       s.URL,
			APIKey:    s.APIKey,
			MachineID: s.MachineID,
			Password:  s.Password,
		})
	}
	return out
}

func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the local /health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Proxy.ListenPort)) //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crowdsieve %s (commit %s, built %s)\n", Version, Commit, Date)
		},
	}
}

func configCmd() *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Configuration utilities"}
	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
				os.Exit(1)
			}
			for _, ferr := range cfg.FiltersDirErrors() {
				fmt.Fprintf(os.Stderr, "filters.d warning: %v\n", ferr)
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return root
}
