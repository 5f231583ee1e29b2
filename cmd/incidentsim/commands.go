package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-incident/internal/governance"
	"github.com/polisai/polis-incident/internal/server"
	"github.com/polisai/polis-incident/pkg/config"
	"github.com/polisai/polis-incident/pkg/domain"
	"github.com/polisai/polis-incident/pkg/engine"
	"github.com/polisai/polis-incident/pkg/logging"
)

const (
	defaultParallelism     = 4
	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// cliState is filled by the root command before any subcommand runs.
type cliState struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

// newRootCmd creates the root command for incidentsim
func newRootCmd() *cobra.Command {
	state := &cliState{}

	rootCmd := &cobra.Command{
		Use:   "incidentsim",
		Short: "Incident and diagnostic telemetry engine",
		Long: `Simulates image analysis requests that succeed, degrade or fail with
realistic production errors, and emits correlated diagnostic telemetry for each.

Example:
  incidentsim serve --config incident.yaml
  incidentsim trigger connectivity
  incidentsim analyze --feature document ./receipt.png`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return state.load(cmd)
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human-readable log output")

	rootCmd.AddCommand(
		newServeCmd(state),
		newTriggerCmd(state),
		newAnalyzeCmd(state),
		newFeaturesCmd(),
	)
	return rootCmd
}

// load reads .env, the config file and flag overrides, then installs the logger.
func (s *cliState) load(cmd *cobra.Command) error {
	_ = godotenv.Load()

	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if level != "" {
		cfg.Logging.Level = level
		if err := cfg.Logging.Validate(); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("pretty") {
		if cfg.Logging.Pretty, err = cmd.Flags().GetBool("pretty"); err != nil {
			return fmt.Errorf("failed to get pretty flag: %w", err)
		}
	}

	s.configPath = path
	s.cfg = cfg
	s.logger = logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	return nil
}

func newServeCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, state)
		},
	}
}

func runServe(cmd *cobra.Command, state *cliState) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger := state.cfg, state.logger

	rt, err := newRuntime(ctx, cfg, logger, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := server.New(server.Options{
		Logger:      logger,
		Service:     rt.service,
		Metrics:     rt.metrics,
		RateLimiter: governance.NewRateLimiter(cfg.Server.RateLimits),
	})

	if state.configPath != "" {
		provider, err := config.NewFileConfigProvider(state.configPath, logger)
		if err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		defer func() { _ = provider.Close() }()
		go watchConfig(ctx, provider.Subscribe(), rt.service, srv, logger)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("incident engine listening", "address", cfg.Server.Address, "exporter", cfg.Telemetry.Exporter)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// watchConfig applies reloaded selection policies and rate limits. A policy
// that does not validate leaves the running one in place.
func watchConfig(ctx context.Context, updates <-chan *config.Config, svc *engine.Service, srv *server.Server, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			policy, err := cfg.Policy.ToPolicy()
			if err == nil {
				err = svc.UpdatePolicy(policy)
			}
			if err != nil {
				logger.Error("policy reload rejected", "error", err)
				continue
			}
			srv.SetRateLimits(cfg.Server.RateLimits)
			logger.Debug("selection policy applied", "features", len(policy.Features))
		}
	}
}

func newTriggerCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger [scenario|group|context]",
		Short: "Raise a production incident and print it",
		Long: `Raises an incident and emits its diagnostic record.

The argument names a scenario (ConnectionPoolExhaustedException), a scenario
group (connectivity, resource-exhaustion) or a free-form incident context. Without
an argument the database connection pool incident is raised.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), state.cfg, state.logger, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			var hint string
			if len(args) == 1 {
				hint = args[0]
			}
			out, err := rt.service.TriggerIncident(cmd.Context(), hint)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

// analyzeResult is one line of analyze output.
type analyzeResult struct {
	File    string                  `json:"file"`
	Outcome *engine.AnalysisOutcome `json:"outcome,omitempty"`
	Error   *domain.ErrorResponse   `json:"error,omitempty"`
}

func newAnalyzeCmd(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <file>...",
		Short: "Run simulated analyses over files",
		Long: `Runs each file through the integrity check and a simulated analysis.
Results are printed as JSON in argument order; rejected and failed analyses
are printed with their error and do not stop the batch.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feature, err := cmd.Flags().GetString("feature")
			if err != nil {
				return fmt.Errorf("failed to get feature flag: %w", err)
			}
			parallel, err := cmd.Flags().GetInt("parallel")
			if err != nil {
				return fmt.Errorf("failed to get parallel flag: %w", err)
			}
			if _, err := engine.LookupFeature(feature); err != nil {
				return err
			}

			rt, err := newRuntime(cmd.Context(), state.cfg, state.logger, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			results, err := analyzeFiles(cmd.Context(), rt.service, feature, args, parallel)
			if err != nil {
				return err
			}
			for _, res := range results {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringP("feature", "f", engine.DefaultFeature, "Feature to analyze with")
	cmd.Flags().IntP("parallel", "p", defaultParallelism, "Files analyzed concurrently")
	return cmd
}

// analyzeFiles reads and analyzes paths concurrently. Only read errors abort the batch.
func analyzeFiles(ctx context.Context, svc *engine.Service, feature string, paths []string, parallel int) ([]analyzeResult, error) {
	results := make([]analyzeResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))

	for i, path := range paths {
		g.Go(func() error {
			buf, err := os.ReadFile(path) //nolint:gosec // Paths are supplied by the operator
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			md := engine.Metadata{
				FileName:    filepath.Base(path),
				ContentType: mime.TypeByExtension(filepath.Ext(path)),
				FeatureID:   feature,
			}
			results[i].File = path
			out, err := svc.AnalyzeBuffer(gctx, buf, md)
			if err != nil {
				resp := domain.NewErrorResponse(err)
				results[i].Error = &resp
				return nil
			}
			results[i].Outcome = &out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func newFeaturesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "List analysis features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION")
			for _, f := range engine.Features() {
				_, _ = fmt.Fprintf(tw, "%s\t%s %s\t%s\n", f.ID, f.Icon, f.Name, f.Description)
			}
			return tw.Flush()
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
