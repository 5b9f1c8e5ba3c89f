package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantlab/regimeflow/internal/config"
	"github.com/quantlab/regimeflow/internal/engine"
	"github.com/quantlab/regimeflow/internal/expr"
	"github.com/quantlab/regimeflow/internal/httpapi"
	"github.com/quantlab/regimeflow/internal/metrics"
	"github.com/quantlab/regimeflow/internal/persistence"
	"github.com/quantlab/regimeflow/internal/persistence/postgres"
	"github.com/quantlab/regimeflow/internal/reload"
	"github.com/quantlab/regimeflow/internal/settings"
)

const (
	appName = "regimeflow"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Condition-based market regime and strategy decision engine",
		Version: version,
		Long: `RegimeFlow evaluates indicator snapshots against a declarative rule
document: regimes are detected, a strategy set is routed, and entry/exit
signals are resolved with any override windows applied. The rule document
hot-reloads with copy-on-success semantics.`,
	}
	rootCmd.PersistentFlags().String("settings", "settings.yaml", "Service settings YAML file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace|debug|info|warn|error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the decision engine HTTP service",
		Long:  "Loads the rule document, starts the file watcher and serves the evaluation, reload and streaming endpoints",
		RunE:  runServe,
	}

	validateCmd := &cobra.Command{
		Use:   "validate [rules.json]",
		Short: "Validate a rule document without starting the service",
		Long:  "Parses and validates the document, printing every finding; exits non-zero when invalid",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}

	evalCmd := &cobra.Command{
		Use:   "eval <expression>",
		Short: "Evaluate a single expression",
		Long:  "Compiles and evaluates one expression against an optional JSON context, useful when authoring rule documents",
		Args:  cobra.ExactArgs(1),
		RunE:  runEval,
	}
	evalCmd.Flags().String("context", "", "JSON object providing identifiers (inline or @file)")

	rootCmd.AddCommand(runCmd, validateCmd, evalCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setupLogger(cmd *cobra.Command) zerolog.Logger {
	levelStr, _ := cmd.Flags().GetString("log-level")
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return log.Logger.Level(level)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := setupLogger(cmd)
	settingsPath, _ := cmd.Flags().GetString("settings")

	cfg, err := settings.Load(settingsPath)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	exprs := expr.NewEngine(logger)
	reloader, err := reload.New(cfg.Rules.Path, exprs, reload.Options{Debounce: cfg.Debounce()}, logger)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	reg.ObserveExprCache(exprs.Stats)
	reloader.Subscribe(reg.ObserveReload)
	eng := engine.New(reloader, exprs, reg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo persistence.DecisionRepo
	if cfg.DB.DSN != "" {
		db, err := postgres.Connect(ctx, cfg.DB.DSN, logger)
		if err != nil {
			return fmt.Errorf("connecting decision history store: %w", err)
		}
		defer db.Close()
		repo = postgres.NewDecisionRepo(db, logger)
		logger.Info().Msg("decision history persistence enabled")
	}

	if cfg.Rules.Watch {
		go func() {
			if err := reloader.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("file watcher stopped")
			}
		}()
	}

	srv := httpapi.New(httpapi.Config{
		Host:             cfg.HTTP.Host,
		Port:             cfg.HTTP.Port,
		ReloadRatePerMin: cfg.HTTP.ReloadRatePerMin,
	}, eng, reloader, reg, repo, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)).
		Str("rules", cfg.Rules.Path).Bool("watch", cfg.Rules.Watch).
		Msg("regimeflow started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runValidate(cmd *cobra.Command, args []string) error {
	logger := setupLogger(cmd)

	path := "rules.json"
	if len(args) == 1 {
		path = args[0]
	} else {
		settingsPath, _ := cmd.Flags().GetString("settings")
		if cfg, err := settings.Load(settingsPath); err == nil {
			path = cfg.Rules.Path
		}
	}

	exprs := expr.NewEngine(zerolog.Nop())
	cfg, err := config.Load(path, exprs)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			for _, finding := range verr.Findings {
				fmt.Fprintf(os.Stderr, "  - %s\n", finding)
			}
		}
		return fmt.Errorf("%s is invalid: %w", path, err)
	}

	counts := cfg.Counts()
	logger.Info().Str("path", path).Str("schema_version", cfg.SchemaVersion).
		Int("indicators", counts.Indicators).Int("regimes", counts.Regimes).
		Int("strategies", counts.Strategies).Int("strategy_sets", counts.StrategySets).
		Msg("document is valid")
	return nil
}

func runEval(cmd *cobra.Command, args []string) error {
	source := args[0]
	exprs := expr.NewEngine(zerolog.Nop())

	compiled, err := exprs.Compile(source)
	if err != nil {
		return err
	}

	evalCtx := expr.Context{}
	if raw, _ := cmd.Flags().GetString("context"); raw != "" {
		data := []byte(raw)
		if raw[0] == '@' {
			data, err = os.ReadFile(raw[1:])
			if err != nil {
				return fmt.Errorf("reading context file: %w", err)
			}
		}
		if err := json.Unmarshal(data, &evalCtx); err != nil {
			return fmt.Errorf("parsing context: %w", err)
		}
	}

	result, err := exprs.Evaluate(compiled, evalCtx)
	if err != nil {
		return err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
