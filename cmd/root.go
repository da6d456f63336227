package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/app"
	"github.com/JakeFAU/adaptive-crawler/internal/config"
	"github.com/JakeFAU/adaptive-crawler/internal/dispatcher"
	"github.com/JakeFAU/adaptive-crawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Runner drives the worker pool.
type Runner interface {
	Run(ctx context.Context) (dispatcher.Summary, error)
	RunUntilDrained(ctx context.Context) (dispatcher.Summary, error)
}

// App is what the commands need from the wired services. Tests swap in a fake
// through newApp.
type App interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	Seed(ctx context.Context, urls []string) (int, error)
	Runner() Runner
	Handler() http.Handler
}

type services struct {
	*app.App
}

func (s services) Runner() Runner { return s.Dispatcher() }
func (s services) Handler() http.Handler { return s.API().Handler() }

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return services{a}, nil
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "adaptive-crawler",
		Short: "A polite, self-tuning web crawler.",
		Long: `adaptive-crawler fetches pages while adapting to each site: it slows down
and backs off when a domain pushes back, escalates blocked domains to a headless
browser, and rotates requests across a health-scored proxy pool.`,
		SilenceUsage: true,

		// Build the services once config is known and hand them to the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
				_ = appInstance.Logger().Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (env vars use the CRAWLER_ prefix)")
	cmd.AddCommand(newCrawlCmd(), newServeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command under ctx.
func Execute(ctx context.Context) {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "adaptive-crawler: %v\n", err)
		os.Exit(1)
	}
}
