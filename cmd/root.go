// Package cmd defines and implements the CLI commands for the luneth executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/app"
	"github.com/JakeFAU/luneth-sync/internal/config"
	"github.com/JakeFAU/luneth-sync/internal/server"
	"github.com/JakeFAU/luneth-sync/internal/task"
)

// standaloneAnnotation marks commands that run without application services.
const standaloneAnnotation = "standalone"

// runtimeKeyType is the key for storing the runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Do(ctx context.Context, kind task.Kind) (task.Summary, error)
	Context() *app.Context
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

type runtime struct {
	cfg config.Config
	app App
}

// loadConfig and newApp are variables so tests can replace them.
var (
	loadConfig = config.Load
	newApp     = func(ctx context.Context, cfg config.Config) (App, error) {
		a, err := server.Build(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "luneth",
		Short: "Incremental crawl-and-sync engine for a catalog site.",
		Long: `luneth crawls catalog records into a local cache, keeps them in step
with a remote partner, and exposes the same operations over HTTP.`,
		SilenceUsage: true,

		// Builds the application once config is known and before the
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[standaloneAnnotation] == "true" {
				return nil
			}
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, app: appInstance})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			rt, ok := cmd.Context().Value(runtimeKey).(*runtime)
			if !ok || rt == nil {
				return nil
			}
			return rt.app.Close(context.WithoutCancel(cmd.Context()))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and LUNETH_* env vars apply)")

	cmd.AddCommand(
		newCrawlCmd(),
		newUpdateCmd(),
		newSubmitCmd(),
		newPullCmd(),
		newIdolCmd(),
		newRecordsCmd(),
		newHistoryCmd(),
		newExistIDsCmd(),
		newExtractCmd(),
		newServeCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		return fmt.Errorf("luneth: %w", err)
	}
	return nil
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
