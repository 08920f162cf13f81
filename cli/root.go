// Package cli implements the petalprint command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalprint"
	"github.com/petal-labs/petalprint/config"
	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/layer"
	"github.com/petal-labs/petalprint/loader"
	"github.com/petal-labs/petalprint/runtime"
)

// NewRootCmd builds the petalprint command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "petalprint",
		Short: "Render declarative map prints",
		Long:  "petalprint renders map-print specs into raster images, locally or as an HTTP service.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			slog.SetDefault(newLogger(cmd))
			return nil
		},
	}

	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().String("config", "", "Path to petalprint.yaml")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("petalprint version %s\n", version))

	root.AddCommand(NewPrintCmd())
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewLayersCmd())
	root.AddCommand(NewServeCmd())
	root.AddCommand(NewHistoryCmd())
	return root
}

// newLogger installs a text handler on stderr at the level selected by
// --verbose and --quiet.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		level = slog.LevelDebug
	}
	if isQuiet(cmd) {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func isQuiet(cmd *cobra.Command) bool {
	q, _ := cmd.Flags().GetBool("quiet")
	return q
}

// loadConfig resolves petalprint.yaml from --config or the default
// locations.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := config.Resolve(explicit)
	if err != nil {
		return nil, err
	}
	if path != "" {
		slog.Debug("loaded config", "path", path)
	}
	return cfg, nil
}

// dispatcherOptions maps the engine section onto dispatcher options.
func dispatcherOptions(cfg config.EngineConfig, logger *slog.Logger) (runtime.Options, error) {
	policy, err := layer.ParseErrorPolicy(cfg.ErrorPolicy)
	if err != nil {
		return runtime.Options{}, exitError(exitValidation, "%v", err)
	}
	return runtime.Options{
		Registry: petalprint.NewRegistryWithConfig(petalprint.RegistryConfig{
			Fetch: layer.FetchConfig{
				Timeout:   cfg.FetchTimeout,
				UserAgent: cfg.UserAgent,
			},
			TileConcurrency: cfg.FetchConcurrency,
			Cadence:         cfg.Cadence,
		}),
		ErrorPolicy: policy,
		Retention:   cfg.Retention,
		Logger:      logger,
	}, nil
}

// loadSpec reads a spec file, mapping failures to exit codes.
func loadSpec(path string) (*core.PrintSpec, error) {
	spec, err := loader.LoadFile(path)
	if err == nil {
		return spec, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, exitError(exitFileNotFound, "file not found: %s", path)
	}
	var pe *loader.ParseError
	if errors.As(err, &pe) {
		return nil, exitError(exitSpecParse, "%v", err)
	}
	return nil, exitError(exitSpecParse, "reading spec: %v", err)
}

// invalidSpecError prints validation problems and returns exit code 1.
func invalidSpecError(w io.Writer, err error) error {
	for _, p := range specProblems(err) {
		fmt.Fprintf(w, "  error: %s\n", p)
	}
	return exitError(exitValidation, "invalid print spec")
}
