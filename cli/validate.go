package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalprint/runtime"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <spec>",
		Short: "Validate a print spec without rendering it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

// validateResult is the JSON output of validate.
type validateResult struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	spec, err := loadSpec(args[0])
	if err != nil {
		return err
	}

	opts, err := dispatcherOptions(cfg.Engine, newLogger(cmd))
	if err != nil {
		return err
	}
	d, err := runtime.NewDispatcher(opts)
	if err != nil {
		return err
	}
	defer d.Close()

	verr := d.Validate(spec)
	if verr != nil && !errors.Is(verr, runtime.ErrInvalidSpec) {
		return verr
	}

	if format == "json" {
		res := validateResult{Valid: verr == nil}
		if verr != nil {
			res.Problems = specProblems(verr)
		}
		if err := json.NewEncoder(out).Encode(res); err != nil {
			return err
		}
		if verr != nil {
			return exitError(exitValidation, "invalid print spec")
		}
		return nil
	}

	if verr != nil {
		return invalidSpecError(out, verr)
	}
	fmt.Fprintf(out, "%s: valid (%d layers, %dx%d)\n", args[0], len(spec.Layers), spec.Width(), spec.Height())
	return nil
}

// specProblems splits a validation error into its individual messages.
func specProblems(err error) []string {
	msg := strings.TrimPrefix(err.Error(), runtime.ErrInvalidSpec.Error()+": ")
	return strings.Split(msg, "; ")
}
