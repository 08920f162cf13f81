package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalprint/bus"
	"github.com/petal-labs/petalprint/compose"
	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/runtime"
)

// NewPrintCmd creates the "print" subcommand.
func NewPrintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "print <spec>",
		Short: "Render a print spec to an image file",
		Long: "Render a print spec (JSON or YAML, \"-\" for stdin) in-process and write the image.\n" +
			"Exit codes: 0 ok, 1 invalid spec, 2 job failed, 3 file not found, 4 spec parse error,\n" +
			"8 canceled, 10 timeout.",
		Args: cobra.ExactArgs(1),
		RunE: runPrint,
	}

	cmd.Flags().StringP("output", "o", "", "Image path, \"-\" for stdout (default: spec name with the image extension)")
	cmd.Flags().Duration("timeout", 0, "Cancel the job after this long (0 = no limit)")
	cmd.Flags().String("error-policy", "", "Failing layers: continue | skip_layer | cancel_job")
	cmd.Flags().Bool("json", false, "Print the final job summary as JSON on stdout")
	cmd.Flags().Duration("progress-interval", 250*time.Millisecond, "Minimum interval between progress lines")

	return cmd
}

func runPrint(cmd *cobra.Command, args []string) error {
	specPath := args[0]
	timeout, _ := cmd.Flags().GetDuration("timeout")
	asJSON, _ := cmd.Flags().GetBool("json")
	interval, _ := cmd.Flags().GetDuration("progress-interval")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if policy, _ := cmd.Flags().GetString("error-policy"); policy != "" {
		cfg.Engine.ErrorPolicy = policy
	}

	spec, err := loadSpec(specPath)
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

	id, err := d.Submit(spec)
	if err != nil {
		if errors.Is(err, runtime.ErrInvalidSpec) {
			return invalidSpecError(cmd.ErrOrStderr(), err)
		}
		return exitError(exitJobFailed, "submitting job: %v", err)
	}

	final, timedOut, err := followJob(cmd, d, id, timeout, interval)
	if err != nil {
		return exitError(exitJobFailed, "waiting for job: %v", err)
	}

	stderr := cmd.ErrOrStderr()
	if !isQuiet(cmd) {
		for _, le := range final.Errors {
			fmt.Fprintf(stderr, "warning: layer %d: %s\n", le.LayerIndex, le.Message)
		}
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(final.Summary()); err != nil {
			return err
		}
	}

	if exitErr := jobExitError(final, timedOut); exitErr != nil {
		return exitErr
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = defaultOutputPath(specPath, final.ImageType)
	}
	if err := writeImage(cmd.OutOrStdout(), output, final.Image); err != nil {
		return exitError(exitJobFailed, "writing image: %v", err)
	}
	if output != "-" && !isQuiet(cmd) {
		fmt.Fprintf(stderr, "wrote %s (%d bytes)\n", output, len(final.Image))
	}
	return nil
}

// followJob renders throttled progress lines until the job is terminal.
// SIGINT and --timeout cancel the job rather than abandoning it.
func followJob(cmd *cobra.Command, d *runtime.Dispatcher, id int64, timeout, interval time.Duration) (core.Job, bool, error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stream, err := d.StatusStream(context.Background(), id)
	if err != nil {
		return core.Job{}, false, err
	}

	var progress *bus.ThrottledEmitter
	if !isQuiet(cmd) {
		out := cmd.ErrOrStderr()
		progress = bus.NewThrottledEmitter(func(j core.Job) {
			fmt.Fprintln(out, progressLine(j))
		}, bus.ThrottleConfig{CoalesceInterval: interval})
	}

	var (
		last     core.Job
		timedOut bool
		ctxDone  = ctx.Done()
	)
	for {
		select {
		case <-ctxDone:
			timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
			d.Cancel(id)
			ctxDone = nil
		case status, ok := <-stream:
			if !ok {
				if progress != nil {
					progress.Close()
				}
				if !last.Terminal() {
					return last, timedOut, runtime.ErrClosed
				}
				return last, timedOut, nil
			}
			last = status
			if progress != nil {
				progress.Emit(status)
			}
		}
	}
}

// progressLine formats one human readable status line.
func progressLine(j core.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %d: %s", j.ID, j.Status)
	if j.Progress >= 0 {
		fmt.Fprintf(&b, " %5.1f%%", j.Progress*100)
	}
	if n := len(j.Errors); n > 0 {
		fmt.Fprintf(&b, " (%d layer error", n)
		if n > 1 {
			b.WriteString("s")
		}
		b.WriteString(")")
	}
	if j.Failure != "" {
		fmt.Fprintf(&b, ": %s", j.Failure)
	}
	return b.String()
}

// defaultOutputPath derives the image path from the spec path.
func defaultOutputPath(specPath, imageType string) string {
	ext := ".png"
	if imageType == compose.MIMEJPEG {
		ext = ".jpg"
	}
	if specPath == "-" {
		return "print" + ext
	}
	base := strings.TrimSuffix(filepath.Base(specPath), filepath.Ext(specPath))
	return filepath.Join(filepath.Dir(specPath), base+ext)
}

func writeImage(stdout io.Writer, path string, img []byte) error {
	if path == "-" {
		_, err := stdout.Write(img)
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, img, 0o644) // #nosec G306 -- images are not secret
}
