package cli

import (
	stdcontext "context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/tether/internal/config"
)

const defaultManifest = "tether.yaml"

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	var manifestFile string

	root := &cobra.Command{
		Use:   "tether",
		Short: "Desktop shell that keeps a local backend process alive for its lifetime",
	}

	root.PersistentFlags().
		StringVarP(&manifestFile, "file", "f", defaultManifest, "Path to the tether manifest")

	ctx := &context{manifestFile: &manifestFile}
	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newWindowCmd(ctx))
	root.AddCommand(newStatusCmd(ctx))
	root.AddCommand(newShutdownCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	manifestFile *string
}

func (c *context) loadManifest() (*config.Manifest, error) {
	path := defaultManifest
	if c.manifestFile != nil && *c.manifestFile != "" {
		path = *c.manifestFile
	}
	return config.Load(path)
}

// newLogger builds the shell's diagnostic logger from the manifest settings.
func newLogger(w io.Writer, spec config.LoggingSpec) *slog.Logger {
	opts := &slog.HandlerOptions{Level: spec.SlogLevel()}
	if spec.Format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
