package cli

import (
	stdcontext "context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/tether/internal/cliutil"
	"github.com/Paintersrp/tether/internal/config"
	"github.com/Paintersrp/tether/internal/lifecycle"
	"github.com/Paintersrp/tether/internal/supervisor"
)

func newRunCmd(ctx *context) *cobra.Command {
	var (
		apiAddr    string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the shell headless, forwarding backend output until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := ctx.loadManifest()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("api") {
				m.API.Enabled = apiAddr != ""
				m.API.Addr = apiAddr
			}
			if jsonOutput {
				m.Logging.Format = config.LogFormatJSON
			}

			h, err := newHost(m, newLogger(cmd.ErrOrStderr(), m.Logging))
			if err != nil {
				return err
			}
			return h.runHeadless(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&apiAddr, "api", "", "Serve the control API on this address (empty disables it)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit backend output as JSON lines")
	return cmd
}

// runHeadless drives the lifecycle without a window: ready on start, exit
// requested on interrupt or a control API shutdown.
func (h *host) runHeadless(ctx stdcontext.Context, stdout, stderr io.Writer) error {
	var enc *json.Encoder
	if h.manifest.Logging.Format == config.LogFormatJSON {
		enc = json.NewEncoder(stdout)
	}

	forwarded := h.forward(func(evt supervisor.Event) {
		cliutil.WriteEvent(stdout, stderr, enc, evt)
	})

	apiCtx, cancelAPI := stdcontext.WithCancel(stdcontext.Background())
	defer cancelAPI()
	apiErr, err := h.startAPI(apiCtx)
	if err != nil {
		h.lifecycle.Shutdown(lifecycle.EventExitRequested)
		<-forwarded
		return err
	}

	h.ready(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		h.logger.Info("interrupted, shutting down")
	case <-h.lifecycle.Done():
	case runErr = <-apiErr:
		apiErr = nil
		if runErr != nil {
			h.logger.Error("control api stopped", "error", runErr)
		}
	}
	h.lifecycle.Shutdown(lifecycle.EventExitRequested)

	cancelAPI()
	if apiErr != nil {
		if err := <-apiErr; err != nil && runErr == nil {
			runErr = err
		}
	}
	<-forwarded
	return runErr
}
