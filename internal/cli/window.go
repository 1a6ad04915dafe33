package cli

import (
	stdcontext "context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paintersrp/tether/internal/lifecycle"
	"github.com/Paintersrp/tether/internal/supervisor"
	"github.com/Paintersrp/tether/internal/tui"
)

// window is the part of the terminal UI the host drives.
type window interface {
	EventSink() chan<- supervisor.Event
	Run(stdcontext.Context) error
}

func newWindowCmd(ctx *context) *cobra.Command {
	var logFile string

	cmd := &cobra.Command{
		Use:   "window",
		Short: "Open the shell window; closing it stops the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !supportsInteractiveOutput(cmd) {
				return fmt.Errorf("window requires an interactive terminal")
			}

			m, err := ctx.loadManifest()
			if err != nil {
				return err
			}

			// The window owns the terminal, so diagnostics go to a file or nowhere.
			var logOut io.Writer = io.Discard
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				defer f.Close()
				logOut = f
			}

			h, err := newHost(m, newLogger(logOut, m.Logging))
			if err != nil {
				return err
			}
			ui := tui.New(
				tui.WithTitle(m.App.Name),
				tui.WithOnClose(func() {
					h.lifecycle.Shutdown(lifecycle.EventWindowDestroyed)
				}),
			)
			return h.runWindow(cmd.Context(), ui)
		},
	}

	cmd.Flags().StringVar(&logFile, "log-file", "", "Write shell diagnostics to this file")
	return cmd
}

func supportsInteractiveOutput(cmd *cobra.Command) bool {
	f, ok := cmd.OutOrStdout().(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// runWindow emits ready, shows the window until it is closed, then emits
// exit requested. When the window's close hook has already shut the
// lifecycle down, the second event is a no-op.
func (h *host) runWindow(ctx stdcontext.Context, w window) error {
	sink := w.EventSink()
	forwarded := h.forward(func(evt supervisor.Event) {
		select {
		case sink <- evt:
		case <-h.lifecycle.Done():
		}
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

	// A control API shutdown closes the window as well.
	winCtx, cancelWin := stdcontext.WithCancel(ctx)
	defer cancelWin()
	go func() {
		select {
		case <-h.lifecycle.Done():
			cancelWin()
		case <-winCtx.Done():
		}
	}()

	runErr := w.Run(winCtx)
	h.lifecycle.Shutdown(lifecycle.EventWindowDestroyed)
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
