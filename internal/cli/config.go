package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Paintersrp/tether/internal/cliutil"
)

func newConfigCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with tether manifests",
	}
	cmd.AddCommand(newConfigLintCmd(ctx))
	cmd.AddCommand(newConfigShowCmd(ctx))
	return cmd
}

func newConfigLintCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Validate a tether manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := ctx.loadManifest()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", m.Source)
			return nil
		},
	}
}

// resolvedLaunch is the manifest after defaults, overrides, and env merging.
type resolvedLaunch struct {
	Source     string   `yaml:"source"`
	App        string   `yaml:"app"`
	Backend    string   `yaml:"backend"`
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args,flow"`
	Workdir    string   `yaml:"workdir"`
	Env        []string `yaml:"env,omitempty"`
	Logging    string   `yaml:"logging"`
	API        string   `yaml:"api"`
}

func newConfigShowCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved backend launch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := ctx.loadManifest()
			if err != nil {
				return err
			}
			executable, launchArgs := m.Backend.Launch()
			api := "disabled"
			if m.API.Enabled {
				api = m.API.Addr
			}
			view := resolvedLaunch{
				Source:     m.Source,
				App:        m.App.Name,
				Backend:    m.Backend.Name,
				Executable: executable,
				Args:       launchArgs,
				Workdir:    m.Backend.ResolvedWorkdir,
				Env:        cliutil.RedactEnv(m.Backend.Env),
				Logging:    fmt.Sprintf("%s/%s", m.Logging.Format, m.Logging.Level),
				API:        api,
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(view); err != nil {
				return fmt.Errorf("encode: %w", err)
			}
			return enc.Close()
		},
	}
}
