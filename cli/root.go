package cli

import (
	"github.com/spf13/cobra"

	"cipherline/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Socket     string
}

// NewRootCommand creates the root command for the cipherline CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cipherline",
		Short: "cipherline - end-to-end encrypted direct messaging server",
		Long: `cipherline relays end-to-end encrypted direct messages between accounts.

The server exposes a REST API and a websocket channel for live events.
A local control socket lets operators query and stop a running server.`,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Socket, "socket", "", "control socket path (overrides config)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewShutdownCommand(opts))

	return cmd
}

func (o *RootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.Socket != "" {
		cfg.ControlSocket = o.Socket
	}
	return cfg, nil
}
