package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Show live connections of a running server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			stats, err := sendCommand(cfg.ControlSocket, "stats")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

// ShutdownOptions holds flags for the shutdown command.
type ShutdownOptions struct {
	*RootOptions
	Reason string
	Until  string
}

// NewShutdownCommand creates the shutdown command.
func NewShutdownCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShutdownOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop a running server",
		Long: `Stop a running server. Connected clients receive a bye event with the
reason and the announced return time.

Example:
  cipherline shutdown --reason restart
  cipherline shutdown --reason maintenance --until 2030-01-02T03:00:00Z`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShutdown(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Reason, "reason", "maintenance", "reason sent to clients")
	cmd.Flags().StringVar(&opts.Until, "until", "", "expected completion time (RFC3339)")

	return cmd
}

func runShutdown(opts *ShutdownOptions, cmd *cobra.Command) error {
	if strings.ContainsAny(opts.Reason, "|\n") {
		return errors.New("reason must not contain '|' or newlines")
	}
	if opts.Until != "" {
		if _, err := time.Parse(time.RFC3339, opts.Until); err != nil {
			return fmt.Errorf("invalid --until %q: %w", opts.Until, err)
		}
	}

	cfg, err := opts.load()
	if err != nil {
		return err
	}
	reply, err := sendCommand(cfg.ControlSocket, "shutdown|"+opts.Reason+"|"+opts.Until)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return nil
}
