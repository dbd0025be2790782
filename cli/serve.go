package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cipherline/db"
	"cipherline/engine"
	"cipherline/registry"
	"cipherline/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the messaging server",
		Long: `Run the cipherline server until it receives SIGINT/SIGTERM or a
shutdown request on the control socket.

Example:
  cipherline serve
  cipherline serve --config /etc/cipherline.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts)
		},
	}
}

func runServe(opts *RootOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	level, _ := cfg.Level()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	log.Info("opening database", "driver", cfg.DBDriver, "path", cfg.DBPath)
	database, err := db.New(cfg.DBDriver, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	eng := engine.New(database, registry.New(), engine.Config{
		MaxMessageLength: cfg.MaxMessageLength,
		MaxAvatarBytes:   cfg.MaxAvatarBytes,
	}, log)

	srv := server.New(eng, &server.ServerConfig{
		Addr:           cfg.Addr,
		ReadTimeout:    time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.WriteTimeout) * time.Second,
		SendQueue:      cfg.SendQueue,
		MaxAvatarBytes: int64(cfg.MaxAvatarBytes),
	}, log)

	var requests <-chan shutdownRequest
	ctl, err := listenControl(cfg.ControlSocket, srv, log)
	if err != nil {
		log.Warn("control socket unavailable", "path", cfg.ControlSocket, "err", err)
	} else {
		defer ctl.Close()
		go ctl.serve()
		requests = ctl.requests
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case sig := <-sigChan:
		log.Info("received signal, shutting down", "signal", sig.String())
		srv.Shutdown("maintenance", time.Time{})
	case req := <-requests:
		log.Info("shutdown requested", "reason", req.reason, "until", req.until)
		srv.Shutdown(req.reason, req.until)
	}
	return <-errCh
}
