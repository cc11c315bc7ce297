package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/dig"

	"github.com/aalhour/segdb"
	"github.com/aalhour/segdb/internal/config"
	"github.com/aalhour/segdb/internal/logging"
	"github.com/aalhour/segdb/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the database over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Server != "" {
				return errRemoteUnsupported
			}
			if cmd.Flags().Changed("addr") {
				a.cfg.Addr = addr
			}
			c, err := buildContainer(a.cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.Invoke(func(s *server.Server, db *segdb.DB, logger logging.Logger) error {
				return serve(ctx, s, db, logger)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.Default().Addr, "Listen address")
	return cmd
}

// buildContainer wires configuration, logger, database and server.
func buildContainer(cfg config.Config) (*dig.Container, error) {
	c := dig.New()
	constructors := []any{
		func() config.Config { return cfg },
		newLogger,
		openServedDB,
		newServer,
	}
	for _, ctor := range constructors {
		if err := c.Provide(ctor); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func newLogger(cfg config.Config) (logging.Logger, error) {
	l, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	return l, nil
}

func openServedDB(cfg config.Config, logger logging.Logger) (*segdb.DB, error) {
	opts, err := cfg.Options(logger)
	if err != nil {
		return nil, err
	}
	return segdb.Open(cfg.Dir, opts)
}

func newServer(cfg config.Config, db *segdb.DB, logger logging.Logger) *server.Server {
	return server.New(db, cfg.Addr, logger)
}

// serve runs the server until ctx is done and closes the database.
func serve(ctx context.Context, s *server.Server, db *segdb.DB, logger logging.Logger) error {
	err := s.Run(ctx)
	if cerr := db.Close(); cerr != nil {
		logger.Errorf(logging.NSServer+"close: %v", cerr)
		err = errors.Join(err, cerr)
	}
	return err
}
