package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/portwatch"
	"github.com/portwatch/pkg/web"
)

const shutdownTimeout = 30 * time.Second

func serveCommand(l *loader) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the monitor and the web API",
		GroupID: "run",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := l.load()
			if err != nil {
				return err
			}

			server := web.NewServer(engine, l.conf.Listen())
			monitor := portwatch.NewMonitor(engine, l.conf.CheckInterval(), l.conf.Workers())

			errCh := make(chan error, 1)
			go func() { errCh <- server.Run() }()
			monitor.Start()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				monitor.Stop()
				return err
			case sig := <-quit:
				log.Info().Str("signal", sig.String()).Msg("shutting down")
			}

			// stop scheduling work before closing the listener
			monitor.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return errors.Wrap(err, "forced shutdown")
			}
			return nil
		},
	}
}
