package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/sawpanic/sentinel/internal/interfaces/http"
)

func newMonitorCmd(flags *globalFlags) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve the read-only HTTP API",
		Long: `Serves /health, /metrics, latest decisions, audit history,
reconciliation runs and dead letters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.HTTP.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.HTTP.Port = port
			}

			ctx, cancel := signalContext()
			defer cancel()
			svc, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			server := svc.server(httpapi.NewFeed())
			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return err
			}
			log.Info().Msg("Monitor stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Listen host")
	cmd.Flags().IntVar(&port, "port", 8080, "Listen port")
	return cmd
}
