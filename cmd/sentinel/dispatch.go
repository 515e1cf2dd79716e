package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/sentinel/internal/dispatch"
)

func newDispatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Fan market updates out to per-country prediction tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			svc, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			d := dispatch.New(svc.registry, svc.queue,
				dispatch.WithBreaker(svc.breaker("task-queue")),
				dispatch.WithThrottle(dispatch.NewThrottle(cfg.Dispatch.RateLimit, cfg.Dispatch.Burst)),
				dispatch.WithMetrics(svc.metrics),
			)

			if n, err := svc.queue.Recover(ctx, cfg.Queue.MarketUpdates); err != nil {
				log.Warn().Err(err).Msg("Recover of market updates failed")
			} else if n > 0 {
				log.Info().Int("recovered", n).Msg("Requeued unacknowledged market updates")
			}
			return d.Consume(ctx, svc.queue, cfg.Queue.MarketUpdates, cfg.Queue.Backoff.Base)
		},
	}
}
