package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/sawpanic/sentinel/internal/interfaces/http"
	"github.com/sawpanic/sentinel/internal/models"
	"github.com/sawpanic/sentinel/internal/pipeline"
)

func newWorkerCmd(flags *globalFlags) *cobra.Command {
	var serve bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume prediction tasks and persist procurement decisions",
		Long: `Runs one consumer pool per material category. Each task is predicted
with its category's strategy, risk-simulated, optimized into BUY, WAIT or HOLD,
and written to the hot store and the audit history.`,
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

			weights := models.LoadWeights(cfg.Weights.Regression, cfg.Weights.Sequence)
			if weights.RegressionErr != nil {
				log.Warn().Err(weights.RegressionErr).Msg("Regression weights unavailable; oil-linked tasks will HOLD")
			}
			if weights.SequenceErr != nil {
				log.Warn().Err(weights.SequenceErr).Msg("Sequence weights unavailable; volatile-metal tasks will HOLD")
			}
			selector := models.NewDefaultSelector(weights, modelSettings(cfg.Pipeline))

			opts := []pipeline.Option{
				pipeline.WithBreakers(svc.breaker("hot-store"), svc.breaker("audit-store")),
				pipeline.WithBackoff(pipeline.Backoff{
					Base:     cfg.Queue.Backoff.Base,
					Max:      cfg.Queue.Backoff.Max,
					Attempts: 3,
				}),
				pipeline.WithMetrics(svc.metrics),
			}

			var server *httpapi.Server
			if serve {
				feed := httpapi.NewFeed()
				opts = append(opts, pipeline.WithNotifier(feed))
				server = svc.server(feed)
				go func() {
					if err := server.Start(); err != nil {
						log.Error().Err(err).Msg("HTTP server stopped")
						cancel()
					}
				}()
			}

			worker := pipeline.NewWorker(svc.registry, selector, pipeline.Stores{
				Hot:       svc.stores.Hot,
				Audit:     svc.audit,
				Prices:    svc.stores.Prices,
				Croston:   svc.stores.Croston,
				Demand:    svc.stores.Demand,
				Inventory: svc.stores.Inventory,
			}, workerSettings(cfg), opts...)

			pools := pipeline.NewPools(svc.queue, worker, pipeline.PoolConfig{
				Sizes:        poolSizes(cfg.Workers),
				ErrorBackoff: cfg.Queue.Backoff.Base,
				DepthEvery:   15 * time.Second,
			}, svc.metrics)

			log.Info().Str("consumer", cfg.Workers.ConsumerID).Interface("pools", cfg.Workers.Pools).Msg("Worker starting")
			err = pools.Run(ctx)

			if server != nil {
				shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
				defer done()
				if serr := server.Shutdown(shutdownCtx); serr != nil {
					log.Warn().Err(serr).Msg("HTTP shutdown failed")
				}
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "Also serve the HTTP API and decision feed")
	return cmd
}
