package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/sentinel/internal/domain"
)

func newPublishCmd(flags *globalFlags) *cobra.Command {
	var (
		ev       domain.MarketUpdateEvent
		observed string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Enqueue one market update for the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ev.ObservedAt = time.Now().UTC()
			if observed != "" {
				if ev.ObservedAt, err = time.Parse(time.RFC3339, observed); err != nil {
					return fmt.Errorf("invalid --observed-at: %w", err)
				}
			}
			if err := ev.Validate(); err != nil {
				return err
			}
			reg, err := cfg.Registry()
			if err != nil {
				return err
			}
			if _, err := reg.Material(ev.Material); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			svc, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := svc.queue.PublishBatch(ctx, cfg.Queue.MarketUpdates, [][]byte{payload}); err != nil {
				return err
			}
			log.Info().
				Str("material", ev.Material).
				Float64("price", ev.Price).
				Float64("trend", ev.Trend).
				Time("observed_at", ev.ObservedAt).
				Msg("Market update enqueued")
			return nil
		},
	}
	cmd.Flags().StringVarP(&ev.Material, "material", "m", "", "Material name")
	cmd.Flags().Float64VarP(&ev.Price, "price", "p", 0, "Observed price")
	cmd.Flags().Float64Var(&ev.Trend, "trend", 0, "Trend in percent")
	cmd.Flags().StringVar(&observed, "observed-at", "", "Observation time (RFC3339, default now)")
	_ = cmd.MarkFlagRequired("material")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}
