package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/sentinel/internal/domain"
	applog "github.com/sawpanic/sentinel/internal/log"
	"github.com/sawpanic/sentinel/internal/scheduler"
)

func newReconcileCmd(flags *globalFlags) *cobra.Command {
	var (
		once      bool
		direction string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile country forecasts against regional and global totals",
		Long: `Reads the hot-state results updated within the configured window and
reconciles them bottom-up or top-down. The direction comes from configuration
(reconcile.direction) unless --direction is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if direction != "" {
				if direction != domain.DirectionBottomUp && direction != domain.DirectionTopDown {
					return fmt.Errorf("invalid --direction %q", direction)
				}
				cfg.Reconcile.Direction = direction
			}
			if !once && !cfg.Reconcile.Enabled {
				return fmt.Errorf("reconciliation is disabled; set reconcile.enabled or use --once")
			}

			ctx, cancel := signalContext()
			defer cancel()
			svc, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			s := scheduler.NewScheduler(cfg.Reconcile, svc.registry, scheduler.Stores{
				Hot:             svc.stores.Hot,
				Audit:           svc.audit,
				Reconciliations: svc.reconciliations,
			}, svc.metrics)

			if !once {
				if err := s.Start(ctx); err != nil && !errors.Is(err, ctx.Err()) {
					return err
				}
				return nil
			}

			materials := cfg.Reconcile.Materials
			if len(materials) == 0 {
				for _, m := range svc.registry.Materials() {
					materials = append(materials, m.Name)
				}
			}
			progress := applog.NewProgress("reconcile", len(materials))
			now := time.Now().UTC()
			failed := 0
			for _, m := range materials {
				res := s.RunMaterial(ctx, m, now)
				switch {
				case !res.Success:
					failed++
					progress.Step(m + ": " + res.Error)
				case res.Skipped:
					progress.Step(m + ": skipped")
				default:
					progress.Step(m + ": reconciled")
				}
			}
			if failed > 0 {
				err := fmt.Errorf("%d of %d materials failed", failed, len(materials))
				progress.Fail(err)
				return err
			}
			progress.Finish()
			log.Info().Int("materials", len(materials)).Str("direction", cfg.Reconcile.Direction).Msg("Reconciliation pass complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single pass and exit")
	cmd.Flags().StringVar(&direction, "direction", "", "Override the configured direction (bottom-up|top-down)")
	return cmd
}
