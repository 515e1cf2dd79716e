package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/sentinel/internal/config"
	"github.com/sawpanic/sentinel/internal/domain"
	"github.com/sawpanic/sentinel/internal/infrastructure/breakers"
	"github.com/sawpanic/sentinel/internal/infrastructure/db"
	httpapi "github.com/sawpanic/sentinel/internal/interfaces/http"
	"github.com/sawpanic/sentinel/internal/metrics"
	"github.com/sawpanic/sentinel/internal/models"
	"github.com/sawpanic/sentinel/internal/persistence"
	"github.com/sawpanic/sentinel/internal/persistence/memory"
	"github.com/sawpanic/sentinel/internal/pipeline"
	"github.com/sawpanic/sentinel/internal/queue"
	"github.com/sawpanic/sentinel/internal/redisstore"
)

// services holds the process-wide collaborators built from configuration.
type services struct {
	cfg      *config.Config
	registry *config.Registry
	metrics  *metrics.Registry

	redis  *redis.Client
	stores *redisstore.Stores
	queue  *queue.RedisQueue

	db              *db.Manager
	audit           persistence.AuditRepo
	reconciliations persistence.ReconciliationRepo

	breakers []*breakers.Breaker
}

// connect opens Redis and, when enabled, Postgres. Without a database the
// audit and reconciliation stores fall back to process memory.
func connect(ctx context.Context, cfg *config.Config) (*services, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	rdb, err := redisstore.NewClient(ctx, redisstore.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	s := &services{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics.New(),
		redis:    rdb,
		stores:   redisstore.New(rdb, cfg.Redis.KeyPrefix, cfg.Pipeline.HistoryRetention),
		queue: queue.NewRedisQueue(rdb, queue.RedisOptions{
			Prefix:       cfg.Redis.KeyPrefix,
			ConsumerID:   cfg.Workers.ConsumerID,
			BlockTimeout: cfg.Queue.BlockTimeout,
			Options: queue.Options{
				MaxAttempts: cfg.Queue.MaxAttempts,
				DeadLetter:  cfg.Queue.DeadLetter,
			},
		}),
	}

	s.db, err = db.NewManager(cfg.Database)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("database: %w", err)
	}
	if repos := s.db.Repository(); s.db.IsEnabled() && repos != nil {
		s.audit = repos.Audit
		s.reconciliations = repos.Reconciliations
	} else {
		log.Warn().Msg("Database disabled; audit history and reconciliations are kept in memory only")
		s.audit = memory.NewAuditRepo()
		s.reconciliations = memory.NewReconciliationRepo()
	}
	return s, nil
}

func (s *services) Close() {
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Database close failed")
	}
	if err := s.redis.Close(); err != nil {
		log.Warn().Err(err).Msg("Redis close failed")
	}
}

func (s *services) breaker(name string) *breakers.Breaker {
	b := breakers.New(name, breakers.Settings{
		ConsecutiveFailures: s.cfg.Breaker.ConsecutiveFailures,
		Interval:            s.cfg.Breaker.Interval,
		Timeout:             s.cfg.Breaker.Timeout,
	})
	s.breakers = append(s.breakers, b)
	return b
}

// breakerStates reports every breaker built so far by name.
func (s *services) breakerStates(ctx context.Context) map[string]interface{} {
	out := make(map[string]interface{}, len(s.breakers))
	for _, b := range s.breakers {
		out[b.Name()] = b.State()
	}
	return out
}

func (s *services) checks() map[string]httpapi.Check {
	checks := map[string]httpapi.Check{
		"redis": func(ctx context.Context) error { return s.redis.Ping(ctx).Err() },
	}
	if s.db.IsEnabled() {
		checks["postgres"] = s.db.Check
	}
	return checks
}

func (s *services) server(feed *httpapi.Feed) *httpapi.Server {
	cfg := httpapi.DefaultServerConfig()
	cfg.Host = s.cfg.HTTP.Host
	cfg.Port = s.cfg.HTTP.Port
	cfg.Version = version
	return httpapi.NewServer(cfg, httpapi.Deps{
		Materials:       s.registry,
		Hot:             s.stores.Hot,
		Audit:           s.audit,
		Reconciliations: s.reconciliations,
		DeadLetters:     s.queue,
		Reports: map[string]httpapi.Report{
			"postgres": s.db.Statistics,
			"breakers": s.breakerStates,
		},
	}, s.checks(), s.metrics, feed)
}

func modelSettings(p config.PipelineConfig) models.Settings {
	return models.Settings{
		HorizonDays:    p.HorizonDays,
		LagDays:        p.RegressionLagDays,
		Window:         p.SequenceWindow,
		CrostonAlpha:   p.CrostonAlpha,
		ElevatedMargin: p.ElevatedMargin,
	}
}

func workerSettings(cfg *config.Config) pipeline.Settings {
	return pipeline.Settings{
		HorizonDays:     cfg.Pipeline.HorizonDays,
		Trials:          cfg.Pipeline.Trials,
		Seed:            cfg.Pipeline.Seed,
		LeadTimeStdDev:  cfg.Pipeline.LeadTimeStdDev,
		LogisticsSeries: cfg.Pipeline.LogisticsSeries,
		InitialInterval: cfg.Pipeline.InitialInterval,
		Policy:          cfg.Policy,
	}
}

func poolSizes(w config.WorkersConfig) map[domain.Category]int {
	sizes := make(map[domain.Category]int)
	for _, c := range domain.Categories {
		sizes[c] = w.PoolSize(c)
	}
	return sizes
}
