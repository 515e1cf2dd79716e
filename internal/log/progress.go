package log

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Progress reports the advance of a multi-step operation as structured log
// lines with a percentage and ETA.
type Progress struct {
	mu        sync.Mutex
	name      string
	total     int
	current   int
	startTime time.Time
	logger    zerolog.Logger
}

// NewProgress creates a progress reporter for total steps.
func NewProgress(name string, total int) *Progress {
	return &Progress{
		name:      name,
		total:     total,
		startTime: time.Now(),
		logger:    log.Logger,
	}
}

// Step advances progress by one and logs message.
func (p *Progress) Step(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current++
	ev := p.logger.Info().
		Str("operation", p.name).
		Int("step", p.current).
		Int("total", p.total)
	if p.total > 0 {
		ev = ev.Float64("percent", float64(p.current)/float64(p.total)*100)
		if eta := p.eta(); eta > 0 {
			ev = ev.Dur("eta", eta)
		}
	}
	ev.Msg(message)
}

// Current returns the number of completed steps.
func (p *Progress) Current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Finish logs completion.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Info().
		Str("operation", p.name).
		Int("steps", p.current).
		Dur("duration", time.Since(p.startTime).Round(time.Millisecond)).
		Msg("Completed")
}

// Fail logs a failure at the current step.
func (p *Progress) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Error().
		Err(err).
		Str("operation", p.name).
		Int("step", p.current).
		Int("total", p.total).
		Dur("duration", time.Since(p.startTime).Round(time.Millisecond)).
		Msg("Failed")
}

func (p *Progress) eta() time.Duration {
	if p.current == 0 || p.current >= p.total {
		return 0
	}
	per := time.Since(p.startTime) / time.Duration(p.current)
	return per * time.Duration(p.total-p.current)
}
