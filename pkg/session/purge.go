package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Purger periodically reclaims storage held by expired sessions. Logical
// expiry is enforced on access; the purger only drops rows nothing will
// read again.
type Purger struct {
	store  *Store
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewPurger schedules PurgeExpired on the given cron spec (e.g. "@hourly").
func NewPurger(store *Store, spec string, logger zerolog.Logger) (*Purger, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if spec == "" {
		spec = "@hourly"
	}

	p := &Purger{
		store:  store,
		cron:   cron.New(),
		logger: logger,
	}

	if _, err := p.cron.AddFunc(spec, p.run); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", spec, err)
	}
	return p, nil
}

// Start begins the purge schedule.
func (p *Purger) Start() {
	p.cron.Start()
	p.logger.Info().Msg("Session purger started")
}

// Stop halts the schedule and waits for a running purge to finish.
func (p *Purger) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	p.logger.Info().Msg("Session purger stopped")
}

func (p *Purger) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := p.store.PurgeExpired(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Session purge failed")
		return
	}
	if count > 0 {
		p.logger.Info().Int("purged", count).Msg("Session purge completed")
	}
}
