// Package janitor performs periodic storage housekeeping: pruning alerts
// older than storage.retention_days and validated-client cache rows past
// their cache TTL, and updating the storage size gauge. The ticker shape mirrors a standard
// fire-then-tick scheduler loop, generalized from ban/rate-entry pruning
// to alert/validated-client retention.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdsieve/crowdsieve/internal/metrics"
	"github.com/crowdsieve/crowdsieve/internal/storage"
)

// Janitor prunes expired rows on a fixed interval.
type Janitor struct {
	store         storage.Store
	interval      time.Duration
	retention     time.Duration
	validatedTTL  time.Duration
	log           zerolog.Logger
}

// New builds a Janitor. retention governs alert pruning (storage's
// retention_days); validatedTTL governs validated_clients pruning and is
// typically much shorter, since that cache only needs to outlive its own
// TTL plus a safety margin.
func New(store storage.Store, interval, retention, validatedTTL time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:        store,
		interval:     interval,
		retention:    retention,
		validatedTTL: validatedTTL,
		log:          log.With().Str("component", "janitor").Logger(),
	}
}

// Run executes the janitor loop until ctx is cancelled, ticking
// immediately on start like the scheduler it's modeled on.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	if j.retention > 0 {
		cutoff := time.Now().Add(-j.retention)
		pruned, err := j.store.PruneExpiredAlerts(ctx, cutoff)
		if err != nil {
			j.log.Warn().Err(err).Msg("prune expired alerts failed")
			metrics.StorageErrors.WithLabelValues("prune_alerts").Inc()
		} else if pruned > 0 {
			j.log.Info().Int64("count", pruned).Msg("pruned expired alerts")
		}
	}

	if j.validatedTTL > 0 {
		cutoff := time.Now().Add(-j.validatedTTL)
		pruned, err := j.store.PruneExpiredValidatedClients(ctx, cutoff)
		if err != nil {
			j.log.Warn().Err(err).Msg("prune expired validated clients failed")
			metrics.StorageErrors.WithLabelValues("prune_validated_clients").Inc()
		} else if pruned > 0 {
			j.log.Info().Int64("count", pruned).Msg("pruned expired validated clients")
		}
	}

	size, err := j.store.SizeBytes(ctx)
	if err != nil {
		j.log.Warn().Err(err).Msg("read storage size failed")
	} else {
		metrics.StorageSizeBytes.Set(float64(size))
	}

	j.log.Debug().Msg("janitor tick complete")
}
