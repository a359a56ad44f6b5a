// Package validator implements client token validation: a two-tier
// cache (in-memory LRU, persistent validated_clients table) in front of
// an upstream CAPI token check, with fail-open/fail-closed policy and
// tiered TTLs. The cache-then-upstream-then-store lookup order follows a
// session-manager cache/network/persist idiom, generalized here into two
// cache tiers instead of one.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/crowdsieve/crowdsieve/internal/capi"
	"github.com/crowdsieve/crowdsieve/internal/metrics"
	"github.com/crowdsieve/crowdsieve/internal/models"
	"github.com/crowdsieve/crowdsieve/internal/storage"
)

// Config mirrors config.ClientValidationConfig.
type Config struct {
	Enabled           bool
	CacheTTL          time.Duration
	CacheTTLError     time.Duration
	ValidationTimeout time.Duration
	MaxMemoryEntries  int
	FailClosed        bool
}

type memEntry struct {
	valid     bool // false => negative (upstream-error) entry
	expiresAt time.Time
}

// Validator checks bearer tokens against CAPI, caching the outcome.
type Validator struct {
	cfg   Config
	cache *lru.Cache[string, memEntry]
	store storage.Store
	capi  *capi.Client
	log   zerolog.Logger
}

// New builds a Validator. maxMemoryEntries <= 0 defaults to 1000.
func New(cfg Config, store storage.Store, capiClient *capi.Client, log zerolog.Logger) (*Validator, error) {
	size := cfg.MaxMemoryEntries
	if size <= 0 {
		size = 1000
	}
	c, err := lru.New[string, memEntry](size)
	if err != nil {
		return nil, err
	}
	return &Validator{
		cfg:   cfg,
		cache: c,
		store: store,
		capi:  capiClient,
		log:   log.With().Str("component", "validator").Logger(),
	}, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Validate reports whether the request carrying rawToken should be
// admitted. When client validation is disabled, every request is
// admitted without touching any tier.
func (v *Validator) Validate(ctx context.Context, rawToken, capiVersion string) (bool, error) {
	if !v.cfg.Enabled {
		return true, nil
	}
	if rawToken == "" {
		return false, nil
	}
	hash := hashToken(rawToken)
	now := time.Now().UTC()

	if e, ok := v.cache.Get(hash); ok && now.Before(e.expiresAt) {
		if e.valid {
			metrics.ValidatorCacheHits.WithLabelValues("memory", "valid").Inc()
			return true, nil
		}
		// Negative entry: upstream was unreachable recently; don't retry
		// it, just apply the configured policy.
		metrics.ValidatorCacheHits.WithLabelValues("memory", "negative").Inc()
		return v.applyFailPolicy("cached upstream error"), nil
	}

	if v.store != nil {
		vc, err := v.store.GetValidatedClient(ctx, hash)
		if err != nil {
			v.log.Warn().Err(err).Msg("persistent validated-client lookup failed")
		} else if vc != nil && now.Before(vc.ExpiresAt) {
			metrics.ValidatorCacheHits.WithLabelValues("persistent", "valid").Inc()
			v.cache.Add(hash, memEntry{valid: true, expiresAt: vc.ExpiresAt})
			if err := v.store.TouchValidatedClient(ctx, hash, now); err != nil {
				v.log.Warn().Err(err).Msg("touch validated-client failed")
			}
			return true, nil
		}
	}

	tctx, cancel := context.WithTimeout(ctx, v.cfg.ValidationTimeout)
	defer cancel()
	ok, err := v.capi.ValidateToken(tctx, capiVersion, "Bearer "+rawToken)
	if err != nil {
		metrics.ValidatorCacheHits.WithLabelValues("upstream", "error").Inc()
		v.cache.Add(hash, memEntry{valid: false, expiresAt: now.Add(v.cfg.CacheTTLError)})
		return v.applyFailPolicy(err.Error()), nil
	}
	if !ok {
		metrics.ValidatorCacheHits.WithLabelValues("upstream", "rejected").Inc()
		return false, nil
	}

	metrics.ValidatorCacheHits.WithLabelValues("upstream", "valid").Inc()
	expiresAt := now.Add(v.cfg.CacheTTL)
	v.cache.Add(hash, memEntry{valid: true, expiresAt: expiresAt})
	if v.store != nil {
		vc := &models.ValidatedClient{
			TokenHash:      hash,
			ValidatedAt:    now,
			ExpiresAt:      expiresAt,
			LastAccessedAt: now,
			AccessCount:    1,
		}
		if err := v.store.PutValidatedClient(ctx, vc); err != nil {
			v.log.Warn().Err(err).Msg("persist validated-client failed")
		}
	}
	return true, nil
}

// applyFailPolicy implements the fail-open/fail-closed rule for the
// case where upstream is unreachable and no cache entry exists.
func (v *Validator) applyFailPolicy(reason string) bool {
	if v.cfg.FailClosed {
		return false
	}
	v.log.Warn().Str("reason", reason).Msg("client validation fail-open: admitting request")
	return true
}
