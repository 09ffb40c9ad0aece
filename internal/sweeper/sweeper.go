package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/fentz26/coact/internal/audit"
	"github.com/fentz26/coact/internal/models"
	"github.com/fentz26/coact/internal/presence"
	"github.com/fentz26/coact/internal/ratelimit"
	"github.com/fentz26/coact/internal/registry"
	"github.com/fentz26/coact/internal/store"
	"github.com/rs/zerolog"
)

// Deps are the components a sweep touches.
type Deps struct {
	Store    *store.Store
	Audit    *audit.Writer
	Limiter  *ratelimit.Limiter
	Presence *presence.Tracker
	Registry *registry.Registry
	Log      zerolog.Logger
}

// Stats counts what the sweeper has done since it was created.
type Stats struct {
	Runs           int `json:"runs"`
	PrunedWindows  int `json:"pruned_windows"`
	PurgedClaims   int `json:"purged_claims"`
	ReapedPresence int `json:"reaped_presence"`
	StaleDevices   int `json:"stale_devices"`
	Errors         int `json:"errors"`
}

// Sweeper periodically cleans up expired state.
type Sweeper struct {
	deps   Deps
	config *Config
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	stats Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sweeper.
func New(d Deps, cfg *Config) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		deps:   d,
		config: cfg.withDefaults(),
		log:    d.Log.With().Str("component", "sweeper").Logger(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the sweep loop.
func (sw *Sweeper) Start() {
	sw.wg.Add(1)
	go sw.loop()
	sw.log.Info().Dur("interval", sw.config.Interval).Msg("sweeper started")
}

// Stop stops the loop and waits for a running sweep to finish.
func (sw *Sweeper) Stop() {
	sw.cancel()
	sw.wg.Wait()
	sw.log.Info().Msg("sweeper stopped")
}

func (sw *Sweeper) loop() {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case <-ticker.C:
			sw.RunOnce(sw.ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (sw *Sweeper) RunOnce(ctx context.Context) {
	var run Stats
	run.Runs = 1

	if sw.deps.Limiter != nil {
		run.PrunedWindows = sw.deps.Limiter.Prune()
	}

	cutoff := sw.now().Add(-sw.config.ClaimTTL)
	if n, err := sw.deps.Store.PurgeStaleClaims(ctx, cutoff); err != nil {
		sw.log.Warn().Err(err).Msg("purge stale claims")
		run.Errors++
	} else {
		run.PurgedClaims = int(n)
	}

	if sw.deps.Presence != nil {
		reaped, err := sw.deps.Presence.Reap(ctx)
		if err != nil {
			sw.log.Warn().Err(err).Msg("reap presence")
			run.Errors++
		}
		run.ReapedPresence = len(reaped)
	}

	stale, err := sw.reconcileDevices(ctx)
	if err != nil {
		sw.log.Warn().Err(err).Msg("reconcile devices")
		run.Errors++
	}
	run.StaleDevices = stale

	sw.mu.Lock()
	sw.stats.Runs += run.Runs
	sw.stats.PrunedWindows += run.PrunedWindows
	sw.stats.PurgedClaims += run.PurgedClaims
	sw.stats.ReapedPresence += run.ReapedPresence
	sw.stats.StaleDevices += run.StaleDevices
	sw.stats.Errors += run.Errors
	sw.mu.Unlock()

	if run.PurgedClaims+run.ReapedPresence+run.StaleDevices > 0 {
		sw.log.Info().Int("purged_claims", run.PurgedClaims).Int("reaped_presence", run.ReapedPresence).
			Int("stale_devices", run.StaleDevices).Msg("sweep finished")
	}
}

// reconcileDevices marks devices offline that the store still lists as
// online but that no node holds any more. That happens when a node dies
// without running its disconnect cleanup.
func (sw *Sweeper) reconcileDevices(ctx context.Context) (int, error) {
	devices, err := sw.deps.Store.ListDevicesByStatus(ctx, models.ConnectionOnline)
	if err != nil {
		return 0, err
	}

	now := sw.now()
	n := 0
	for _, d := range devices {
		if d.LastSeen != nil && now.Sub(*d.LastSeen) < sw.config.StaleAfter {
			continue
		}
		if sw.deps.Registry != nil && sw.deps.Registry.Has(d.ID) {
			continue
		}
		if sw.deps.Presence != nil {
			online, err := sw.deps.Presence.IsOnline(ctx, d.ID)
			if err != nil {
				return n, err
			}
			if online {
				continue
			}
		}

		at := now
		if d.LastSeen != nil {
			at = *d.LastSeen
		}
		if err := sw.deps.Store.MarkDeviceSeen(ctx, d.ID, models.ConnectionOffline, at); err != nil {
			return n, err
		}
		sw.deps.Audit.Record(ctx, audit.ActionDeviceStaleOffline, "", d.ID, map[string]interface{}{
			"last_seen": at.UTC().Format(time.RFC3339),
		})
		sw.log.Info().Str("device_id", d.ID).Time("last_seen", at).Msg("stale device marked offline")
		n++
	}
	return n, nil
}

// GetStats returns cumulative sweeper statistics.
func (sw *Sweeper) GetStats() Stats {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.stats
}
