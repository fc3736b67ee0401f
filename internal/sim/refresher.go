package sim

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-simulator/internal/fleet"
)

// Source fetches the current routes and bus assignments.
type Source interface {
	Load(ctx context.Context) (*fleet.Dataset, error)
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func(ctx context.Context) (*fleet.Dataset, error)

func (f SourceFunc) Load(ctx context.Context) (*fleet.Dataset, error) { return f(ctx) }

// Refresher periodically reloads a Source and reconciles the simulator
// against it.
type Refresher struct {
	sim      *Simulator
	src      Source
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRefresher(s *Simulator, src Source, interval time.Duration) *Refresher {
	return &Refresher{sim: s, src: src, interval: interval}
}

// Start launches the background loop. A non-positive interval disables it.
func (r *Refresher) Start(parent context.Context) {
	if r.interval <= 0 || r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					r.sim.logger.WithError(err).Warn("refresh routes failed")
				}
			}
		}
	}()
}

// Refresh loads the source once and applies it. A failed load leaves the
// simulator untouched.
func (r *Refresher) Refresh(ctx context.Context) error {
	ds, err := r.src.Load(ctx)
	if err != nil {
		if r.sim.metrics != nil {
			r.sim.metrics.SourceRefreshes.WithLabelValues("error").Inc()
		}
		return err
	}
	added, removed := r.sim.Reconcile(ds.Routes, ds.Assignments)
	if r.sim.metrics != nil {
		r.sim.metrics.SourceRefreshes.WithLabelValues("ok").Inc()
	}
	if added > 0 || removed > 0 {
		r.sim.logger.WithFields(log.Fields{"added": added, "removed": removed}).Info("fleet reconciled")
	}
	return nil
}

func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.cancel = nil
}
