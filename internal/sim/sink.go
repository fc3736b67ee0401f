package sim

import (
	"context"
	"reflect"
	"slices"
	"sync"

	"fleet-simulator/internal/fleet"
)

// PositionSink receives the full bus snapshot after every tick.
type PositionSink interface {
	PublishPositions(buses []fleet.SimulatedBus) error
}

// ArrivalSink receives arrival notifications in firing order.
type ArrivalSink interface {
	PublishArrival(n fleet.ArrivalNotification) error
}

// Resetter is implemented by sinks that cache simulator output and must drop
// it when tracking stops.
type Resetter interface {
	Reset()
}

// TickResult is the output of one tick.
type TickResult struct {
	Buses    []fleet.SimulatedBus
	Arrivals []fleet.ArrivalNotification
}

// deliver hands queued tick results to sinks until ctx is cancelled. Pending
// results are dropped on cancellation.
func (s *Simulator) deliver(ctx context.Context, wg *sync.WaitGroup, out <-chan TickResult) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-out:
			if ctx.Err() != nil {
				return
			}
			s.publish(res)
		}
	}
}

func (s *Simulator) publish(res TickResult) {
	for _, ps := range s.positionSinks {
		if err := ps.PublishPositions(res.Buses); err != nil {
			s.logger.WithError(err).Warn("position sink failed")
		}
	}
	for _, n := range res.Arrivals {
		for _, as := range s.arrivalSinks {
			if err := as.PublishArrival(n); err != nil {
				s.logger.WithError(err).WithField("bus_id", n.BusID).Warn("arrival sink failed")
			}
		}
	}
}

// resetSinks resets every Resetter once, even when it is registered as both
// a position and an arrival sink.
func (s *Simulator) resetSinks() {
	var seen []Resetter
	reset := func(v any) {
		r, ok := v.(Resetter)
		if !ok || slices.ContainsFunc(seen, func(o Resetter) bool { return sameSink(o, r) }) {
			return
		}
		seen = append(seen, r)
		r.Reset()
	}
	for _, ps := range s.positionSinks {
		reset(ps)
	}
	for _, as := range s.arrivalSinks {
		reset(as)
	}
}

// sameSink compares sinks without requiring their dynamic types to be
// comparable: pointer-like values by address, comparable values by ==.
func sameSink(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Chan, reflect.Slice, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	}
	if va.Comparable() {
		return a == b
	}
	return false
}
