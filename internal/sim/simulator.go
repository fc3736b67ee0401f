package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"fleet-simulator/internal/clock"
	"fleet-simulator/internal/fleet"
	mmetrics "fleet-simulator/internal/metrics"
)

var errInvalidPosition = errors.New("advanced to an invalid position")

// Simulator advances synthetic bus positions along route paths on a fixed
// tick and raises arrival notifications. Buses are Idle until Start or Track,
// Active while tracked, and their state is discarded on Untrack or Stop.
type Simulator struct {
	cfg           Config
	clock         clock.Clock
	logger        log.FieldLogger
	metrics       *mmetrics.Collector
	positionSinks []PositionSink
	arrivalSinks  []ArrivalSink
	manual        bool

	mu      sync.Mutex
	running bool
	// session changes on every Start and Stop; a tick body only runs for the
	// session it was started in.
	session  uint64
	routes   map[string]*fleet.Route
	paths    map[string]*Path
	buses    map[string]*busState
	arrivals *arrivalLog
	out      chan TickResult

	// cancel and wg belong to the current session's goroutines.
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	// stopping is closed once an in-flight Stop has drained its session and
	// reset the sinks.
	stopping chan struct{}
}

type busState struct {
	bus       fleet.SimulatedBus
	lastKnown *fleet.RoutePoint
	// placedOn is the path PathIndex refers to.
	placedOn         *Path
	unresolvedLogged bool
}

type Option func(*Simulator)

func WithClock(c clock.Clock) Option { return func(s *Simulator) { s.clock = c } }

func WithLogger(l log.FieldLogger) Option { return func(s *Simulator) { s.logger = l } }

func WithMetrics(m *mmetrics.Collector) Option { return func(s *Simulator) { s.metrics = m } }

func WithPositionSink(ps PositionSink) Option {
	return func(s *Simulator) { s.positionSinks = append(s.positionSinks, ps) }
}

func WithArrivalSink(as ArrivalSink) Option {
	return func(s *Simulator) { s.arrivalSinks = append(s.arrivalSinks, as) }
}

// WithManualTicks disables the internal ticker; the caller drives Tick and
// sinks are invoked synchronously.
func WithManualTicks() Option { return func(s *Simulator) { s.manual = true } }

func New(cfg Config, opts ...Option) *Simulator {
	s := &Simulator{
		cfg:    cfg.withDefaults(),
		clock:  clock.RealClock{},
		logger: log.StandardLogger(),
		buses:  make(map[string]*busState),
		paths:  make(map[string]*Path),
		routes: make(map[string]*fleet.Route),
	}
	for _, o := range opts {
		o(s)
	}
	s.arrivals = newArrivalLog(s.cfg.ArrivalCooldown)
	return s
}

func (s *Simulator) Config() Config { return s.cfg }

// Start begins a tracking session with one SimulatedBus per assignment. It
// returns false without changing anything if a session is already running.
func (s *Simulator) Start(ctx context.Context, routes []fleet.Route, assignments []fleet.Assignment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
	if s.running {
		return false
	}
	s.running = true
	s.session++
	s.buses = make(map[string]*busState)
	s.arrivals = newArrivalLog(s.cfg.ArrivalCooldown)
	s.setRoutesLocked(routes)
	for _, a := range assignments {
		s.trackLocked(a)
	}

	if !s.manual {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.out = make(chan TickResult, s.cfg.QueueSize)
		wg := &sync.WaitGroup{}
		s.wg = wg
		wg.Add(2)
		go s.run(runCtx, wg, s.session)
		go s.deliver(runCtx, wg, s.out)
	}
	if s.metrics != nil {
		s.metrics.Running.Set(1)
		s.metrics.TrackedBuses.Set(float64(len(s.buses)))
	}
	s.logger.WithFields(log.Fields{
		"buses":    len(s.buses),
		"routes":   len(s.routes),
		"interval": s.cfg.TickInterval,
	}).Info("simulation started")
	return true
}

// Stop cancels the ticker, waits for it and the sink dispatcher to exit, and
// discards all bus and arrival state. It returns false if nothing was running.
// A Start issued meanwhile blocks until the sinks have been reset.
func (s *Simulator) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	s.session++
	cancel, wg := s.cancel, s.wg
	s.cancel, s.wg = nil, nil
	s.out = nil
	s.buses = make(map[string]*busState)
	s.arrivals = newArrivalLog(s.cfg.ArrivalCooldown)
	done := make(chan struct{})
	s.stopping = done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wg != nil {
		wg.Wait()
	}
	s.resetSinks()
	if s.metrics != nil {
		s.metrics.Running.Set(0)
		s.metrics.TrackedBuses.Set(0)
	}

	s.mu.Lock()
	s.stopping = nil
	close(done)
	s.mu.Unlock()
	s.logger.Info("simulation stopped")
	return true
}

func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Simulator) run(ctx context.Context, wg *sync.WaitGroup, session uint64) {
	defer wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickSession(session)
		}
	}
}

// Tick runs one simulation step synchronously and returns its output. It is
// a no-op while idle.
func (s *Simulator) Tick() TickResult {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	res, _ := s.tickSession(session)
	return res
}

func (s *Simulator) tickSession(session uint64) (TickResult, bool) {
	s.mu.Lock()
	if !s.running || s.session != session {
		s.mu.Unlock()
		return TickResult{}, false
	}
	start := time.Now()
	res := s.stepLocked()
	out := s.out
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.Ticks.Inc()
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
	if s.manual {
		s.publish(res)
		return res, true
	}
	select {
	case out <- res:
	default:
		if s.metrics != nil {
			s.metrics.DroppedBatches.Inc()
		}
		s.logger.Warn("sinks are behind, dropping tick output")
	}
	return res, true
}

func (s *Simulator) stepLocked() TickResult {
	now := s.clock.Now()
	var res TickResult
	for _, id := range s.busIDsLocked() {
		b := s.buses[id]
		fired, err := s.advanceBus(now, b)
		if err != nil {
			s.logger.WithError(err).WithField("bus_id", id).Error("bus tick failed")
			if s.metrics != nil {
				s.metrics.BusFailures.Inc()
			}
			continue
		}
		res.Arrivals = append(res.Arrivals, fired...)
	}
	s.arrivals.prune(now)
	res.Buses = s.snapshotLocked()
	return res
}

// advanceBus moves one bus a single node forward and checks stop proximity.
// A panic here only costs this bus its tick.
func (s *Simulator) advanceBus(now time.Time, b *busState) (fired []fleet.ArrivalNotification, err error) {
	defer func() {
		if r := recover(); r != nil {
			fired, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	if b.bus.MovementStatus == fleet.MovementStopped {
		return nil, nil
	}
	p := s.paths[b.bus.RouteID]
	if p == nil {
		if _, known := s.routes[b.bus.RouteID]; !known && !b.unresolvedLogged {
			b.unresolvedLogged = true
			s.logger.WithFields(log.Fields{"bus_id": b.bus.BusID, "route_id": b.bus.RouteID}).
				Warn(fleet.ErrUnresolvedRoute.Error())
			if s.metrics != nil {
				s.metrics.RouteIssues.WithLabelValues("unresolved").Inc()
			}
		}
		return nil, nil
	}
	if b.placedOn != p {
		s.place(b, p)
	}

	n := len(p.Points)
	prev := p.Points[b.bus.PathIndex]
	next := (b.bus.PathIndex + 1) % n
	pt := p.Points[next]
	if !pt.Valid() {
		return nil, fmt.Errorf("route %q index %d: %w", b.bus.RouteID, next, errInvalidPosition)
	}

	b.bus.PathIndex = next
	b.bus.CurrentLat, b.bus.CurrentLng = pt.Lat, pt.Lng
	b.bus.HasPosition = true
	b.bus.LastUpdate = now
	// the jump from the last node back to the first is not travel
	if next != 0 {
		if pt != prev {
			b.bus.HeadingDegrees = headingDeg(prev, pt)
		}
		b.bus.SpeedKmh = distanceMeters(prev, pt) / s.cfg.TickInterval.Seconds() * 3.6
	}
	s.updateNextStop(b, p)

	return s.detectArrivals(now, b, p), nil
}

func (s *Simulator) detectArrivals(now time.Time, b *busState, p *Path) []fleet.ArrivalNotification {
	pos := fleet.RoutePoint{Lat: b.bus.CurrentLat, Lng: b.bus.CurrentLng}
	var fired []fleet.ArrivalNotification
	for _, si := range p.NearStops(pos, s.cfg.ArrivalThreshold) {
		if !s.arrivals.allow(arrivalKey{busID: b.bus.BusID, stop: si}, now) {
			if s.metrics != nil {
				s.metrics.ArrivalsSuppressed.Inc()
			}
			continue
		}
		stop := p.Route.Stops[si]
		n := fleet.ArrivalNotification{
			ID:        uuid.NewString(),
			BusID:     b.bus.BusID,
			BusNumber: b.bus.BusNumber,
			RouteID:   b.bus.RouteID,
			StopID:    stop.ID,
			StopIndex: si,
			StopName:  stop.Name,
			StopType:  stop.Type,
			FiredAt:   now,
		}
		fired = append(fired, n)
		if s.metrics != nil {
			s.metrics.ArrivalsFired.Inc()
		}
		s.logger.WithFields(log.Fields{
			"bus_id":  n.BusID,
			"stop_id": n.StopID,
			"stop":    n.StopName,
		}).Debug("bus arrived at stop")
	}
	return fired
}

// place puts a bus onto p: snapped to the nearest path node when it has a
// known position, otherwise at the start of the path.
func (s *Simulator) place(b *busState, p *Path) {
	idx := 0
	switch {
	case b.bus.HasPosition:
		idx = p.Nearest(fleet.RoutePoint{Lat: b.bus.CurrentLat, Lng: b.bus.CurrentLng})
	case b.lastKnown != nil:
		idx = p.Nearest(*b.lastKnown)
	}
	pt := p.Points[idx]
	b.placedOn = p
	b.unresolvedLogged = false
	b.bus.PathIndex = idx
	b.bus.CurrentLat, b.bus.CurrentLng = pt.Lat, pt.Lng
	b.bus.HasPosition = true
	s.updateNextStop(b, p)
}

func (s *Simulator) updateNextStop(b *busState, p *Path) {
	si, ticks, ok := p.NextStop(b.bus.PathIndex)
	if !ok {
		b.bus.NextStopID, b.bus.NextStopName, b.bus.ETA = "", "", 0
		return
	}
	stop := p.Route.Stops[si]
	b.bus.NextStopID = stop.ID
	b.bus.NextStopName = stop.Name
	b.bus.ETA = time.Duration(ticks) * s.cfg.TickInterval
}

// Track adds a bus to the running session. It returns false if the session is
// idle or the bus is already tracked.
func (s *Simulator) Track(a fleet.Assignment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	ok := s.trackLocked(a)
	if ok && s.metrics != nil {
		s.metrics.TrackedBuses.Set(float64(len(s.buses)))
	}
	return ok
}

func (s *Simulator) trackLocked(a fleet.Assignment) bool {
	if a.BusID == "" {
		return false
	}
	if _, exists := s.buses[a.BusID]; exists {
		return false
	}
	status := a.Status
	if status == "" {
		status = fleet.MovementActive
	}
	b := &busState{
		bus: fleet.SimulatedBus{
			BusID:          a.BusID,
			BusNumber:      a.BusNumber,
			RouteID:        a.RouteID,
			MovementStatus: status,
			LastUpdate:     s.clock.Now(),
		},
	}
	if a.LastKnown != nil && a.LastKnown.Valid() {
		lk := *a.LastKnown
		b.lastKnown = &lk
		b.bus.CurrentLat, b.bus.CurrentLng = lk.Lat, lk.Lng
		b.bus.HasPosition = true
	}
	if p := s.paths[a.RouteID]; p != nil {
		s.place(b, p)
	}
	s.buses[a.BusID] = b
	return true
}

// Untrack discards a bus and its arrival history.
func (s *Simulator) Untrack(busID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.untrackLocked(busID)
	if ok && s.metrics != nil {
		s.metrics.TrackedBuses.Set(float64(len(s.buses)))
	}
	return ok
}

func (s *Simulator) untrackLocked(busID string) bool {
	if _, ok := s.buses[busID]; !ok {
		return false
	}
	delete(s.buses, busID)
	s.arrivals.forget(busID)
	return true
}

// SetMovement parks (stopped) or releases (active) a tracked bus.
func (s *Simulator) SetMovement(busID string, status fleet.MovementStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buses[busID]
	if !ok {
		return false
	}
	b.bus.MovementStatus = status
	return true
}

// SetRoutes replaces the route set. Buses whose path changed are re-placed
// from their current position; buses whose route disappeared stay frozen.
func (s *Simulator) SetRoutes(routes []fleet.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setRoutesLocked(routes)
}

func (s *Simulator) setRoutesLocked(routes []fleet.Route) {
	s.routes = make(map[string]*fleet.Route, len(routes))
	s.paths = make(map[string]*Path, len(routes))
	for i := range routes {
		r := routes[i]
		s.routes[r.ID] = &r
		p, dropped, err := BuildPath(&r, s.cfg.InterpolationSteps)
		if dropped > 0 && s.metrics != nil {
			s.metrics.RouteIssues.WithLabelValues("malformed").Add(float64(dropped))
		}
		if err != nil {
			s.logger.WithError(err).WithField("route_id", r.ID).Warn("route skipped")
			if s.metrics != nil {
				s.metrics.RouteIssues.WithLabelValues("degenerate").Inc()
			}
			continue
		}
		if dropped > 0 {
			s.logger.WithFields(log.Fields{"route_id": r.ID, "dropped": dropped}).
				Warn(fleet.ErrMalformedCoordinate.Error())
		}
		s.paths[r.ID] = p
	}
	for _, b := range s.buses {
		p := s.paths[b.bus.RouteID]
		switch {
		case p == nil:
			b.placedOn = nil
		case b.placedOn != nil && slices.Equal(b.placedOn.Points, p.Points):
			b.placedOn = p
		default:
			s.place(b, p)
		}
	}
}

// Reconcile replaces routes and brings the tracked set in line with
// assignments: new buses are tracked, missing ones untracked, and buses whose
// route or status changed are updated in place.
func (s *Simulator) Reconcile(routes []fleet.Route, assignments []fleet.Assignment) (added, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0, 0
	}
	s.setRoutesLocked(routes)

	want := make(map[string]fleet.Assignment, len(assignments))
	for _, a := range assignments {
		want[a.BusID] = a
	}
	for id := range s.buses {
		if _, ok := want[id]; !ok && s.untrackLocked(id) {
			removed++
		}
	}
	for _, a := range assignments {
		b, ok := s.buses[a.BusID]
		if !ok {
			if s.trackLocked(a) {
				added++
			}
			continue
		}
		if a.Status != "" {
			b.bus.MovementStatus = a.Status
		}
		b.bus.BusNumber = a.BusNumber
		if b.bus.RouteID != a.RouteID {
			b.bus.RouteID = a.RouteID
			b.placedOn = nil
			b.unresolvedLogged = false
			s.arrivals.forget(a.BusID)
			if p := s.paths[a.RouteID]; p != nil {
				s.place(b, p)
			}
		}
	}
	if s.metrics != nil {
		s.metrics.TrackedBuses.Set(float64(len(s.buses)))
	}
	return added, removed
}

// Snapshot returns a copy of every tracked bus ordered by bus ID.
func (s *Simulator) Snapshot() []fleet.SimulatedBus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Simulator) snapshotLocked() []fleet.SimulatedBus {
	out := make([]fleet.SimulatedBus, 0, len(s.buses))
	for _, id := range s.busIDsLocked() {
		out = append(out, s.buses[id].bus)
	}
	return out
}

func (s *Simulator) Bus(id string) (fleet.SimulatedBus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buses[id]
	if !ok {
		return fleet.SimulatedBus{}, false
	}
	return b.bus, true
}

// Routes returns the current route set ordered by ID.
func (s *Simulator) Routes() []fleet.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fleet.Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Paths returns a copy of the smoothed path of every simulatable route.
func (s *Simulator) Paths() map[string][]fleet.RoutePoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]fleet.RoutePoint, len(s.paths))
	for id, p := range s.paths {
		out[id] = append([]fleet.RoutePoint(nil), p.Points...)
	}
	return out
}

func (s *Simulator) busIDsLocked() []string {
	ids := make([]string, 0, len(s.buses))
	for id := range s.buses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
