package sim

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-simulator/internal/clock"
	"fleet-simulator/internal/fleet"
	"fleet-simulator/internal/metrics"
)

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func pt(lat, lng float64) *fleet.RoutePoint { return &fleet.RoutePoint{Lat: lat, Lng: lng} }

type recorder struct {
	mu        sync.Mutex
	positions [][]fleet.SimulatedBus
	arrivals  []fleet.ArrivalNotification
	resets    int
	err       error
}

func (r *recorder) PublishPositions(b []fleet.SimulatedBus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, b)
	return r.err
}

func (r *recorder) PublishArrival(n fleet.ArrivalNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.arrivals = append(r.arrivals, n)
	return r.err
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *recorder) batches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.positions)
}

func newTestSim(t *testing.T, cfg Config, opts ...Option) (*Simulator, *clock.MockClock, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	mc := clock.NewMockClock(epoch)
	opts = append([]Option{WithClock(mc), WithLogger(logger), WithManualTicks()}, opts...)
	return New(cfg, opts...), mc, hook
}

// lineRoute is the two-point route used by most scenarios.
func lineRoute(id string) fleet.Route {
	return fleet.Route{ID: id, StartPoint: pt(0, 0), EndPoint: pt(0, 10)}
}

func TestSmooth_LengthAndEndpoints(t *testing.T) {
	raw := []fleet.RoutePoint{{Lat: 40.1, Lng: -3.7}, {Lat: 40.2, Lng: -3.6}, {Lat: 40.25, Lng: -3.65}, {Lat: 40.3, Lng: -3.5}}
	for _, steps := range []int{1, 2, 15} {
		out := Smooth(raw, steps)
		require.Len(t, out, (len(raw)-1)*steps+1, "steps=%d", steps)
		assert.Equal(t, raw[0], out[0])
		assert.Equal(t, raw[len(raw)-1], out[len(out)-1])
		// raw points survive at multiples of steps
		for i, p := range raw {
			assert.Equal(t, p, out[i*steps])
		}
	}
}

func TestSmooth_Interpolation(t *testing.T) {
	out := Smooth([]fleet.RoutePoint{{Lat: 0, Lng: 0}, {Lat: 10, Lng: 20}}, 4)
	require.Len(t, out, 5)
	assert.InDelta(t, 2.5, out[1].Lat, 1e-12)
	assert.InDelta(t, 5.0, out[1].Lng, 1e-12)
	assert.InDelta(t, 7.5, out[3].Lat, 1e-12)
}

func TestBuildPath_Degenerate(t *testing.T) {
	for name, r := range map[string]fleet.Route{
		"empty":     {ID: "r"},
		"one point": {ID: "r", StartPoint: pt(1, 1)},
		"all nan":   {ID: "r", StartPoint: pt(math.NaN(), 1), EndPoint: pt(2, math.NaN())},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := BuildPath(&r, 15)
			assert.True(t, errors.Is(err, fleet.ErrDegenerateRoute))
		})
	}
}

func TestScenarioA_AdvanceAndWrap(t *testing.T) {
	s, _, _ := newTestSim(t, Config{InterpolationSteps: 1})
	require.True(t, s.Start(context.Background(), []fleet.Route{lineRoute("r1")}, []fleet.Assignment{{BusID: "b1", RouteID: "r1"}}))

	b, ok := s.Bus("b1")
	require.True(t, ok)
	assert.Equal(t, 0, b.PathIndex)

	s.Tick()
	b, _ = s.Bus("b1")
	assert.Equal(t, 1, b.PathIndex)
	assert.Equal(t, 0.0, b.CurrentLat)
	assert.Equal(t, 10.0, b.CurrentLng)
	assert.InDelta(t, 90.0, b.HeadingDegrees, 1e-9)
	speed := b.SpeedKmh
	require.Greater(t, speed, 0.0)

	s.Tick()
	b, _ = s.Bus("b1")
	assert.Equal(t, 0, b.PathIndex)
	assert.Equal(t, 0.0, b.CurrentLng)
	// wrapping back to the start keeps the last travelled heading and speed
	assert.InDelta(t, 90.0, b.HeadingDegrees, 1e-9)
	assert.Equal(t, speed, b.SpeedKmh)
}

func TestTick_WrapDoesNotSpikeSpeed(t *testing.T) {
	s, _, _ := newTestSim(t, Config{InterpolationSteps: 10})
	require.True(t, s.Start(context.Background(), []fleet.Route{lineRoute("r1")}, []fleet.Assignment{{BusID: "b1", RouteID: "r1"}}))

	n := len(s.Paths()["r1"])
	var maxSpeed float64
	for i := 0; i < 2*n; i++ {
		s.Tick()
		b, _ := s.Bus("b1")
		maxSpeed = max(maxSpeed, b.SpeedKmh)
		assert.InDelta(t, 90.0, b.HeadingDegrees, 1e-9, "tick %d", i)
	}
	b, _ := s.Bus("b1")
	assert.InDelta(t, b.SpeedKmh, maxSpeed, 1e-6, "every step covers the same distance")
}

func TestTick_IndexWrapsAfterFullCycle(t *testing.T) {
	r := fleet.Route{
		ID:         "r1",
		StartPoint: pt(40.0, -3.0),
		Stops:      []fleet.Stop{{ID: "s1", Lat: 40.01, Lng: -3.01}, {ID: "s2", Lat: 40.02, Lng: -3.0}},
		EndPoint:   pt(40.03, -3.02),
	}
	s, _, _ := newTestSim(t, DefaultConfig())
	require.True(t, s.Start(context.Background(), []fleet.Route{r}, []fleet.Assignment{{BusID: "b1", RouteID: "r1", LastKnown: pt(40.02, -3.0)}}))

	start, _ := s.Bus("b1")
	n := len(s.Paths()["r1"])
	require.Equal(t, 3*15+1, n)
	for i := 0; i < n; i++ {
		s.Tick()
	}
	end, _ := s.Bus("b1")
	assert.Equal(t, start.PathIndex, end.PathIndex)
}

func TestTick_SnapsToLastKnownPosition(t *testing.T) {
	s, _, _ := newTestSim(t, Config{InterpolationSteps: 10})
	require.True(t, s.Start(context.Background(), []fleet.Route{lineRoute("r1")},
		[]fleet.Assignment{{BusID: "b1", RouteID: "r1", LastKnown: pt(0.001, 6.02)}}))

	b, _ := s.Bus("b1")
	assert.Equal(t, 6, b.PathIndex)
	assert.True(t, b.HasPosition)
	assert.InDelta(t, 6.0, b.CurrentLng, 1e-9)
}

func TestTick_DegenerateRouteIsNoop(t *testing.T) {
	m := metrics.NewCollector(DefaultTickInterval, 15, DefaultArrivalThreshold, DefaultArrivalCooldown)
	s, _, hook := newTestSim(t, DefaultConfig(), WithMetrics(m))
	routes := []fleet.Route{{ID: "bad", StartPoint: pt(5, 5), EndPoint: pt(math.NaN(), 1)}}
	require.True(t, s.Start(context.Background(), routes,
		[]fleet.Assignment{{BusID: "b1", RouteID: "bad", LastKnown: pt(5, 5)}}))

	before, _ := s.Bus("b1")
	for i := 0; i < 20; i++ {
		s.Tick()
	}
	after, _ := s.Bus("b1")
	assert.Equal(t, before, after)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RouteIssues.WithLabelValues("degenerate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RouteIssues.WithLabelValues("malformed")))
	assert.NotEmpty(t, hook.AllEntries())
}

func TestTick_UnresolvedRouteLeavesBusAlone(t *testing.T) {
	m := metrics.NewCollector(DefaultTickInterval, 15, DefaultArrivalThreshold, DefaultArrivalCooldown)
	s, _, hook := newTestSim(t, DefaultConfig(), WithMetrics(m))
	require.True(t, s.Start(context.Background(), nil, []fleet.Assignment{{BusID: "b1", RouteID: "missing"}}))

	for i := 0; i < 3; i++ {
		s.Tick()
	}
	b, _ := s.Bus("b1")
	assert.False(t, b.HasPosition)
	assert.Equal(t, 0, b.PathIndex)
	// warned once, not every tick
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RouteIssues.WithLabelValues("unresolved")))
	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestScenarioB_ArrivalDedup(t *testing.T) {
	rec := &recorder{}
	s, mc, _ := newTestSim(t, Config{InterpolationSteps: 1, ArrivalThreshold: 0.5}, WithArrivalSink(rec))
	r := fleet.Route{
		ID:         "r1",
		StartPoint: pt(0, 0),
		Stops:      []fleet.Stop{{ID: "s1", Name: "Plaza", Lat: 0, Lng: 10, Type: fleet.StopDropoff}},
	}
	require.True(t, s.Start(context.Background(), []fleet.Route{r}, []fleet.Assignment{{BusID: "b1", BusNumber: "12", RouteID: "r1"}}))

	res := s.Tick()
	require.Len(t, res.Arrivals, 1)
	n := res.Arrivals[0]
	assert.Equal(t, "b1", n.BusID)
	assert.Equal(t, "12", n.BusNumber)
	assert.Equal(t, "s1", n.StopID)
	assert.Equal(t, 0, n.StopIndex)
	assert.Equal(t, "Plaza", n.StopName)
	assert.Equal(t, fleet.StopDropoff, n.StopType)
	assert.Equal(t, epoch, n.FiredAt)
	assert.NotEmpty(t, n.ID)

	// wrap back to the start, then return to the stop within the cooldown
	mc.Advance(time.Second)
	assert.Empty(t, s.Tick().Arrivals)
	assert.Empty(t, s.Tick().Arrivals)

	assert.Len(t, rec.arrivals, 1)
}

func TestArrivalCooldown(t *testing.T) {
	s, mc, _ := newTestSim(t, Config{InterpolationSteps: 1, ArrivalThreshold: 0.5})
	r := fleet.Route{ID: "r1", StartPoint: pt(0, 0), Stops: []fleet.Stop{{ID: "s1", Lat: 0, Lng: 10}}}
	require.True(t, s.Start(context.Background(), []fleet.Route{r}, []fleet.Assignment{{BusID: "b1", RouteID: "r1"}}))

	require.Len(t, s.Tick().Arrivals, 1) // at T
	s.Tick()
	mc.Advance(time.Second)
	assert.Empty(t, s.Tick().Arrivals, "T+1s must be suppressed")

	s.Tick()
	mc.Advance(180 * time.Second)
	assert.Len(t, s.Tick().Arrivals, 1, "T+181s must fire again")
}

func TestArrivalLog(t *testing.T) {
	l := newArrivalLog(time.Minute)
	k := arrivalKey{busID: "b1", stop: 2}
	assert.Equal(t, "b1_2", k.String())

	assert.True(t, l.allow(k, epoch))
	assert.False(t, l.allow(k, epoch.Add(59*time.Second)))
	assert.True(t, l.allow(arrivalKey{busID: "b2", stop: 2}, epoch))
	assert.True(t, l.allow(k, epoch.Add(time.Minute)))

	assert.Equal(t, 1, l.prune(epoch.Add(time.Minute)))
	assert.Equal(t, 1, l.len())
	l.forget("b1")
	assert.Equal(t, 0, l.len())
}

func TestTick_IsolatesFailingBus(t *testing.T) {
	m := metrics.NewCollector(DefaultTickInterval, 1, DefaultArrivalThreshold, DefaultArrivalCooldown)
	s, _, hook := newTestSim(t, Config{InterpolationSteps: 1}, WithMetrics(m))
	routes := []fleet.Route{
		lineRoute("good"),
		{ID: "nan", StartPoint: pt(math.NaN(), 0), Stops: []fleet.Stop{{ID: "x", Lat: math.NaN(), Lng: math.NaN()}}, EndPoint: pt(1, 1)},
		lineRoute("corrupt"),
	}
	require.True(t, s.Start(context.Background(), routes, []fleet.Assignment{
		{BusID: "a", RouteID: "good"},
		{BusID: "b", RouteID: "nan"},
		{BusID: "c", RouteID: "corrupt"},
	}))
	s.mu.Lock()
	s.buses["c"].bus.PathIndex = 99
	s.mu.Unlock()

	res := s.Tick()
	require.Len(t, res.Buses, 3)
	a, _ := s.Bus("a")
	assert.Equal(t, 1, a.PathIndex)
	assert.Equal(t, 10.0, a.CurrentLng)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusFailures))

	var errs int
	for _, e := range hook.AllEntries() {
		if e.Level == log.ErrorLevel {
			errs++
			assert.Equal(t, "c", e.Data["bus_id"])
		}
	}
	assert.Equal(t, 1, errs)
}

func TestNextStopAndETA(t *testing.T) {
	s, _, _ := newTestSim(t, Config{InterpolationSteps: 5, TickInterval: 2 * time.Second})
	r := fleet.Route{
		ID:         "r1",
		StartPoint: pt(0, 0),
		Stops:      []fleet.Stop{{ID: "s1", Name: "First", Lat: 0, Lng: 1}, {ID: "s2", Name: "Second", Lat: 0, Lng: 2}},
		EndPoint:   pt(0, 3),
	}
	require.True(t, s.Start(context.Background(), []fleet.Route{r}, []fleet.Assignment{{BusID: "b1", RouteID: "r1"}}))

	b, _ := s.Bus("b1")
	assert.Equal(t, "s1", b.NextStopID)
	assert.Equal(t, "First", b.NextStopName)
	assert.Equal(t, 10*time.Second, b.ETA)

	for i := 0; i < 5; i++ {
		s.Tick()
	}
	b, _ = s.Bus("b1")
	assert.Equal(t, 5, b.PathIndex)
	assert.Equal(t, "s2", b.NextStopID)
	assert.Equal(t, 10*time.Second, b.ETA)
	assert.Greater(t, b.SpeedKmh, 0.0)
}

func TestSetMovement_StoppedBusHolds(t *testing.T) {
	s, _, _ := newTestSim(t, Config{InterpolationSteps: 4})
	require.True(t, s.Start(context.Background(), []fleet.Route{lineRoute("r1")}, []fleet.Assignment{{BusID: "b1", RouteID: "r1"}}))

	s.Tick()
	require.True(t, s.SetMovement("b1", fleet.MovementStopped))
	held, _ := s.Bus("b1")
	s.Tick()
	s.Tick()
	b, _ := s.Bus("b1")
	assert.Equal(t, held, b)

	require.True(t, s.SetMovement("b1", fleet.MovementActive))
	s.Tick()
	b, _ = s.Bus("b1")
	assert.Equal(t, 2, b.PathIndex)
	assert.False(t, s.SetMovement("nope", fleet.MovementActive))
}

func TestStartStop_Idempotent(t *testing.T) {
	rec := &recorder{}
	s, _, _ := newTestSim(t, DefaultConfig(), WithPositionSink(rec), WithArrivalSink(rec))

	assert.False(t, s.Stop())
	assert.Empty(t, s.Tick().Buses, "tick while idle is a no-op")

	require.True(t, s.Start(context.Background(), []fleet.Route{lineRoute("r1")}, []fleet.Assignment{{BusID: "b1", RouteID: "r1"}}))
	assert.False(t, s.Start(context.Background(), nil, nil))
	assert.Len(t, s.Snapshot(), 1, "second start must not reset state")

	assert.True(t, s.Stop())
	assert.False(t, s.Stop())
	assert.False(t, s.Running())
	assert.Empty(t, s.Snapshot())
	// one sink registered twice is reset once
	assert.Equal(t, 1, rec.resets)

	batches := rec.batches()
	s.Tick()
	assert.Equal(t, batches, rec.batches())
}

// blockingSink holds its first PublishPositions call until release is closed.
type blockingSink struct {
	recorder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingSink) PublishPositions(buses []fleet.SimulatedBus) error {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	return b.recorder.PublishPositions(buses)
}

func (b *blockingSink) resetCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

func TestStop_StartWaitsForPendingStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sink := newBlockingSink()
	s := New(Config{TickInterval: 5 * time.Millisecond}, WithLogger(logger), WithPositionSink(sink))
	routes := []fleet.Route{lineRoute("r1")}
	assignments := []fleet.Assignment{{BusID: "b1", RouteID: "r1"}}

	require.True(t, s.Start(context.Background(), routes, assignments))
	select {
	case <-sink.entered:
	case <-time.After(time.Second):
		t.Fatal("sink never called")
	}

	stopped := make(chan bool)
	go func() { stopped <- s.Stop() }()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)

	started := make(chan bool)
	go func() { started <- s.Start(context.Background(), routes, assignments) }()

	select {
	case <-started:
		t.Fatal("Start returned while the previous session was still draining")
	case <-time.After(30 * time.Millisecond):
	}

	close(sink.release)
	select {
	case ok := <-stopped:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	select {
	case ok := <-started:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, 1, sink.resetCount(), "reset belongs to the old session only")
	assert.True(t, s.Running())
	assert.Eventually(t, func() bool { return sink.batches() >= 2 }, time.Second, 5*time.Millisecond)

	done := make(chan bool)
	go func() { done <- s.Stop() }()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("second Stop did not return")
	}
	assert.Equal(t, 2, sink.resetCount())
}

func TestStartStop_ConcurrentWithTicks(t *testing.T) {
	logger, _ := test.NewNullLogger()
	rec := &recorder{}
	s := New(Config{TickInterval: time.Millisecond}, WithLogger(logger), WithPositionSink(rec))
	routes := []fleet.Route{lineRoute("r1")}
	assignments := []fleet.Assignment{{BusID: "b1", RouteID: "r1"}}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Start(context.Background(), routes, assignments)
				s.Tick()
				s.Stop()
			}
		}()
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent Start/Stop deadlocked")
	}
	s.Stop()
	assert.False(t, s.Running())
	assert.Empty(t, s.Snapshot())
}

// funcSink is a sink whose dynamic type cannot be used as a map key.
type funcSink func([]fleet.SimulatedBus) error

func (f funcSink) PublishPositions(b []fleet.SimulatedBus) error { return f(b) }
func (f funcSink) Reset() {}

type sliceSink []int

func (sliceSink) PublishPositions([]fleet.SimulatedBus) error { return nil }
func (sliceSink) Reset() {}

func TestStop_NonComparableSinks(t *testing.T) {
	rec := &recorder{}
	fs := funcSink(func([]fleet.SimulatedBus) error { return nil })
	s, _, _ := newTestSim(t, DefaultConfig(),
		WithPositionSink(fs), WithPositionSink(sliceSink{1}), WithPositionSink(rec), WithArrivalSink(rec))
	require.True(t, s.Start(context.Background(), []fleet.Route{lineRoute("r1")}, nil))
	assert.NotPanics(t, func() { s.Stop() })
	assert.Equal(t, 1, rec.resets)
}

func TestStart_TickerPublishesUntilStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	rec := &recorder{}
	s := New(Config{TickInterval: 5 * time.Millisecond}, WithLogger(logger), WithPositionSink(rec))

	require.True(t, s.Start(context.Background(), []fleet.Route{lineRoute("r1")}, []fleet.Assignment{{BusID: "b1", RouteID: "r1"}}))
	assert.Eventually(t, func() bool { return rec.batches() >= 3 }, time.Second, 5*time.Millisecond)

	require.True(t, s.Stop())
	stopped := rec.batches()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, rec.batches(), "no output after stop")
	assert.Equal(t, 1, rec.resets)
}

func TestStart_ParentCancelStopsTicker(t *testing.T) {
	logger, _ := test.NewNullLogger()
	rec := &recorder{}
	s := New(Config{TickInterval: 5 * time.Millisecond}, WithLogger(logger), WithPositionSink(rec))
	ctx, cancel := context.WithCancel(context.Background())

	require.True(t, s.Start(ctx, []fleet.Route{lineRoute("r1")}, []fleet.Assignment{{BusID: "b1", RouteID: "r1"}}))
	assert.Eventually(t, func() bool { return rec.batches() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.True(t, s.Stop())
}

func TestSinkErrorsAreLogged(t *testing.T) {
	rec := &recorder{err: errors.New("boom")}
	s, _, hook := newTestSim(t, Config{InterpolationSteps: 1}, WithPositionSink(rec))
	require.True(t, s.Start(context.Background(), []fleet.Route{lineRoute("r1")}, []fleet.Assignment{{BusID: "b1", RouteID: "r1"}}))

	s.Tick()
	b, _ := s.Bus("b1")
	assert.Equal(t, 1, b.PathIndex)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "position sink failed", hook.LastEntry().Message)
}

func TestTrackUntrack(t *testing.T) {
	s, _, _ := newTestSim(t, Config{InterpolationSteps: 1, ArrivalThreshold: 0.5})
	assert.False(t, s.Track(fleet.Assignment{BusID: "b1", RouteID: "r1"}), "idle simulator tracks nothing")

	r := fleet.Route{ID: "r1", StartPoint: pt(0, 0), Stops: []fleet.Stop{{ID: "s1", Lat: 0, Lng: 10}}}
	require.True(t, s.Start(context.Background(), []fleet.Route{r}, nil))
	assert.True(t, s.Track(fleet.Assignment{BusID: "b1", RouteID: "r1"}))
	assert.False(t, s.Track(fleet.Assignment{BusID: "b1", RouteID: "r1"}))
	assert.False(t, s.Track(fleet.Assignment{RouteID: "r1"}))

	require.Len(t, s.Tick().Arrivals, 1)
	assert.True(t, s.Untrack("b1"))
	assert.False(t, s.Untrack("b1"))
	assert.Equal(t, 0, s.arrivals.len())

	// a re-tracked bus starts fresh, so its arrival is not suppressed
	require.True(t, s.Track(fleet.Assignment{BusID: "b1", RouteID: "r1"}))
	assert.Len(t, s.Tick().Arrivals, 1)
}

func TestReconcile(t *testing.T) {
	s, _, _ := newTestSim(t, Config{InterpolationSteps: 1})
	routes := []fleet.Route{lineRoute("r1"), {ID: "r2", StartPoint: pt(1, 0), EndPoint: pt(1, 10)}}
	require.True(t, s.Start(context.Background(), routes, []fleet.Assignment{
		{BusID: "a", RouteID: "r1"},
		{BusID: "b", RouteID: "r1"},
	}))
	s.Tick()

	added, removed := s.Reconcile(routes, []fleet.Assignment{
		{BusID: "a", RouteID: "r2", Status: fleet.MovementStopped},
		{BusID: "c", RouteID: "r1"},
	})
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)

	a, ok := s.Bus("a")
	require.True(t, ok)
	assert.Equal(t, "r2", a.RouteID)
	assert.Equal(t, fleet.MovementStopped, a.MovementStatus)
	// snapped from (0,10) onto r2's nearest node (1,10)
	assert.Equal(t, 1, a.PathIndex)
	_, ok = s.Bus("b")
	assert.False(t, ok)

	ids := []string{}
	for _, b := range s.Snapshot() {
		ids = append(ids, b.BusID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestSetRoutes_RouteRemovedFreezesBus(t *testing.T) {
	s, _, _ := newTestSim(t, Config{InterpolationSteps: 1})
	require.True(t, s.Start(context.Background(), []fleet.Route{lineRoute("r1")}, []fleet.Assignment{{BusID: "b1", RouteID: "r1"}}))
	s.Tick()
	s.SetRoutes(nil)
	before, _ := s.Bus("b1")
	s.Tick()
	after, _ := s.Bus("b1")
	assert.Equal(t, before, after)
	assert.Empty(t, s.Routes())
	assert.Empty(t, s.Paths())
}

func TestNearStops(t *testing.T) {
	r := fleet.Route{
		ID: "r1",
		Stops: []fleet.Stop{
			{ID: "a", Lat: 40.0, Lng: -3.0},
			{ID: "b", Lat: 40.0005, Lng: -3.0},
			{ID: "c", Lat: 40.01, Lng: -3.0},
			{ID: "nan", Lat: math.NaN(), Lng: -3.0},
		},
	}
	p, _, err := BuildPath(&r, 15)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, p.NearStops(fleet.RoutePoint{Lat: 40.0002, Lng: -3.0}, DefaultArrivalThreshold))
	assert.Empty(t, p.NearStops(fleet.RoutePoint{Lat: 40.005, Lng: -3.0}, DefaultArrivalThreshold))
	// strictly closer than the threshold
	assert.Empty(t, p.NearStops(fleet.RoutePoint{Lat: 40.0, Lng: -2.5}, 0.5))
}

func TestHeading(t *testing.T) {
	o := fleet.RoutePoint{}
	assert.InDelta(t, 0.0, headingDeg(o, fleet.RoutePoint{Lat: 1}), 1e-9)
	assert.InDelta(t, 90.0, headingDeg(o, fleet.RoutePoint{Lng: 1}), 1e-9)
	assert.InDelta(t, 180.0, headingDeg(o, fleet.RoutePoint{Lat: -1}), 1e-9)
	assert.InDelta(t, 270.0, headingDeg(o, fleet.RoutePoint{Lng: -1}), 1e-9)
}

func TestRefresher(t *testing.T) {
	m := metrics.NewCollector(DefaultTickInterval, 1, DefaultArrivalThreshold, DefaultArrivalCooldown)
	s, _, _ := newTestSim(t, Config{InterpolationSteps: 1}, WithMetrics(m))
	require.True(t, s.Start(context.Background(), []fleet.Route{lineRoute("r1")}, nil))

	fail := true
	src := SourceFunc(func(context.Context) (*fleet.Dataset, error) {
		if fail {
			return nil, errors.New("db down")
		}
		return &fleet.Dataset{
			Routes:      []fleet.Route{lineRoute("r1")},
			Assignments: []fleet.Assignment{{BusID: "b1", RouteID: "r1"}},
		}, nil
	})
	r := NewRefresher(s, src, time.Hour)

	require.Error(t, r.Refresh(context.Background()))
	assert.Empty(t, s.Snapshot())
	fail = false
	require.NoError(t, r.Refresh(context.Background()))
	assert.Len(t, s.Snapshot(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceRefreshes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceRefreshes.WithLabelValues("error")))

	r.Start(context.Background())
	r.Stop()
}
