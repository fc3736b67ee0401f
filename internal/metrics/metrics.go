package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type Collector struct {
	reg *prometheus.Registry

	TrackedBuses prometheus.Gauge
	Running      prometheus.Gauge

	Ticks          prometheus.Counter
	TickDuration   prometheus.Histogram
	BusFailures    prometheus.Counter
	RouteIssues    *prometheus.CounterVec // kind label: degenerate|unresolved|malformed
	DroppedBatches prometheus.Counter

	ArrivalsFired      prometheus.Counter
	ArrivalsSuppressed prometheus.Counter
	ArrivalsStored     prometheus.Counter
	ArrivalStoreErrs   prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	SourceRefreshes *prometheus.CounterVec // result label: ok|error
	StreamClients   prometheus.Gauge

	TickInterval       prometheus.Gauge // seconds
	InterpolationSteps prometheus.Gauge
	ArrivalThreshold   prometheus.Gauge // degrees
	ArrivalCooldown    prometheus.Gauge // seconds
}

func NewCollector(tickInterval time.Duration, steps int, threshold float64, cooldown time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TrackedBuses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_tracked_buses",
			Help: "Number of buses currently tracked by the simulator.",
		}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_running",
			Help: "1 while the tick loop is active, 0 otherwise.",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_ticks_total",
			Help: "Total simulation ticks executed.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simulator_tick_duration_seconds",
			Help:    "Duration of simulation tick computations.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15),
		}),
		BusFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_bus_failures_total",
			Help: "Per-bus tick failures that were isolated and skipped.",
		}),
		RouteIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simulator_route_issues_total",
			Help: "Route data problems handled by the simulator.",
		}, []string{"kind"}),
		DroppedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_dropped_batches_total",
			Help: "Tick outputs dropped because sinks were not keeping up.",
		}),
		ArrivalsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_arrivals_fired_total",
			Help: "Arrival notifications emitted.",
		}),
		ArrivalsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_arrivals_suppressed_total",
			Help: "Arrivals suppressed by the cooldown window.",
		}),
		ArrivalsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_arrivals_stored_total",
			Help: "Arrival notifications written to the store.",
		}),
		ArrivalStoreErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_arrival_store_errors_total",
			Help: "Arrival store write errors.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simulator_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SourceRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simulator_source_refreshes_total",
			Help: "Route source reloads by result.",
		}, []string{"result"}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_stream_clients",
			Help: "Connected SSE clients.",
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_tick_interval_seconds",
			Help: "Tick interval in seconds.",
		}),
		InterpolationSteps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_interpolation_steps",
			Help: "Interpolated steps per route segment.",
		}),
		ArrivalThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_arrival_threshold_degrees",
			Help: "Planar proximity threshold for arrivals, in degrees.",
		}),
		ArrivalCooldown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_arrival_cooldown_seconds",
			Help: "Minimum seconds between arrivals for the same bus and stop.",
		}),
	}

	reg.MustRegister(
		c.TrackedBuses, c.Running,
		c.Ticks, c.TickDuration, c.BusFailures, c.RouteIssues, c.DroppedBatches,
		c.ArrivalsFired, c.ArrivalsSuppressed, c.ArrivalsStored, c.ArrivalStoreErrs,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.SourceRefreshes, c.StreamClients,
		c.TickInterval, c.InterpolationSteps, c.ArrivalThreshold, c.ArrivalCooldown,
	)

	c.TickInterval.Set(tickInterval.Seconds())
	c.InterpolationSteps.Set(float64(steps))
	c.ArrivalThreshold.Set(threshold)
	c.ArrivalCooldown.Set(cooldown.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
