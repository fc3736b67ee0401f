package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-simulator/internal/config"
	"fleet-simulator/internal/db"
	"fleet-simulator/internal/fleet"
	"fleet-simulator/internal/metrics"
	"fleet-simulator/internal/notify"
	"fleet-simulator/internal/publisher"
	"fleet-simulator/internal/sim"
	"fleet-simulator/internal/stream"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	cfg.ConfigureLogging()

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	simCfg := sim.Config{
		TickInterval:       cfg.TickInterval,
		InterpolationSteps: cfg.InterpolationSteps,
		ArrivalThreshold:   cfg.ArrivalThreshold,
		ArrivalCooldown:    cfg.ArrivalCooldown,
	}

	// Metrics setup
	var mcol *metrics.Collector
	var servers []*http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.TickInterval, cfg.InterpolationSteps, cfg.ArrivalThreshold, cfg.ArrivalCooldown)
		servers = append(servers, mcol.Serve(cfg.MetricsAddr))
	}

	src, closeSrc := openSource(ctx, cfg)
	defer closeSrc()
	ds, err := src.Load(ctx)
	if err != nil {
		log.Fatalf("load routes (%s): %v", cfg.RoutesSource, err)
	}
	log.WithFields(log.Fields{
		"source": cfg.RoutesSource,
		"routes": len(ds.Routes),
		"buses":  len(ds.Assignments),
	}).Info("routes loaded")

	opts := []sim.Option{sim.WithMetrics(mcol)}

	hub := stream.NewHub(mcol)
	opts = append(opts, sim.WithPositionSink(hub), sim.WithArrivalSink(hub))

	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		opts = append(opts, sim.WithPositionSink(pub), sim.WithArrivalSink(pub))
	}

	var store *notify.Store
	if cfg.ArrivalsDSN != "" {
		store, err = notify.Open(cfg.ArrivalsDriver, cfg.ArrivalsDSN, mcol)
		if err != nil {
			log.Fatalf("arrival store error: %v", err)
		}
		defer store.Close()
		opts = append(opts, sim.WithArrivalSink(store))
	}

	simulator := sim.New(simCfg, opts...)
	simulator.Start(ctx, ds.Routes, ds.Assignments)

	// Periodically reload the source so new buses and route edits are picked up
	refresher := sim.NewRefresher(simulator, src, cfg.RoutesRefreshInterval)
	refresher.Start(ctx)

	if cfg.HTTPAddr != "" {
		sopts := []stream.Option{stream.WithRateLimit(cfg.HTTPRateLimit)}
		if store != nil {
			sopts = append(sopts, stream.WithArrivalStore(store))
		}
		servers = append(servers, stream.NewServer(simulator, hub, sopts...).Serve(cfg.HTTPAddr))
	}

	// Block until context cancelled
	<-ctx.Done()
	refresher.Stop()
	simulator.Stop()
	for _, srv := range servers {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	log.Println("shutdown complete")
}

// openSource builds the configured route source and a func releasing it.
func openSource(ctx context.Context, cfg *config.Config) (sim.Source, func()) {
	switch cfg.RoutesSource {
	case config.SourcePostgres:
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		if err := db.Ping(ctx, sqlDB); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
		return sim.SourceFunc(func(ctx context.Context) (*fleet.Dataset, error) {
			return db.Load(ctx, sqlDB)
		}), func() { closeDB(sqlDB) }
	case config.SourceGTFS:
		return sim.SourceFunc(func(context.Context) (*fleet.Dataset, error) {
			return fleet.LoadGTFS(cfg.GTFSPath)
		}), func() {}
	default:
		return sim.SourceFunc(func(context.Context) (*fleet.Dataset, error) {
			return fleet.LoadFile(cfg.RoutesFile)
		}), func() {}
	}
}

func closeDB(sqlDB *sql.DB) {
	if err := sqlDB.Close(); err != nil {
		log.WithError(err).Warn("db close")
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
