// Package notify persists arrival notifications so they can be listed after
// the fact. It works against SQLite or Postgres through sqlx.
package notify

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"fleet-simulator/internal/fleet"
	"fleet-simulator/internal/metrics"
)

// migrations run in order on every Open; each is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS arrivals (
	id         TEXT PRIMARY KEY,
	bus_id     TEXT NOT NULL,
	bus_number TEXT NOT NULL,
	route_id   TEXT NOT NULL,
	stop_id    TEXT NOT NULL,
	stop_index INTEGER NOT NULL,
	stop_name  TEXT NOT NULL,
	stop_type  TEXT NOT NULL,
	fired_at   TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS arrivals_bus_fired ON arrivals (bus_id, fired_at)`,
}

const writeTimeout = 5 * time.Second

type Store struct {
	db      *sqlx.DB
	metrics *metrics.Collector
}

// Open connects with driver ("sqlite3" or "pgx") and creates the schema.
func Open(driver, dsn string, m *metrics.Collector) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open arrival store: %w", err)
	}
	if driver == "sqlite3" {
		// one writer; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, metrics: m}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate arrival store: %w", err)
		}
	}
	return nil
}

func (s *Store) Record(ctx context.Context, n fleet.ArrivalNotification) error {
	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO arrivals (id, bus_id, bus_number, route_id, stop_id, stop_index, stop_name, stop_type, fired_at)
VALUES (:id, :bus_id, :bus_number, :route_id, :stop_id, :stop_index, :stop_name, :stop_type, :fired_at)`, n)
	if err != nil {
		return fmt.Errorf("record arrival %s: %w", n.ID, err)
	}
	return nil
}

// Recent returns up to limit arrivals, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]fleet.ArrivalNotification, error) {
	out := []fleet.ArrivalNotification{}
	q := s.db.Rebind(`SELECT * FROM arrivals ORDER BY fired_at DESC, id LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("recent arrivals: %w", err)
	}
	return out, nil
}

// ForBus returns up to limit arrivals of one bus, newest first.
func (s *Store) ForBus(ctx context.Context, busID string, limit int) ([]fleet.ArrivalNotification, error) {
	out := []fleet.ArrivalNotification{}
	q := s.db.Rebind(`SELECT * FROM arrivals WHERE bus_id = ? ORDER BY fired_at DESC, id LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, q, busID, limit); err != nil {
		return nil, fmt.Errorf("arrivals for bus %s: %w", busID, err)
	}
	return out, nil
}

// PublishArrival lets the store act as a simulator arrival sink.
func (s *Store) PublishArrival(n fleet.ArrivalNotification) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := s.Record(ctx, n)
	if s.metrics != nil {
		if err != nil {
			s.metrics.ArrivalStoreErrs.Inc()
		} else {
			s.metrics.ArrivalsStored.Inc()
		}
	}
	if err == nil {
		log.WithFields(log.Fields{"bus_id": n.BusID, "stop_id": n.StopID}).Debug("arrival stored")
	}
	return err
}
