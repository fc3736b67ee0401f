package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"fleet-simulator/internal/fleet"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// routeRow and stopRow mirror the routes and stops tables. Coordinates are
// nullable; a NULL becomes NaN and is dropped later as malformed.
type routeRow struct {
	ID, Name, Color    string
	StartLat, StartLng sql.NullFloat64
	EndLat, EndLng     sql.NullFloat64
}

type stopRow struct {
	RouteID, ID, Name, Type string
	Lat, Lng                sql.NullFloat64
}

// Load fetches routes and bus assignments in one read-only snapshot.
func Load(ctx context.Context, db *sql.DB) (*fleet.Dataset, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	routes, err := FetchRoutes(ctx, tx)
	if err != nil {
		return nil, err
	}
	buses, err := FetchAssignments(ctx, tx)
	if err != nil {
		return nil, err
	}
	return &fleet.Dataset{Routes: routes, Assignments: buses}, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// FetchRoutes returns every route with its stops in sequence order.
func FetchRoutes(ctx context.Context, q querier) ([]fleet.Route, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id::text, COALESCE(name, ''), COALESCE(color, ''),
       start_lat, start_lng, end_lat, end_lng
FROM routes
ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()
	var rr []routeRow
	for rows.Next() {
		var r routeRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Color, &r.StartLat, &r.StartLng, &r.EndLat, &r.EndLng); err != nil {
			return nil, err
		}
		rr = append(rr, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srows, err := q.QueryContext(ctx, `
SELECT route_id::text, id::text, COALESCE(name, ''), COALESCE(type, ''), lat, lng
FROM stops
ORDER BY route_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer srows.Close()
	var ss []stopRow
	for srows.Next() {
		var s stopRow
		if err := srows.Scan(&s.RouteID, &s.ID, &s.Name, &s.Type, &s.Lat, &s.Lng); err != nil {
			return nil, err
		}
		ss = append(ss, s)
	}
	if err := srows.Err(); err != nil {
		return nil, err
	}
	return assembleRoutes(rr, ss), nil
}

// FetchAssignments returns buses that have a route assigned.
func FetchAssignments(ctx context.Context, q querier) ([]fleet.Assignment, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id::text, COALESCE(bus_number, ''), route_id::text, COALESCE(status, ''), lat, lng
FROM buses
WHERE route_id IS NOT NULL
ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query buses: %w", err)
	}
	defer rows.Close()
	var out []fleet.Assignment
	for rows.Next() {
		var (
			a        fleet.Assignment
			status   string
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&a.BusID, &a.BusNumber, &a.RouteID, &status, &lat, &lng); err != nil {
			return nil, err
		}
		a.Status = fleet.ParseMovementStatus(status)
		if p := point(lat, lng); p.Valid() {
			a.LastKnown = &p
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// assembleRoutes attaches stops to their routes. Stops for unknown routes are
// ignored. Stop rows must already be in sequence order.
func assembleRoutes(routes []routeRow, stops []stopRow) []fleet.Route {
	out := make([]fleet.Route, len(routes))
	byID := make(map[string]int, len(routes))
	for i, r := range routes {
		out[i] = fleet.Route{ID: r.ID, Name: r.Name, Color: r.Color}
		if r.StartLat.Valid || r.StartLng.Valid {
			p := point(r.StartLat, r.StartLng)
			out[i].StartPoint = &p
		}
		if r.EndLat.Valid || r.EndLng.Valid {
			p := point(r.EndLat, r.EndLng)
			out[i].EndPoint = &p
		}
		byID[r.ID] = i
	}
	for _, s := range stops {
		i, ok := byID[s.RouteID]
		if !ok {
			continue
		}
		p := point(s.Lat, s.Lng)
		out[i].Stops = append(out[i].Stops, fleet.Stop{
			ID:   s.ID,
			Name: s.Name,
			Lat:  p.Lat,
			Lng:  p.Lng,
			Type: fleet.ParseStopType(s.Type),
		})
	}
	return out
}

func point(lat, lng sql.NullFloat64) fleet.RoutePoint {
	p := fleet.RoutePoint{Lat: math.NaN(), Lng: math.NaN()}
	if lat.Valid {
		p.Lat = lat.Float64
	}
	if lng.Valid {
		p.Lng = lng.Float64
	}
	return p
}
