package fleet

import (
	"math"
	"time"
)

type StopType string

const (
	StopGathering StopType = "gathering"
	StopPickup    StopType = "pickup"
	StopDropoff   StopType = "dropoff"
)

type MovementStatus string

const (
	MovementActive  MovementStatus = "active"
	MovementStopped MovementStatus = "stopped"
)

// RoutePoint is a raw waypoint. NaN or infinite components mark a missing or
// non-numeric coordinate.
type RoutePoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether both coordinates are finite numbers.
func (p RoutePoint) Valid() bool {
	return finite(p.Lat) && finite(p.Lng)
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// InvalidPoint returns a point that fails Valid, used for NULL or garbage input.
func InvalidPoint() RoutePoint { return RoutePoint{Lat: math.NaN(), Lng: math.NaN()} }

type Stop struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Lat  float64  `json:"lat"`
	Lng  float64  `json:"lng"`
	Type StopType `json:"type"`
}

func (s Stop) Point() RoutePoint { return RoutePoint{Lat: s.Lat, Lng: s.Lng} }

// Route is read-only for the duration of a simulation run.
type Route struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Color      string      `json:"color"`
	StartPoint *RoutePoint `json:"start_point"`
	EndPoint   *RoutePoint `json:"end_point"`
	Stops      []Stop      `json:"stops"`
}

// Waypoint is a valid raw point together with the index of the stop it came
// from (-1 for start/end points).
type Waypoint struct {
	RoutePoint
	StopIndex int
}

// Waypoints returns the traversal sequence [start, stops..., end] with missing
// or malformed points removed, and how many points were dropped.
func (r Route) Waypoints() ([]Waypoint, int) {
	pts := make([]Waypoint, 0, len(r.Stops)+2)
	dropped := 0
	add := func(p *RoutePoint, stopIdx int) {
		if p == nil || !p.Valid() {
			dropped++
			return
		}
		pts = append(pts, Waypoint{RoutePoint: *p, StopIndex: stopIdx})
	}
	add(r.StartPoint, -1)
	for i := range r.Stops {
		p := r.Stops[i].Point()
		add(&p, i)
	}
	add(r.EndPoint, -1)
	return pts, dropped
}

// Assignment ties a tracked bus to the route it should follow.
type Assignment struct {
	BusID     string         `json:"id"`
	BusNumber string         `json:"bus_number"`
	RouteID   string         `json:"route_id"`
	Status    MovementStatus `json:"status"`
	LastKnown *RoutePoint    `json:"last_known,omitempty"`
}

// SimulatedBus is per-bus simulation state. It is owned by the simulator and
// discarded when tracking stops.
type SimulatedBus struct {
	BusID          string         `json:"bus_id"`
	BusNumber      string         `json:"bus_number"`
	RouteID        string         `json:"route_id"`
	CurrentLat     float64        `json:"lat"`
	CurrentLng     float64        `json:"lng"`
	HeadingDegrees float64        `json:"heading"`
	SpeedKmh       float64        `json:"speed_kmh"`
	PathIndex      int            `json:"path_index"`
	LastUpdate     time.Time      `json:"last_update"`
	MovementStatus MovementStatus `json:"movement_status"`
	HasPosition    bool           `json:"has_position"`
	NextStopID     string         `json:"next_stop_id,omitempty"`
	NextStopName   string         `json:"next_stop_name,omitempty"`
	ETA            time.Duration  `json:"eta_ns,omitempty"`
}

type ArrivalNotification struct {
	ID        string    `json:"id" db:"id"`
	BusID     string    `json:"bus_id" db:"bus_id"`
	BusNumber string    `json:"bus_number" db:"bus_number"`
	RouteID   string    `json:"route_id" db:"route_id"`
	StopID    string    `json:"stop_id" db:"stop_id"`
	StopIndex int       `json:"stop_index" db:"stop_index"`
	StopName  string    `json:"stop_name" db:"stop_name"`
	StopType  StopType  `json:"stop_type" db:"stop_type"`
	FiredAt   time.Time `json:"fired_at" db:"fired_at"`
}
