package sim

import (
	"fmt"
	"math"
	"sort"

	"github.com/tidwall/rtree"

	"fleet-simulator/internal/fleet"
)

// Path is the smoothed point sequence of one route plus the lookups the
// simulator needs per tick.
type Path struct {
	Route  *fleet.Route
	Points []fleet.RoutePoint

	// stops on the path ordered by smoothed index
	stops []pathStop
	// all stops with valid coordinates, keyed by stop index
	index rtree.RTreeG[int]
}

type pathStop struct {
	at   int
	stop int
}

// Smooth inserts steps-1 linearly interpolated points between every pair of
// consecutive points. The result has (len-1)*steps+1 points and keeps the
// first and last input points exactly.
func Smooth(points []fleet.RoutePoint, steps int) []fleet.RoutePoint {
	if steps < 1 {
		steps = 1
	}
	if len(points) < 2 {
		return append([]fleet.RoutePoint(nil), points...)
	}
	out := make([]fleet.RoutePoint, 0, (len(points)-1)*steps+1)
	for i := 0; i+1 < len(points); i++ {
		p1, p2 := points[i], points[i+1]
		out = append(out, p1)
		for k := 1; k < steps; k++ {
			f := float64(k) / float64(steps)
			out = append(out, fleet.RoutePoint{
				Lat: p1.Lat + (p2.Lat-p1.Lat)*f,
				Lng: p1.Lng + (p2.Lng-p1.Lng)*f,
			})
		}
	}
	return append(out, points[len(points)-1])
}

// BuildPath smooths a route. It also returns how many raw points were dropped
// as malformed; a route left with fewer than two points is degenerate.
func BuildPath(r *fleet.Route, steps int) (*Path, int, error) {
	if steps < 1 {
		steps = 1
	}
	wps, dropped := r.Waypoints()
	if len(wps) < 2 {
		return nil, dropped, fmt.Errorf("route %q: %w", r.ID, fleet.ErrDegenerateRoute)
	}
	raw := make([]fleet.RoutePoint, len(wps))
	p := &Path{Route: r}
	for i, wp := range wps {
		raw[i] = wp.RoutePoint
		if wp.StopIndex >= 0 {
			p.stops = append(p.stops, pathStop{at: i * steps, stop: wp.StopIndex})
		}
	}
	p.Points = Smooth(raw, steps)
	for i, s := range r.Stops {
		if !s.Point().Valid() {
			continue
		}
		pt := [2]float64{s.Lat, s.Lng}
		p.index.Insert(pt, pt, i)
	}
	return p, dropped, nil
}

// NearStops returns indexes of stops strictly closer than threshold to pos,
// in route order.
func (p *Path) NearStops(pos fleet.RoutePoint, threshold float64) []int {
	var found []int
	lo := [2]float64{pos.Lat - threshold, pos.Lng - threshold}
	hi := [2]float64{pos.Lat + threshold, pos.Lng + threshold}
	p.index.Search(lo, hi, func(_, _ [2]float64, i int) bool {
		if planarDistance(pos, p.Route.Stops[i].Point()) < threshold {
			found = append(found, i)
		}
		return true
	})
	sort.Ints(found)
	return found
}

// NextStop returns the stop reached first when moving forward from index,
// and how many ticks away it is. ok is false when the path has no stops.
func (p *Path) NextStop(index int) (stop int, ticks int, ok bool) {
	n := len(p.Points)
	best := -1
	for _, ps := range p.stops {
		d := (ps.at - index + n) % n
		if d == 0 {
			d = n
		}
		if best < 0 || d < best {
			best, stop = d, ps.stop
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	return stop, best, true
}

// Nearest returns the index of the smoothed point closest to pos.
func (p *Path) Nearest(pos fleet.RoutePoint) int {
	best, bestD := 0, math.MaxFloat64
	for i, pt := range p.Points {
		if d := planarDistance(pos, pt); d < bestD {
			best, bestD = i, d
		}
	}
	return best
}

// planarDistance is Euclidean distance in degree space. Adequate at city
// scale; thresholds are tuned for it.
func planarDistance(a, b fleet.RoutePoint) float64 {
	return math.Hypot(b.Lat-a.Lat, b.Lng-a.Lng)
}

// headingDeg is atan2(dLng, dLat) in degrees, normalised to [0,360).
func headingDeg(from, to fleet.RoutePoint) float64 {
	h := math.Atan2(to.Lng-from.Lng, to.Lat-from.Lat) * 180 / math.Pi
	if h < 0 {
		h += 360
	}
	return h
}

// distanceMeters is the haversine distance, used for display speed only.
func distanceMeters(a, b fleet.RoutePoint) float64 {
	const R = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
