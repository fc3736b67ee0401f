package fleet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Dataset is an already-fetched, read-only set of routes and bus assignments.
type Dataset struct {
	Routes      []Route
	Assignments []Assignment
}

// The fleet API is loose about types: ids come as numbers or strings and
// coordinates can be numbers, numeric strings, null or absent.
type rawPoint struct {
	Lat json.RawMessage `json:"lat"`
	Lng json.RawMessage `json:"lng"`
}

type rawStop struct {
	ID   json.RawMessage `json:"id"`
	Name string          `json:"name"`
	Lat  json.RawMessage `json:"lat"`
	Lng  json.RawMessage `json:"lng"`
	Type string          `json:"type"`
}

type rawRoute struct {
	ID         json.RawMessage `json:"id"`
	Name       string          `json:"name"`
	Color      string          `json:"color"`
	StartPoint *rawPoint       `json:"start_point"`
	EndPoint   *rawPoint       `json:"end_point"`
	Stops      []rawStop       `json:"stops"`
}

type rawBus struct {
	ID        json.RawMessage `json:"id"`
	BusNumber string          `json:"bus_number"`
	RouteID   json.RawMessage `json:"route_id"`
	Status    string          `json:"status"`
	Lat       json.RawMessage `json:"lat"`
	Lng       json.RawMessage `json:"lng"`
}

type rawDataset struct {
	Routes []rawRoute `json:"routes"`
	Buses  []rawBus   `json:"buses"`
}

// LoadFile reads a JSON dataset from path.
func LoadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open routes file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a dataset of the form {"routes": [...], "buses": [...]}.
func Decode(r io.Reader) (*Dataset, error) {
	var raw rawDataset
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	ds := &Dataset{
		Routes:      make([]Route, 0, len(raw.Routes)),
		Assignments: make([]Assignment, 0, len(raw.Buses)),
	}
	for _, rr := range raw.Routes {
		rt := Route{
			ID:         flexID(rr.ID),
			Name:       rr.Name,
			Color:      rr.Color,
			StartPoint: rr.StartPoint.point(),
			EndPoint:   rr.EndPoint.point(),
			Stops:      make([]Stop, 0, len(rr.Stops)),
		}
		for _, rs := range rr.Stops {
			rt.Stops = append(rt.Stops, Stop{
				ID:   flexID(rs.ID),
				Name: rs.Name,
				Lat:  ParseCoord(rs.Lat),
				Lng:  ParseCoord(rs.Lng),
				Type: ParseStopType(rs.Type),
			})
		}
		ds.Routes = append(ds.Routes, rt)
	}
	for _, rb := range raw.Buses {
		a := Assignment{
			BusID:     flexID(rb.ID),
			BusNumber: rb.BusNumber,
			RouteID:   flexID(rb.RouteID),
			Status:    ParseMovementStatus(rb.Status),
		}
		if p := (RoutePoint{Lat: ParseCoord(rb.Lat), Lng: ParseCoord(rb.Lng)}); p.Valid() {
			a.LastKnown = &p
		}
		if a.BusNumber == "" {
			a.BusNumber = a.BusID
		}
		ds.Assignments = append(ds.Assignments, a)
	}
	return ds, nil
}

func (p *rawPoint) point() *RoutePoint {
	if p == nil {
		return nil
	}
	return &RoutePoint{Lat: ParseCoord(p.Lat), Lng: ParseCoord(p.Lng)}
}

// ParseCoord converts a JSON number or numeric string to a float. Anything
// else yields NaN so the point is filtered later.
func ParseCoord(raw json.RawMessage) float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return InvalidPoint().Lat
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return InvalidPoint().Lat
}

func flexID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// ParseStopType maps free-form stop types; unknown values are pickups.
func ParseStopType(s string) StopType {
	switch StopType(strings.ToLower(strings.TrimSpace(s))) {
	case StopGathering:
		return StopGathering
	case StopDropoff:
		return StopDropoff
	default:
		return StopPickup
	}
}

func ParseMovementStatus(s string) MovementStatus {
	if MovementStatus(strings.ToLower(strings.TrimSpace(s))) == MovementStopped {
		return MovementStopped
	}
	return MovementActive
}
