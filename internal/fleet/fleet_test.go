package fleet

import (
	"math"
	"strings"
	"testing"

	"github.com/OneBusAway/go-gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(p RoutePoint) *RoutePoint { return &p }

func TestWaypoints_Order(t *testing.T) {
	r := Route{
		StartPoint: ptr(RoutePoint{Lat: 1, Lng: 1}),
		Stops: []Stop{
			{ID: "a", Lat: 2, Lng: 2},
			{ID: "b", Lat: 3, Lng: 3},
		},
		EndPoint: ptr(RoutePoint{Lat: 4, Lng: 4}),
	}

	pts, dropped := r.Waypoints()
	require.Len(t, pts, 4)
	assert.Equal(t, 0, dropped)
	assert.Equal(t, RoutePoint{Lat: 1, Lng: 1}, pts[0].RoutePoint)
	assert.Equal(t, -1, pts[0].StopIndex)
	assert.Equal(t, 0, pts[1].StopIndex)
	assert.Equal(t, 1, pts[2].StopIndex)
	assert.Equal(t, -1, pts[3].StopIndex)
}

func TestWaypoints_NullStartPoint(t *testing.T) {
	// start_point null, one valid stop, valid end_point
	r := Route{
		StartPoint: nil,
		Stops:      []Stop{{ID: "s1", Lat: 0, Lng: 5}},
		EndPoint:   ptr(RoutePoint{Lat: 0, Lng: 10}),
	}

	pts, dropped := r.Waypoints()
	require.Len(t, pts, 2)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 0, pts[0].StopIndex)
}

func TestWaypoints_FiltersMalformed(t *testing.T) {
	r := Route{
		StartPoint: ptr(RoutePoint{Lat: math.NaN(), Lng: 1}),
		Stops: []Stop{
			{ID: "inf", Lat: math.Inf(1), Lng: 0},
			{ID: "ok", Lat: 1, Lng: 1},
		},
	}

	pts, dropped := r.Waypoints()
	assert.Len(t, pts, 1)
	assert.Equal(t, 3, dropped)
}

func TestDecode(t *testing.T) {
	doc := `{
	  "routes": [{
	    "id": 7, "name": "North Loop", "color": "#ff0000",
	    "start_point": null,
	    "stops": [
	      {"id": 1, "name": "Depot", "lat": "0.5", "lng": 10, "type": "Gathering"},
	      {"id": "2", "name": "Broken", "lat": "abc", "lng": 10},
	      {"id": 3, "name": "School", "lat": 1, "lng": 10, "type": "dropoff"}
	    ],
	    "end_point": {"lat": 2, "lng": 10}
	  }],
	  "buses": [
	    {"id": 11, "bus_number": "B-11", "route_id": 7, "status": "active", "lat": 0.5, "lng": 10},
	    {"id": "12", "route_id": "7", "status": "STOPPED"}
	  ]
	}`

	ds, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, ds.Routes, 1)

	rt := ds.Routes[0]
	assert.Equal(t, "7", rt.ID)
	assert.Nil(t, rt.StartPoint)
	require.Len(t, rt.Stops, 3)
	assert.Equal(t, 0.5, rt.Stops[0].Lat)
	assert.Equal(t, StopGathering, rt.Stops[0].Type)
	assert.True(t, math.IsNaN(rt.Stops[1].Lat))
	assert.Equal(t, StopPickup, rt.Stops[1].Type)
	assert.Equal(t, StopDropoff, rt.Stops[2].Type)

	pts, _ := rt.Waypoints()
	assert.Len(t, pts, 3)

	require.Len(t, ds.Assignments, 2)
	assert.Equal(t, "11", ds.Assignments[0].BusID)
	assert.Equal(t, "7", ds.Assignments[0].RouteID)
	require.NotNil(t, ds.Assignments[0].LastKnown)
	assert.Equal(t, 0.5, ds.Assignments[0].LastKnown.Lat)
	assert.Equal(t, MovementActive, ds.Assignments[0].Status)

	assert.Equal(t, "12", ds.Assignments[1].BusNumber)
	assert.Nil(t, ds.Assignments[1].LastKnown)
	assert.Equal(t, MovementStopped, ds.Assignments[1].Status)
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"routes": [`))
	assert.Error(t, err)
}

func TestParseCoord(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		want  float64
		isNaN bool
	}{
		{name: "number", raw: `12.5`, want: 12.5},
		{name: "numeric string", raw: `" -3.25 "`, want: -3.25},
		{name: "null", raw: `null`, isNaN: true},
		{name: "empty", raw: ``, isNaN: true},
		{name: "garbage string", raw: `"north"`, isNaN: true},
		{name: "bool", raw: `true`, isNaN: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCoord([]byte(tt.raw))
			if tt.isNaN {
				assert.True(t, math.IsNaN(got))
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDatasetFromGTFS(t *testing.T) {
	lat1, lon1 := 40.0, -83.0
	lat2, lon2 := 40.1, -83.1
	lat3, lon3 := 40.2, -83.2

	route := &gtfs.Route{Id: "R1", ShortName: "1", Color: "00FF00"}
	empty := &gtfs.Route{Id: "R2", LongName: "Ghost Line"}
	a := &gtfs.Stop{Id: "A", Name: "Alpha", Latitude: &lat1, Longitude: &lon1}
	b := &gtfs.Stop{Id: "B", Name: "Bravo", Latitude: &lat2, Longitude: &lon2}
	c := &gtfs.Stop{Id: "C", Name: "Charlie", Latitude: &lat3, Longitude: &lon3}
	noLoc := &gtfs.Stop{Id: "N", Name: "Node"}

	static := &gtfs.Static{
		Routes: []gtfs.Route{*route, *empty},
		Trips: []gtfs.ScheduledTrip{
			{ID: "short", Route: route, StopTimes: []gtfs.ScheduledStopTime{{Stop: a}, {Stop: c}}},
			{ID: "long", Route: route, StopTimes: []gtfs.ScheduledStopTime{{Stop: a}, {Stop: noLoc}, {Stop: b}, {Stop: c}}},
		},
	}

	ds := DatasetFromGTFS(static)
	require.Len(t, ds.Routes, 2)

	r1 := ds.Routes[0]
	assert.Equal(t, "R1", r1.ID)
	assert.Equal(t, "1", r1.Name)
	require.Len(t, r1.Stops, 4)
	assert.Equal(t, StopGathering, r1.Stops[0].Type)
	assert.Equal(t, StopPickup, r1.Stops[1].Type)
	assert.True(t, math.IsNaN(r1.Stops[1].Lat))
	assert.Equal(t, StopDropoff, r1.Stops[3].Type)

	assert.Equal(t, "Ghost Line", ds.Routes[1].Name)
	assert.Empty(t, ds.Routes[1].Stops)

	require.Len(t, ds.Assignments, 1)
	assert.Equal(t, "bus-R1", ds.Assignments[0].BusID)
	assert.Equal(t, "R1", ds.Assignments[0].RouteID)
}
