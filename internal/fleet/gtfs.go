package fleet

import (
	"fmt"
	"os"
	"sort"

	"github.com/OneBusAway/go-gtfs"
)

// LoadGTFS parses a GTFS static zip and derives a dataset from it.
func LoadGTFS(path string) (*Dataset, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading GTFS data: %w", err)
	}
	static, err := gtfs.ParseStatic(b, gtfs.ParseStaticOptions{})
	if err != nil {
		return nil, fmt.Errorf("error parsing GTFS data: %w", err)
	}
	return DatasetFromGTFS(static), nil
}

// DatasetFromGTFS builds one Route per GTFS route from its longest trip and
// assigns one synthetic bus to every route that has stops. The first stop is
// the gathering point, the last the drop-off, everything between a pickup.
func DatasetFromGTFS(static *gtfs.Static) *Dataset {
	longest := make(map[string]*gtfs.ScheduledTrip)
	for i := range static.Trips {
		t := &static.Trips[i]
		if t.Route == nil {
			continue
		}
		cur, ok := longest[t.Route.Id]
		if !ok || len(t.StopTimes) > len(cur.StopTimes) ||
			(len(t.StopTimes) == len(cur.StopTimes) && t.ID < cur.ID) {
			longest[t.Route.Id] = t
		}
	}

	ds := &Dataset{}
	for _, r := range static.Routes {
		name := r.ShortName
		if name == "" {
			name = r.LongName
		}
		rt := Route{ID: r.Id, Name: name, Color: r.Color}
		if t, ok := longest[r.Id]; ok {
			n := len(t.StopTimes)
			for i, st := range t.StopTimes {
				if st.Stop == nil {
					continue
				}
				s := Stop{
					ID:   st.Stop.Id,
					Name: st.Stop.Name,
					Lat:  derefCoord(st.Stop.Latitude),
					Lng:  derefCoord(st.Stop.Longitude),
					Type: StopPickup,
				}
				switch i {
				case 0:
					s.Type = StopGathering
				case n - 1:
					s.Type = StopDropoff
				}
				rt.Stops = append(rt.Stops, s)
			}
		}
		ds.Routes = append(ds.Routes, rt)
		if len(rt.Stops) > 0 {
			ds.Assignments = append(ds.Assignments, Assignment{
				BusID:     "bus-" + r.Id,
				BusNumber: name,
				RouteID:   r.Id,
				Status:    MovementActive,
			})
		}
	}
	sort.Slice(ds.Routes, func(i, j int) bool { return ds.Routes[i].ID < ds.Routes[j].ID })
	sort.Slice(ds.Assignments, func(i, j int) bool { return ds.Assignments[i].BusID < ds.Assignments[j].BusID })
	return ds
}

func derefCoord(p *float64) float64 {
	if p == nil {
		return InvalidPoint().Lat
	}
	return *p
}
