package stream

import (
	"time"

	gtfsrt "github.com/OneBusAway/go-gtfs/proto"
	"google.golang.org/protobuf/proto"

	"fleet-simulator/internal/fleet"
)

// VehicleFeed renders positioned buses as a full-dataset GTFS-realtime
// vehicle positions feed.
func VehicleFeed(buses []fleet.SimulatedBus, now time.Time) *gtfsrt.FeedMessage {
	feed := &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfsrt.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}
	for _, b := range buses {
		if !b.HasPosition {
			continue
		}
		vp := &gtfsrt.VehiclePosition{
			Trip: &gtfsrt.TripDescriptor{RouteId: proto.String(b.RouteID)},
			Vehicle: &gtfsrt.VehicleDescriptor{
				Id:    proto.String(b.BusID),
				Label: proto.String(b.BusNumber),
			},
			Position: &gtfsrt.Position{
				Latitude:  proto.Float32(float32(b.CurrentLat)),
				Longitude: proto.Float32(float32(b.CurrentLng)),
				Bearing:   proto.Float32(float32(b.HeadingDegrees)),
				Speed:     proto.Float32(float32(b.SpeedKmh / 3.6)),
			},
			Timestamp: proto.Uint64(uint64(b.LastUpdate.Unix())),
		}
		switch {
		case b.MovementStatus == fleet.MovementStopped:
			vp.CurrentStatus = gtfsrt.VehiclePosition_STOPPED_AT.Enum()
		case b.NextStopID != "":
			vp.CurrentStatus = gtfsrt.VehiclePosition_IN_TRANSIT_TO.Enum()
		}
		if b.NextStopID != "" {
			vp.StopId = proto.String(b.NextStopID)
		}
		feed.Entity = append(feed.Entity, &gtfsrt.FeedEntity{
			Id:      proto.String(b.BusID),
			Vehicle: vp,
		})
	}
	return feed
}
