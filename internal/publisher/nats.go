package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"fleet-simulator/internal/fleet"
)

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	nc          conn
	close       func()
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleet-simulator"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newPublisher(nc, prefix, logSubjects, m)
	p.close = func() {
		_ = nc.Drain()
		nc.Close()
	}
	return p, nil
}

func newPublisher(c conn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "fleet"
	}
	return &NATSPublisher{nc: c, prefix: prefix, logSubjects: logSubjects, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}

type PositionMessage struct {
	BusID      string    `json:"busId"`
	BusNumber  string    `json:"busNumber"`
	RouteID    string    `json:"routeId"`
	Timestamp  time.Time `json:"timestamp"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Heading    float64   `json:"heading"`
	SpeedKmh   float64   `json:"speedKmh"`
	PathIndex  int       `json:"pathIndex"`
	Status     string    `json:"status"`
	NextStopID string    `json:"nextStopId,omitempty"`
	ETASeconds float64   `json:"etaSeconds,omitempty"`
}

type ArrivalMessage struct {
	ID        string    `json:"id"`
	BusID     string    `json:"busId"`
	BusNumber string    `json:"busNumber"`
	RouteID   string    `json:"routeId"`
	StopID    string    `json:"stopId"`
	StopIndex int       `json:"stopIndex"`
	StopName  string    `json:"stopName"`
	StopType  string    `json:"stopType"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishPositions sends one message per positioned bus on
// <prefix>.positions.<route>.<bus>. It returns the first error seen but
// keeps publishing the rest.
func (p *NATSPublisher) PublishPositions(buses []fleet.SimulatedBus) error {
	var first error
	for _, b := range buses {
		if !b.HasPosition {
			continue
		}
		msg := PositionMessage{
			BusID:      b.BusID,
			BusNumber:  b.BusNumber,
			RouteID:    b.RouteID,
			Timestamp:  b.LastUpdate,
			Lat:        b.CurrentLat,
			Lng:        b.CurrentLng,
			Heading:    b.HeadingDegrees,
			SpeedKmh:   b.SpeedKmh,
			PathIndex:  b.PathIndex,
			Status:     string(b.MovementStatus),
			NextStopID: b.NextStopID,
			ETASeconds: b.ETA.Seconds(),
		}
		if err := p.publish(p.subject("positions", b.RouteID, b.BusID), msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PublishArrival sends n on <prefix>.arrivals.<route>.<bus>.
func (p *NATSPublisher) PublishArrival(n fleet.ArrivalNotification) error {
	return p.publish(p.subject("arrivals", n.RouteID, n.BusID), ArrivalMessage{
		ID:        n.ID,
		BusID:     n.BusID,
		BusNumber: n.BusNumber,
		RouteID:   n.RouteID,
		StopID:    n.StopID,
		StopIndex: n.StopIndex,
		StopName:  n.StopName,
		StopType:  string(n.StopType),
		Timestamp: n.FiredAt,
	})
}

func (p *NATSPublisher) subject(kind, routeID, busID string) string {
	return fmt.Sprintf("%s.%s.%s.%s", p.prefix, kind, subjectToken(routeID), subjectToken(busID))
}

func (p *NATSPublisher) publish(subject string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Debugf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
