package stream

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"fleet-simulator/internal/fleet"
	"fleet-simulator/internal/metrics"
)

const (
	subscriberBuffer = 16
	recentArrivals   = 100
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data []byte
}

// Hub fans simulator output out to SSE subscribers. It is a position sink,
// an arrival sink and a resetter for the simulator.
type Hub struct {
	metrics *metrics.Collector

	mu       sync.Mutex
	subs     map[string]chan Event
	arrivals []fleet.ArrivalNotification // newest last
}

func NewHub(m *metrics.Collector) *Hub {
	return &Hub{metrics: m, subs: make(map[string]chan Event)}
}

// Subscribe registers a subscriber. The returned cancel func must be called
// once the subscriber goes away; it closes the channel.
func (h *Hub) Subscribe() (string, <-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[id] = ch
	n := len(h.subs)
	h.mu.Unlock()
	h.setClients(n)

	var once sync.Once
	return id, ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			n := len(h.subs)
			h.mu.Unlock()
			close(ch)
			h.setClients(n)
		})
	}
}

func (h *Hub) PublishPositions(buses []fleet.SimulatedBus) error {
	data, err := json.Marshal(buses)
	if err != nil {
		return err
	}
	h.broadcast(Event{Name: "positions", Data: data})
	return nil
}

func (h *Hub) PublishArrival(n fleet.ArrivalNotification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.arrivals = append(h.arrivals, n)
	if len(h.arrivals) > recentArrivals {
		h.arrivals = h.arrivals[len(h.arrivals)-recentArrivals:]
	}
	h.mu.Unlock()
	h.broadcast(Event{Name: "arrival", Data: data})
	return nil
}

// Reset drops buffered arrivals and tells subscribers to clear their view.
func (h *Hub) Reset() {
	h.mu.Lock()
	h.arrivals = nil
	h.mu.Unlock()
	h.broadcast(Event{Name: "reset", Data: []byte("{}")})
}

// Recent returns up to limit buffered arrivals, newest first.
func (h *Hub) Recent(limit int) []fleet.ArrivalNotification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]fleet.ArrivalNotification, 0, min(limit, len(h.arrivals)))
	for i := len(h.arrivals) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.arrivals[i])
	}
	return out
}

// broadcast never blocks: a subscriber whose buffer is full misses the event.
func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			log.WithFields(log.Fields{"subscriber": id, "event": ev.Name}).Debug("slow stream subscriber, event dropped")
		}
	}
}

func (h *Hub) setClients(n int) {
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
}
