// Package stream is the HTTP face of the simulator: JSON snapshots, a
// server-sent event stream, route polylines, a GTFS-realtime vehicle feed and
// a debug dump.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	log "github.com/sirupsen/logrus"
	"github.com/twpayne/go-polyline"
	"google.golang.org/protobuf/proto"

	"fleet-simulator/internal/clock"
	"fleet-simulator/internal/fleet"
)

const (
	defaultArrivalsLimit = 50
	maxArrivalsLimit     = 500
	keepAliveInterval    = 15 * time.Second
)

// FleetView is the read side of the simulator.
type FleetView interface {
	Running() bool
	Snapshot() []fleet.SimulatedBus
	Bus(id string) (fleet.SimulatedBus, bool)
	Routes() []fleet.Route
	Paths() map[string][]fleet.RoutePoint
}

// ArrivalLister reads persisted arrivals.
type ArrivalLister interface {
	Recent(ctx context.Context, limit int) ([]fleet.ArrivalNotification, error)
	ForBus(ctx context.Context, busID string, limit int) ([]fleet.ArrivalNotification, error)
}

type Server struct {
	view      FleetView
	hub       *Hub
	arrivals  ArrivalLister
	clock     clock.Clock
	rateLimit float64
	keepAlive time.Duration
}

type Option func(*Server)

// WithArrivalStore serves /api/arrivals from a store instead of the hub's
// in-memory buffer.
func WithArrivalStore(a ArrivalLister) Option { return func(s *Server) { s.arrivals = a } }

func WithClock(c clock.Clock) Option { return func(s *Server) { s.clock = c } }

// WithRateLimit sets requests per second per client on /api. Zero disables.
func WithRateLimit(perSecond float64) Option { return func(s *Server) { s.rateLimit = perSecond } }

func NewServer(view FleetView, hub *Hub, opts ...Option) *Server {
	s := &Server{view: view, hub: hub, clock: clock.RealClock{}, keepAlive: keepAliveInterval}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	if s.rateLimit > 0 {
		api.Use(newRateLimiter(s.rateLimit, s.clock).middleware)
	}
	api.Handle("/buses", gzhttp.GzipHandler(http.HandlerFunc(s.handleBuses))).Methods("GET")
	api.Handle("/buses/{id}", gzhttp.GzipHandler(http.HandlerFunc(s.handleBus))).Methods("GET")
	api.Handle("/buses/{id}/arrivals", gzhttp.GzipHandler(http.HandlerFunc(s.handleBusArrivals))).Methods("GET")
	api.Handle("/routes", gzhttp.GzipHandler(http.HandlerFunc(s.handleRoutes))).Methods("GET")
	api.Handle("/arrivals", gzhttp.GzipHandler(http.HandlerFunc(s.handleArrivals))).Methods("GET")
	// not compressed: gzip buffering breaks event delivery
	api.HandleFunc("/stream", s.handleStream).Methods("GET")

	r.Handle("/gtfs-rt/vehicle-positions.pb", gzhttp.GzipHandler(http.HandlerFunc(s.handleVehicleFeed))).Methods("GET")
	r.HandleFunc("/debug/state", s.handleDebug).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	return corsMiddleware(r)
}

// Serve starts the HTTP server on addr in the background.
func (s *Server) Serve(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server error")
		}
	}()
	log.Printf("http listening on %s", addr)
	return srv
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.view.Snapshot())
}

func (s *Server) handleBus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, ok := s.view.Bus(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("bus %q not tracked", id))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type routeView struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Color    string       `json:"color,omitempty"`
	Stops    []fleet.Stop `json:"stops"`
	Polyline string       `json:"polyline,omitempty"`
	Points   int          `json:"points"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	paths := s.view.Paths()
	routes := s.view.Routes()
	out := make([]routeView, 0, len(routes))
	for _, rt := range routes {
		v := routeView{ID: rt.ID, Name: rt.Name, Color: rt.Color, Stops: validStops(rt.Stops)}
		if pts, ok := paths[rt.ID]; ok {
			v.Polyline = encodePolyline(pts)
			v.Points = len(pts)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// validStops drops stops without usable coordinates; NaN cannot be encoded
// as JSON.
func validStops(stops []fleet.Stop) []fleet.Stop {
	out := make([]fleet.Stop, 0, len(stops))
	for _, st := range stops {
		if st.Point().Valid() {
			out = append(out, st)
		}
	}
	return out
}

func encodePolyline(pts []fleet.RoutePoint) string {
	coords := make([][]float64, len(pts))
	for i, p := range pts {
		coords[i] = []float64{p.Lat, p.Lng}
	}
	return string(polyline.EncodeCoords(coords))
}

func (s *Server) handleArrivals(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.arrivals == nil {
		writeJSON(w, http.StatusOK, s.hub.Recent(limit))
		return
	}
	out, err := s.arrivals.Recent(r.Context(), limit)
	if err != nil {
		log.WithError(err).Error("list arrivals")
		writeError(w, http.StatusInternalServerError, "could not list arrivals")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBusArrivals(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := mux.Vars(r)["id"]
	var out []fleet.ArrivalNotification
	if s.arrivals == nil {
		out = []fleet.ArrivalNotification{}
		for _, n := range s.hub.Recent(recentArrivals) {
			if n.BusID == id && len(out) < limit {
				out = append(out, n)
			}
		}
	} else if out, err = s.arrivals.ForBus(r.Context(), id, limit); err != nil {
		log.WithError(err).WithField("bus_id", id).Error("list bus arrivals")
		writeError(w, http.StatusInternalServerError, "could not list arrivals")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultArrivalsLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit: %q", v)
	}
	return min(n, maxArrivalsLimit), nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, events, cancel := s.hub.Subscribe()
	defer cancel()
	logger := log.WithField("subscriber", id)
	logger.Debug("stream client connected")
	defer logger.Debug("stream client disconnected")

	// current state first so the client does not wait a tick
	if data, err := json.Marshal(s.view.Snapshot()); err == nil {
		writeEvent(w, Event{Name: "positions", Data: data})
		flusher.Flush()
	}

	ping := time.NewTicker(s.keepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
}

func (s *Server) handleVehicleFeed(w http.ResponseWriter, r *http.Request) {
	feed := VehicleFeed(s.view.Snapshot(), s.clock.Now())
	data, err := proto.Marshal(feed)
	if err != nil {
		log.WithError(err).Error("marshal vehicle feed")
		http.Error(w, "could not encode feed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(data)
}

type debugState struct {
	Running bool
	Routes  []fleet.Route
	Buses   []fleet.SimulatedBus
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	spew.Fdump(w, debugState{
		Running: s.view.Running(),
		Routes:  s.view.Routes(),
		Buses:   s.view.Snapshot(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.view.Running(),
		"buses":   len(s.view.Snapshot()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("write json response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
