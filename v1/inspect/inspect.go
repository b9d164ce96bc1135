// Package inspect exposes read-only HTTP diagnostics for lock and throttle
// providers, plus live streams of lock release events.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
	"github.com/mirkobrombin/go-warden/v1/throttle"
)

// LockInfo describes one held lock.
type LockInfo struct {
	Resource string `json:"resource"`
	LockID   string `json:"lock_id,omitempty"`
	Locked   bool   `json:"locked"`
	// TTLMillis is -1 for a lease that never expires.
	TTLMillis int64 `json:"ttl_ms,omitempty"`
}

// LockList is the body of GET /locks.
type LockList struct {
	Count int64      `json:"count"`
	Locks []LockInfo `json:"locks"`
}

// ThrottleInfo is the body of GET /throttle/{resource}.
type ThrottleInfo struct {
	Resource     string `json:"resource"`
	Hits         int64  `json:"hits"`
	Max          int64  `json:"max"`
	PeriodMillis int64  `json:"period_ms"`
}

// Server serves the diagnostics endpoints.
type Server struct {
	locks    *lock.Provider
	throttle *throttle.Provider
	bus      syncbus.Bus
	topic    string
	logger   *slog.Logger
	mux      *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithThrottle enables GET /throttle/{resource}.
func WithThrottle(p *throttle.Provider) Option {
	return func(s *Server) {
		s.throttle = p
	}
}

// WithEvents enables the release event streams on topic of bus.
func WithEvents(bus syncbus.Bus, topic string) Option {
	return func(s *Server) {
		s.bus = bus
		if topic != "" {
			s.topic = topic
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Server reporting on locks.
func New(locks *lock.Provider, opts ...Option) *Server {
	s := &Server{
		locks:  locks,
		topic:  syncbus.DefaultTopic,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /locks", s.listLocks)
	s.mux.HandleFunc("GET /locks/{resource}", s.getLock)
	if s.throttle != nil {
		s.mux.HandleFunc("GET /throttle/{resource}", s.getThrottle)
	}
	if s.bus != nil {
		s.mux.HandleFunc("GET /events", s.streamSSE)
		s.mux.HandleFunc("GET /events/ws", s.streamWebSocket)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func ttlMillis(d time.Duration) int64 {
	if d == lock.Infinite {
		return -1
	}
	return d.Milliseconds()
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("warden: writing response", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, warperrors.ErrInvalidResource) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Warn("warden: inspect request failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	held, err := s.locks.Locks(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := LockList{Locks: make([]LockInfo, 0, len(held))}
	for resource, id := range held {
		out.Locks = append(out.Locks, LockInfo{Resource: resource, LockID: id, Locked: true})
	}
	sort.Slice(out.Locks, func(i, j int) bool { return out.Locks[i].Resource < out.Locks[j].Resource })
	out.Count = int64(len(out.Locks))
	s.writeJSON(w, out)
}

func (s *Server) getLock(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	ttl, ok, err := s.locks.TimeToLive(r.Context(), resource)
	if err != nil {
		s.fail(w, err)
		return
	}
	info := LockInfo{Resource: resource, Locked: ok}
	if ok {
		info.TTLMillis = ttlMillis(ttl)
	}
	s.writeJSON(w, info)
}

func (s *Server) getThrottle(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	n, err := s.throttle.GetHitCount(r.Context(), resource)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, ThrottleInfo{
		Resource:     resource,
		Hits:         n,
		Max:          s.throttle.MaxHitsPerPeriod(),
		PeriodMillis: s.throttle.Period().Milliseconds(),
	})
}

// subscribe attaches to the release topic until ctx ends. Events are
// filtered on the "resource" query parameter when present.
func (s *Server) subscribe(ctx context.Context, r *http.Request) (<-chan syncbus.Event, func(syncbus.Event) bool, func(), error) {
	ch, err := s.bus.Subscribe(ctx, s.topic)
	if err != nil {
		return nil, nil, nil, err
	}
	resource := r.URL.Query().Get("resource")
	match := func(evt syncbus.Event) bool {
		return resource == "" || evt.Resource == resource
	}
	done := func() {
		_ = s.bus.Unsubscribe(context.Background(), s.topic, ch)
	}
	return ch, match, done, nil
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch, match, done, err := s.subscribe(ctx, r)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer done()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !match(evt) {
				continue
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: released\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch, match, done, err := s.subscribe(ctx, r)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}
	defer done()

	// The read side only detects the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !match(evt) {
				continue
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
