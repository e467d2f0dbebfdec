// Package gateway is the HTTP surface of the stage service. It accepts
// signals and player input, exposes coordinator state, answers asset
// resolution requests, and streams every bus event to presentation clients
// over a websocket.
//
// Endpoints:
//
//	POST /v1/signals               publish stage:signal (object or array)
//	POST /v1/signals/inject        publish signal:inject (object or array)
//	POST /v1/episode/choice        publish episode:submitChoice
//	POST /v1/episode/force-resolve resolve the active episode by autopilot
//	POST /v1/episode/cancel        drop the active episode
//	POST /v1/autobattler/resolve   publish autobattler:resolve
//	GET  /v1/status                queue and episode snapshot
//	GET  /v1/history               completed episodes held in memory
//	GET  /v1/journal               journaled episodes, newest first
//	POST /v1/assets/resolve        resolve a routing recipe
//	GET  /v1/events                websocket stream of {name, data}
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/stagecraft/internal/asset"
	"github.com/MrWong99/stagecraft/internal/asset/manifest"
	"github.com/MrWong99/stagecraft/internal/episode"
	"github.com/MrWong99/stagecraft/internal/events"
	"github.com/MrWong99/stagecraft/internal/health"
	"github.com/MrWong99/stagecraft/internal/journal"
	"github.com/MrWong99/stagecraft/internal/observe"
	"github.com/MrWong99/stagecraft/internal/signalq"
	"github.com/MrWong99/stagecraft/pkg/types"
)

const (
	maxBodyBytes        = 1 << 20
	defaultJournalLimit = 20
	streamBuffer        = 64
	streamWriteTimeout  = 5 * time.Second
	defaultCancelReason = "cancelled via api"
)

// Coordinator is the subset of [episode.Coordinator] served over HTTP.
type Coordinator interface {
	ForceResolve() error
	Cancel(reason string) error
	Active() *types.Episode
	ActiveIncident() *types.Incident
	History() []episode.Record
}

// Queue reports intake state. It is satisfied by [signalq.Queue].
type Queue interface {
	Status() signalq.Status
}

// Resolver is satisfied by [asset.Resolver].
type Resolver interface {
	Resolve(ctx context.Context, rc types.Recipe) asset.Result
	ResolveLayers(ctx context.Context, rc types.Recipe) map[manifest.Layer]asset.Result
}

var (
	_ Coordinator = (*episode.Coordinator)(nil)
	_ Queue       = (*signalq.Queue)(nil)
	_ Resolver    = (*asset.Resolver)(nil)
)

// Config holds the collaborators of a [Server]. Bus, Coordinator, Queue and
// Resolver are required.
type Config struct {
	Bus         *events.Bus
	Coordinator Coordinator
	Queue       Queue
	Resolver    Resolver

	// Journal serves /v1/journal. Nil disables the route.
	Journal journal.Store

	// Health registers /healthz and /readyz when set.
	Health *health.Handler

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// Observe records HTTP metrics. Default: [observe.DefaultMetrics].
	Observe *observe.Metrics

	// OriginPatterns are the cross-origin hosts allowed to open the event
	// stream. Same-origin requests are always accepted.
	OriginPatterns []string
}

// Server routes HTTP requests. Create one with [New].
type Server struct {
	cfg     Config
	handler http.Handler
	clients atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Observe == nil {
		cfg.Observe = observe.DefaultMetrics()
	}
	s := &Server{cfg: cfg, done: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/signals", s.handleSignals(func(raw map[string]any) events.Event {
		return events.StageSignal{Raw: raw}
	}))
	mux.HandleFunc("POST /v1/signals/inject", s.handleSignals(func(raw map[string]any) events.Event {
		return events.SignalInject{Raw: raw}
	}))
	mux.HandleFunc("POST /v1/episode/choice", s.handleChoice)
	mux.HandleFunc("POST /v1/episode/force-resolve", s.handleForceResolve)
	mux.HandleFunc("POST /v1/episode/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/autobattler/resolve", s.handleAutobattlerResolve)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /v1/journal", s.handleJournal)
	mux.HandleFunc("POST /v1/assets/resolve", s.handleResolve)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	s.handler = observe.Middleware(cfg.Observe)(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Clients returns the number of connected event stream clients.
func (s *Server) Clients() int {
	return int(s.clients.Load())
}

// Close ends every event stream. [http.Server.Shutdown] does not close
// hijacked connections, so call Close before shutting the server down.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ── Intake ───────────────────────────────────────────────────────────────────

type acceptedResponse struct {
	Accepted int `json:"accepted"`
}

func (s *Server) handleSignals(wrap func(map[string]any) events.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raws, err := decodeSignals(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		now := time.Now()
		for i, raw := range raws {
			if _, err := signalq.Normalize(raw, now); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("signal %d: %w", i, err))
				return
			}
		}
		for _, raw := range raws {
			s.cfg.Bus.Publish(wrap(raw))
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: len(raws)})
	}
}

// decodeSignals accepts a single JSON object or an array of objects.
func decodeSignals(r *http.Request) ([]map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, errors.New("empty body")
	}
	if trimmed[0] == '[' {
		var raws []map[string]any
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("decode signals: %w", err)
		}
		if len(raws) == 0 {
			return nil, errors.New("empty signal batch")
		}
		return raws, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	return []map[string]any{raw}, nil
}

// ── Episode control ──────────────────────────────────────────────────────────

func (s *Server) handleChoice(w http.ResponseWriter, r *http.Request) {
	var req events.SubmitChoice
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.ChoiceID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("choiceId is required"))
		return
	}
	if s.cfg.Coordinator.Active() == nil {
		writeError(w, http.StatusNotFound, episode.ErrNoEpisode)
		return
	}
	s.cfg.Bus.Publish(req)
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleForceResolve(w http.ResponseWriter, _ *http.Request) {
	if err := s.cfg.Coordinator.ForceResolve(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Coordinator.Active())
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = defaultCancelReason
	}
	if err := s.cfg.Coordinator.Cancel(req.Reason); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAutobattlerResolve(w http.ResponseWriter, r *http.Request) {
	var req events.AutobattlerResolve
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.cfg.Coordinator.Active() == nil {
		writeError(w, http.StatusNotFound, episode.ErrNoEpisode)
		return
	}
	s.cfg.Bus.Publish(req)
	writeJSON(w, http.StatusAccepted, req)
}

// ── Read models ──────────────────────────────────────────────────────────────

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Queue    signalq.Status  `json:"queue"`
	Episode  *types.Episode  `json:"episode,omitempty"`
	Incident *types.Incident `json:"incident,omitempty"`
	Clients  int             `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Queue:    s.cfg.Queue.Status(),
		Episode:  s.cfg.Coordinator.Active(),
		Incident: s.cfg.Coordinator.ActiveIncident(),
		Clients:  s.Clients(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Coordinator.History())
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		writeError(w, http.StatusNotFound, errors.New("journal disabled"))
		return
	}
	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	recs, err := s.cfg.Journal.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("journal read failed", "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("journal unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var rc types.Recipe
	if err := decodeJSON(r, &rc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(rc.BeatType) == "" {
		writeError(w, http.StatusBadRequest, errors.New("beatType is required"))
		return
	}
	if r.URL.Query().Get("layers") == "true" {
		writeJSON(w, http.StatusOK, s.cfg.Resolver.ResolveLayers(r.Context(), rc))
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Resolver.Resolve(r.Context(), rc))
}

// ── Event stream ─────────────────────────────────────────────────────────────

// handleEvents streams bus events as JSON envelopes. The optional "names"
// query parameter is a comma-separated allow list of event names. A client
// that falls behind by more than the stream buffer is disconnected.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		slog.Debug("event stream: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	var allow map[string]bool
	if names := r.URL.Query().Get("names"); names != "" {
		allow = make(map[string]bool)
		for _, n := range strings.Split(names, ",") {
			if n = strings.TrimSpace(n); n != "" {
				allow[n] = true
			}
		}
	}

	frames := make(chan []byte, streamBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	sub := s.cfg.Bus.Subscribe(func(ev events.Event) {
		if allow != nil && !allow[ev.Name()] {
			return
		}
		data, err := events.Marshal(ev)
		if err != nil {
			slog.Warn("event stream: marshal failed", "event", ev.Name(), "err", err)
			return
		}
		select {
		case frames <- data:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer sub.Close()

	s.clients.Add(1)
	defer s.clients.Add(-1)
	slog.Debug("event stream: client connected", "remote", r.RemoteAddr)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case data := <-frames:
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("event stream: write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		case <-overflow:
			slog.Warn("event stream: client too slow, disconnecting", "remote", r.RemoteAddr)
			conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return
		case <-s.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ctx.Done():
			return
		}
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// statusFor maps coordinator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, episode.ErrNoEpisode):
		return http.StatusNotFound
	case errors.Is(err, episode.ErrWrongPhase), errors.Is(err, episode.ErrWrongMode), errors.Is(err, episode.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, episode.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("gateway: encode response", "err", err)
	}
}
