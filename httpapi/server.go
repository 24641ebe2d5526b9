// Package httpapi is the minimal demonstration surface (§6.1): enqueue a
// task, inspect one, pull the derived overview, stream it over a
// websocket, and capture an incident report — adapted from the teacher's
// api.go / api_stream.go / api_incidents.go.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/present-run/agentqueue/audit"
	"github.com/present-run/agentqueue/envelope"
	"github.com/present-run/agentqueue/errs"
	"github.com/present-run/agentqueue/idempotency"
	"github.com/present-run/agentqueue/queue"
	"github.com/present-run/agentqueue/taskstore"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server wires the queue, overview service, and dashboard hub behind a
// plain net/http mux, the same no-framework idiom the teacher's control
// plane uses.
type Server struct {
	q     *queue.Queue
	store taskstore.Store
	svc   *audit.Service
	hub   *audit.Hub
	idem  *idempotency.Store
	log   zerolog.Logger

	authToken string
}

func NewServer(q *queue.Queue, store taskstore.Store, svc *audit.Service, hub *audit.Hub, authToken string, log zerolog.Logger) *Server {
	return &Server{
		q:         q,
		store:     store,
		svc:       svc,
		hub:       hub,
		idem:      idempotency.NewStore(nil, log),
		authToken: authToken,
		log:       log.With().Str("component", "httpapi").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/tasks", s.withIdempotency(s.handleTasks))
	mux.HandleFunc("/tasks/", s.handleGetTask)
	mux.HandleFunc("/overview", s.handleOverview)
	mux.HandleFunc("/overview/stream", s.handleOverviewStream)
	mux.HandleFunc("/incidents/", s.handleIncident)

	auth := authMiddleware(s.authToken)
	protected := http.NewServeMux()
	protected.Handle("/", auth(mux))
	return corsMiddleware(protected)
}

// responseRecorder buffers a handler's response so it can be replayed
// verbatim on a retried idempotent request, grounded on the teacher's
// api.go responseRecorder.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency caches the response under a caller-supplied idempotency
// key and replays it on a repeat request instead of re-running next, so a
// client retry after a dropped connection never double-enqueues. The key
// prefers the X-Idempotency-Key header, falling back to the request body's
// envelope.IdempotencyKey field (grounded on the teacher's intent_handler.go
// "prefer header, fall back to request field" precedence) so the same
// correlation id a caller threads through the envelope also gates the HTTP
// replay cache, rather than requiring a second, unrelated key.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next(w, r)
			return
		}

		key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		if key == "" {
			var probe struct {
				IdempotencyKey string `json:"idempotency_key"`
			}
			json.Unmarshal(bodyBytes, &probe)
			key = strings.TrimSpace(probe.IdempotencyKey)
		}
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := s.idem.Get(r.Context(), key); found {
			for k, vs := range resp.Headers {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		if rec.statusCode < 500 {
			s.idem.Set(r.Context(), key, idempotency.Response{
				StatusCode: rec.statusCode,
				Body:       rec.body,
				Headers:    w.Header(),
			})
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type enqueueRequest struct {
	Room           string          `json:"room"`
	Task           string          `json:"task"`
	Params         json.RawMessage `json:"params"`
	RequestID      string          `json:"request_id"`
	DedupeKey      string          `json:"dedupe_key"`
	ResourceKeys   []string        `json:"resource_keys"`
	Priority       int             `json:"priority"`
	ComponentID    string          `json:"component_id"`
	ComponentType  string          `json:"component_type"`
	RequireTraceID bool            `json:"require_trace_id"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	env := envelope.New(req.RequestID)
	env.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	task, err := s.q.Enqueue(r.Context(), queue.EnqueueParams{
		Room:           req.Room,
		Task:           req.Task,
		Params:         req.Params,
		Envelope:       env,
		DedupeKey:      req.DedupeKey,
		ResourceKeys:   req.ResourceKeys,
		Priority:       req.Priority,
		ComponentID:    req.ComponentID,
		ComponentType:  req.ComponentType,
		RequireTraceID: req.RequireTraceID,
	})
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"task": task})
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrEnvelopeInvalid), errors.Is(err, errs.ErrTraceIDRequired), errors.Is(err, errs.ErrTraceIDColumnRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Warn().Err(err).Msg("enqueue failed")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", id).Msg("get task failed")
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if task == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.svc.GetOverview(r.Context(), time.Hour, time.Hour)
	if err != nil {
		s.log.Warn().Err(err).Msg("overview failed")
		http.Error(w, "overview failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleOverviewStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info().Err(err).Msg("dashboard stream upgrade failed")
		return
	}
	if !s.hub.Register(conn) {
		conn.Close()
		return
	}
	defer s.hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/incidents/")
	if taskID == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	report, err := audit.CaptureIncident(r.Context(), s.store, taskID)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("incident capture failed")
		http.Error(w, "capture failed", http.StatusInternalServerError)
		return
	}
	if report == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
