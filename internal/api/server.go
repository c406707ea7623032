// Package api exposes the control plane's operator-facing REST surface:
// task status/listing/cancellation, webhook subscription management, and
// the per-task log/event WebSocket stream route, grounded on the same
// gorilla/mux + CORS-middleware shape used for the dashboard gateway
// elsewhere in this lineage.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/google/uuid"

	"github.com/agentctl/core/internal/scheduler"
	"github.com/agentctl/core/internal/store"
	"github.com/agentctl/core/internal/webhooks"
	"github.com/agentctl/core/internal/wsstream"
)

// Server exposes task status, cancellation, and webhook subscription
// management for operator dashboards and chatops integrations.
type Server struct {
	store     store.Store
	scheduler *scheduler.Pool
	hooks     *webhooks.Registry
	emitter   webhooks.WebhookEmitter
	hub       *wsstream.Hub
}

// New constructs a Server. hub may be nil to disable the WebSocket route;
// emitter may be nil to skip outbound notification on cancellation.
func New(st store.Store, sched *scheduler.Pool, hooks *webhooks.Registry, emitter webhooks.WebhookEmitter, hub *wsstream.Hub) *Server {
	return &Server{store: st, scheduler: sched, hooks: hooks, emitter: emitter, hub: hub}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods(http.MethodPost)

	r.HandleFunc("/webhooks/subscriptions", s.handleListSubscriptions).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/subscriptions", s.handleCreateSubscription).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/subscriptions/{id}", s.handleDeleteSubscription).Methods(http.MethodDelete)

	if s.hub != nil {
		r.HandleFunc("/tasks/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
			s.hub.HandleWebSocket(w, r, mux.Vars(r)["id"])
		})
	}

	return r
}

// Start runs the server on port, blocking until it exits or errors.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	slog.Info("api server listening", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{OrgID: q.Get("org_id")}
	if statusParam := q.Get("status"); statusParam != "" {
		filter.Statuses = []store.Status{store.Status(statusParam)}
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	} else {
		filter.Limit = 50
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}

	tasks, total, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"total": total,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if task.Status.IsTerminal() {
		writeError(w, http.StatusConflict, fmt.Errorf("task %s is already in a terminal state: %s", id, task.Status))
		return
	}

	if !s.scheduler.Cancel(id) {
		// Not currently leased by this pool instance; still mark it
		// cancelled so a worker that later leases it sees the terminal
		// state and, for a queued task, so it never gets leased at all.
		slog.Info("cancel requested for task not held by this pool", "task_id", id)
	}
	if err := s.store.SetStatus(r.Context(), id, store.StatusCancelled, "cancelled by operator"); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if s.emitter != nil {
		s.emitter.Emit(webhooks.EventTaskCancelled, task.OrgID, map[string]interface{}{"task_id": id})
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hooks.ListAll())
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string              `json:"url"`
		Events []webhooks.EventType `json:"events"`
		Secret string              `json:"secret"`
		OrgID  string              `json:"org_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sub := &webhooks.WebhookSubscription{
		ID:        uuid.NewString(),
		URL:       req.URL,
		Events:    req.Events,
		Secret:    req.Secret,
		OrgID:     req.OrgID,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := s.hooks.Register(sub); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.hooks.Unregister(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
