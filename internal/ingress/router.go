package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentctl/core/internal/taskerr"
)

// HealthReporter exposes the liveness signals the /health endpoint
// surfaces (§6): queue health, store reachability, and active worker count.
type HealthReporter interface {
	QueueHealthy() bool
	StoreHealthy() bool
	ActiveWorkers() int
}

// Router builds the C4 HTTP surface: one handler per provider plus
// /health. It applies no rate limiting itself; the caller wraps its
// handler in the rate-limit middleware.
type Router struct {
	ingress   *Ingress
	health    HealthReporter
	softLimit int
	hardLimit int
}

// NewRouter constructs a Router. softLimit/hardLimit feed Ingress.Receive's
// backpressure check (§4.3, QUEUE_SOFT_LIMIT / queue hard cap).
func NewRouter(ig *Ingress, health HealthReporter, softLimit, hardLimit int) *Router {
	return &Router{ingress: ig, health: health, softLimit: softLimit, hardLimit: hardLimit}
}

// Handler returns the mux.Router serving every endpoint in §6.
func (rt *Router) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/webhooks/github", rt.handleGitHub).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/jira", rt.handleJira).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/slack", rt.handleSlack).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/sentry", rt.handleSentry).Methods(http.MethodPost)
	r.HandleFunc("/health", rt.handleHealth).Methods(http.MethodGet)
	return r
}

func (rt *Router) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	sigHeader := r.Header.Get("X-Hub-Signature-256")
	secret := rt.ingress.resolveDefaultSecret("github")
	if sigHeader == "" || !VerifySignature(secret, []byte(sigHeader), body) {
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	rt.dispatch(w, r, "github", body)
}

func (rt *Router) handleJira(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if secret := rt.ingress.resolveDefaultSecret("jira"); secret != "" {
		sigHeader := r.Header.Get("X-Hub-Signature")
		if sigHeader == "" || !VerifySignature(secret, []byte(sigHeader), body) {
			http.Error(w, "signature mismatch", http.StatusUnauthorized)
			return
		}
	}

	rt.dispatch(w, r, "jira", body)
}

func (rt *Router) handleSlack(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	secret := rt.ingress.resolveDefaultSecret("slack")
	if secret != "" {
		ts := r.Header.Get("X-Slack-Request-Timestamp")
		sig := r.Header.Get("X-Slack-Signature")
		if ts == "" || sig == "" || !VerifySlackSignature(secret, ts, []byte(sig), body) {
			http.Error(w, "signature mismatch", http.StatusUnauthorized)
			return
		}
	}

	if challenge, ok := SlackChallenge(body); ok {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": challenge})
		return
	}

	// Slash commands arrive form-encoded, not as JSON; translate before
	// handing off to the shared JSON-based parser.
	if ct := r.Header.Get("Content-Type"); ct == "application/x-www-form-urlencoded" {
		body = slashCommandToEventJSON(body)
	}

	rt.dispatch(w, r, "slack", body)
}

func (rt *Router) handleSentry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	sigHeader := r.Header.Get("sentry-hook-signature")
	secret := rt.ingress.resolveDefaultSecret("sentry")
	if secret != "" {
		if sigHeader == "" || !VerifySignature(secret, []byte(sigHeader), body) {
			http.Error(w, "signature mismatch", http.StatusUnauthorized)
			return
		}
	}

	rt.dispatch(w, r, "sentry", body)
}

func (rt *Router) dispatch(w http.ResponseWriter, r *http.Request, provider string, body []byte) {
	results, err := rt.ingress.Receive(r.Context(), provider, body, rt.softLimit, rt.hardLimit)
	if err != nil {
		var te *taskerr.Error
		if errors.As(err, &te) && te.Kind == taskerr.KindUser {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("webhook ingress failed", "provider", provider, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	backpressured := false
	for _, res := range results {
		if res == ResultSkippedBackpressure {
			backpressured = true
		}
	}
	if backpressured {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"too busy"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	queueOK := rt.health == nil || rt.health.QueueHealthy()
	storeOK := rt.health == nil || rt.health.StoreHealthy()
	workers := 0
	if rt.health != nil {
		workers = rt.health.ActiveWorkers()
	}

	status := "ok"
	code := http.StatusOK
	if !queueOK || !storeOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         status,
		"queue_healthy":  queueOK,
		"store_healthy":  storeOK,
		"active_workers": workers,
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

func (ig *Ingress) resolveDefaultSecret(provider string) string {
	return ig.defaultSecrets[provider]
}

// slashCommandToEventJSON adapts Slack's form-encoded slash-command body
// into the {type: event_callback, event: {...}} shape parseSlack expects.
func slashCommandToEventJSON(form []byte) []byte {
	values, err := url.ParseQuery(string(form))
	if err != nil {
		return []byte(`{}`)
	}
	text := "/agent " + values.Get("text")
	out := map[string]interface{}{
		"type":    "event_callback",
		"team_id": values.Get("team_id"),
		"event": map[string]string{
			"type":    "message",
			"text":    text,
			"channel": values.Get("channel_id"),
			"user":    values.Get("user_id"),
			"ts":      strconv.FormatInt(time.Now().UnixNano(), 10),
		},
	}
	b, _ := json.Marshal(out)
	return b
}
