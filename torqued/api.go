package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/torqueio/torque/torqued/config"
	"github.com/torqueio/torque/torqued/dispatch"
	"github.com/torqueio/torque/torqued/idempotency"
	"github.com/torqueio/torque/torqued/middleware"
	"github.com/torqueio/torque/torqued/observability"
	"github.com/torqueio/torque/torqued/store"
	"github.com/torqueio/torque/torqued/worker"
)

// maxBodyBytes caps an enqueued payload. Payloads are stored verbatim;
// anything larger belongs in object storage with a URL in the body.
const maxBodyBytes = 1 << 20

// API holds the ingress surface.
type API struct {
	store       store.Store
	dispatcher  *dispatch.Dispatcher
	idempotency idempotency.Store
	statsHub    *statsHub

	// Storm protection on enqueue.
	enqueueLimiter *rate.Limiter
}

// NewAPI wires the ingress surface.
func NewAPI(s store.Store, d *dispatch.Dispatcher, idem idempotency.Store, cfg config.Config) *API {
	api := &API{
		store:          s,
		dispatcher:     d,
		idempotency:    idem,
		enqueueLimiter: rate.NewLimiter(rate.Limit(cfg.EnqueueRate), cfg.EnqueueBurst),
	}
	api.statsHub = newStatsHub(s)
	return api
}

// Routes builds the handler tree, applying auth and HSTS per config.
// /metrics and /healthz stay open for scrapers and probes.
func (a *API) Routes(cfg config.Config) http.Handler {
	mux := http.NewServeMux()

	authed := func(h http.Handler) http.Handler {
		if cfg.Authenticate {
			return middleware.Auth(cfg.AuthToken, h)
		}
		return h
	}

	mux.Handle("/", authed(http.HandlerFunc(a.handleRoot)))
	mux.Handle("/tasks/", authed(http.HandlerFunc(a.handleTask)))
	mux.Handle("/stats", authed(http.HandlerFunc(a.handleStats)))
	mux.Handle("/stats/stream", authed(http.HandlerFunc(a.statsHub.handleStream)))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	var handler http.Handler = mux
	if cfg.EnableHSTS {
		handler = middleware.HSTS(handler)
	}
	return handler
}

// Wrapper for capturing responses into the idempotency cache.
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

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Torque-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			for k, vals := range resp.Headers {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// handleRoot serves POST / (enqueue) and DELETE / (purge).
func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.withIdempotency(a.handleEnqueue)(w, r)
	case http.MethodDelete:
		a.handlePurge(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	// Storm protection
	if !a.enqueueLimiter.Allow() {
		observability.APIRateLimited.Inc()
		retryAfter := 1 + rand.Intn(2) // jittered, seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "Missing url parameter", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "Body too large", http.StatusRequestEntityTooLarge)
		return
	}

	task, err := a.dispatcher.Enqueue(r.Context(), dispatch.EnqueueRequest{
		URL:     target,
		Body:    body,
		Headers: forwardableHeaders(r.Header),
	})
	if err != nil {
		if err == dispatch.ErrInvalidURL {
			http.Error(w, "Invalid url parameter: must be absolute http(s)", http.StatusBadRequest)
			return
		}
		log.Printf("api: enqueue failed: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": task.ID})
}

func (a *API) handlePurge(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteAll(r.Context()); err != nil {
		log.Printf("api: purge failed: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "purged"})
}

// handleTask serves GET and DELETE on /tasks/{id}.
func (a *API) handleTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, err := a.store.Get(r.Context(), id)
		if err != nil {
			log.Printf("api: get task %s: %v", id, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if task == nil {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(task)

	case http.MethodDelete:
		err := a.store.Delete(r.Context(), id)
		if err == store.ErrNotFound {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Printf("api: delete task %s: %v", id, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	counts, err := a.store.CountByStatus(r.Context())
	if err != nil {
		log.Printf("api: stats: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(counts)
}

// forwardableHeaders sanitises the inbound headers down to the set the
// outbound POST will carry: the content type plus custom X- headers.
// Authorization, hop-by-hop headers and Torque's own control headers
// never leak to the hook.
func forwardableHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	if ct := h.Get("Content-Type"); ct != "" {
		out["Content-Type"] = ct
	}
	for name := range h {
		if !strings.HasPrefix(name, "X-") {
			continue
		}
		if strings.HasPrefix(name, "X-Torque-") || name == worker.TaskIDHeader || name == "X-Forwarded-For" {
			continue
		}
		out[name] = h.Get(name)
	}
	return out
}
