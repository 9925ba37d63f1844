package ingest

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/newsloom-ai/pipeline/pkg/common/logger"
	"github.com/newsloom-ai/pipeline/pkg/common/models"
	"github.com/newsloom-ai/pipeline/pkg/processor"
	"github.com/newsloom-ai/pipeline/pkg/queue"
	"github.com/newsloom-ai/pipeline/pkg/store"
)

// Runner triggers one on-demand ingestion cycle.
type Runner interface {
	RunIngestionCycle(ctx context.Context) error
}

// Broker is the queue surface exposed over HTTP.
type Broker interface {
	Enqueue(ctx context.Context, kind string, payload interface{}, opts queue.EnqueueOptions) (string, error)
	Stats(ctx context.Context) (queue.Stats, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
}

// HTTPHandler is the thin programmatic surface of the pipeline: manual cycle
// trigger, single-story submission and queue introspection.
type HTTPHandler struct {
	runner    Runner
	broker    Broker
	validate  *validator.Validate
	maxJitter time.Duration
}

func NewHTTPHandler(runner Runner, broker Broker, maxJitter time.Duration) *HTTPHandler {
	return &HTTPHandler{
		runner:    runner,
		broker:    broker,
		validate:  validator.New(),
		maxJitter: maxJitter,
	}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/ingest/run", h.handleRun).Methods(http.MethodPost)
	router.HandleFunc("/ingest/story", h.handleStory).Methods(http.MethodPost)
	router.HandleFunc("/queue/stats", h.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/queue/jobs/{id}", h.handleJob).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	// A full cycle fetches hundreds of stories and can outlive the server's
	// write timeout, so it runs detached from the request.
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Log.WithField("panic", rec).Error("manual ingestion cycle panicked")
			}
		}()
		if err := h.runner.RunIngestionCycle(context.Background()); err != nil {
			logger.Log.WithError(err).Error("manual ingestion cycle failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// storyRequest is a story submission with an optional source attribution.
type storyRequest struct {
	models.Story
	Source *store.SourceDescriptor `json:"source,omitempty"`
}

func (h *HTTPHandler) handleStory(w http.ResponseWriter, r *http.Request) {
	var req storyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.WithError(err).Warn("invalid story payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req.Story); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts := queue.EnqueueOptions{}
	if h.maxJitter > 0 {
		opts.Delay = time.Duration(rand.Int63n(int64(h.maxJitter)))
	}
	jobID, err := h.broker.Enqueue(r.Context(), queue.KindProcessSingle, processor.SinglePayload{Story: req.Story, Source: req.Source}, opts)
	if err != nil {
		logger.Log.WithError(err).Error("failed to enqueue story")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (h *HTTPHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.broker.Stats(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("failed to collect queue stats")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPHandler) handleJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	job, err := h.broker.GetJob(r.Context(), vars["id"])
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
