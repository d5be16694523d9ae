// Package httpapi exposes the orchestration services over REST.
package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mtzyw/upimage-sub001/internal/config"
	"github.com/mtzyw/upimage-sub001/internal/domain/task"
	"github.com/mtzyw/upimage-sub001/internal/metrics"
	"github.com/mtzyw/upimage-sub001/internal/middleware"
	"github.com/mtzyw/upimage-sub001/internal/services/credits"
	"github.com/mtzyw/upimage-sub001/internal/services/enhance"
	"github.com/mtzyw/upimage-sub001/internal/services/keypool"
	"github.com/mtzyw/upimage-sub001/internal/services/tasks"
	"github.com/mtzyw/upimage-sub001/internal/services/trial"
	"github.com/mtzyw/upimage-sub001/internal/services/webhook"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

// Handler bundles the HTTP endpoints for the orchestration services.
type Handler struct {
	enhance *enhance.Service
	trial   *trial.Service
	credits *credits.Service
	tasks   *tasks.Service
	pool    *keypool.Service
	ingest  *webhook.Ingestor
	log     *logger.Logger
}

// New creates a Handler over the application services.
func New(en *enhance.Service, tr *trial.Service, cr *credits.Service,
	ts *tasks.Service, pool *keypool.Service, ingest *webhook.Ingestor,
	log *logger.Logger) *Handler {
	return &Handler{
		enhance: en,
		trial:   tr,
		credits: cr,
		tasks:   ts,
		pool:    pool,
		ingest:  ingest,
		log:     log,
	}
}

// Router wires all routes with authentication, rate limiting and metrics.
func (h *Handler) Router(auth *middleware.Authenticator, authCfg config.AuthConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Webhook ingest authenticates with the payload signature, not a user
	// token.
	api.HandleFunc("/webhook/ingest", h.webhookIngest).Methods(http.MethodPost)

	trialLimiter := middleware.NewRateLimiter(authCfg.RateLimit, authCfg.RateLimitBurst, h.log)
	api.Handle("/trial/check", trialLimiter.Handler(http.HandlerFunc(h.trialCheck))).Methods(http.MethodPost)
	api.Handle("/trial/start", trialLimiter.Handler(http.HandlerFunc(h.trialStart))).Methods(http.MethodPost)

	// Status is readable without a token so trial batches can be polled;
	// ownership is enforced per record.
	api.Handle("/enhance/status", auth.OptionalUser(http.HandlerFunc(h.enhanceStatus))).Methods(http.MethodGet)

	api.Handle("/enhance/start", auth.RequireUser(http.HandlerFunc(h.enhanceStart))).Methods(http.MethodPost)
	api.Handle("/credits/balance", auth.RequireUser(http.HandlerFunc(h.creditsBalance))).Methods(http.MethodGet)
	api.Handle("/credits/history", auth.RequireUser(http.HandlerFunc(h.creditsHistory))).Methods(http.MethodGet)
	api.Handle("/tasks", auth.RequireUser(http.HandlerFunc(h.listTasks))).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(func(next http.Handler) http.Handler {
		return middleware.RequireAdmin(authCfg.AdminToken, next)
	})
	admin.HandleFunc("/keys", h.adminCreateKey).Methods(http.MethodPost)
	admin.HandleFunc("/keys", h.adminListKeys).Methods(http.MethodGet)
	admin.HandleFunc("/keys/{id}", h.adminGetKey).Methods(http.MethodGet)
	admin.HandleFunc("/keys/{id}", h.adminUpdateKey).Methods(http.MethodPut)

	return metrics.InstrumentHandler(r)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// === Enhancement ===

type taskView struct {
	TaskID      string  `json:"taskId"`
	Status      string  `json:"status"`
	Engine      string  `json:"engine"`
	Scale       int     `json:"scale,omitempty"`
	Creativity  float64 `json:"creativity,omitempty"`
	Progress    int     `json:"progress"`
	OutputURL   string  `json:"outputUrl,omitempty"`
	Error       string  `json:"error,omitempty"`
	CreditsUsed int     `json:"creditsUsed,omitempty"`
	BatchID     string  `json:"batchId,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	CompletedAt string  `json:"completedAt,omitempty"`
}

func viewOf(t task.Task) taskView {
	v := taskView{
		TaskID:      t.ID,
		Status:      string(t.Status),
		Engine:      string(t.Engine),
		Scale:       t.Scale,
		Creativity:  t.Creativity,
		Progress:    t.Progress,
		OutputURL:   t.OutputURL,
		Error:       t.ErrorMsg,
		CreditsUsed: t.CreditsUsed,
		BatchID:     t.BatchID,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !t.CompletedAt.IsZero() {
		v.CompletedAt = t.CompletedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func (h *Handler) enhanceStart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ImageURL   string  `json:"imageUrl"`
		Scale      int     `json:"scale"`
		Creativity float64 `json:"creativity"`
		Engine     string  `json:"engine"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	engine := task.EngineUpscale
	if payload.Engine != "" {
		parsed, err := task.ParseEngine(payload.Engine)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		engine = parsed
	}
	if _, err := credits.CostForScale(payload.Scale); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := h.enhance.Start(r.Context(), enhance.StartRequest{
		UserID:     middleware.GetUserID(r.Context()),
		ImageURL:   payload.ImageURL,
		Scale:      payload.Scale,
		Creativity: payload.Creativity,
		Engine:     engine,
	})
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(created))
}

func (h *Handler) enhanceStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, errMissingParam("taskId"))
		return
	}

	t, err := h.enhance.Status(r.Context(), taskID, middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

// === Trial ===

func (h *Handler) trialCheck(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	elig, err := h.trial.Check(r.Context(), payload.Fingerprint)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, elig)
}

func (h *Handler) trialStart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Fingerprint string `json:"fingerprint"`
		ImageURL    string `json:"imageUrl"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	batch, err := h.trial.StartBatch(r.Context(), payload.Fingerprint, payload.ImageURL)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batch)
}

// === Credits ===

func (h *Handler) creditsBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.credits.Balance(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}

func (h *Handler) creditsHistory(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)
	entries, err := h.credits.History(r.Context(), middleware.GetUserID(r.Context()), limit)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// === Tasks ===

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)
	offset := intQuery(r, "offset", 0)

	list, err := h.tasks.List(r.Context(), middleware.GetUserID(r.Context()), limit, offset)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	views := make([]taskView, 0, len(list))
	for _, t := range list {
		views = append(views, viewOf(t))
	}
	writeJSON(w, http.StatusOK, views)
}

// === Webhook ===

func (h *Handler) webhookIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := h.ingest.Handle(r.Context(), body, r.Header.Get("X-Webhook-Signature"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "outcome": outcome})
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

type errMissingParam string

func (e errMissingParam) Error() string { return "missing required parameter " + string(e) }
