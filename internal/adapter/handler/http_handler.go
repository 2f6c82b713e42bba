package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/core/service"
)

type HTTPHandler struct {
	coordinator *service.Coordinator
	sales       *service.SaleService
	queue       *service.QueueService
	monitor     *service.Monitor
	logger      *zap.Logger
}

type errorResponse struct {
	Error        string             `json:"error"`
	Details      string             `json:"details,omitempty"`
	Insufficient []domain.LineError `json:"insufficient,omitempty"`
	Lines        []domain.LineError `json:"lines,omitempty"`
}

type actorRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

type voidRequest struct {
	StoreID string `json:"store_id"`
	Actor   string `json:"actor"`
}

func NewHTTPHandler(coordinator *service.Coordinator, sales *service.SaleService, queue *service.QueueService, monitor *service.Monitor, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		coordinator: coordinator,
		sales:       sales,
		queue:       queue,
		monitor:     monitor,
		logger:      logger,
	}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /deduct", h.Deduct)
	mux.HandleFunc("POST /deduct/check", h.Check)
	mux.HandleFunc("POST /sales", h.RecordSale)
	mux.HandleFunc("POST /transactions/{id}/void", h.Void)

	mux.HandleFunc("GET /queue", h.ListQueue)
	mux.HandleFunc("GET /queue/stats", h.QueueStats)
	mux.HandleFunc("POST /queue/sync", h.SyncAll)
	mux.HandleFunc("GET /queue/{id}", h.GetQueued)
	mux.HandleFunc("POST /queue/{id}/sync", h.SyncOne)
	mux.HandleFunc("POST /queue/{id}/approve", h.Approve)
	mux.HandleFunc("POST /queue/{id}/reject", h.Reject)

	mux.HandleFunc("GET /stores/{id}/health", h.StoreHealth)
	mux.HandleFunc("GET /healthz", h.HealthCheck)
}

func (h *HTTPHandler) Deduct(w http.ResponseWriter, r *http.Request) {
	var req domain.DeductionRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.coordinator.Deduct(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req domain.DeductionRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.coordinator.Check(r.Context(), req); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *HTTPHandler) RecordSale(w http.ResponseWriter, r *http.Request) {
	var sale domain.Sale
	if !decode(w, r, &sale) {
		return
	}

	out, err := h.sales.RecordSale(r.Context(), sale)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if out.Status == service.SaleQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

func (h *HTTPHandler) Void(w http.ResponseWriter, r *http.Request) {
	var req voidRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.coordinator.Restore(r.Context(), req.StoreID, r.PathValue("id"), req.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("store_id")
	if storeID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "store_id is required"})
		return
	}

	var statuses []domain.QueueStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, err := domain.ParseQueueStatus(strings.TrimSpace(s))
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			statuses = append(statuses, st)
		}
	}

	items, err := h.queue.List(r.Context(), storeID, statuses...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.QueuedDeduction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *HTTPHandler) GetQueued(w http.ResponseWriter, r *http.Request) {
	q, err := h.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *HTTPHandler) SyncOne(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, func(ctx context.Context, id string, req actorRequest) (domain.QueuedDeduction, error) {
		q, err := h.queue.SyncOne(ctx, id, req.Actor)
		// a sync that leaves the record pending is still a valid answer
		if err != nil && q.ID != "" && q.Status == domain.QueueStatusPending && !isQueueError(err) {
			return q, nil
		}
		return q, err
	})
}

func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, func(ctx context.Context, id string, req actorRequest) (domain.QueuedDeduction, error) {
		return h.queue.Approve(ctx, id, req.Actor)
	})
}

func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, func(ctx context.Context, id string, req actorRequest) (domain.QueuedDeduction, error) {
		return h.queue.Reject(ctx, id, req.Actor, req.Reason)
	})
}

func (h *HTTPHandler) resolve(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, actorRequest) (domain.QueuedDeduction, error)) {
	var req actorRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Actor == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "actor is required"})
		return
	}

	q, err := fn(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *HTTPHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("store_id")
	if storeID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "store_id is required"})
		return
	}
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		actor = "api"
	}

	summary, err := h.queue.SyncAll(r.Context(), storeID, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *HTTPHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("store_id")
	if storeID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "store_id is required"})
		return
	}

	stats, err := h.queue.Stats(r.Context(), storeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPHandler) StoreHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.monitor.Report(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}

// errorStatus maps domain errors onto HTTP statuses.
func errorStatus(err error) (int, errorResponse) {
	body := errorResponse{Error: err.Error()}

	var de *domain.DeductionError
	if errors.As(err, &de) {
		switch {
		case de.Has(domain.KindConcurrencyConflict):
			body.Error, body.Lines = "concurrent update, retry later", de.Lines
			return http.StatusServiceUnavailable, body
		case de.Has(domain.KindItemNotFound):
			body.Error, body.Lines = "item not found", de.Lines
			return http.StatusNotFound, body
		default:
			body.Error, body.Insufficient = "insufficient stock", de.Lines
			return http.StatusConflict, body
		}
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, domain.ErrItemNotFound), errors.Is(err, domain.ErrQueueItemNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrQueueConflict):
		return http.StatusConflict, body
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, errorResponse{Error: "request cancelled"}
	}
	return http.StatusInternalServerError, errorResponse{Error: "internal error"}
}

func isQueueError(err error) bool {
	return errors.Is(err, domain.ErrQueueConflict) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrQueueItemNotFound)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Details: err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type ctxKey int

const ctxKeyRequestID ctxKey = iota

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// WithRequestID tags each request with X-Request-Id, generating one when
// the caller did not.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

func WithLogging(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sr.status),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", RequestIDFromContext(r.Context())),
		)
	})
}
