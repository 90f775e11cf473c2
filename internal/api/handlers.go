package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/LeventeLantos/message-dispatch/internal/idempotency"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
	"github.com/LeventeLantos/message-dispatch/internal/scheduler"
	"github.com/LeventeLantos/message-dispatch/internal/service"
)

const maxRequestBody = 1 << 20

type Handler struct {
	resolver   *service.Resolver
	engine     *service.Engine
	reclaimer  *service.Reclaimer
	schedulers []*scheduler.Scheduler
}

func NewHandler(resolver *service.Resolver, engine *service.Engine, reclaimer *service.Reclaimer, schedulers ...*scheduler.Scheduler) *Handler {
	return &Handler{
		resolver:   resolver,
		engine:     engine,
		reclaimer:  reclaimer,
		schedulers: schedulers,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type schedulerStatus struct {
	Name     string `json:"name"`
	Running  bool   `json:"running"`
	Interval string `json:"interval"`
	Ticks    int64  `json:"ticks"`
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	h.writeSchedulers(w)
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	for _, s := range h.schedulers {
		s.Start()
	}
	h.writeSchedulers(w)
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	for _, s := range h.schedulers {
		s.Stop()
	}
	h.writeSchedulers(w)
}

// writeSchedulers reports running=true only when every loop is running.
func (h *Handler) writeSchedulers(w http.ResponseWriter) {
	running := len(h.schedulers) > 0
	items := make([]schedulerStatus, 0, len(h.schedulers))
	for _, s := range h.schedulers {
		items = append(items, schedulerStatus{
			Name:     s.Name(),
			Running:  s.IsRunning(),
			Interval: s.Interval().String(),
			Ticks:    s.Ticks(),
		})
		running = running && s.IsRunning()
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": running, "schedulers": items})
}

// CreateMessage resolves the request's idempotency key to a record, creating
// it when needed. A missing key is derived from campaign and target, or
// generated for ad-hoc sends.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var in model.NewMessage
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if in.IdempotencyKey == "" {
		if in.CampaignID != nil && in.TargetID != nil {
			in.IdempotencyKey = idempotency.CampaignKey(*in.CampaignID, *in.TargetID)
		} else {
			in.IdempotencyKey = idempotency.AdHocKey()
		}
	}

	m, created, err := h.resolver.ResolveOrCreate(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"created": created, "message": m})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	ok, err := h.engine.MarkDelivered(r.Context(), r.PathValue("id"))
	writeApplied(w, ok, err)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ok, err := h.engine.MarkRead(r.Context(), r.PathValue("id"))
	writeApplied(w, ok, err)
}

type expireRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) MarkExpired(w http.ResponseWriter, r *http.Request) {
	var req expireRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ok, err := h.engine.MarkExpired(r.Context(), r.PathValue("id"), req.Reason)
	writeApplied(w, ok, err)
}

// MarkQuotaConsumed lets billing flag a succeeded message as charged. Only
// the first call reports applied=true.
func (h *Handler) MarkQuotaConsumed(w http.ResponseWriter, r *http.Request) {
	ok, err := h.engine.MarkQuotaConsumed(r.Context(), r.PathValue("id"))
	writeApplied(w, ok, err)
}

type failedRequest struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Retryable *bool           `json:"retryable,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// MarkFailed takes asynchronous failure reports from the provider.
func (h *Handler) MarkFailed(w http.ResponseWriter, r *http.Request) {
	var req failedRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ok, err := h.engine.MarkFailed(r.Context(), r.PathValue("id"), model.Failure{
		Code:      model.ParseErrorCode(req.Code),
		Message:   req.Message,
		Retryable: req.Retryable,
		Response:  req.Response,
	})
	writeApplied(w, ok, err)
}

func (h *Handler) ListTenantMessages(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	items, err := h.engine.ByTenant(r.Context(), r.PathValue("tenantID"), page)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) ListCampaignMessages(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	items, err := h.engine.ByCampaign(r.Context(), r.PathValue("campaignID"), page)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) CampaignStats(w http.ResponseWriter, r *http.Request) {
	campaignID := r.PathValue("campaignID")
	counts, err := h.engine.CampaignStats(r.Context(), campaignID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaignId": campaignID,
		"counts":     counts,
		"total":      counts.Total(),
	})
}

func (h *Handler) SweepStuck(w http.ResponseWriter, r *http.Request) {
	n, err := h.reclaimer.Sweep(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

func parsePage(r *http.Request) (repo.Page, error) {
	q := r.URL.Query()
	page := repo.Page{
		Limit:  parseInt(q.Get("limit"), 50),
		Offset: parseInt(q.Get("offset"), 0),
	}
	if raw := q.Get("status"); raw != "" {
		s := model.Status(raw)
		if !s.Valid() {
			return repo.Page{}, fmt.Errorf("unknown status %q", raw)
		}
		page.Status = s
	}
	return page, nil
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func decodeOptionalBody(r *http.Request, v any) error {
	err := decodeBody(r, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeApplied(w http.ResponseWriter, applied bool, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, service.ErrContention):
		writeError(w, http.StatusConflict, err)
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
