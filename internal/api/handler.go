package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/loan"
	"github.com/punchamoorthee/settleops/internal/metrics"
	"github.com/punchamoorthee/settleops/internal/models"
	"github.com/punchamoorthee/settleops/internal/service"
	"github.com/punchamoorthee/settleops/internal/settlement"
	"go.uber.org/zap"
)

// Service is what the handlers need from the settlement service.
type Service interface {
	StartSettlementRun(ctx context.Context, f *domain.Filter) string
	GetJobStatus(id string) (service.JobStatus, bool)
	ListJobs() []service.JobStatus
	CancelJob(id string) bool
	PreviewSettlement(ctx context.Context, f domain.Filter) (settlement.PreviewResult, error)
	RunLoanSettlement(ctx context.Context, req loan.Request) (*loan.Result, error)
	QueueLoanSettlement(req loan.Request) string
	RevertLoanSettlement(ctx context.Context, req loan.RevertRequest) (*loan.Result, error)
	QueueLoanRevert(req loan.RevertRequest) string
	AdjustBalance(ctx context.Context, adj service.Adjustment) (string, error)
	UpdateSchedule(ctx context.Context, spec string) error
}

type Handler struct {
	svc    Service
	logger *zap.Logger
}

func NewHandler(svc Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) StartSettlementRun(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/settlements/runs"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.SettlementRunRequest
	if err := decodeOptional(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}
	if msg := validateFilter(req.Filter); msg != "" {
		h.respondError(w, http.StatusUnprocessableEntity, msg, method, endpoint)
		return
	}

	id := h.svc.StartSettlementRun(r.Context(), req.Filter)
	w.Header().Set("Location", "/api/v1/jobs/"+id)
	h.respondJSON(w, http.StatusAccepted, models.JobAccepted{JobID: id, Status: domain.JobQueued}, method, endpoint)
}

func (h *Handler) PreviewSettlement(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/settlements/preview"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var req models.SettlementRunRequest
	if err := decodeOptional(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}
	if msg := validateFilter(req.Filter); msg != "" {
		h.respondError(w, http.StatusUnprocessableEntity, msg, method, endpoint)
		return
	}
	f := domain.Filter{}
	if req.Filter != nil {
		f = *req.Filter
	}

	res, err := h.svc.PreviewSettlement(r.Context(), f)
	if err != nil {
		h.logger.Error("preview failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
		return
	}
	out := models.PreviewResponse{
		TotalOrders:    res.TotalOrders,
		TotalNetAmount: res.TotalNetAmount,
		Sample:         make([]models.PreviewItem, len(res.Sample)),
		Failures:       res.Failures,
	}
	for i, it := range res.Sample {
		out.Sample[i] = models.PreviewItem{
			OrderID:       it.OrderID,
			PartnerID:     it.PartnerID,
			SubMerchantID: it.SubMerchantID,
			Amount:        it.Amount,
			NetAmount:     it.NetAmount,
			CreatedAt:     it.CreatedAt,
		}
	}
	h.respondJSON(w, http.StatusOK, out, method, endpoint)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/jobs/{id}"
	st, ok := h.svc.GetJobStatus(mux.Vars(r)["id"])
	if !ok {
		h.respondError(w, http.StatusNotFound, "Job not found", method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, st, method, endpoint)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "GET", "/jobs"
	jobs := h.svc.ListJobs()
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit >= 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	h.respondJSON(w, http.StatusOK, jobs, method, endpoint)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/jobs/{id}/cancel"
	id := mux.Vars(r)["id"]
	if _, ok := h.svc.GetJobStatus(id); !ok {
		h.respondError(w, http.StatusNotFound, "Job not found", method, endpoint)
		return
	}
	if !h.svc.CancelJob(id) {
		h.respondError(w, http.StatusConflict, "Job already finished", method, endpoint)
		return
	}
	st, _ := h.svc.GetJobStatus(id)
	h.respondJSON(w, http.StatusAccepted, st, method, endpoint)
}

func (h *Handler) LoanSettle(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/loans/settle"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var body models.LoanSettleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}
	req := loan.Request{
		SubMerchantID: body.SubMerchantID,
		From:          timeOrZero(body.From),
		To:            timeOrZero(body.To),
		Note:          body.Note,
		Actor:         body.Actor,
	}
	if req.SubMerchantID == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "sub_merchant_id is required", method, endpoint)
		return
	}

	if body.Queue {
		id := h.svc.QueueLoanSettlement(req)
		h.respondJSON(w, http.StatusAccepted, models.JobAccepted{JobID: id, Status: domain.JobQueued}, method, endpoint)
		return
	}
	res, err := h.svc.RunLoanSettlement(r.Context(), req)
	h.respondLoan(w, res, err, method, endpoint)
}

func (h *Handler) LoanRevert(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/loans/revert"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(method, endpoint))
	defer timer.ObserveDuration()

	var body models.LoanRevertRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}
	req := loan.RevertRequest{
		SubMerchantID: body.SubMerchantID,
		From:          timeOrZero(body.From),
		To:            timeOrZero(body.To),
		OrderIDs:      body.OrderIDs,
		ExportOnly:    body.ExportOnly,
		Actor:         body.Actor,
	}
	if req.SubMerchantID == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "sub_merchant_id is required", method, endpoint)
		return
	}

	if body.Queue {
		id := h.svc.QueueLoanRevert(req)
		h.respondJSON(w, http.StatusAccepted, models.JobAccepted{JobID: id, Status: domain.JobQueued}, method, endpoint)
		return
	}
	res, err := h.svc.RevertLoanSettlement(r.Context(), req)
	h.respondLoan(w, res, err, method, endpoint)
}

func (h *Handler) respondLoan(w http.ResponseWriter, res *loan.Result, err error, method, endpoint string) {
	switch {
	case errors.Is(err, loan.ErrInvalidRequest):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	case err != nil:
		h.logger.Error("loan request failed", zap.String("endpoint", endpoint), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
	default:
		h.respondJSON(w, http.StatusOK, res, method, endpoint)
	}
}

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "POST", "/adjustments"
	var body models.AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", method, endpoint)
		return
	}

	id, err := h.svc.AdjustBalance(r.Context(), service.Adjustment{
		PartnerID: body.PartnerID,
		Amount:    body.Amount,
		Reference: body.Reference,
		Reason:    body.Reason,
		Actor:     body.Actor,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidAdjustment) {
			h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
		return
	}
	h.respondJSON(w, http.StatusAccepted, models.JobAccepted{JobID: id, Status: domain.JobQueued}, method, endpoint)
}

func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	const method, endpoint = "PUT", "/settings/schedule"
	var body models.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Cron == "" {
		h.respondError(w, http.StatusBadRequest, "cron is required", method, endpoint)
		return
	}

	err := h.svc.UpdateSchedule(r.Context(), body.Cron)
	switch {
	case errors.Is(err, service.ErrSchedulerDisabled):
		h.respondError(w, http.StatusConflict, err.Error(), method, endpoint)
	case err != nil:
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	default:
		h.respondJSON(w, http.StatusOK, body, method, endpoint)
	}
}

func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func validateFilter(f *domain.Filter) string {
	if f == nil {
		return ""
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return "filter.from must be before filter.to"
	}
	for _, hr := range []*int{f.HourStart, f.HourEnd} {
		if hr != nil && (*hr < 0 || *hr > 24) {
			return "filter hours must be within 0-24"
		}
	}
	for _, d := range f.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			return "filter.days_of_week must be within 0-6"
		}
	}
	if f.MinAmount != nil && f.MaxAmount != nil && f.MinAmount.GreaterThan(*f.MaxAmount) {
		return "filter.min_amount exceeds filter.max_amount"
	}
	return ""
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	metrics.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Warn("failed to write response", zap.Error(err))
		}
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
