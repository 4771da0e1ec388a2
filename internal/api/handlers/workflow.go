// Package handlers provides HTTP handlers for the workflow API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/api/middleware"
	"github.com/carehaven/medround/internal/domain/batch"
	"github.com/carehaven/medround/internal/domain/prescription"
	"github.com/carehaven/medround/internal/domain/reconcile"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/domain/workflow"
)

// Deps are the collaborators behind the workflow endpoints
type Deps struct {
	Records       workflow.Store
	Prescriptions prescription.Source
	Machine       *workflow.Machine
	Reconciler    *reconcile.Reconciler
	Batch         *batch.Operator

	// Location is the care home's wall clock, used for the default window
	Location     *time.Location
	Now          func() time.Time
	DaysBack     int
	DaysAhead    int
	MaxRangeDays int
}

// WorkflowHandler serves schedules, records, reconciliation and stage transitions
type WorkflowHandler struct {
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
}

// NewWorkflowHandler creates a new handler
func NewWorkflowHandler(deps Deps, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MaxRangeDays <= 0 {
		deps.MaxRangeDays = reconcile.DefaultMaxRangeDays
	}
	return &WorkflowHandler{deps: deps, logger: logger, tracer: otel.Tracer("workflow-handler")}
}

// Routes returns the handler routes
func (h *WorkflowHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/patients/{patientID}", func(r chi.Router) {
		r.Get("/schedule", h.Schedule)
		r.Get("/records", h.ListRecords)
		r.Post("/reconcile", h.Reconcile)
		r.Post("/batch/{stage}", h.Batch)
	})
	r.Route("/records/{recordID}", func(r chi.Router) {
		r.Post("/stages/{stage}/complete", h.Complete)
		r.Post("/stages/{stage}/revert", h.Revert)
		r.Post("/dispense", h.Dispense)
	})
	return r
}

// RangeRequest is the optional body of range-scoped POSTs
type RangeRequest struct {
	From *schedule.Date `json:"from,omitempty"`
	To   *schedule.Date `json:"to,omitempty"`
}

// DoseEventView is one expected dose-event in a schedule preview
type DoseEventView struct {
	PrescriptionID    string                         `json:"prescription_id"`
	MedicationName    string                         `json:"medication_name"`
	Date              schedule.Date                  `json:"date"`
	Time              schedule.Clock                 `json:"time"`
	PreparationMethod prescription.PreparationMethod `json:"preparation_method"`
	Route             prescription.Route             `json:"administration_route"`
}

// ScheduleResponse previews what reconciliation would materialize
type ScheduleResponse struct {
	Range   schedule.DateRange `json:"range"`
	Events  []DoseEventView    `json:"events"`
	Retired []string           `json:"retired,omitempty"`
	Skipped []string           `json:"skipped,omitempty"`
}

// RecordsResponse lists a patient's records
type RecordsResponse struct {
	Range   schedule.DateRange `json:"range"`
	Records []*workflow.Record `json:"records"`
}

// ReconcileResponse reports one reconciliation run
type ReconcileResponse struct {
	Range  schedule.DateRange `json:"range"`
	Result reconcile.Result   `json:"result"`
}

// Schedule handles GET /patients/{patientID}/schedule
func (h *WorkflowHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "schedule_preview")
	defer span.End()

	patientID := chi.URLParam(r, "patientID")
	rng, err := h.queryRange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("patient_id", patientID), attribute.String("range", rng.String()))

	rxs, err := h.deps.Prescriptions.ListPrescriptions(ctx, patientID, prescription.Filter{Overlaps: &rng})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Preview(rxs, rng))
}

// Preview expands prescriptions into the dose-events reconciliation expects
func Preview(rxs []*prescription.Prescription, rng schedule.DateRange) ScheduleResponse {
	resp := ScheduleResponse{Range: rng, Events: []DoseEventView{}}
	for _, rx := range rxs {
		if err := rx.Validate(); err != nil {
			resp.Skipped = append(resp.Skipped, rx.ID)
			continue
		}
		if rx.Eligibility() == prescription.Retired {
			resp.Retired = append(resp.Retired, rx.ID)
			continue
		}
		for ev := range schedule.Expand(rx.Plan(), rng) {
			resp.Events = append(resp.Events, DoseEventView{
				PrescriptionID:    rx.ID,
				MedicationName:    rx.MedicationName,
				Date:              ev.Date,
				Time:              ev.Time,
				PreparationMethod: rx.PreparationMethod,
				Route:             rx.Route,
			})
		}
	}
	return resp
}

// ListRecords handles GET /patients/{patientID}/records
func (h *WorkflowHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list_records")
	defer span.End()

	patientID := chi.URLParam(r, "patientID")
	rng, err := h.queryRange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	recs, err := h.deps.Records.ListRecords(ctx, patientID, rng)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*workflow.Record{}
	}
	writeJSON(w, http.StatusOK, RecordsResponse{Range: rng, Records: recs})
}

// Reconcile handles POST /patients/{patientID}/reconcile
func (h *WorkflowHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	rng, err := h.bodyRange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.deps.Reconciler.Reconcile(r.Context(), patientID, rng)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Range: rng, Result: res})
}

// Batch handles POST /patients/{patientID}/batch/{stage}, where stage is a
// workflow stage or full-process
func (h *WorkflowHandler) Batch(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	staff, ok := h.requireStaff(w, r)
	if !ok {
		return
	}
	rng, err := h.bodyRange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var report batch.Report
	if op := chi.URLParam(r, "stage"); op == batch.OperationFullProcess {
		report, err = h.deps.Batch.FullProcess(r.Context(), patientID, rng, staff)
	} else {
		var stage workflow.Stage
		if stage, err = workflow.ParseStage(op); err == nil {
			report, err = h.deps.Batch.CompleteStage(r.Context(), patientID, rng, stage, staff)
		}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Complete handles POST /records/{recordID}/stages/{stage}/complete
func (h *WorkflowHandler) Complete(w http.ResponseWriter, r *http.Request) {
	staff, ok := h.requireStaff(w, r)
	if !ok {
		return
	}
	stage, err := workflow.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.deps.Machine.Complete(r.Context(), chi.URLParam(r, "recordID"), stage, staff)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Revert handles POST /records/{recordID}/stages/{stage}/revert
func (h *WorkflowHandler) Revert(w http.ResponseWriter, r *http.Request) {
	stage, err := workflow.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.deps.Machine.Revert(r.Context(), chi.URLParam(r, "recordID"), stage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Dispense handles POST /records/{recordID}/dispense
func (h *WorkflowHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	staff, ok := h.requireStaff(w, r)
	if !ok {
		return
	}
	var out workflow.Outcome
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := h.deps.Machine.Dispense(r.Context(), chi.URLParam(r, "recordID"), staff, out)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *WorkflowHandler) requireStaff(w http.ResponseWriter, r *http.Request) (string, bool) {
	staff := middleware.GetStaff(r.Context())
	if staff == "" {
		h.jsonError(w, middleware.StaffHeader+" header is required", http.StatusBadRequest)
		return "", false
	}
	return staff, true
}

// queryRange reads from/to query parameters, defaulting to the rolling window
func (h *WorkflowHandler) queryRange(r *http.Request) (schedule.DateRange, error) {
	q := r.URL.Query()
	var req RangeRequest
	for name, dst := range map[string]**schedule.Date{"from": &req.From, "to": &req.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		d, err := schedule.ParseDate(raw)
		if err != nil {
			return schedule.DateRange{}, fmt.Errorf("%s: %w", name, schedule.ErrInvalidRange)
		}
		*dst = &d
	}
	return h.resolve(req)
}

// bodyRange reads an optional JSON range body
func (h *WorkflowHandler) bodyRange(r *http.Request) (schedule.DateRange, error) {
	var req RangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return schedule.DateRange{}, fmt.Errorf("invalid request body: %w", workflow.ErrInvalidInput)
	}
	return h.resolve(req)
}

func (h *WorkflowHandler) resolve(req RangeRequest) (schedule.DateRange, error) {
	var rng schedule.DateRange
	switch {
	case req.From == nil && req.To == nil:
		rng = reconcile.Window(h.deps.Now().In(h.deps.Location), h.deps.DaysBack, h.deps.DaysAhead)
	case req.From == nil || req.To == nil:
		return rng, fmt.Errorf("%w: from and to go together", schedule.ErrInvalidRange)
	default:
		rng = schedule.DateRange{From: *req.From, To: *req.To}
	}
	if err := rng.Validate(); err != nil {
		return rng, err
	}
	if rng.Days() > h.deps.MaxRangeDays {
		return rng, fmt.Errorf("range %s exceeds %d days: %w", rng, h.deps.MaxRangeDays, schedule.ErrInvalidRange)
	}
	return rng, nil
}

// StatusFor maps domain errors onto HTTP status codes
func StatusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrNotFound), errors.Is(err, prescription.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidInput), errors.Is(err, schedule.ErrInvalidRange):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *WorkflowHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal server error", code)
		return
	}
	h.jsonError(w, err.Error(), code)
}

func (h *WorkflowHandler) jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
