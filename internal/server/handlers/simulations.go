package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/app"
	apperrors "github.com/scttfrdmn/aws-geos-chem-sub000/internal/errors"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/cancellation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/costmodel"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/validator"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// SimulationService is the slice of the application the API serves.
type SimulationService interface {
	Submit(ctx context.Context, req *simulation.Submission) (*app.Submission, error)
	Validate(ctx context.Context, userID string, cfg simulation.Configuration) *validator.Result
	Estimate(cfg simulation.Configuration) (*costmodel.Estimate, *validator.Result, error)
	Get(ctx context.Context, key simulation.Key) (*simulation.Job, error)
	List(ctx context.Context, userID string, filter jobstore.Filter) ([]*simulation.Job, error)
	Cancel(ctx context.Context, key simulation.Key, reason string) (*cancellation.Result, error)
}

// Simulations serves the /v1 simulation routes.
type Simulations struct {
	svc SimulationService
}

// NewSimulations returns handlers backed by svc.
func NewSimulations(svc SimulationService) *Simulations {
	return &Simulations{svc: svc}
}

// Routes mounts the handlers on r.
func (h *Simulations) Routes(r chi.Router) {
	r.Post("/simulations", h.Submit)
	r.Post("/simulations/validate", h.Validate)
	r.Post("/simulations/estimate", h.Estimate)
	r.Get("/users/{userID}/simulations", h.List)
	r.Get("/users/{userID}/simulations/{simulationID}", h.Get)
	r.Post("/users/{userID}/simulations/{simulationID}/cancel", h.Cancel)
}

// EstimateResponse is the /simulations/estimate body.
type EstimateResponse struct {
	Estimate   *costmodel.Estimate `json:"estimate"`
	Validation *validator.Result   `json:"validation"`
}

// CancelRequest is the optional cancel body.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CancelResponse is the cancel body.
type CancelResponse struct {
	Simulation     *simulation.Job `json:"simulation"`
	PartialFailure string          `json:"partial_failure,omitempty"`
}

// ListResponse is the list body.
type ListResponse struct {
	Simulations []*simulation.Job `json:"simulations"`
	Count       int               `json:"count"`
}

// Submit accepts a new simulation.
func (h *Simulations) Submit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSubmission(w, r)
	if !ok {
		return
	}
	sub, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		if sub != nil && sub.Validation != nil {
			respondWithValidation(w, r, err, sub.Validation)
			return
		}
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusCreated, sub.ForDisplay())
}

// Validate runs the validator without recording anything. The quota is
// checked when the body names a user.
func (h *Simulations) Validate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSubmission(w, r)
	if !ok {
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, h.svc.Validate(r.Context(), req.UserID, req.Configuration))
}

// Estimate projects runtime and cost.
func (h *Simulations) Estimate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSubmission(w, r)
	if !ok {
		return
	}
	est, res, err := h.svc.Estimate(req.Configuration)
	if err != nil {
		respondWithValidation(w, r, err, res)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, EstimateResponse{Estimate: est, Validation: res})
}

// Get returns one simulation with display-rounded metrics.
func (h *Simulations) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Get(r.Context(), routeKey(r))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, app.ForDisplay(job))
}

// List returns a user's simulations. Query parameters: status (comma
// separated), active (bool), limit (int).
func (h *Simulations) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondWithError(w, r, apperrors.NewBadRequest("invalid query", err))
		return
	}
	jobs, err := h.svc.List(r.Context(), chi.URLParam(r, "userID"), filter)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, ListResponse{Simulations: app.ForDisplayAll(jobs), Count: len(jobs)})
}

// Cancel stops a simulation.
func (h *Simulations) Cancel(w http.ResponseWriter, r *http.Request) {
	var body CancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			respondWithError(w, r, apperrors.NewBadRequest("invalid cancel body", err))
			return
		}
	}
	res, err := h.svc.Cancel(r.Context(), routeKey(r), strings.TrimSpace(body.Reason))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	resp := CancelResponse{Simulation: app.ForDisplay(res.Job)}
	if res.Partial != nil {
		resp.PartialFailure = res.Partial.Error()
	}
	apperrors.WriteJSON(w, http.StatusOK, resp)
}

func (h *Simulations) decodeSubmission(w http.ResponseWriter, r *http.Request) (*simulation.Submission, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		respondWithError(w, r, apperrors.NewBadRequest("failed to read body", err))
		return nil, false
	}
	if len(data) > maxBodyBytes {
		respondWithError(w, r, apperrors.NewBadRequest(fmt.Sprintf("body exceeds %d bytes", maxBodyBytes), nil))
		return nil, false
	}
	req, err := simulation.ParseSubmission(data, "request.json")
	if err != nil {
		ae := apperrors.NewBadRequest("invalid submission", err)
		var se simulation.SchemaErrors
		if errors.As(err, &se) {
			issues := make([]string, len(se))
			for i, issue := range se {
				issues[i] = issue.String()
			}
			ae.Details = map[string]any{"errors": issues}
		}
		respondWithError(w, r, ae)
		return nil, false
	}
	return req, true
}

// respondWithValidation renders err and attaches the full validator result.
func respondWithValidation(w http.ResponseWriter, r *http.Request, err error, res *validator.Result) {
	status, body := apperrors.Render(err)
	if body.Error.Details == nil {
		body.Error.Details = map[string]any{}
	}
	body.Error.Details["validation"] = res
	body.Error.RequestID = chimw.GetReqID(r.Context())
	apperrors.WriteJSON(w, status, body)
}

func routeKey(r *http.Request) simulation.Key {
	return simulation.Key{
		UserID:       chi.URLParam(r, "userID"),
		SimulationID: chi.URLParam(r, "simulationID"),
	}
}

func parseFilter(r *http.Request) (jobstore.Filter, error) {
	var f jobstore.Filter
	q := r.URL.Query()
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := simulation.ParseStatus(strings.ToUpper(strings.TrimSpace(part)))
			if !ok {
				return f, fmt.Errorf("unknown status %q", part)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("active: %w", err)
		}
		f.ActiveOnly = active
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer")
		}
		f.Limit = limit
	}
	return f, nil
}
