package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/app"
	apperrors "github.com/scttfrdmn/aws-geos-chem-sub000/internal/errors"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/cancellation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/costmodel"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/validator"
)

const validBody = `{"user_id":"alice","simulation_id":"sim-1","configuration":{"simulation_type":"GC_CLASSIC","resolution":"4x5","start_date":"2024-01-01","end_date":"2024-01-08","processor_type":"graviton3","instance_size":"medium","use_spot":true}}`

type fakeService struct {
	submit     func(*simulation.Submission) (*app.Submission, error)
	cancel     func(simulation.Key, string) (*cancellation.Result, error)
	jobs       map[simulation.Key]*simulation.Job
	lastFilter jobstore.Filter
}

func (f *fakeService) Submit(_ context.Context, req *simulation.Submission) (*app.Submission, error) {
	return f.submit(req)
}

func (f *fakeService) Validate(_ context.Context, _ string, cfg simulation.Configuration) *validator.Result {
	return validator.Structural(cfg)
}

func (f *fakeService) Estimate(cfg simulation.Configuration) (*costmodel.Estimate, *validator.Result, error) {
	res := validator.Structural(cfg)
	if err := res.Err(); err != nil {
		return nil, res, err
	}
	return &costmodel.Estimate{SimulationDays: cfg.SimulationDays(), TotalCost: 12.5}, res, nil
}

func (f *fakeService) Get(_ context.Context, key simulation.Key) (*simulation.Job, error) {
	job, ok := f.jobs[key]
	if !ok {
		return nil, simulation.NewError(simulation.KindNotFound, "get", key.String(), nil)
	}
	return job, nil
}

func (f *fakeService) List(_ context.Context, userID string, filter jobstore.Filter) ([]*simulation.Job, error) {
	f.lastFilter = filter
	var out []*simulation.Job
	for k, j := range f.jobs {
		if k.UserID == userID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeService) Cancel(_ context.Context, key simulation.Key, reason string) (*cancellation.Result, error) {
	return f.cancel(key, reason)
}

func newRouter(svc SimulationService) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", NewSimulations(svc).Routes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPError {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestSimulations_SubmitCreated(t *testing.T) {
	var got *simulation.Submission
	svc := &fakeService{submit: func(req *simulation.Submission) (*app.Submission, error) {
		got = req
		job := &simulation.Job{UserID: req.UserID, SimulationID: req.SimulationID, Status: simulation.StatusSubmitted}
		return &app.Submission{Job: job, Validation: &validator.Result{Valid: true}}, nil
	}}

	rec := do(t, newRouter(svc), http.MethodPost, "/v1/simulations", validBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, 7, got.Configuration.SimulationDays())

	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Contains(t, string(body["simulation"]), `"status":"SUBMITTED"`)
}

func TestSimulations_SubmitValidationFailure(t *testing.T) {
	res := &validator.Result{Valid: false, Errors: []validator.Issue{{Field: "resolution", Code: "invalid_resolution", Message: "unsupported"}}}
	svc := &fakeService{submit: func(*simulation.Submission) (*app.Submission, error) {
		return &app.Submission{Validation: res}, res.Err()
	}}

	rec := do(t, newRouter(svc), http.MethodPost, "/v1/simulations", validBody)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	he := decodeError(t, rec)
	assert.Equal(t, string(simulation.KindValidation), he.Code)
	assert.Equal(t, "resolution", he.Details["field"])
	assert.Contains(t, he.Details, "validation")
}

func TestSimulations_SubmitQuota(t *testing.T) {
	res := &validator.Result{Valid: false, Errors: []validator.Issue{{Code: validator.CodeQuota, Message: "too many active"}}}
	svc := &fakeService{submit: func(*simulation.Submission) (*app.Submission, error) {
		return &app.Submission{Validation: res}, res.Err()
	}}

	rec := do(t, newRouter(svc), http.MethodPost, "/v1/simulations", validBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestSimulations_SubmitRejectsMalformedBodies(t *testing.T) {
	svc := &fakeService{submit: func(*simulation.Submission) (*app.Submission, error) {
		t.Fatalf("service called for a rejected body")
		return nil, nil
	}}

	tests := []struct {
		name       string
		body       string
		wantErrors bool
	}{
		{"malformed json", `{"user_id":`, false},
		{"empty", ``, false},
		{"schema violation", `{"user_id":"alice","simulation_id":"../etc","configuration":{}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newRouter(svc), http.MethodPost, "/v1/simulations", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			he := decodeError(t, rec)
			assert.Equal(t, apperrors.CodeBadRequest, he.Code)
			if tt.wantErrors {
				assert.Contains(t, he.Details, "errors")
			}
		})
	}
}

func TestSimulations_SubmitBodyTooLarge(t *testing.T) {
	svc := &fakeService{}
	body := `{"user_id":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec := do(t, newRouter(svc), http.MethodPost, "/v1/simulations", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSimulations_Validate(t *testing.T) {
	rec := do(t, newRouter(&fakeService{}), http.MethodPost, "/v1/simulations/validate", validBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var res validator.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.True(t, res.Valid)
}

func TestSimulations_Estimate(t *testing.T) {
	rec := do(t, newRouter(&fakeService{}), http.MethodPost, "/v1/simulations/estimate", validBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EstimateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Estimate)
	assert.Equal(t, 7, resp.Estimate.SimulationDays)
	assert.True(t, resp.Validation.Valid)
}

func TestSimulations_EstimateInvalid(t *testing.T) {
	body := strings.Replace(validBody, `"resolution":"4x5"`, `"resolution":"9x9"`, 1)
	rec := do(t, newRouter(&fakeService{}), http.MethodPost, "/v1/simulations/estimate", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Details, "validation")
}

func TestSimulations_GetAndList(t *testing.T) {
	key := simulation.Key{UserID: "alice", SimulationID: "sim-1"}
	svc := &fakeService{jobs: map[simulation.Key]*simulation.Job{
		key: {UserID: "alice", SimulationID: "sim-1", Status: simulation.StatusRunning},
	}}
	h := newRouter(svc)

	rec := do(t, h, http.MethodGet, "/v1/users/alice/simulations/sim-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job simulation.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, simulation.StatusRunning, job.Status)

	rec = do(t, h, http.MethodGet, "/v1/users/alice/simulations/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/users/alice/simulations?status=running,pending&active=true&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, []simulation.Status{simulation.StatusRunning, simulation.StatusPending}, svc.lastFilter.Statuses)
	assert.True(t, svc.lastFilter.ActiveOnly)
	assert.Equal(t, 5, svc.lastFilter.Limit)

	rec = do(t, h, http.MethodGet, "/v1/users/bob/simulations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"simulations":[]`)
}

func TestSimulations_GetAndListRoundMetrics(t *testing.T) {
	key := simulation.Key{UserID: "alice", SimulationID: "sim-1"}
	compute := 0.023799999
	throughput := 1440.0049
	stored := &simulation.Job{
		UserID:       "alice",
		SimulationID: "sim-1",
		Status:       simulation.StatusCompleted,
		Metrics: simulation.Metrics{
			EstimatedCost:        1.234567891,
			ComputeCost:          &compute,
			ThroughputDaysPerDay: &throughput,
		},
	}
	h := newRouter(&fakeService{jobs: map[simulation.Key]*simulation.Job{key: stored}})

	rec := do(t, h, http.MethodGet, "/v1/users/alice/simulations/sim-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job simulation.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, 1.2346, job.Metrics.EstimatedCost)
	require.NotNil(t, job.Metrics.ComputeCost)
	assert.Equal(t, 0.0238, *job.Metrics.ComputeCost)
	require.NotNil(t, job.Metrics.ThroughputDaysPerDay)
	assert.Equal(t, 1440.0, *job.Metrics.ThroughputDaysPerDay)

	rec = do(t, h, http.MethodGet, "/v1/users/alice/simulations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Simulations, 1)
	assert.Equal(t, 1.2346, list.Simulations[0].Metrics.EstimatedCost)

	// The service's record is never rounded in place.
	assert.Equal(t, 1.234567891, stored.Metrics.EstimatedCost)
	assert.Equal(t, 0.023799999, *stored.Metrics.ComputeCost)
}

func TestSimulations_ListRejectsBadQuery(t *testing.T) {
	for _, q := range []string{"status=sleeping", "active=maybe", "limit=-1", "limit=x"} {
		rec := do(t, newRouter(&fakeService{}), http.MethodGet, "/v1/users/alice/simulations?"+q, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("query %q: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestSimulations_Cancel(t *testing.T) {
	var gotReason string
	svc := &fakeService{cancel: func(key simulation.Key, reason string) (*cancellation.Result, error) {
		gotReason = reason
		if key.SimulationID == "done" {
			return nil, simulation.Conflict("cancel", simulation.StatusCompleted)
		}
		job := &simulation.Job{UserID: key.UserID, SimulationID: key.SimulationID, Status: simulation.StatusCancelled}
		return &cancellation.Result{
			Job:     job,
			Partial: simulation.NewError(simulation.KindCancellationPartial, "cancel", "stop signals incomplete", errors.New("engine down")),
		}, nil
	}}
	h := newRouter(svc)

	rec := do(t, h, http.MethodPost, "/v1/users/alice/simulations/sim-1/cancel", `{"reason":" wrong dates "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wrong dates", gotReason)
	var resp CancelResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, simulation.StatusCancelled, resp.Simulation.Status)
	assert.Contains(t, resp.PartialFailure, "engine down")

	rec = do(t, h, http.MethodPost, "/v1/users/alice/simulations/sim-1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, gotReason)

	rec = do(t, h, http.MethodPost, "/v1/users/alice/simulations/done/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	he := decodeError(t, rec)
	assert.Equal(t, string(simulation.KindConflict), he.Code)
	assert.Equal(t, "COMPLETED", he.Details["current_status"])

	rec = do(t, h, http.MethodPost, "/v1/users/alice/simulations/sim-1/cancel", `{"reason":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
