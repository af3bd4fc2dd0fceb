package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind simulation.Kind
		want int
	}{
		{simulation.KindValidation, http.StatusBadRequest},
		{simulation.KindQuotaExceeded, http.StatusTooManyRequests},
		{simulation.KindNotFound, http.StatusNotFound},
		{simulation.KindAlreadyExists, http.StatusConflict},
		{simulation.KindConflict, http.StatusConflict},
		{simulation.KindDispatch, http.StatusBadGateway},
		{simulation.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusForKind(tt.kind); got != tt.want {
			t.Fatalf("StatusForKind(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestRespondWithError_SimulationError(t *testing.T) {
	err := fmt.Errorf("cancel: %w", simulation.Conflict("cancel", simulation.StatusCompleted))

	rec := httptest.NewRecorder()
	RespondWithError(rec, httptest.NewRequest(http.MethodPost, "/", nil), err)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "CONFLICT", body.Error.Code)
	assert.Equal(t, "CONFLICT", body.Error.Kind)
	assert.Equal(t, "COMPLETED", body.Error.Details["current_status"])
	assert.Contains(t, body.Error.Message, "COMPLETED")
}

func TestRespondWithError_AppError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, nil, NewBadRequest("invalid JSON body", errors.New("unexpected EOF")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeBadRequest, body.Error.Code)
	assert.Empty(t, body.Error.Kind)
	assert.Contains(t, body.Error.Message, "unexpected EOF")
}

func TestRespondWithError_Untyped(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, nil, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeInternal, body.Error.Code)
}
