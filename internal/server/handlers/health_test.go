package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/app"
	apperrors "github.com/scttfrdmn/aws-geos-chem-sub000/internal/errors"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/compute/computetest"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore/file"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/storage"
	filestorage "github.com/scttfrdmn/aws-geos-chem-sub000/pkg/storage/file"
)

// unreachableStore fails every query the way a throttled table does.
type unreachableStore struct {
	*file.Store
}

func (unreachableStore) Query(context.Context, string, jobstore.Filter) ([]*simulation.Job, error) {
	return nil, errors.New("ProvisionedThroughputExceededException: rate of requests exceeds the allowed throughput")
}

// hangingStorage never answers a listing before the caller gives up.
type hangingStorage struct {
	storage.Storage
}

func (hangingStorage) List(ctx context.Context, _ storage.ListOptions) (*storage.ListResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// serviceManager registers the service's dependency probes the way serve does.
func serviceManager(t *testing.T, wrapStore func(*file.Store) jobstore.Store, wrapStorage func(storage.Storage) storage.Storage) *HealthManager {
	t.Helper()
	store, err := file.New(t.TempDir())
	require.NoError(t, err)
	objects, err := filestorage.New(filestorage.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	var js jobstore.Store = store
	if wrapStore != nil {
		js = wrapStore(store)
	}
	var st storage.Storage = objects
	if wrapStorage != nil {
		st = wrapStorage(objects)
	}
	svc, err := app.Assemble(app.Components{Store: js, Backend: computetest.New(), Storage: st}, app.Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	m := NewHealthManager("0.4.0")
	for name, c := range svc.Checkers() {
		m.RegisterChecker(name, c)
	}
	return m
}

func TestHealth_ServiceDependenciesHealthy(t *testing.T) {
	m := serviceManager(t, nil, nil)

	rec := httptest.NewRecorder()
	m.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "0.4.0", resp.Version)
	assert.Equal(t, map[string]string{"metadata_store": "healthy", "object_storage": "healthy"}, resp.Checks)
}

func TestHealth_UnreachableMetadataStore(t *testing.T) {
	m := serviceManager(t, func(s *file.Store) jobstore.Store { return unreachableStore{s} }, nil)

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeServiceUnavailable, body.Error.Code)
	checks, ok := body.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "details carry per-dependency checks")
	assert.Equal(t, "unhealthy", checks["metadata_store"])
	assert.Equal(t, "healthy", checks["object_storage"])
}

func TestHealth_HangingStorageIsDegraded(t *testing.T) {
	m := serviceManager(t, nil, func(s storage.Storage) storage.Storage { return hangingStorage{s} })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil).WithContext(ctx))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["object_storage"])
	assert.Equal(t, "healthy", resp.Checks["metadata_store"])
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	tests := []struct {
		checks map[string]string
		want   string
	}{
		{map[string]string{}, "healthy"},
		{map[string]string{"metadata_store": "healthy", "object_storage": "timeout"}, "degraded"},
		{map[string]string{"metadata_store": "unhealthy", "object_storage": "timeout"}, "unhealthy"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.determineOverallStatus(tt.checks), "%v", tt.checks)
	}
}

func TestPackageHandlers(t *testing.T) {
	original := globalHealthManager
	t.Cleanup(func() { globalHealthManager = original })

	handlers := map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	}

	globalHealthManager = nil
	assert.Nil(t, GetHealthManager())
	for path, h := range handlers {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}

	InitHealthManager("0.4.0")
	require.NotNil(t, GetHealthManager())
	for path, h := range handlers {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
