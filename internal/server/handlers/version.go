package handlers

import (
	"net/http"
	"runtime"
	"sync"

	"github.com/fulmenhq/gofulmen/crucible"

	apperrors "github.com/scttfrdmn/aws-geos-chem-sub000/internal/errors"
)

// VersionResponse is the /version body.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Crucible  string `json:"crucible_version,omitempty"`
	Gofulmen  string `json:"gofulmen_version,omitempty"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionResponse{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records build metadata for /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// VersionHandler reports build metadata.
func VersionHandler(w http.ResponseWriter, _ *http.Request) {
	versionMu.RLock()
	resp := versionInfo
	versionMu.RUnlock()

	resp.GoVersion = runtime.Version()
	v := crucible.GetVersion()
	resp.Crucible = v.Crucible
	resp.Gofulmen = v.Gofulmen
	apperrors.WriteJSON(w, http.StatusOK, resp)
}
