package handlers

import "net/http"

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}

var buildInfo = VersionInfo{Version: "dev"}

// SetVersionInfo records build metadata for the version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	buildInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// VersionHandler serves GET /version.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildInfo)
}
