package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/deechat/dmcp/pkg/versions"
)

// VersionRouter creates the version info route.
func VersionRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, versions.GetVersionInfo())
	})
	return r
}
