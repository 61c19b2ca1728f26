package handlers

import "net/http"

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	if api.registry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	report := api.registry.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
