package handlers

import (
	"net/http"

	"detect-bridge/internal/detect"
)

type presetResponse struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Classes string `json:"classes"`
}

// Presets handles GET /v1/presets: the named class filters accepted by the
// preset form field.
func Presets(w http.ResponseWriter, _ *http.Request) {
	all := detect.Presets()
	out := make([]presetResponse, 0, len(all))
	for _, p := range all {
		out = append(out, presetResponse{Name: p.Name, Title: p.Title, Classes: p.Classes})
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": out})
}
