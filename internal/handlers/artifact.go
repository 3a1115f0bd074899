package handlers

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-git/go-billy/v5"
	perrors "github.com/jmgilman/go/errors"

	"detect-bridge/internal/cache"
	"detect-bridge/pkg/logging"
)

// ArtifactOpener opens a stored artifact by key and file name.
type ArtifactOpener interface {
	Open(key cache.CacheKey, name string) (billy.File, error)
}

var errArtifactNotFound = perrors.New(perrors.CodeNotFound, "artifact not found")

type ArtifactHandler struct {
	Store ArtifactOpener
}

func NewArtifactHandler(store ArtifactOpener) *ArtifactHandler {
	return &ArtifactHandler{Store: store}
}

// Get handles GET /v1/artifacts/{key}/{name}.
func (h *ArtifactHandler) Get(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	key, err := cache.ParseCacheKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, logger, http.StatusNotFound, errArtifactNotFound)
		return
	}
	name := chi.URLParam(r, "name")

	f, err := h.Store.Open(key, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, logger, http.StatusNotFound, errArtifactNotFound)
			return
		}
		writeServiceError(w, logger, err)
		return
	}
	defer f.Close()

	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")

	http.ServeContent(w, r, name, time.Time{}, f)
}
