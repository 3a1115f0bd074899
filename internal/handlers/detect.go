package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"detect-bridge/internal/authz"
	"detect-bridge/internal/detect"
	"detect-bridge/internal/middleware"
	"detect-bridge/internal/service"
	"detect-bridge/pkg/logging"
)

const multipartMemory = 8 << 20

// Detector is the detection service as seen by the transport.
type Detector interface {
	Handle(ctx context.Context, req service.Request) (*service.Result, error)
}

// DetectHandler holds dependencies for POST /v1/detect.
type DetectHandler struct {
	Service Detector
	Policy  authz.Policy
}

func NewDetectHandler(svc Detector, policy authz.Policy) *DetectHandler {
	if policy == nil {
		policy = authz.AllowAll{}
	}
	return &DetectHandler{
		Service: svc,
		Policy:  policy,
	}
}

type artifactResponse struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}

type detectResponse struct {
	Status    string             `json:"status"` // ok | nothing_found
	Key       string             `json:"key"`
	Mode      string             `json:"mode"`
	CacheHit  bool               `json:"cache_hit"`
	Artifacts []artifactResponse `json:"artifacts"`
}

// Detect handles POST /v1/detect.
//
// Form fields: image (file, required), mode (fast|pro), and either classes
// ("0 2 7") or preset (person, vehicles, ...). The requester is taken from
// X-Requester-ID, falling back to the client IP.
func (h *DetectHandler) Detect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, logger, http.StatusRequestEntityTooLarge,
				perrors.Wrap(err, perrors.CodeInvalidInput, "request body too large"))
			return
		}
		writeServiceError(w, logger, fmt.Errorf("%w: %w", detect.ErrInvalidRequest, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	image, filename, err := readImage(r)
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}

	mode, err := detect.ParseMode(r.FormValue("mode"))
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}

	classes, err := classFilter(r.FormValue("classes"), r.FormValue("preset"))
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}

	requester := requesterID(r)
	if err := h.Policy.Authorize(ctx, requester, mode); err != nil {
		writeServiceError(w, logger, err)
		return
	}

	res, err := h.Service.Handle(ctx, service.Request{
		RequesterID: requester,
		Image:       image,
		Filename:    filename,
		Mode:        mode,
		Classes:     classes,
	})
	if err != nil {
		writeServiceError(w, logger, err)
		return
	}

	resp := detectResponse{
		Status:    "ok",
		Key:       res.Key.String(),
		Mode:      mode.String(),
		CacheHit:  res.CacheHit,
		Artifacts: make([]artifactResponse, 0, len(res.Artifacts)),
	}
	if len(res.Artifacts) == 0 {
		resp.Status = "nothing_found"
	}
	for _, a := range res.Artifacts {
		resp.Artifacts = append(resp.Artifacts, artifactResponse{
			URL:   ArtifactURL(res.Key.String(), path.Base(a.Path)),
			Label: a.Label,
		})
	}

	logger.Info("detect_response",
		zap.String("status", resp.Status),
		zap.Bool("cache_hit", res.CacheHit),
		zap.Int("artifacts", len(resp.Artifacts)),
		zap.Duration("total_latency", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, resp)
}

// ArtifactURL is the download path of one cached artifact.
func ArtifactURL(key, name string) string {
	return "/v1/artifacts/" + key + "/" + name
}

func readImage(r *http.Request) ([]byte, string, error) {
	file, hdr, err := r.FormFile("image")
	if err != nil {
		return nil, "", fmt.Errorf("%w: missing image file", detect.ErrInvalidRequest)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read image: %w", detect.ErrInvalidRequest, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty image", detect.ErrInvalidRequest)
	}

	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		return nil, "", fmt.Errorf("%w: detected %s", detect.ErrNotAnImage, ct)
	}
	return data, hdr.Filename, nil
}

func classFilter(classes, preset string) (string, error) {
	classes = strings.TrimSpace(classes)
	preset = strings.TrimSpace(preset)

	switch {
	case classes != "" && preset != "":
		return "", fmt.Errorf("%w: use either classes or preset", detect.ErrInvalidRequest)
	case preset != "":
		p, err := detect.LookupPreset(preset)
		if err != nil {
			return "", err
		}
		return p.Classes, nil
	default:
		return detect.NormalizeClasses(classes)
	}
}

func requesterID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(middleware.RequesterHeader)); id != "" {
		return id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// statusFor maps the error taxonomy to HTTP.
func statusFor(code perrors.ErrorCode) int {
	switch code {
	case perrors.CodeRateLimit:
		return http.StatusTooManyRequests
	case perrors.CodeInvalidInput:
		return http.StatusBadRequest
	case perrors.CodeForbidden:
		return http.StatusForbidden
	case perrors.CodeNotFound:
		return http.StatusNotFound
	case perrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case perrors.CodeExecutionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes the coarse error body. Errors outside the
// taxonomy become a generic internal error so nothing internal leaks.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := perrors.GetCode(err)
	if code == perrors.CodeUnknown {
		err = perrors.Wrap(err, perrors.CodeInternal, "internal error")
		code = perrors.CodeInternal
	}
	writeError(w, logger, statusFor(code), err)
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, err error) {
	if status >= 500 {
		logger.Error("request_failed", zap.Int("status", status), zap.Error(err))
	} else {
		logger.Info("request_rejected", zap.Int("status", status), zap.Error(err))
	}

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, perrors.ToJSON(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
