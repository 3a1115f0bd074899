// Package service implements the detection request flow: admit, look up,
// compute on miss, store.
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"detect-bridge/internal/cache"
	"detect-bridge/internal/detect"
	"detect-bridge/internal/gate"
	"detect-bridge/internal/metrics"
	"detect-bridge/internal/orchestrator"
	"detect-bridge/pkg/logging"
)

const (
	defaultImageName = "photo.jpg"

	// The cache stores artifacts as result_<n>_<basename>; these caps keep
	// that name well under the usual 255-byte limit.
	maxStemBytes = 100
	maxExtBytes  = 16
)

// Runner executes the run grid of one request.
type Runner interface {
	Execute(ctx context.Context, work orchestrator.WorkDir, specs []detect.RunSpec, perRunTimeout time.Duration) ([]detect.Artifact, error)
}

type Config struct {
	// Weights is the engine weights identifier; part of every cache key.
	Weights string
	// RunTimeout bounds each engine run.
	RunTimeout time.Duration
	// WorkDir holds per-request working directories.
	WorkDir string
}

func (c Config) WithDefaults() Config {
	if c.Weights == "" {
		c.Weights = detect.DefaultWeights
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 120 * time.Second
	}
	if c.WorkDir == "" {
		c.WorkDir = "work"
	}
	return c
}

// Request is one logical detection request. Mode is expected to be
// authorised by the transport already.
type Request struct {
	RequesterID string
	Image       []byte
	// Filename is the uploaded name; only its sanitised basename is used.
	Filename string
	Mode     detect.Mode
	// Classes is a class filter such as "0 2 7"; empty means all.
	Classes string
}

// Result is what a successful request returns. Empty Artifacts means the
// engine found nothing to draw.
type Result struct {
	Key       cache.CacheKey
	Artifacts []detect.Artifact
	CacheHit  bool
}

type DetectionService struct {
	cfg    Config
	fs     billy.Filesystem
	gate   gate.Gate
	cache  cache.ArtifactCache
	runner Runner
	logger *zap.Logger
}

func NewDetectionService(
	cfg Config,
	fs billy.Filesystem,
	g gate.Gate,
	c cache.ArtifactCache,
	runner Runner,
	logger *zap.Logger,
) *DetectionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetectionService{
		cfg:    cfg.WithDefaults(),
		fs:     fs,
		gate:   g,
		cache:  c,
		runner: runner,
		logger: logger.Named("service"),
	}
}

// Handle runs one request. It returns detect.ErrBusy without touching the
// cache or engine when the requester already has a request in flight.
//
// Once admitted the request is not cancelled by ctx; only the per-run
// timeout can abort it.
func (s *DetectionService) Handle(ctx context.Context, req Request) (*Result, error) {
	log := logging.L(ctx).With(
		zap.String("requester_id", req.RequesterID),
		zap.String("mode", req.Mode.String()),
	)

	mode, params, err := s.validate(req)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(modeLabel(req.Mode), "invalid").Inc()
		return nil, err
	}

	release, err := s.gate.TryAdmit(ctx, req.RequesterID)
	if err != nil {
		if errors.Is(err, detect.ErrBusy) {
			metrics.GateRejectionsTotal.Inc()
			metrics.RequestsTotal.WithLabelValues(mode.String(), "busy").Inc()
			log.Info("detect_rejected_busy")
			return nil, err
		}
		metrics.RequestsTotal.WithLabelValues(mode.String(), "error").Inc()
		return nil, fmt.Errorf("admit requester: %w", err)
	}
	defer release()

	key := cache.BuildCacheKey(req.Image, params)
	log = log.With(zap.String("key", key.String()))

	if hit := s.cache.Get(ctx, key); len(hit) > 0 {
		metrics.RequestsTotal.WithLabelValues(mode.String(), "hit").Inc()
		log.Info("detect_cache_hit", zap.Int("artifacts", len(hit)))
		return &Result{Key: key, Artifacts: hit, CacheHit: true}, nil
	}

	// Detached from the caller: a client going away must not abort an
	// admitted request.
	workCtx := logging.WithLogger(context.WithoutCancel(ctx), log)

	artifacts, err := s.compute(workCtx, key, req, params)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(mode.String(), "error").Inc()
		log.Warn("detect_failed", zap.Error(err))
		return nil, err
	}

	outcome := "computed"
	if len(artifacts) == 0 {
		outcome = "empty"
	}
	metrics.RequestsTotal.WithLabelValues(mode.String(), outcome).Inc()
	log.Info("detect_done", zap.String("outcome", outcome), zap.Int("artifacts", len(artifacts)))

	return &Result{Key: key, Artifacts: artifacts}, nil
}

func (s *DetectionService) validate(req Request) (detect.Mode, detect.Params, error) {
	if strings.TrimSpace(req.RequesterID) == "" {
		return "", detect.Params{}, fmt.Errorf("%w: missing requester id", detect.ErrInvalidRequest)
	}
	if len(req.Image) == 0 {
		return "", detect.Params{}, fmt.Errorf("%w: empty image", detect.ErrInvalidRequest)
	}
	mode, err := detect.ParseMode(req.Mode.String())
	if err != nil {
		return "", detect.Params{}, err
	}
	classes, err := detect.NormalizeClasses(req.Classes)
	if err != nil {
		return "", detect.Params{}, err
	}
	return mode, detect.NewParams(mode, s.cfg.Weights, classes), nil
}

// modeLabel keeps arbitrary client input out of metric labels.
func modeLabel(m detect.Mode) string {
	if m == detect.ModeFast || m == detect.ModePro {
		return m.String()
	}
	return "other"
}

// compute materialises the image in a fresh working directory, runs the
// grid and stores what it produced. The working directory is removed on
// every exit path.
func (s *DetectionService) compute(ctx context.Context, key cache.CacheKey, req Request, params detect.Params) ([]detect.Artifact, error) {
	log := logging.L(ctx)

	work := orchestrator.WorkDir{
		Root:  filepath.Join(s.cfg.WorkDir, uuid.NewString()),
		Image: SanitizeBasename(req.Filename),
	}
	defer func() {
		if err := util.RemoveAll(s.fs, work.Root); err != nil {
			log.Warn("work_dir_cleanup_failed", zap.String("dir", work.Root), zap.Error(err))
		}
	}()

	if err := util.WriteFile(s.fs, work.ImagePath(), req.Image, 0o644); err != nil {
		return nil, fmt.Errorf("write input image: %w", err)
	}

	produced, err := s.runner.Execute(ctx, work, detect.BuildRunSpecs(params), s.cfg.RunTimeout)
	if err != nil {
		return nil, err
	}
	if len(produced) == 0 {
		return nil, nil
	}

	return s.cache.Put(ctx, key, produced), nil
}

// SanitizeBasename reduces an uploaded filename to a safe ASCII basename
// that keeps its extension. Long stems are truncated. Unusable names
// become "photo.jpg".
func SanitizeBasename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))

	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)

	if clean == "" || strings.HasPrefix(clean, ".") {
		return defaultImageName
	}

	ext := filepath.Ext(clean)
	stem := strings.TrimSuffix(clean, ext)
	if len(ext) > maxExtBytes {
		stem, ext = clean, ""
	}
	if len(stem) > maxStemBytes {
		stem = stem[:maxStemBytes]
	}
	if ext == "" {
		ext = ".jpg"
	}
	return stem + ext
}
