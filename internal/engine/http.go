package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"

	"detect-bridge/internal/detect"
)

const maxOutputSize = 64 << 20

// HTTPEngine sends each run to a remote inference service:
//
//	POST {BaseURL}/v1/detect  (multipart: image, weights, conf_thres, iou_thres, classes, name)
//
// 200 carries the annotated image, which is written to the run's output
// directory under the input basename. 204 means nothing was drawn.
type HTTPEngine struct {
	cfg        HTTPConfig
	fs         billy.Filesystem
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPEngine creates a remote engine reading inputs from and writing
// outputs to fs.
func NewHTTPEngine(fs billy.Filesystem, cfg HTTPConfig, logger *zap.Logger) (*HTTPEngine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: defaultTransport(cfg)}
	}

	return &HTTPEngine{
		cfg:        cfg,
		fs:         fs,
		httpClient: httpClient,
		logger:     logger.Named("engine"),
	}, nil
}

func (e *HTTPEngine) Run(ctx context.Context, spec detect.RunSpec) error {
	start := time.Now()

	inputs, err := e.fs.ReadDir(spec.Source)
	if err != nil {
		return fmt.Errorf("engine run %s: read source: %w", spec.Name, err)
	}

	for _, in := range inputs {
		if in.IsDir() {
			continue
		}
		if err := e.runOne(ctx, spec, in.Name()); err != nil {
			return fmt.Errorf("engine run %s: %w", spec.Name, err)
		}
	}

	e.logger.Debug("engine_http_done",
		zap.String("run", spec.Name),
		zap.Int("inputs", len(inputs)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (e *HTTPEngine) runOne(ctx context.Context, spec detect.RunSpec, basename string) error {
	image, err := util.ReadFile(e.fs, filepath.Join(spec.Source, basename))
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	body, contentType, err := encodeRunRequest(spec, basename, image)
	if err != nil {
		return err
	}

	url := e.cfg.BaseURL + "/v1/detect"

	// fresh request per attempt; the body reader is consumed
	doOnce := func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		if e.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
		}
		return e.httpClient.Do(req)
	}

	resp, err := e.doWithRetry(ctx, doOnce)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return e.upstreamError(resp)
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(out) == 0 {
		return nil
	}

	if err := e.fs.MkdirAll(spec.OutputDir(), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := util.WriteFile(e.fs, filepath.Join(spec.OutputDir(), basename), out, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func encodeRunRequest(spec detect.RunSpec, basename string, image []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile(fieldImage, basename)
	if err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}

	fields := [][2]string{
		{fieldWeights, spec.Weights},
		{fieldConf, detect.FormatThreshold(spec.Confidence)},
		{fieldIoU, detect.FormatThreshold(spec.IoU)},
		{fieldName, spec.Name},
	}
	if spec.Classes != "" {
		fields = append(fields, [2]string{fieldClasses, spec.Classes})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("encode %s: %w", f[0], err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("encode request: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func (e *HTTPEngine) upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var perr providerErrorResponse
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		e.logger.Error("engine_http_provider_error",
			zap.Int("status", resp.StatusCode),
			zap.String("error_type", perr.Error.Type),
			zap.String("error_message", perr.Error.Message),
		)
		return fmt.Errorf("upstream %d: %s (%s)", resp.StatusCode, perr.Error.Message, perr.Error.Type)
	}

	e.logger.Error("engine_http_upstream_error",
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncate(string(body), 200)),
	)
	return fmt.Errorf("upstream %d: %s", resp.StatusCode, truncate(string(body), 200))
}

// Close releases idle connections.
func (e *HTTPEngine) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var _ Engine = (*HTTPEngine)(nil)
