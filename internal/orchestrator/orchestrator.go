// Package orchestrator expands one logical request into engine runs and
// collects what they produce.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"detect-bridge/internal/detect"
	"detect-bridge/internal/engine"
	"detect-bridge/internal/metrics"
)

// WorkDir is the isolated working directory of one logical request.
// Paths are relative to the orchestrator's filesystem.
type WorkDir struct {
	Root string
	// Image is the basename of the input image inside ImagesDir.
	Image string
}

func (w WorkDir) ImagesDir() string { return filepath.Join(w.Root, "images") }
func (w WorkDir) RunsDir() string { return filepath.Join(w.Root, "runs") }

// ImagePath is where the input image lives.
func (w WorkDir) ImagePath() string { return filepath.Join(w.ImagesDir(), w.Image) }

// DefaultStopGrace is how long a timed-out run may take to exit after
// its context is cancelled.
const DefaultStopGrace = 5 * time.Second

type Orchestrator struct {
	fs        billy.Filesystem
	engine    engine.Engine
	sem       *semaphore.Weighted
	stopGrace time.Duration
	logger    *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStopGrace overrides DefaultStopGrace. Zero returns immediately.
func WithStopGrace(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.stopGrace = d
	}
}

// New creates an orchestrator. maxConcurrentRuns caps engine invocations
// across all requests in this process; 0 means no cap.
func New(fs billy.Filesystem, eng engine.Engine, maxConcurrentRuns int64, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		fs:        fs,
		engine:    eng,
		stopGrace: DefaultStopGrace,
		logger:    logger.Named("orchestrator"),
	}
	if maxConcurrentRuns > 0 {
		o.sem = semaphore.NewWeighted(maxConcurrentRuns)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs specs in order against work and returns the artifacts that
// were produced, in run order.
//
// A run that completes without writing <runs>/<name>/<image> is skipped.
// A run that exceeds perRunTimeout aborts the whole call with
// detect.ErrEngineTimeout; an engine error aborts it with
// detect.ErrEngineFailure. Either way no artifacts are returned.
func (o *Orchestrator) Execute(ctx context.Context, work WorkDir, specs []detect.RunSpec, perRunTimeout time.Duration) ([]detect.Artifact, error) {
	artifacts := make([]detect.Artifact, 0, len(specs))

	for _, base := range specs {
		spec := base.WithDirs(work.ImagesDir(), work.RunsDir())

		// A leftover output dir would make a stale file look like this run's result.
		if err := util.RemoveAll(o.fs, spec.OutputDir()); err != nil {
			return nil, fmt.Errorf("%w: clear output of run %s: %w", detect.ErrEngineFailure, spec.Name, err)
		}

		start := time.Now()
		if err := o.run(ctx, spec, perRunTimeout); err != nil {
			outcome := "error"
			if errors.Is(err, detect.ErrEngineTimeout) {
				outcome = "timeout"
			}
			metrics.EngineRunSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
			return nil, err
		}

		out := filepath.Join(spec.OutputDir(), work.Image)
		if _, err := o.fs.Stat(out); err != nil {
			metrics.EngineRunSeconds.WithLabelValues("empty").Observe(time.Since(start).Seconds())
			o.logger.Info("engine_run_no_output",
				zap.String("run", spec.Name),
				zap.String("expected", out),
			)
			continue
		}

		metrics.EngineRunSeconds.WithLabelValues("produced").Observe(time.Since(start).Seconds())
		artifacts = append(artifacts, detect.Artifact{Path: out, Label: spec.Label})
	}

	return artifacts, nil
}

// run invokes the engine on its own goroutine and waits for it or the
// deadline. Waiting for a run slot counts against the deadline. On timeout
// the engine's context is cancelled and run waits at most stopGrace for
// the engine to exit.
func (o *Orchestrator) run(ctx context.Context, spec detect.RunSpec, timeout time.Duration) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var err error
	if o.sem != nil {
		err = o.sem.Acquire(runCtx, 1)
	}
	if err == nil {
		done := make(chan error, 1)
		go func() {
			if o.sem != nil {
				defer o.sem.Release(1)
			}
			done <- o.engine.Run(runCtx, spec)
		}()

		select {
		case err = <-done:
		case <-runCtx.Done():
			err = runCtx.Err()
			cancel()
			o.awaitStop(spec, done)
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		o.logger.Warn("engine_run_timeout",
			zap.String("run", spec.Name),
			zap.Duration("timeout", timeout),
		)
		return fmt.Errorf("%w: run %s after %s", detect.ErrEngineTimeout, spec.Name, timeout)
	default:
		o.logger.Error("engine_run_failed",
			zap.String("run", spec.Name),
			zap.Error(err),
		)
		return fmt.Errorf("%w: run %s: %w", detect.ErrEngineFailure, spec.Name, err)
	}
}

// awaitStop waits up to stopGrace for a cancelled engine to return, so the
// request's working directory is not removed under a live process.
func (o *Orchestrator) awaitStop(spec detect.RunSpec, done <-chan error) {
	if o.stopGrace <= 0 {
		return
	}
	t := time.NewTimer(o.stopGrace)
	defer t.Stop()

	select {
	case <-done:
	case <-t.C:
		o.logger.Error("engine_run_abandoned",
			zap.String("run", spec.Name),
			zap.Duration("grace", o.stopGrace),
		)
	}
}
