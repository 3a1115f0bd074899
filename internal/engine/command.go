package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmgilman/go/exec"
	"go.uber.org/zap"

	"detect-bridge/internal/detect"
)

const stderrExcerpt = 512

type CommandConfig struct {
	// Command is the interpreter or binary, e.g. "python".
	Command string
	// Script is the detect entrypoint passed as the first argument.
	Script string
	// Root is the OS directory RunSpec paths are relative to.
	Root string
	// Dir is the working directory of the subprocess. Empty inherits ours.
	Dir string
}

// WithDefaults returns a copy of CommandConfig with defaults applied.
func (c CommandConfig) WithDefaults() CommandConfig {
	if c.Command == "" {
		c.Command = "python"
	}
	if c.Script == "" {
		c.Script = filepath.Join("yolov5", "detect.py")
	}
	return c
}

// CommandEngine runs a YOLOv5-style detect script as a subprocess, once per
// RunSpec. Cancelling ctx kills the process.
type CommandEngine struct {
	cfg      CommandConfig
	executor exec.Executor
	logger   *zap.Logger
}

// NewCommandEngine creates an engine around executor. The executor is cloned
// for every run, so one instance may be shared by concurrent requests.
func NewCommandEngine(executor exec.Executor, cfg CommandConfig, logger *zap.Logger) *CommandEngine {
	if executor == nil {
		executor = exec.New(exec.WithInheritEnv(), exec.WithDisableColors())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandEngine{
		cfg:      cfg.WithDefaults(),
		executor: executor,
		logger:   logger.Named("engine"),
	}
}

// Args returns the full command line for spec.
func (e *CommandEngine) Args(spec detect.RunSpec) []string {
	args := []string{
		e.cfg.Command,
		e.cfg.Script,
		"--weights", spec.Weights,
		"--source", e.abs(spec.Source),
		"--conf-thres", detect.FormatThreshold(spec.Confidence),
		"--iou-thres", detect.FormatThreshold(spec.IoU),
		"--project", e.abs(spec.OutputRoot),
		"--name", spec.Name,
		"--exist-ok",
	}
	if classes := strings.Fields(spec.Classes); len(classes) > 0 {
		args = append(args, "--classes")
		args = append(args, classes...)
	}
	return args
}

func (e *CommandEngine) abs(p string) string {
	if filepath.IsAbs(p) || e.cfg.Root == "" {
		return p
	}
	return filepath.Join(e.cfg.Root, p)
}

func (e *CommandEngine) Run(ctx context.Context, spec detect.RunSpec) error {
	start := time.Now()

	ex := e.executor.Clone().WithContext(ctx)
	if e.cfg.Dir != "" {
		ex = ex.WithDir(e.cfg.Dir)
	}

	res, err := ex.Run(e.Args(spec)...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("engine run %s: %w", spec.Name, ctxErr)
		}

		fields := []zap.Field{
			zap.String("run", spec.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		}
		var execErr *exec.ExecError
		if errors.As(err, &execErr) {
			fields = append(fields,
				zap.Int("exit_code", execErr.ExitCode),
				zap.String("stderr", tail(execErr.Stderr, stderrExcerpt)),
			)
		}
		e.logger.Error("engine_command_failed", fields...)
		return fmt.Errorf("engine run %s: %w", spec.Name, err)
	}

	e.logger.Debug("engine_command_done",
		zap.String("run", spec.Name),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// tail keeps the last n bytes, where tracebacks end.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

var _ Engine = (*CommandEngine)(nil)
