package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"detect-bridge/internal/detect"
	"detect-bridge/internal/engine"
)

// fakeEngine writes an output file for every run not listed in skip.
type fakeEngine struct {
	fs    billy.Filesystem
	image string

	mu    sync.Mutex
	calls []string
	skip  map[string]bool
	block map[string]bool
	fail  map[string]error
}

func newFakeEngine(fs billy.Filesystem) *fakeEngine {
	return &fakeEngine{
		fs:    fs,
		image: "photo.jpg",
		skip:  map[string]bool{},
		block: map[string]bool{},
		fail:  map[string]error{},
	}
}

func (f *fakeEngine) Run(ctx context.Context, spec detect.RunSpec) error {
	f.mu.Lock()
	f.calls = append(f.calls, spec.Name)
	f.mu.Unlock()

	if f.block[spec.Name] {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := f.fail[spec.Name]; err != nil {
		return err
	}
	if f.skip[spec.Name] {
		return nil
	}
	return util.WriteFile(f.fs, filepath.Join(spec.OutputDir(), f.image), []byte(spec.Name), 0o644)
}

func (f *fakeEngine) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func setup(t *testing.T) (billy.Filesystem, WorkDir) {
	t.Helper()
	fs := memfs.New()
	work := WorkDir{Root: "work/req-1", Image: "photo.jpg"}
	require.NoError(t, util.WriteFile(fs, work.ImagePath(), []byte("img"), 0o644))
	return fs, work
}

func proSpecs() []detect.RunSpec {
	return detect.BuildRunSpecs(detect.NewParams(detect.ModePro, "", ""))
}

func TestExecuteFast(t *testing.T) {
	fs, work := setup(t)
	eng := newFakeEngine(fs)
	o := New(fs, eng, 0, zaptest.NewLogger(t))

	specs := detect.BuildRunSpecs(detect.NewParams(detect.ModeFast, "", ""))
	got, err := o.Execute(context.Background(), work, specs, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "work/req-1/runs/fast/photo.jpg", got[0].Path)
}

func TestExecuteToleratesMissingOutput(t *testing.T) {
	fs, work := setup(t)
	eng := newFakeEngine(fs)
	eng.skip["iou_001"] = true
	o := New(fs, eng, 0, zaptest.NewLogger(t))

	got, err := o.Execute(context.Background(), work, proSpecs(), time.Second)
	require.NoError(t, err)
	require.Len(t, got, 5)

	names := make([]string, 0, len(got))
	for _, a := range got {
		names = append(names, filepath.Base(filepath.Dir(a.Path)))
	}
	assert.Equal(t, []string{"conf_001", "conf_050", "conf_099", "iou_050", "iou_099"}, names)
	assert.Equal(t, "conf = 0.01", got[0].Label)
	assert.Len(t, eng.called(), 6)
}

func TestExecuteNothingFound(t *testing.T) {
	fs, work := setup(t)
	eng := newFakeEngine(fs)
	for _, s := range proSpecs() {
		eng.skip[s.Name] = true
	}
	o := New(fs, eng, 0, zaptest.NewLogger(t))

	got, err := o.Execute(context.Background(), work, proSpecs(), time.Second)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExecuteTimeoutAbortsRemainingRuns(t *testing.T) {
	fs, work := setup(t)
	eng := newFakeEngine(fs)
	eng.block["conf_050"] = true
	o := New(fs, eng, 0, zaptest.NewLogger(t))

	got, err := o.Execute(context.Background(), work, proSpecs(), 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, detect.ErrEngineTimeout))
	assert.Nil(t, got)
	assert.Equal(t, []string{"conf_001", "conf_050"}, eng.called())
}

func TestExecuteTimeoutDoesNotWaitForStuckEngine(t *testing.T) {
	fs, work := setup(t)
	stuck := make(chan struct{})
	defer close(stuck)

	eng := engine.Func(func(context.Context, detect.RunSpec) error {
		<-stuck // ignores its context
		return nil
	})
	o := New(fs, eng, 0, zaptest.NewLogger(t), WithStopGrace(50*time.Millisecond))

	start := time.Now()
	_, err := o.Execute(context.Background(), work, proSpecs(), 20*time.Millisecond)
	assert.ErrorIs(t, err, detect.ErrEngineTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteTimeoutWaitsForEngineToStop(t *testing.T) {
	fs, work := setup(t)
	var stopped atomic.Bool

	eng := engine.Func(func(ctx context.Context, _ detect.RunSpec) error {
		<-ctx.Done()
		time.Sleep(30 * time.Millisecond) // process teardown
		stopped.Store(true)
		return ctx.Err()
	})
	o := New(fs, eng, 0, zaptest.NewLogger(t), WithStopGrace(time.Second))

	_, err := o.Execute(context.Background(), work, proSpecs(), 20*time.Millisecond)
	assert.ErrorIs(t, err, detect.ErrEngineTimeout)
	assert.True(t, stopped.Load(), "engine must have exited before Execute returns")
}

func TestExecuteSlotWaitCountsAgainstTimeout(t *testing.T) {
	fs, work := setup(t)
	release := make(chan struct{})
	defer close(release)

	eng := engine.Func(func(context.Context, detect.RunSpec) error {
		<-release
		return nil
	})
	o := New(fs, eng, 1, zaptest.NewLogger(t), WithStopGrace(0))

	// The first request holds the only slot past its own timeout.
	_, err := o.Execute(context.Background(), work, proSpecs(), 20*time.Millisecond)
	require.ErrorIs(t, err, detect.ErrEngineTimeout)

	start := time.Now()
	other := WorkDir{Root: "work/req-2", Image: "photo.jpg"}
	_, err = o.Execute(context.Background(), other, proSpecs(), 20*time.Millisecond)
	assert.ErrorIs(t, err, detect.ErrEngineTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteEngineFailure(t *testing.T) {
	fs, work := setup(t)
	eng := newFakeEngine(fs)
	cause := errors.New("model crashed")
	eng.fail["iou_050"] = cause
	o := New(fs, eng, 0, zaptest.NewLogger(t))

	got, err := o.Execute(context.Background(), work, proSpecs(), time.Second)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, detect.ErrEngineFailure)
	assert.ErrorIs(t, err, cause)
	assert.Len(t, eng.called(), 5)
}

func TestExecuteClearsStaleOutput(t *testing.T) {
	fs, work := setup(t)
	stale := filepath.Join(work.RunsDir(), "fast", "photo.jpg")
	require.NoError(t, util.WriteFile(fs, stale, []byte("old"), 0o644))

	eng := newFakeEngine(fs)
	eng.skip["fast"] = true
	o := New(fs, eng, 0, zaptest.NewLogger(t))

	specs := detect.BuildRunSpecs(detect.NewParams(detect.ModeFast, "", ""))
	got, err := o.Execute(context.Background(), work, specs, time.Second)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExecuteCapsConcurrentRuns(t *testing.T) {
	fs := memfs.New()
	var inFlight, peak atomic.Int32

	eng := engine.Func(func(_ context.Context, spec detect.RunSpec) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	o := New(fs, eng, 1, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			work := WorkDir{Root: filepath.Join("work", string(rune('a'+i))), Image: "photo.jpg"}
			_, err := o.Execute(context.Background(), work, proSpecs(), time.Second)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
}
