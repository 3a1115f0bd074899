package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"detect-bridge/internal/cache"
	"detect-bridge/internal/detect"
	"detect-bridge/internal/engine"
	"detect-bridge/internal/gate"
	"detect-bridge/internal/orchestrator"
)

type harness struct {
	fs    billy.Filesystem
	store *cache.Store
	svc   *DetectionService

	mu    sync.Mutex
	calls []detect.RunSpec

	// hooks, keyed by run name
	skip  map[string]bool
	block map[string]chan struct{}
}

func newHarness(t *testing.T, capacity int, timeout time.Duration) *harness {
	t.Helper()
	return newHarnessOn(t, memfs.New(), capacity, timeout)
}

func newHarnessOn(t *testing.T, fs billy.Filesystem, capacity int, timeout time.Duration) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		fs:    fs,
		skip:  map[string]bool{},
		block: map[string]chan struct{}{},
	}

	store, err := cache.NewStore(h.fs, cache.StoreConfig{Capacity: capacity}, logger)
	require.NoError(t, err)
	h.store = store

	eng := engine.Func(h.run)
	h.svc = NewDetectionService(
		Config{RunTimeout: timeout},
		h.fs,
		gate.NewMemoryGate(),
		cache.NewLoggingStore(store),
		orchestrator.New(h.fs, eng, 0, logger),
		logger,
	)
	return h
}

// run writes one annotated file per input image, unless told otherwise.
func (h *harness) run(ctx context.Context, spec detect.RunSpec) error {
	h.mu.Lock()
	h.calls = append(h.calls, spec)
	ch := h.block[spec.Name]
	h.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if h.skip[spec.Name] {
		return nil
	}

	inputs, err := h.fs.ReadDir(spec.Source)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		out := filepath.Join(spec.OutputDir(), in.Name())
		if err := util.WriteFile(h.fs, out, []byte("annotated "+spec.Name), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (h *harness) engineCalls() []detect.RunSpec {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]detect.RunSpec(nil), h.calls...)
}

func (h *harness) assertNoWorkDirs(t *testing.T) {
	t.Helper()
	infos, err := h.fs.ReadDir("work")
	if err != nil {
		assert.True(t, os.IsNotExist(err))
		return
	}
	assert.Empty(t, infos, "per-request working directories must be removed")
}

func fastRequest(requester string, image string) Request {
	return Request{
		RequesterID: requester,
		Image:       []byte(image),
		Filename:    "photo.jpg",
		Mode:        detect.ModeFast,
	}
}

func TestHandleFastMissThenHit(t *testing.T) {
	h := newHarness(t, 10, time.Second)
	ctx := context.Background()

	first, err := h.svc.Handle(ctx, fastRequest("u1", "image-B"))
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	require.Len(t, first.Artifacts, 1)
	assert.Equal(t, filepath.Join("cache", first.Key.String(), "result_1_photo.jpg"), first.Artifacts[0].Path)

	calls := h.engineCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, 0.5, calls[0].Confidence)
	assert.Equal(t, 0.45, calls[0].IoU)
	assert.Equal(t, 1, h.store.Len())

	second, err := h.svc.Handle(ctx, fastRequest("u1", "image-B"))
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.Artifacts, second.Artifacts)
	assert.Len(t, h.engineCalls(), 1, "a cache hit must not invoke the engine")

	h.assertNoWorkDirs(t)
}

func TestHandleBusyWhileInFlight(t *testing.T) {
	h := newHarness(t, 10, 5*time.Second)
	ctx := context.Background()

	unblock := make(chan struct{})
	h.block["fast"] = unblock

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Handle(ctx, fastRequest("u1", "image-B"))
		done <- err
	}()

	require.Eventually(t, func() bool { return len(h.engineCalls()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.svc.Handle(ctx, fastRequest("u1", "image-C"))
	assert.ErrorIs(t, err, detect.ErrBusy)

	// Another requester is not held up.
	h.mu.Lock()
	delete(h.block, "fast")
	h.mu.Unlock()
	other, err := h.svc.Handle(ctx, fastRequest("u2", "image-D"))
	require.NoError(t, err)
	assert.Len(t, other.Artifacts, 1)

	close(unblock)
	require.NoError(t, <-done)

	// The gate was released.
	_, err = h.svc.Handle(ctx, fastRequest("u1", "image-C"))
	require.NoError(t, err)
}

func TestHandleProGridToleratesMissingRun(t *testing.T) {
	h := newHarness(t, 10, time.Second)

	// Run 4 of 6.
	h.skip["iou_001"] = true

	res, err := h.svc.Handle(context.Background(), Request{
		RequesterID: "u1",
		Image:       []byte("image-B2"),
		Filename:    "street.png",
		Mode:        detect.ModePro,
		Classes:     "0 2 7",
	})
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 5)

	calls := h.engineCalls()
	require.Len(t, calls, 6)
	for _, c := range calls {
		assert.Equal(t, "0 2 7", c.Classes)
	}

	for i, a := range res.Artifacts {
		assert.Equal(t, fmt.Sprintf("result_%d_street.png", i+1), filepath.Base(a.Path))
	}
	assert.Equal(t, "IoU = 0.5", res.Artifacts[3].Label)

	h.assertNoWorkDirs(t)
}

func TestHandleTimeoutCachesNothing(t *testing.T) {
	h := newHarness(t, 10, 20*time.Millisecond)
	h.block["conf_050"] = make(chan struct{})
	ctx := context.Background()

	req := fastRequest("u1", "image-B")
	req.Mode = detect.ModePro

	res, err := h.svc.Handle(ctx, req)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, detect.ErrEngineTimeout)
	assert.Equal(t, 0, h.store.Len())
	h.assertNoWorkDirs(t)

	// The gate was released on the error path.
	h.mu.Lock()
	delete(h.block, "conf_050")
	h.mu.Unlock()
	_, err = h.svc.Handle(ctx, req)
	require.NoError(t, err)
}

func TestHandleNothingFound(t *testing.T) {
	h := newHarness(t, 10, time.Second)
	h.skip["fast"] = true

	res, err := h.svc.Handle(context.Background(), fastRequest("u1", "empty-scene"))
	require.NoError(t, err)
	assert.Empty(t, res.Artifacts)
	assert.False(t, res.CacheHit)
	assert.Equal(t, 0, h.store.Len())
	h.assertNoWorkDirs(t)
}

func TestHandleEvictsAtCapacity(t *testing.T) {
	const capacity = 200
	h := newHarness(t, capacity, time.Second)
	ctx := context.Background()

	var firstKey cache.CacheKey
	for i := 0; i <= capacity; i++ {
		res, err := h.svc.Handle(ctx, fastRequest("u1", fmt.Sprintf("image-%d", i)))
		require.NoError(t, err)
		if i == 0 {
			firstKey = res.Key
		}
	}

	assert.Equal(t, capacity, h.store.Len())
	_, err := h.fs.Stat(filepath.Join("cache", firstKey.String()))
	assert.True(t, os.IsNotExist(err))

	before := len(h.engineCalls())
	res, err := h.svc.Handle(ctx, fastRequest("u1", "image-0"))
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Len(t, h.engineCalls(), before+1)
}

func TestHandleIgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t, 10, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.svc.Handle(ctx, fastRequest("u1", "image-B"))
	require.NoError(t, err)
	assert.Len(t, res.Artifacts, 1)
}

func TestHandleRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, 10, time.Second)
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
	}{
		{"empty image", Request{RequesterID: "u1", Mode: detect.ModeFast}},
		{"no requester", Request{Image: []byte("x"), Mode: detect.ModeFast}},
		{"unknown mode", Request{RequesterID: "u1", Image: []byte("x"), Mode: "turbo"}},
		{"bad class", Request{RequesterID: "u1", Image: []byte("x"), Classes: "car"}},
		{"negative class", Request{RequesterID: "u1", Image: []byte("x"), Classes: "-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Handle(ctx, tc.req)
			assert.ErrorIs(t, err, detect.ErrInvalidRequest)
		})
	}
	assert.Empty(t, h.engineCalls())
}

func TestHandleClassFilterIsPartOfKey(t *testing.T) {
	h := newHarness(t, 10, time.Second)
	ctx := context.Background()

	a, err := h.svc.Handle(ctx, fastRequest("u1", "image-B"))
	require.NoError(t, err)

	req := fastRequest("u1", "image-B")
	req.Classes = "0,2"
	b, err := h.svc.Handle(ctx, req)
	require.NoError(t, err)

	assert.NotEqual(t, a.Key, b.Key)
	assert.False(t, b.CacheHit)
}

func TestSanitizeBasename(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "photo.jpg"},
		{"photo.jpg", "photo.jpg"},
		{"../../etc/passwd", "passwd.jpg"},
		{`C:\Users\me\cat 1.png`, "cat_1.png"},
		{".hidden", "photo.jpg"},
		{"file_123.JPEG", "file_123.JPEG"},
		{"снимок.jpg", "______.jpg"},
		{strings.Repeat("a", 300) + ".png", strings.Repeat("a", 100) + ".png"},
		{"shot." + strings.Repeat("x", 40), "shot." + strings.Repeat("x", 40) + ".jpg"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SanitizeBasename(tc.in), "input %q", tc.in)
	}
}

func TestHandleLongFilenameIsCached(t *testing.T) {
	h := newHarnessOn(t, osfs.New(t.TempDir()), 10, time.Second)

	for _, n := range []int{248, 300} {
		req := fastRequest(fmt.Sprintf("u%d", n), fmt.Sprintf("image-%d", n))
		req.Filename = strings.Repeat("a", n) + ".jpg"

		res, err := h.svc.Handle(context.Background(), req)
		require.NoError(t, err, "filename of %d bytes", n)
		require.Len(t, res.Artifacts, 1, "filename of %d bytes", n)

		name := filepath.Base(res.Artifacts[0].Path)
		assert.Equal(t, "result_1_"+strings.Repeat("a", 100)+".jpg", name)
	}
	assert.Len(t, h.engineCalls(), 2)
	h.assertNoWorkDirs(t)
}
