package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"detect-bridge/internal/detect"
	"detect-bridge/internal/metrics"
)

const (
	manifestName    = "manifest.json"
	manifestVersion = "1"
	artifactPrefix  = "result_"
)

// StoreConfig configures the on-disk artifact cache.
type StoreConfig struct {
	Dir      string // cache root, relative to the filesystem (default: "cache")
	Capacity int    // max number of keys (default: 200)
}

// WithDefaults returns a copy of StoreConfig with defaults applied.
func (c StoreConfig) WithDefaults() StoreConfig {
	if c.Dir == "" {
		c.Dir = "cache"
	}
	if c.Capacity <= 0 {
		c.Capacity = 200
	}
	return c
}

type storeEntry struct {
	artifacts []detect.Artifact
}

// manifest is written next to the artifacts so Load can restore labels.
type manifest struct {
	Version   string          `json:"version"`
	Key       string          `json:"key"`
	Artifacts []manifestEntry `json:"artifacts"`
}

type manifestEntry struct {
	File  string `json:"file"`
	Label string `json:"label"`
}

// Store is a bounded, disk-backed LRU cache mapping a CacheKey to the
// artifacts stored under <Dir>/<key>/result_<n>_<basename>.
//
// The in-memory index is the single source of truth for eviction order.
// Get and Put run under one mutex, so the recency update and the evictions
// it triggers are a single critical section.
type Store struct {
	fs     billy.Filesystem
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	index *simplelru.LRU[CacheKey, *storeEntry]
}

// NewStore creates the cache directory and an empty index. Call Load to
// rebuild the index from a previous run, or Reset to start clean.
func NewStore(fs billy.Filesystem, cfg StoreConfig, logger *zap.Logger) (*Store, error) {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create %s: %w", cfg.Dir, err)
	}

	s := &Store{
		fs:     fs,
		dir:    cfg.Dir,
		logger: logger.Named("cache"),
	}

	index, err := simplelru.NewLRU[CacheKey, *storeEntry](cfg.Capacity, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("cache: create index: %w", err)
	}
	s.index = index

	return s, nil
}

// Get returns the stored artifacts for key and marks it most recently used.
// An entry whose files are gone is dropped and reported as a miss.
func (s *Store) Get(_ context.Context, key CacheKey) []detect.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index.Get(key)
	if !ok {
		return nil
	}

	present := s.existing(e.artifacts)
	if len(present) == 0 {
		s.logger.Warn("cache_entry_empty", zap.String("key", key.String()))
		s.index.Remove(key)
		return nil
	}
	e.artifacts = present

	s.touch(key)
	return cloneArtifacts(present)
}

// Put copies sources into the key directory, marks key most recently used
// and evicts from the tail while the index exceeds capacity.
//
// A source that fails to copy is logged and skipped. If nothing survives,
// Put returns nil and the key is not indexed. If key is already cached with
// live files, the existing entry wins and is returned.
func (s *Store) Put(_ context.Context, key CacheKey, sources []detect.Artifact) []detect.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.index.Get(key); ok {
		if present := s.existing(e.artifacts); len(present) > 0 {
			e.artifacts = present
			s.touch(key)
			return cloneArtifacts(present)
		}
		s.index.Remove(key)
	}

	dir := s.entryDir(key)
	if err := util.RemoveAll(s.fs, dir); err != nil {
		s.logger.Warn("cache_clear_stale_failed", zap.String("dir", dir), zap.Error(err))
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("cache_mkdir_failed", zap.String("dir", dir), zap.Error(err))
		return nil
	}

	stored := make([]detect.Artifact, 0, len(sources))
	for i, src := range sources {
		name := fmt.Sprintf("%s%d_%s", artifactPrefix, i+1, filepath.Base(src.Path))
		dst := filepath.Join(dir, name)

		if err := s.copyFile(src.Path, dst); err != nil {
			s.logger.Warn("cache_copy_failed",
				zap.String("key", key.String()),
				zap.String("source", src.Path),
				zap.Error(err),
			)
			_ = s.fs.Remove(dst)
			continue
		}
		stored = append(stored, detect.Artifact{Path: dst, Label: src.Label})
	}

	if len(stored) == 0 {
		if err := util.RemoveAll(s.fs, dir); err != nil {
			s.logger.Warn("cache_remove_failed", zap.String("dir", dir), zap.Error(err))
		}
		return nil
	}

	if err := s.writeManifest(key, stored); err != nil {
		// Load falls back to listing result_* files.
		s.logger.Warn("cache_manifest_write_failed", zap.String("key", key.String()), zap.Error(err))
	}

	s.index.Add(key, &storeEntry{artifacts: stored})
	metrics.CacheEntries.Set(float64(s.index.Len()))

	return cloneArtifacts(stored)
}

// Load rebuilds the index from the cache directory. Entries are ordered by
// directory modification time, oldest first, so the newest end up most
// recently used; anything beyond capacity is evicted. Directories that are
// not valid keys or hold no artifacts are removed.
func (s *Store) Load(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.fs.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cache: read %s: %w", s.dir, err)
	}

	type candidate struct {
		key       CacheKey
		modTime   time.Time
		artifacts []detect.Artifact
	}
	candidates := make([]candidate, 0, len(infos))

	for _, info := range infos {
		path := filepath.Join(s.dir, info.Name())

		key, err := ParseCacheKey(info.Name())
		if err != nil || !info.IsDir() {
			s.logger.Warn("cache_load_skip_invalid", zap.String("path", path))
			if err := util.RemoveAll(s.fs, path); err != nil {
				s.logger.Warn("cache_remove_failed", zap.String("dir", path), zap.Error(err))
			}
			continue
		}

		artifacts := s.readEntry(key)
		if len(artifacts) == 0 {
			s.logger.Warn("cache_load_skip_empty", zap.String("key", key.String()))
			if err := util.RemoveAll(s.fs, path); err != nil {
				s.logger.Warn("cache_remove_failed", zap.String("dir", path), zap.Error(err))
			}
			continue
		}

		candidates = append(candidates, candidate{key: key, modTime: info.ModTime(), artifacts: artifacts})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].modTime.Before(candidates[j].modTime)
	})

	for _, c := range candidates {
		s.index.Add(c.key, &storeEntry{artifacts: c.artifacts})
	}
	metrics.CacheEntries.Set(float64(s.index.Len()))

	s.logger.Info("cache_loaded",
		zap.Int("entries", s.index.Len()),
		zap.Int("found", len(candidates)),
	)
	return nil
}

// Reset empties the index and deletes everything under the cache directory.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index.Purge()
	if err := util.RemoveAll(s.fs, s.dir); err != nil {
		return fmt.Errorf("cache: clear %s: %w", s.dir, err)
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("cache: create %s: %w", s.dir, err)
	}
	metrics.CacheEntries.Set(0)
	return nil
}

// Open opens a stored artifact by key and file name without touching recency.
func (s *Store) Open(key CacheKey, name string) (billy.File, error) {
	if name != filepath.Base(name) || !strings.HasPrefix(name, artifactPrefix) {
		return nil, fmt.Errorf("cache: invalid artifact name %q: %w", name, os.ErrNotExist)
	}

	s.mu.Lock()
	_, ok := s.index.Peek(key)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("cache: key %s: %w", key, os.ErrNotExist)
	}

	return s.fs.Open(filepath.Join(s.entryDir(key), name))
}

// Len returns the number of indexed keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len()
}

// Keys returns the indexed keys, most recently used first.
func (s *Store) Keys() []CacheKey {
	s.mu.Lock()
	keys := s.index.Keys()
	s.mu.Unlock()

	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys
}

// onEvict runs inside the index, under s.mu, after key has left it.
// Deletion is best-effort.
func (s *Store) onEvict(key CacheKey, _ *storeEntry) {
	dir := s.entryDir(key)
	if err := util.RemoveAll(s.fs, dir); err != nil {
		s.logger.Warn("cache_evict_remove_failed", zap.String("key", key.String()), zap.Error(err))
	}
	metrics.CacheEvictionsTotal.Inc()
	metrics.CacheEntries.Set(float64(s.index.Len()))
	s.logger.Debug("cache_evicted", zap.String("key", key.String()))
}

func (s *Store) entryDir(key CacheKey) string {
	return filepath.Join(s.dir, key.String())
}

// touch bumps the entry directory's mtime so Load sees recent use.
// Filesystems without billy.Change keep the creation time.
func (s *Store) touch(key CacheKey) {
	ch, ok := s.fs.(billy.Change)
	if !ok {
		return
	}
	now := time.Now()
	if err := ch.Chtimes(s.entryDir(key), now, now); err != nil {
		s.logger.Debug("cache_touch_failed", zap.String("key", key.String()), zap.Error(err))
	}
}

func (s *Store) existing(artifacts []detect.Artifact) []detect.Artifact {
	present := make([]detect.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if info, err := s.fs.Stat(a.Path); err == nil && !info.IsDir() {
			present = append(present, a)
		}
	}
	return present
}

func (s *Store) copyFile(src, dst string) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := s.fs.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}

// writeManifest writes to a temp file and renames it into place.
func (s *Store) writeManifest(key CacheKey, artifacts []detect.Artifact) error {
	m := manifest{
		Version:   manifestVersion,
		Key:       key.String(),
		Artifacts: make([]manifestEntry, 0, len(artifacts)),
	}
	for _, a := range artifacts {
		m.Artifacts = append(m.Artifacts, manifestEntry{File: filepath.Base(a.Path), Label: a.Label})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := filepath.Join(s.entryDir(key), manifestName)
	tmpPath := path + ".tmp"
	if err := util.WriteFile(s.fs, tmpPath, data, 0o644); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// readEntry restores an entry's artifacts from its manifest, falling back
// to the result_<n>_ files ordered by n.
func (s *Store) readEntry(key CacheKey) []detect.Artifact {
	dir := s.entryDir(key)

	if data, err := util.ReadFile(s.fs, filepath.Join(dir, manifestName)); err == nil {
		var m manifest
		if err := json.Unmarshal(data, &m); err == nil && m.Version == manifestVersion {
			artifacts := make([]detect.Artifact, 0, len(m.Artifacts))
			for _, e := range m.Artifacts {
				artifacts = append(artifacts, detect.Artifact{
					Path:  filepath.Join(dir, filepath.Base(e.File)),
					Label: e.Label,
				})
			}
			if present := s.existing(artifacts); len(present) > 0 {
				return present
			}
		}
	}

	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil
	}

	type numbered struct {
		n    int
		name string
	}
	files := make([]numbered, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		n, ok := artifactNumber(info.Name())
		if !ok {
			continue
		}
		files = append(files, numbered{n: n, name: info.Name()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].n < files[j].n })

	artifacts := make([]detect.Artifact, 0, len(files))
	for _, f := range files {
		artifacts = append(artifacts, detect.Artifact{Path: filepath.Join(dir, f.name)})
	}
	return artifacts
}

// artifactNumber parses n from result_<n>_<basename>.
func artifactNumber(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, artifactPrefix)
	if !ok {
		return 0, false
	}
	num, _, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func cloneArtifacts(in []detect.Artifact) []detect.Artifact {
	out := make([]detect.Artifact, len(in))
	copy(out, in)
	return out
}

var _ ArtifactCache = (*Store)(nil)
