package tokencache

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cssd/src/cssd/entity"
	"github.com/uber/cssd/src/cssd/mapper"
	"github.com/uber/cssd/src/cssd/model"
	"go.uber.org/config"
	"go.uber.org/fx"
)

const (
	_configKeyMaxEntries = "cache.maxEntries"
	// DefaultMaxEntries bounds the cache when no size is configured.
	DefaultMaxEntries = 512
)

// Repository stores compilation results by cache key.
type Repository interface {
	// Get returns the cached result for key, if any.
	Get(ctx context.Context, key entity.CacheKey) (*entity.CompileResult, bool)
	// Set stores a result for key, evicting the least recently used entry when full.
	Set(ctx context.Context, key entity.CacheKey, cssFile string, result *entity.CompileResult) error
	// SetIfCurrent stores a result like Set unless one of its dependencies was
	// invalidated after epoch. It reports whether the result was stored.
	SetIfCurrent(ctx context.Context, key entity.CacheKey, cssFile string, result *entity.CompileResult, epoch uint64) (bool, error)
	// Epoch returns a counter that advances on every invalidation.
	Epoch(ctx context.Context) uint64
	// InvalidatePath drops every entry that depends on path and returns how many were dropped.
	InvalidatePath(ctx context.Context, path string) int
	// Dependencies returns every file some cached entry depends on.
	Dependencies(ctx context.Context) []string
	// Len returns the number of cached entries.
	Len(ctx context.Context) int
}

// Params are inbound parameters to initialize the repository.
type Params struct {
	fx.In

	Config config.Provider
	Stats  tally.Scope
}

type repository struct {
	mu      sync.Mutex
	entries *lru.Cache
	// byPath indexes cache keys by the files their entries depend on.
	byPath map[string]map[entity.CacheKey]struct{}
	gauge  tally.Gauge

	epoch uint64
	// invalidatedAt holds the epoch of each path's latest invalidation.
	// Results compiled before floor are never stored once it has been reset.
	invalidatedAt  map[string]uint64
	floor          uint64
	maxInvalidated int
}

// New returns a bounded in-memory token cache.
func New(p Params) (Repository, error) {
	maxEntries := DefaultMaxEntries
	if v := p.Config.Get(_configKeyMaxEntries); v.HasValue() {
		if err := v.Populate(&maxEntries); err != nil {
			return nil, fmt.Errorf("reading %s: %w", _configKeyMaxEntries, err)
		}
	}
	if maxEntries <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %d", _configKeyMaxEntries, maxEntries)
	}
	return newRepository(maxEntries, p.Stats), nil
}

func newRepository(maxEntries int, stats tally.Scope) *repository {
	r := &repository{
		entries:        lru.New(maxEntries),
		byPath:         make(map[string]map[entity.CacheKey]struct{}),
		gauge:          stats.Gauge("cache.entries"),
		invalidatedAt:  make(map[string]uint64),
		maxInvalidated: 4 * maxEntries,
	}
	r.entries.OnEvicted = r.unindex
	return r
}

// Get returns the cached result for key.
func (r *repository) Get(ctx context.Context, key entity.CacheKey) (*entity.CompileResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.entries.Get(key)
	if !ok {
		return nil, false
	}
	return mapper.ModelToCompileResult(v.(*model.TokenEntry)), true
}

// Set stores result under key.
func (r *repository) Set(ctx context.Context, key entity.CacheKey, cssFile string, result *entity.CompileResult) error {
	if result == nil {
		return fmt.Errorf("can't cache nil result for %s", cssFile)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.set(key, cssFile, result)
	return nil
}

// SetIfCurrent stores result under key unless a dependency changed since epoch.
func (r *repository) SetIfCurrent(ctx context.Context, key entity.CacheKey, cssFile string, result *entity.CompileResult, epoch uint64) (bool, error) {
	if result == nil {
		return false, fmt.Errorf("can't cache nil result for %s", cssFile)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if epoch < r.floor {
		return false, nil
	}
	for _, dep := range result.Dependencies {
		if r.invalidatedAt[dep] > epoch {
			return false, nil
		}
	}
	r.set(key, cssFile, result)
	return true, nil
}

// Epoch returns the current invalidation epoch.
func (r *repository) Epoch(ctx context.Context) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.epoch
}

// set is called with r.mu held.
func (r *repository) set(key entity.CacheKey, cssFile string, result *entity.CompileResult) {
	// Replacing an entry must drop the old dependency index first.
	r.entries.Remove(key)

	entry := mapper.CompileResultToModel(cssFile, result)
	r.entries.Add(key, entry)
	for _, dep := range entry.Dependencies {
		keys, ok := r.byPath[dep]
		if !ok {
			keys = make(map[entity.CacheKey]struct{})
			r.byPath[dep] = keys
		}
		keys[key] = struct{}{}
	}
	r.gauge.Update(float64(r.entries.Len()))
}

// InvalidatePath drops every entry depending on path.
func (r *repository) InvalidatePath(ctx context.Context, path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.epoch++
	if len(r.invalidatedAt) >= r.maxInvalidated {
		r.invalidatedAt = make(map[string]uint64)
		r.floor = r.epoch
	}
	r.invalidatedAt[path] = r.epoch

	keys := r.byPath[path]
	dropped := 0
	for key := range keys {
		if _, ok := r.entries.Get(key); ok {
			r.entries.Remove(key)
			dropped++
		}
	}
	delete(r.byPath, path)
	r.gauge.Update(float64(r.entries.Len()))
	return dropped
}

// Dependencies returns every indexed dependency path.
func (r *repository) Dependencies(ctx context.Context) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.byPath))
	for p := range r.byPath {
		paths = append(paths, p)
	}
	return paths
}

// Len returns the number of cached entries.
func (r *repository) Len(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.entries.Len()
}

// unindex is called by the LRU with r.mu held.
func (r *repository) unindex(k lru.Key, v interface{}) {
	key := k.(entity.CacheKey)
	for _, dep := range v.(*model.TokenEntry).Dependencies {
		keys := r.byPath[dep]
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.byPath, dep)
		}
	}
}
