// Package compile implements the token cache daemon logic: cached,
// de-duplicated compilation and dependency-driven invalidation.
package compile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cssd/src/css-lib/compiler"
	"github.com/uber/cssd/src/cssd/entity"
	cssderrors "github.com/uber/cssd/src/cssd/internal/errors"
	"github.com/uber/cssd/src/cssd/mapper"
	"github.com/uber/cssd/src/cssd/repository/tokencache"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const _configKeyWatchDependencies = "cache.watchDependencies"

const _invalidatingOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// Controller serves compile requests.
type Controller interface {
	// Compile returns the tokens for req, compiling at most once per distinct
	// request no matter how many callers ask concurrently.
	Compile(ctx context.Context, req *entity.CompileRequest) (*entity.CompileResult, error)
	// Invalidate drops every cached result that depends on path.
	Invalidate(ctx context.Context, path string) int
}

// Params are inbound parameters to initialize a new controller.
type Params struct {
	fx.In

	Config    config.Provider
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
	Compiler  compiler.Compiler
	Cache     tokencache.Repository
	Stats     tally.Scope
}

type controller struct {
	logger   *zap.SugaredLogger
	compiler compiler.Compiler
	cache    tokencache.Repository
	stats    tally.Scope
	group    singleflight.Group

	watchEnabled bool
	watchMu      sync.Mutex
	watcher      *fsnotify.Watcher
	watchedDirs  map[string]struct{}
	// pendingDirs counts compilations in flight per directory; they are never pruned.
	pendingDirs map[string]int
	watchDone   chan struct{}
}

// New creates a new compile controller.
func New(p Params) (Controller, error) {
	watch := true
	if v := p.Config.Get(_configKeyWatchDependencies); v.HasValue() {
		if err := v.Populate(&watch); err != nil {
			return nil, fmt.Errorf("reading %s: %w", _configKeyWatchDependencies, err)
		}
	}

	c := &controller{
		logger:       p.Logger.With("component", "compile"),
		compiler:     p.Compiler,
		cache:        p.Cache,
		stats:        p.Stats.SubScope("compile"),
		watchEnabled: watch,
		watchedDirs:  make(map[string]struct{}),
		pendingDirs:  make(map[string]int),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: c.startWatching,
		OnStop:  c.stopWatching,
	})
	return c, nil
}

// Compile returns cached tokens or compiles the stylesheet.
func (c *controller) Compile(ctx context.Context, req *entity.CompileRequest) (*entity.CompileResult, error) {
	c.stats.Counter("requests").Inc(1)
	sw := c.stats.Timer("latency").Start()
	defer sw.Stop()

	key, err := mapper.CompileRequestToCacheKey(req)
	if err != nil {
		c.stats.Counter("errors").Inc(1)
		return nil, err
	}

	if res, ok := c.cache.Get(ctx, key); ok {
		c.stats.Counter("cache_hit").Inc(1)
		return res, nil
	}
	c.stats.Counter("cache_miss").Inc(1)

	v, err, shared := c.group.Do(key.String(), func() (interface{}, error) {
		// A call that finished between the lookup above and this one has already cached its result.
		if res, ok := c.cache.Get(ctx, key); ok {
			return res, nil
		}
		return c.compile(context.WithoutCancel(ctx), key, req)
	})
	if shared {
		c.stats.Counter("deduplicated").Inc(1)
	}
	if err != nil {
		c.stats.Counter("errors").Inc(1)
		return nil, err
	}
	return v.(*entity.CompileResult), nil
}

func (c *controller) compile(ctx context.Context, key entity.CacheKey, req *entity.CompileRequest) (*entity.CompileResult, error) {
	// Edits made while the backend reads the stylesheet must advance the epoch
	// past the one recorded here, so the directory is watched before compiling.
	epoch := c.cache.Epoch(ctx)
	release := c.holdWatch(req.CSSFile)
	defer release()

	out, err := c.compiler.Compile(ctx, req.CSSFile, req.Config)
	if err != nil {
		c.logger.Infow("compilation failed", "cssFile", req.CSSFile, "error", err)
		return nil, &cssderrors.CompileError{CSSFile: req.CSSFile, Message: err.Error()}
	}

	res := &entity.CompileResult{Tokens: out.Tokens, Dependencies: out.Dependencies}
	if res.Tokens == nil {
		res.Tokens = entity.Tokens{}
	}
	stored, err := c.cache.SetIfCurrent(ctx, key, req.CSSFile, res, epoch)
	if err != nil {
		return nil, err
	}
	if !stored {
		c.stats.Counter("stale").Inc(1)
		c.logger.Debugw("dependency changed while compiling, result not cached", "cssFile", req.CSSFile)
		return res, nil
	}
	c.watch(res.Dependencies)
	c.logger.Debugw("compiled", "cssFile", req.CSSFile, "key", key.String(), "tokens", len(res.Tokens))
	return res, nil
}

// Invalidate drops cached results depending on path.
func (c *controller) Invalidate(ctx context.Context, path string) int {
	n := c.cache.InvalidatePath(ctx, filepath.Clean(path))
	if n > 0 {
		c.stats.Counter("invalidations").Inc(int64(n))
		c.logger.Debugw("invalidated cached tokens", "path", path, "entries", n)
		c.pruneWatches(ctx)
	}
	return n
}

func (c *controller) startWatching(ctx context.Context) error {
	if !c.watchEnabled {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating dependency watcher: %w", err)
	}

	c.watchMu.Lock()
	c.watcher = w
	c.watchDone = make(chan struct{})
	c.watchMu.Unlock()

	go c.watchLoop(w, c.watchDone)
	return nil
}

func (c *controller) stopWatching(ctx context.Context) error {
	c.watchMu.Lock()
	w, done := c.watcher, c.watchDone
	c.watcher = nil
	c.watchMu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	return err
}

func (c *controller) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&_invalidatingOps != 0 {
				c.Invalidate(context.Background(), ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logger.Warnw("dependency watcher error", "error", err)
		}
	}
}

// holdWatch watches the directory of cssFile until the returned func is called.
func (c *controller) holdWatch(cssFile string) func() {
	dir := filepath.Dir(cssFile)

	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	if c.watcher == nil {
		return func() {}
	}
	c.pendingDirs[dir]++
	c.addWatchLocked(dir)

	return func() {
		c.watchMu.Lock()
		defer c.watchMu.Unlock()

		if c.pendingDirs[dir]--; c.pendingDirs[dir] <= 0 {
			delete(c.pendingDirs, dir)
		}
	}
}

// watch adds the directories of deps to the watcher. Directories are
// watched rather than files so that editors replacing a file by rename
// are still noticed.
func (c *controller) watch(deps []string) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	if c.watcher == nil {
		return
	}
	for _, dep := range deps {
		c.addWatchLocked(filepath.Dir(dep))
	}
}

// addWatchLocked is called with c.watchMu held and c.watcher set.
func (c *controller) addWatchLocked(dir string) {
	if _, ok := c.watchedDirs[dir]; ok {
		return
	}
	if err := c.watcher.Add(dir); err != nil {
		c.logger.Warnw("unable to watch dependency directory", "dir", dir, "error", err)
		return
	}
	c.watchedDirs[dir] = struct{}{}
}

// pruneWatches stops watching directories that no cached entry depends on anymore.
func (c *controller) pruneWatches(ctx context.Context) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	if c.watcher == nil {
		return
	}
	needed := make(map[string]struct{})
	for _, dep := range c.cache.Dependencies(ctx) {
		needed[filepath.Dir(dep)] = struct{}{}
	}
	for dir := range c.watchedDirs {
		if _, ok := needed[dir]; ok {
			continue
		}
		if c.pendingDirs[dir] > 0 {
			continue
		}
		if err := c.watcher.Remove(dir); err != nil {
			c.logger.Debugw("unable to stop watching directory", "dir", dir, "error", err)
		}
		delete(c.watchedDirs, dir)
	}
}
