// Package compiler turns a stylesheet into its exported class-name tokens.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/uber/cssd/src/css-lib/scanner"
	"github.com/uber/cssd/src/css-lib/scopedname"
)

// Compiler produces the token mapping of one stylesheet.
type Compiler interface {
	// Compile reads cssFile and every stylesheet it composes from. config is
	// the opaque configuration object sent by the caller.
	Compile(ctx context.Context, cssFile string, config json.RawMessage) (*Result, error)
}

// FileReader reads stylesheet sources.
type FileReader interface {
	ReadFile(name string) ([]byte, error)
}

// Result is the outcome of one compilation.
type Result struct {
	// Tokens maps each local class name to its space-separated generated names.
	Tokens map[string]string
	// Dependencies lists every file the result was derived from, cssFile first.
	Dependencies []string
}

// Option configures a compiler.
type Option func(*compilerImpl)

// WithWorkingDir sets the directory used when a config has no rootDir.
func WithWorkingDir(dir string) Option {
	return func(c *compilerImpl) {
		c.workingDir = dir
	}
}

type compilerImpl struct {
	reader     FileReader
	workingDir string
}

// New creates a Compiler reading sources through reader.
func New(reader FileReader, opts ...Option) Compiler {
	c := &compilerImpl{reader: reader}
	for _, opt := range opts {
		opt(c)
	}
	if c.workingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			c.workingDir = wd
		}
	}
	return c
}

// Compile implements Compiler.
func (c *compilerImpl) Compile(ctx context.Context, cssFile string, config json.RawMessage) (*Result, error) {
	run := &compilation{
		ctx:      ctx,
		reader:   c.reader,
		opts:     DecodeOptions(config, c.workingDir),
		sheets:   make(map[string]*scanner.Sheet),
		resolved: make(map[string][]string),
		visiting: make(map[string]bool),
		seenDeps: make(map[string]bool),
	}

	sheet, err := run.load(cssFile)
	if err != nil {
		return nil, err
	}
	for _, imp := range sheet.Imports {
		if target, ok := localTarget(cssFile, imp); ok {
			run.addDependency(target)
		}
	}

	tokens := make(map[string]string, len(sheet.Classes))
	for _, class := range sheet.Classes {
		names, err := run.resolve(cssFile, class)
		if err != nil {
			return nil, err
		}
		tokens[class] = strings.Join(names, " ")
	}

	return &Result{Tokens: tokens, Dependencies: run.deps}, nil
}

type compilation struct {
	ctx    context.Context
	reader FileReader
	opts   Options

	sheets   map[string]*scanner.Sheet
	resolved map[string][]string
	visiting map[string]bool
	seenDeps map[string]bool
	deps     []string
}

func (r *compilation) load(path string) (*scanner.Sheet, error) {
	if sheet, ok := r.sheets[path]; ok {
		return sheet, nil
	}
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}

	r.addDependency(path)
	src, err := r.reader.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	sheet, err := scanner.Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", path, err)
	}
	r.sheets[path] = sheet
	return sheet, nil
}

// resolve returns the generated names of class in path: its own scoped
// name followed by everything it composes.
func (r *compilation) resolve(path, class string) ([]string, error) {
	key := path + "\x00" + class
	if names, ok := r.resolved[key]; ok {
		return names, nil
	}
	if r.visiting[key] {
		return nil, fmt.Errorf("%s: composes cycle through %q", path, class)
	}
	r.visiting[key] = true
	defer delete(r.visiting, key)

	own, err := scopedname.Render(r.opts.GenerateScopedName, scopedname.Input{
		Local:      class,
		Path:       r.relative(path),
		HashPrefix: r.opts.HashPrefix,
	})
	if err != nil {
		return nil, err
	}

	names := []string{own}
	sheet := r.sheets[path]
	for _, comp := range sheet.Composes[class] {
		composed, err := r.compose(path, comp)
		if err != nil {
			return nil, err
		}
		names = appendUnique(names, composed...)
	}

	r.resolved[key] = names
	return names, nil
}

func (r *compilation) compose(path string, comp scanner.Composition) ([]string, error) {
	if comp.From == scanner.FromGlobal {
		return comp.Names, nil
	}

	target := path
	if comp.From != "" {
		var ok bool
		if target, ok = localTarget(path, comp.From); !ok {
			return nil, fmt.Errorf("%s: cannot compose from %q", path, comp.From)
		}
	}
	sheet, err := r.load(target)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, name := range comp.Names {
		if !hasClass(sheet, name) {
			return nil, fmt.Errorf("%s: composed class %q is not defined in %s", path, name, target)
		}
		composed, err := r.resolve(target, name)
		if err != nil {
			return nil, err
		}
		names = appendUnique(names, composed...)
	}
	return names, nil
}

func (r *compilation) addDependency(path string) {
	if r.seenDeps[path] {
		return
	}
	r.seenDeps[path] = true
	r.deps = append(r.deps, path)
}

func (r *compilation) relative(path string) string {
	if r.opts.RootDir == "" {
		return path
	}
	rel, err := filepath.Rel(r.opts.RootDir, path)
	if err != nil {
		return path
	}
	return rel
}

// localTarget resolves ref relative to the stylesheet at from. References
// with a scheme or protocol-relative URLs are not local files.
func localTarget(from, ref string) (string, bool) {
	if ref == "" || strings.HasPrefix(ref, "//") || strings.Contains(ref, "://") || strings.HasPrefix(ref, "data:") {
		return "", false
	}
	if filepath.IsAbs(ref) {
		return filepath.Clean(ref), true
	}
	return filepath.Join(filepath.Dir(from), ref), true
}

func hasClass(sheet *scanner.Sheet, name string) bool {
	for _, c := range sheet.Classes {
		if c == name {
			return true
		}
	}
	return false
}

func appendUnique(dst []string, names ...string) []string {
	for _, n := range names {
		dup := false
		for _, d := range dst {
			if d == n {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, n)
		}
	}
	return dst
}
