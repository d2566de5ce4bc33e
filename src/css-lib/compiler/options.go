package compiler

import (
	"encoding/json"
	"path/filepath"
)

// Options are the backend settings carried in a request's configuration object.
type Options struct {
	// GenerateScopedName is the pattern used to render generated class names.
	GenerateScopedName string `json:"generateScopedName"`
	// HashPrefix is mixed into every generated hash.
	HashPrefix string `json:"hashPrefix"`
	// RootDir is the directory stylesheet paths are hashed relative to.
	RootDir string `json:"rootDir"`
}

// DecodeOptions reads Options from config. A missing, non-object or
// malformed config yields the defaults. A relative RootDir is resolved
// against workingDir.
func DecodeOptions(config json.RawMessage, workingDir string) Options {
	var opts Options
	if len(config) > 0 {
		if err := json.Unmarshal(config, &opts); err != nil {
			opts = Options{}
		}
	}

	switch {
	case opts.RootDir == "":
		opts.RootDir = workingDir
	case !filepath.IsAbs(opts.RootDir):
		opts.RootDir = filepath.Join(workingDir, opts.RootDir)
	}
	return opts
}
