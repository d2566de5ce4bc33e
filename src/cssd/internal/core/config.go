package core

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	cssdconfig "github.com/uber/cssd/src/cssd/config"
	uber_config "go.uber.org/config"
	"go.uber.org/fx"
)

// ConfigModule provides the config.Provider.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

const (
	// EnvConfigDir names a directory whose meta.yaml lists extra configuration files.
	EnvConfigDir = "CSSD_CONFIG_DIR"

	_metaFile = "meta.yaml"
)

type Config struct {
	provider uber_config.Provider
}

func (c Config) Get(path string) uber_config.Value {
	return c.provider.Get(path)
}

func (c Config) Name() string {
	return "config"
}

// NewConfig loads the embedded base configuration, layering on top any files
// listed in $CSSD_CONFIG_DIR/meta.yaml. Listed files that do not exist are skipped.
func NewConfig() (uber_config.Provider, error) {
	options := []uber_config.YAMLOption{
		uber_config.Source(bytes.NewReader(cssdconfig.Base)),
	}

	if configDir := os.Getenv(EnvConfigDir); configDir != "" {
		files, err := overrideFiles(configDir)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			options = append(options, uber_config.File(file))
		}
	}
	options = append(options, uber_config.Expand(os.LookupEnv))

	provider, err := uber_config.NewYAML(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return Config{provider: provider}, nil
}

// overrideFiles returns the files listed in configDir/meta.yaml that exist.
func overrideFiles(configDir string) ([]string, error) {
	metaPath := filepath.Join(configDir, _metaFile)
	metaProvider, err := uber_config.NewYAML(
		uber_config.File(metaPath),
		uber_config.Expand(os.LookupEnv),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load meta configuration: %w", err)
	}

	var configFiles []string
	if err := metaProvider.Get("files").Populate(&configFiles); err != nil {
		return nil, fmt.Errorf("failed to read files list from %s: %w", _metaFile, err)
	}

	var validFiles []string
	for _, file := range configFiles {
		fullPath := file
		if !filepath.IsAbs(file) {
			fullPath = filepath.Join(configDir, file)
		}
		if _, err := os.Stat(fullPath); err == nil {
			validFiles = append(validFiles, fullPath)
		}
	}
	return validFiles, nil
}
