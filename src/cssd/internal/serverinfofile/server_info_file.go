package serverinfofile

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/uber/cssd/src/cssd/internal/endpoint"
	"github.com/uber/cssd/src/cssd/internal/fs"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyInfoFile = "daemon.infoFile"

	// DefaultFileName is the info file name used when none is configured.
	DefaultFileName = "cssd.json"

	// KeyPID holds the daemon's process id.
	KeyPID = "pid"
	// KeySocket holds the socket path the daemon is serving.
	KeySocket = "socket"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// ServerInfoFile manages the contents of a single server info file.
// The daemon records its pid and socket there so that tools can find and stop it.
type ServerInfoFile interface {
	UpdateField(key string, value string) error
}

type module struct {
	infofile     string
	fs           fs.CSSFS
	logger       *zap.SugaredLogger
	fileContents map[string]string
	mu           sync.Mutex
}

// Params define values to be used by ServerInfoFile.
type Params struct {
	fx.In

	Config    config.Provider
	Endpoint  endpoint.Endpoint
	FS        fs.CSSFS
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
}

// New creates a new ServerInfoFile inside the endpoint's scratch directory.
func New(p Params) (ServerInfoFile, error) {
	m := module{
		fs:           p.FS,
		logger:       p.Logger,
		fileContents: make(map[string]string),
	}

	name, err := fileName(p.Config)
	if err != nil {
		return nil, err
	}
	m.infofile = Path(p.Endpoint, name)

	p.Lifecycle.Append(fx.Hook{
		OnStop: m.OnStop,
	})

	return &m, nil
}

// Path returns where the info file for e lives.
func Path(e endpoint.Endpoint, name string) string {
	return filepath.Join(e.ScratchDir, name)
}

func (m *module) OnStop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.fileContents) == 0 {
		// Nothing was written, possibly because another daemon owns the endpoint.
		return nil
	}
	return m.fs.Remove(m.infofile)
}

func (m *module) UpdateField(key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileContents[key] = value
	jsonOutput, err := json.Marshal(m.fileContents)
	if err != nil {
		return fmt.Errorf("marshalling json: %w", err)
	}

	if err := m.fs.MkdirAll(filepath.Dir(m.infofile)); err != nil {
		return fmt.Errorf("creating info file directory: %w", err)
	}
	if err := m.fs.WriteFile(m.infofile, string(jsonOutput)); err != nil {
		return fmt.Errorf("creating info file: %w", err)
	}
	m.logger.Infow("server info saved", zap.String("file", m.infofile), zap.String(key, value))
	return nil
}

// Read returns the contents of an info file written by a daemon.
func Read(cssfs fs.CSSFS, path string) (map[string]string, error) {
	data, err := cssfs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	contents := make(map[string]string)
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("decoding info file %q: %w", path, err)
	}
	return contents, nil
}

// PID extracts the daemon's process id from info file contents.
func PID(contents map[string]string) (int, error) {
	raw, ok := contents[KeyPID]
	if !ok {
		return 0, fmt.Errorf("missing field %q in info file", KeyPID)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q in info file", raw)
	}
	return pid, nil
}

func fileName(cfg config.Provider) (string, error) {
	name := DefaultFileName
	val := cfg.Get(_configKeyInfoFile)
	if !val.HasValue() {
		return name, nil
	}
	if err := val.Populate(&name); err != nil {
		// incorrectly formatted config
		return "", fmt.Errorf("getting config field %q: %w", _configKeyInfoFile, err)
	}
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("config field %q must be a plain file name, got %q", _configKeyInfoFile, name)
	}
	return name, nil
}
