// Package plugin is the API used by source transforms to replace stylesheet
// imports with their class-name tokens.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/uber/cssd/src/cssd/entity"
	daemonclient "github.com/uber/cssd/src/cssd/gateway/daemon-client"
	"github.com/uber/cssd/src/cssd/internal/endpoint"
	cssderrors "github.com/uber/cssd/src/cssd/internal/errors"
	"github.com/uber/cssd/src/cssd/internal/launcher"
	"go.uber.org/zap"
)

// RelatedFileMarker prefixes the comment left where a stylesheet import was replaced.
const RelatedFileMarker = "@related-file"

// Service resolves stylesheet references for one build process. It owns the
// process's daemon handle; call Close when the build is done.
type Service struct {
	opts     Options
	launcher launcher.Launcher
	client   daemonclient.Gateway
	logger   *zap.SugaredLogger
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	launcher      launcher.Launcher
	client        daemonclient.Gateway
	logger        *zap.SugaredLogger
	endpointOpts  []endpoint.Option
	launcherOpts  []launcher.Option
	clientOptions []daemonclient.Option
}

// WithLauncher replaces the daemon launcher.
func WithLauncher(l launcher.Launcher) ServiceOption {
	return func(c *serviceConfig) {
		c.launcher = l
	}
}

// WithClient replaces the daemon client.
func WithClient(g daemonclient.Gateway) ServiceOption {
	return func(c *serviceConfig) {
		c.client = g
	}
}

// WithLogger sets the logger shared by the service, its launcher and its client.
func WithLogger(logger *zap.SugaredLogger) ServiceOption {
	return func(c *serviceConfig) {
		c.logger = logger
	}
}

// WithEndpointOptions customizes how the workspace endpoint is derived.
func WithEndpointOptions(opts ...endpoint.Option) ServiceOption {
	return func(c *serviceConfig) {
		c.endpointOpts = append(c.endpointOpts, opts...)
	}
}

// WithLauncherOptions customizes the default launcher.
func WithLauncherOptions(opts ...launcher.Option) ServiceOption {
	return func(c *serviceConfig) {
		c.launcherOpts = append(c.launcherOpts, opts...)
	}
}

// WithClientOptions customizes the default daemon client.
func WithClientOptions(opts ...daemonclient.Option) ServiceOption {
	return func(c *serviceConfig) {
		c.clientOptions = append(c.clientOptions, opts...)
	}
}

// New creates a Service for the workspace rooted at the current working directory.
func New(opts Options, serviceOpts ...ServiceOption) (*Service, error) {
	cfg := serviceConfig{logger: zap.NewNop().Sugar()}
	for _, o := range serviceOpts {
		o(&cfg)
	}
	if opts.Extensions == nil {
		opts.Extensions = DefaultExtensions
	}

	if cfg.launcher == nil {
		ep, err := endpoint.FromWorkingDirectory(cfg.endpointOpts...)
		if err != nil {
			return nil, fmt.Errorf("deriving daemon endpoint: %w", err)
		}
		cfg.launcher = launcher.New(ep, append([]launcher.Option{launcher.WithLogger(cfg.logger)}, cfg.launcherOpts...)...)
	}
	if cfg.client == nil {
		cfg.client = daemonclient.New(cfg.launcher.Endpoint().SocketPath,
			append([]daemonclient.Option{daemonclient.WithLogger(cfg.logger)}, cfg.clientOptions...)...)
	}

	return &Service{
		opts:     opts,
		launcher: cfg.launcher,
		client:   cfg.client,
		logger:   cfg.logger,
	}, nil
}

// ResolveStylesheetTokens returns the tokens of the stylesheet referenced as
// stylesheetPath from requestingFilePath. It returns false, without touching
// the daemon, when the reference's extension is not one of extensions. A nil
// extensions list means DefaultExtensions.
func (s *Service) ResolveStylesheetTokens(ctx context.Context, stylesheetPath, requestingFilePath string, config json.RawMessage, extensions []string) (entity.Tokens, bool, error) {
	if extensions == nil {
		extensions = DefaultExtensions
	}
	if !slices.Contains(extensions, filepath.Ext(stylesheetPath)) {
		return nil, false, nil
	}

	if err := s.launcher.EnsureRunning(ctx); err != nil {
		return nil, false, err
	}

	cssFile, err := resolvePath(stylesheetPath, requestingFilePath)
	if err != nil {
		return nil, false, err
	}
	tokens, err := s.client.RequestTokens(ctx, cssFile, config)
	if cssderrors.IsConnection(err) {
		// The daemon may have exited on idle since it was last ensured.
		s.launcher.Forget()
		if err := s.launcher.EnsureRunning(ctx); err != nil {
			return nil, false, err
		}
		tokens, err = s.client.RequestTokens(ctx, cssFile, config)
	}
	if err != nil {
		return nil, false, err
	}
	s.logger.Debugw("resolved stylesheet tokens", "cssFile", cssFile, "tokens", len(tokens))
	return tokens, true, nil
}

// ImportReplacement describes how a stylesheet import is rewritten.
type ImportReplacement struct {
	Tokens entity.Tokens
	// RelatedFile is the stylesheet reference as written in the source.
	RelatedFile string
	// RetainImport asks for the original import to be kept as a side effect.
	RetainImport bool
}

// ResolveImport resolves an import using the service's options. It returns
// nil when the reference is not a stylesheet.
func (s *Service) ResolveImport(ctx context.Context, stylesheetPath, requestingFilePath string) (*ImportReplacement, error) {
	tokens, ok, err := s.ResolveStylesheetTokens(ctx, stylesheetPath, requestingFilePath, s.opts.Config, s.opts.Extensions)
	if err != nil || !ok {
		return nil, err
	}
	return &ImportReplacement{
		Tokens:       tokens,
		RelatedFile:  stylesheetPath,
		RetainImport: s.opts.RetainImport,
	}, nil
}

// ObjectLiteral renders the tokens as an object literal with sorted keys.
func (r *ImportReplacement) ObjectLiteral() string {
	if len(r.Tokens) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(r.Tokens))
	for k := range r.Tokens {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	props := make([]string, 0, len(keys))
	for _, k := range keys {
		props = append(props, quote(k)+": "+quote(r.Tokens[k]))
	}
	return "{ " + strings.Join(props, ", ") + " }"
}

// RelatedFileComment renders the trailing comment body marking the replaced import.
func (r *ImportReplacement) RelatedFileComment() string {
	return " " + RelatedFileMarker + " " + r.RelatedFile
}

// Close stops the daemon if this service started it.
func (s *Service) Close() error {
	return s.launcher.Close()
}

func resolvePath(stylesheetPath, requestingFilePath string) (string, error) {
	if filepath.IsAbs(stylesheetPath) {
		return filepath.Clean(stylesheetPath), nil
	}
	dir, err := filepath.Abs(filepath.Dir(requestingFilePath))
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", stylesheetPath, err)
	}
	return filepath.Join(dir, stylesheetPath), nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
