package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/uber/cssd/src/cssd/app"
	"github.com/uber/cssd/src/cssd/internal/endpoint"
	"go.uber.org/fx"
)

const _version = "(to be added by the release build)"

func opts(ep endpoint.Endpoint) fx.Option {
	return fx.Options(
		fx.Supply(ep),
		app.Module,
	)
}

// endpointFromArgs builds the endpoint the launcher asked this daemon to serve.
func endpointFromArgs(socketPath, scratchDir string) (endpoint.Endpoint, error) {
	if !filepath.IsAbs(socketPath) || !filepath.IsAbs(scratchDir) {
		return endpoint.Endpoint{}, fmt.Errorf("socket %q and scratch directory %q must be absolute", socketPath, scratchDir)
	}

	// Scratch dirs named by the launcher end in the identity; other names get one derived from the path.
	identity := strings.TrimPrefix(filepath.Base(scratchDir), endpoint.Prefix+"-")
	if !endpoint.IsIdentity(identity) {
		identity = endpoint.WorkspaceIdentity(filepath.Clean(scratchDir))
	}

	ep := endpoint.Endpoint{
		Identity:   identity,
		SocketPath: filepath.Clean(socketPath),
		ScratchDir: filepath.Clean(scratchDir),
	}
	if err := ep.Validate(); err != nil {
		return endpoint.Endpoint{}, err
	}
	return ep, nil
}

func newRootCmd(run func(fx.Option)) *cobra.Command {
	return &cobra.Command{
		Use:     "cssd <socket> <scratch-dir>",
		Short:   "Serve cached CSS module class name mappings on a unix socket",
		Version: _version,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := endpointFromArgs(args[0], args[1])
			if err != nil {
				return err
			}
			run(opts(ep))
			return nil
		},
		SilenceUsage: true,
	}
}

func main() {
	// New to Fx? Brush up at https://uber-go.github.io/fx/.
	cmd := newRootCmd(func(o fx.Option) {
		fx.New(o).Run()
	})
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
