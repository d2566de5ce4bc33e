package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/uber/cssd/src/cssd/entity"
	"github.com/uber/cssd/src/cssd/internal/endpoint"
	"github.com/uber/cssd/src/cssd/internal/launcher"
	"github.com/uber/cssd/src/cssd/plugin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// resolver is the subset of plugin.Service used by the resolve command.
type resolver interface {
	ResolveStylesheetTokens(ctx context.Context, stylesheetPath, requestingFilePath string, config json.RawMessage, extensions []string) (entity.Tokens, bool, error)
	Close() error
}

type resolverFactory func(opts plugin.Options, logger *zap.SugaredLogger) (resolver, error)

func newResolver(opts plugin.Options, logger *zap.SugaredLogger) (resolver, error) {
	return plugin.New(opts, plugin.WithLogger(logger))
}

type rootFlags struct {
	verbose bool
}

func (f *rootFlags) logger() (*zap.SugaredLogger, error) {
	if !f.verbose {
		return zap.NewNop().Sugar(), nil
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger.Sugar(), nil
}

func newRootCmd(factory resolverFactory) *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:          "cssmodules",
		Short:        "Resolve CSS module class names through the workspace daemon",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log launcher and client activity to stderr")

	cmd.AddCommand(
		newResolveCmd(flags, factory),
		newEndpointCmd(),
		newStopCmd(),
	)
	return cmd
}

type resolveFlags struct {
	from        string
	optionsFile string
	extensions  []string
	stop        bool
}

func newResolveCmd(root *rootFlags, factory resolverFactory) *cobra.Command {
	flags := &resolveFlags{}
	cmd := &cobra.Command{
		Use:   "resolve <stylesheet>",
		Short: "Print the class name mapping of a stylesheet as JSON",
		Long: `Print the class name mapping of a stylesheet as JSON.

A relative stylesheet path is resolved against the directory of the file
named by --from. Nothing is printed when the stylesheet's extension is not
handled.

A daemon started by this command keeps running so later invocations reuse
its cache. It exits on its own once idle, or right away with --stop.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			opts := plugin.Options{}
			if flags.optionsFile != "" {
				loaded, err := plugin.LoadOptions(flags.optionsFile)
				if err != nil {
					return err
				}
				opts = loaded
			}
			if cmd.Flags().Changed("ext") {
				opts.Extensions = flags.extensions
			}

			logger, err := root.logger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			r, err := factory(opts, logger)
			if err != nil {
				return err
			}
			if flags.stop {
				defer func() {
					err = multierr.Append(err, r.Close())
				}()
			}

			tokens, handled, err := r.ResolveStylesheetTokens(cmd.Context(), args[0], flags.from, opts.Config, opts.Extensions)
			if err != nil {
				return err
			}
			if !handled {
				return nil
			}

			out, err := json.MarshalIndent(tokens, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding tokens: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	flags.bind(cmd.Flags())
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func (f *resolveFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.from, "from", "", "File importing the stylesheet (required)")
	fs.StringVar(&f.optionsFile, "options", "", "YAML or JSON file with config, extensions and retainImport")
	fs.StringSliceVar(&f.extensions, "ext", nil, "Handled stylesheet extension, repeatable (default .css)")
	fs.BoolVar(&f.stop, "stop", false, "Stop the daemon this command started before exiting")
}

func newEndpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "endpoint",
		Short: "Print the socket and scratch directory of the current workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := endpoint.FromWorkingDirectory()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(map[string]string{
				"identity": ep.Identity,
				"socket":   ep.SocketPath,
				"scratch":  ep.ScratchDir,
			}, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon serving the current workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := endpoint.FromWorkingDirectory()
			if err != nil {
				return err
			}
			if err := launcher.StopRecorded(ep); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Fprintln(cmd.ErrOrStderr(), "no daemon is running for this workspace")
					return nil
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped daemon on %s\n", ep.SocketPath)
			return nil
		},
	}
}
