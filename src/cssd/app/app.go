package app

import (
	"context"
	"fmt"
	"time"

	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cssd/src/cssd/handler"
	"github.com/uber/cssd/src/cssd/internal/core"
	"github.com/uber/cssd/src/cssd/internal/fs"
	"github.com/uber/cssd/src/cssd/internal/jsonrpcfx"
	"github.com/uber/cssd/src/cssd/internal/serverinfofile"
	"go.uber.org/config"
	"go.uber.org/fx"
)

const (
	_serviceName = "cssd"

	_configKeyMetricsPrefix = "metrics.prefix"
	_reportInterval         = 1 * time.Second
)

// Module defines the cssd daemon application module.
// The endpoint.Endpoint the daemon serves must be supplied alongside it.
var Module = fx.Options(
	handler.Module, // inbounds
	jsonrpcfx.Module,
	fs.Module,
	serverinfofile.Module,
	core.ConfigModule,
	core.LoggerModule,
	fx.Provide(newScope),
	fx.Decorate(decorateConfigProvider),
)

func newScope(lc fx.Lifecycle, cfg config.Provider) (tally.Scope, error) {
	var prefix string
	if err := cfg.Get(_configKeyMetricsPrefix).Populate(&prefix); err != nil {
		return nil, fmt.Errorf("reading %s: %w", _configKeyMetricsPrefix, err)
	}

	rs, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix: prefix,
		Tags: map[string]string{
			"service": _serviceName,
		},
	}, _reportInterval)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return closer.Close()
		},
	})

	return rs, nil
}
