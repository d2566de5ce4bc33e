package handler

import (
	"github.com/uber/cssd/src/css-lib/compiler"
	controller "github.com/uber/cssd/src/cssd/controller/compile"
	handler "github.com/uber/cssd/src/cssd/handler/compile"
	"github.com/uber/cssd/src/cssd/internal/fs"
	"github.com/uber/cssd/src/cssd/repository/tokencache"
	"go.uber.org/fx"
)

// Module provides the cssd server into an Fx application.
var Module = fx.Options(
	fx.Provide(newCompiler),
	fx.Provide(tokencache.New),
	fx.Provide(controller.New),
	fx.Provide(handler.New),
	fx.Invoke(func(h handler.Handler) {}),
	fx.Invoke(func(c controller.Controller) {}),
)

func newCompiler(files fs.CSSFS) compiler.Compiler {
	return compiler.New(files)
}
