package compile

import (
	"context"

	"github.com/gofrs/uuid"
	controller "github.com/uber/cssd/src/cssd/controller/compile"
	"github.com/uber/cssd/src/cssd/entity"
	"github.com/uber/cssd/src/cssd/mapper"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type jsonRPCRouter struct {
	ctrl   controller.Controller
	conn   jsonrpc2.Conn
	uuid   uuid.UUID
	logger *zap.SugaredLogger
}

// HandleReq serves the single request of a connection and closes it once replied.
func (r *jsonRPCRouter) HandleReq(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	ctx = context.WithValue(ctx, entity.ConnectionContextKey, r.uuid)

	var err error
	switch req.Method() {
	case entity.MethodCompile:
		err = r.Compile(ctx, reply, req)
	default:
		r.logger.Infow("unknown method", "method", req.Method())
		err = jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
	return multierr.Append(err, r.conn.Close())
}

// UUID identifies the connection served by this router.
func (r *jsonRPCRouter) UUID() uuid.UUID {
	return r.uuid
}

// Compile decodes a compile request and replies with its tokens.
func (r *jsonRPCRouter) Compile(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	params, err := mapper.RequestToCompileRequest(req)
	if err != nil {
		r.logger.Infow("rejected compile request", "error", err)
		return reply(ctx, nil, mapper.ErrorToJSONRPC(err))
	}

	result, err := r.ctrl.Compile(ctx, params)
	if err != nil {
		return reply(ctx, nil, mapper.ErrorToJSONRPC(err))
	}
	return reply(ctx, result.Tokens, nil)
}
