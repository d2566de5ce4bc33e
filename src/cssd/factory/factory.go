package factory

import (
	"encoding/json"

	"github.com/gofrs/uuid"
	"github.com/uber/cssd/src/cssd/entity"
	"go.lsp.dev/jsonrpc2"
)

// UUID is a user-defined factory for a random uuid.UUID.
func UUID() uuid.UUID {
	return uuid.Must(uuid.NewV4())
}

// JSONRPCRequest is a user-defined factory for a JSON-RPC request containing the specified method and parameters.
func JSONRPCRequest(method string, params interface{}) jsonrpc2.Request {
	req, _ := jsonrpc2.NewCall(jsonrpc2.NewNumberID(5), method, params)
	return req
}

// CompileRequest is a factory for a compile request of cssFile with an optional JSON config.
func CompileRequest(cssFile string, config string) *entity.CompileRequest {
	r := &entity.CompileRequest{CSSFile: cssFile}
	if config != "" {
		r.Config = json.RawMessage(config)
	}
	return r
}
