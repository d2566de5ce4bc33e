package mapper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"
	"github.com/uber/cssd/src/cssd/entity"
	cssderrors "github.com/uber/cssd/src/cssd/internal/errors"
	"github.com/uber/cssd/src/cssd/model"
	"github.com/zeebo/blake3"
	"go.lsp.dev/jsonrpc2"
)

// _tagRational is the registered CBOR tag for a [numerator, denominator] pair.
const _tagRational = 30

var _keyEncoding cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	_keyEncoding = mode
}

// RequestToCompileRequest decodes and validates the parameters of a compile call.
func RequestToCompileRequest(req jsonrpc2.Request) (*entity.CompileRequest, error) {
	var params entity.CompileRequest
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, &cssderrors.ProtocolError{Message: "invalid compile params", Err: err}
	}
	if params.CSSFile == "" {
		return nil, cssderrors.ErrNoCSSFile
	}
	if !filepath.IsAbs(params.CSSFile) {
		return nil, cssderrors.ErrRelativeCSSFile
	}
	params.CSSFile = filepath.Clean(params.CSSFile)
	return &params, nil
}

// CompileRequestToCacheKey derives the cache key of a request. Configurations
// that differ only in key order or whitespace share a key, as do numbers with
// the same value. Numbers are compared exactly, not as float64.
func CompileRequestToCacheKey(req *entity.CompileRequest) (entity.CacheKey, error) {
	var config any
	if len(req.Config) > 0 {
		dec := json.NewDecoder(bytes.NewReader(req.Config))
		dec.UseNumber()
		if err := dec.Decode(&config); err != nil {
			return entity.CacheKey{}, &cssderrors.ProtocolError{Message: "invalid config", Err: err}
		}
		if dec.More() {
			return entity.CacheKey{}, &cssderrors.ProtocolError{Message: "invalid config", Err: errors.New("trailing data after config")}
		}
	}
	config, err := exactNumbers(config)
	if err != nil {
		return entity.CacheKey{}, &cssderrors.ProtocolError{Message: "invalid config", Err: err}
	}
	encoded, err := _keyEncoding.Marshal(config)
	if err != nil {
		return entity.CacheKey{}, &cssderrors.ProtocolError{Message: "encoding config", Err: err}
	}

	h := blake3.New()
	_, _ = h.Write([]byte(req.CSSFile))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(encoded)

	var key entity.CacheKey
	copy(key[:], h.Sum(nil))
	return key, nil
}

// exactNumbers replaces every json.Number in v with a value that encodes its
// exact magnitude: an integer when the number is integral, a float64 when that
// is exact, and a rational otherwise.
func exactNumbers(v any) (any, error) {
	switch v := v.(type) {
	case json.Number:
		r, ok := new(big.Rat).SetString(v.String())
		if !ok {
			return nil, fmt.Errorf("number %q out of range", v)
		}
		if r.IsInt() {
			if n := r.Num(); n.IsInt64() {
				return n.Int64(), nil
			}
			return r.Num(), nil
		}
		if f, exact := r.Float64(); exact {
			return f, nil
		}
		return cbor.Tag{Number: _tagRational, Content: []*big.Int{r.Num(), r.Denom()}}, nil
	case map[string]any:
		for k, e := range v {
			n, err := exactNumbers(e)
			if err != nil {
				return nil, err
			}
			v[k] = n
		}
		return v, nil
	case []any:
		for i, e := range v {
			n, err := exactNumbers(e)
			if err != nil {
				return nil, err
			}
			v[i] = n
		}
		return v, nil
	default:
		return v, nil
	}
}

// ErrorToJSONRPC maps a daemon error to the error sent on the wire.
func ErrorToJSONRPC(err error) *jsonrpc2.Error {
	var rpcErr *jsonrpc2.Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case cssderrors.IsBadRequest(err):
		return jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
	case cssderrors.IsCompile(err):
		var compileErr *cssderrors.CompileError
		errors.As(err, &compileErr)
		return jsonrpc2.NewError(entity.CodeCompileFailed, compileErr.Message)
	default:
		return jsonrpc2.NewError(jsonrpc2.InternalError, err.Error())
	}
}

// JSONRPCToError maps an error received from the daemon for cssFile back to
// the error taxonomy. Errors that did not come from the wire are returned unchanged.
func JSONRPCToError(cssFile string, err error) error {
	var rpcErr *jsonrpc2.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Code {
	case jsonrpc2.ParseError, jsonrpc2.InvalidRequest, jsonrpc2.MethodNotFound, jsonrpc2.InvalidParams:
		return &cssderrors.ProtocolError{Message: "daemon rejected the request", Err: rpcErr}
	default:
		return &cssderrors.CompileError{CSSFile: cssFile, Message: rpcErr.Message}
	}
}

// CompileResultToModel maps a compile result to its cached form.
func CompileResultToModel(cssFile string, r *entity.CompileResult) *model.TokenEntry {
	return &model.TokenEntry{
		CSSFile:      cssFile,
		Tokens:       r.Tokens,
		Dependencies: r.Dependencies,
	}
}

// ModelToCompileResult maps a cached entry to its entity equivalent.
func ModelToCompileResult(m *model.TokenEntry) *entity.CompileResult {
	return &entity.CompileResult{
		Tokens:       entity.Tokens(m.Tokens),
		Dependencies: m.Dependencies,
	}
}

// ContextToConnectionUUID extracts the connection UUID from a context.
func ContextToConnectionUUID(ctx context.Context) (uuid.UUID, bool) {
	u, ok := ctx.Value(entity.ConnectionContextKey).(uuid.UUID)
	return u, ok
}
