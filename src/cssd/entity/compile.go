// Package entity contains the domain types of the cssd daemon.
package entity

import (
	"encoding/json"
	"fmt"

	"go.lsp.dev/jsonrpc2"
)

type keyType string

// ConnectionContextKey identifies the connection UUID in a request context.
const ConnectionContextKey keyType = "ConnectionUUID"

// MethodCompile is the only method served by the daemon.
const MethodCompile = "cssd/compile"

// CodeCompileFailed is the JSON-RPC error code for a stylesheet the backend rejected.
const CodeCompileFailed jsonrpc2.Code = -32000

// CompileRequest asks for the tokens of one stylesheet under one configuration.
type CompileRequest struct {
	CSSFile string          `json:"cssFile"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Tokens maps local class names to generated class names.
type Tokens map[string]string

// CompileResult is the outcome of a compilation.
type CompileResult struct {
	Tokens       Tokens
	Dependencies []string
}

// CacheKey identifies a (stylesheet, configuration) pair.
type CacheKey [32]byte

// String implements fmt.Stringer.
func (k CacheKey) String() string {
	return fmt.Sprintf("%x", k[:])
}
