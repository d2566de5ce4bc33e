// Package model contains the repository layer types of the cssd daemon.
package model

// TokenEntry is a cached compilation result.
type TokenEntry struct {
	CSSFile      string
	Tokens       map[string]string
	Dependencies []string
}
