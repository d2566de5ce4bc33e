// Package config holds the configuration compiled into the cssd binary.
package config

import _ "embed"

// Base is loaded before any file listed in $CSSD_CONFIG_DIR/meta.yaml.
//
//go:embed base.yaml
var Base []byte
