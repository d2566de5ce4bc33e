// Package scopedname renders the generated class names that replace local class names.
package scopedname

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// DefaultPattern is used when no pattern is configured.
const DefaultPattern = "[name]_[local]_[hash:3]"

const (
	_maxHashLength = 48
	_chunkDigits   = 12
)

var (
	_placeholder = regexp.MustCompile(`\[(name|local|folder|hash)(?::(\d+))?\]`)
	_unsafe      = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// Input identifies one class of one stylesheet.
type Input struct {
	// Local is the class name as written in the stylesheet.
	Local string
	// Path is the stylesheet path, relative to the project root.
	Path string
	// HashPrefix is mixed into the hash so that projects can avoid collisions.
	HashPrefix string
}

// Render expands pattern for in. Supported placeholders are [name], [local],
// [folder], [hash] and [hash:N].
func Render(pattern string, in Input) (string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}

	var renderErr error
	out := _placeholder.ReplaceAllStringFunc(pattern, func(m string) string {
		parts := _placeholder.FindStringSubmatch(m)
		switch parts[1] {
		case "name":
			base := filepath.Base(in.Path)
			return sanitize(strings.TrimSuffix(base, filepath.Ext(base)))
		case "local":
			return in.Local
		case "folder":
			return sanitize(filepath.Base(filepath.Dir(in.Path)))
		default:
			n := _maxHashLength
			if parts[2] != "" {
				var err error
				if n, err = strconv.Atoi(parts[2]); err != nil || n < 1 || n > _maxHashLength {
					renderErr = fmt.Errorf("invalid hash length in %q", m)
					return m
				}
			}
			return Hash(in.HashPrefix+filepath.ToSlash(in.Path))[:n]
		}
	})
	if renderErr != nil {
		return "", renderErr
	}
	if out == "" {
		return "", fmt.Errorf("pattern %q renders an empty name for %q", pattern, in.Local)
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out, nil
}

// Hash returns a lowercase base-36 digest of s, _maxHashLength characters long.
func Hash(s string) string {
	sum := blake3.Sum256([]byte(s))

	var b strings.Builder
	for i := 0; i < len(sum); i += 8 {
		chunk := strconv.FormatUint(binary.BigEndian.Uint64(sum[i:i+8])%pow36(_chunkDigits), 36)
		b.WriteString(strings.Repeat("0", _chunkDigits-len(chunk)))
		b.WriteString(chunk)
	}
	return b.String()
}

func pow36(n int) uint64 {
	v := uint64(1)
	for i := 0; i < n; i++ {
		v *= 36
	}
	return v
}

func sanitize(s string) string {
	return _unsafe.ReplaceAllString(s, "_")
}
