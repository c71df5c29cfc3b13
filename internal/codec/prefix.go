package codec

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const prefixMarker = "pf_"

var (
	ErrInvalidPrefix = errors.New("codec: invalid prefix")

	prefixRe = regexp.MustCompile(`^pf_(C)?(E)?(\d+(?:\.\d+)?)__`)
)

// Prefix describes how a payload was transformed before it was stored remotely.
type Prefix struct {
	Compressed   bool
	Encrypted    bool
	ModelVersion float64
}

// String renders the prefix, e.g. `pf_CE33.5__`.
func (p Prefix) String() string {
	var sb strings.Builder
	sb.WriteString(prefixMarker)
	if p.Compressed {
		sb.WriteByte('C')
	}
	if p.Encrypted {
		sb.WriteByte('E')
	}
	sb.WriteString(strconv.FormatFloat(p.ModelVersion, 'f', -1, 64))
	sb.WriteString("__")
	return sb.String()
}

// ParsePrefix splits a stored payload into its prefix and the untouched remainder.
func ParsePrefix(data string) (Prefix, string, error) {
	m := prefixRe.FindStringSubmatchIndex(data)
	if m == nil {
		return Prefix{}, "", fmt.Errorf("%w: %q", ErrInvalidPrefix, head(data, 16))
	}

	version, err := strconv.ParseFloat(data[m[6]:m[7]], 64)
	if err != nil {
		return Prefix{}, "", fmt.Errorf("%w: bad model version: %w", ErrInvalidPrefix, err)
	}

	return Prefix{
		Compressed:   m[2] >= 0,
		Encrypted:    m[4] >= 0,
		ModelVersion: version,
	}, data[m[1]:], nil
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
