package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary size units.
const (
	KiB ByteSize = 1 << (10 * (iota + 1))
	MiB
	GiB
	TiB
)

var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// ByteSize is a size in bytes that reads from YAML as either an integer or a
// string with a unit such as "512MB", "5GB" or "10Gi".
type ByteSize int64

// ParseByteSize parses "1024", "100MB", "1.5GiB" and similar. Units are
// binary and case-insensitive; no unit means bytes.
func ParseByteSize(s string) (ByteSize, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	var unit ByteSize
	switch strings.ToUpper(m[2]) {
	case "", "B":
		unit = 1
	case "K", "KB", "KI", "KIB":
		unit = KiB
	case "M", "MB", "MI", "MIB":
		unit = MiB
	case "G", "GB", "GI", "GIB":
		unit = GiB
	case "T", "TB", "TI", "TIB":
		unit = TiB
	default:
		return 0, fmt.Errorf("unknown size unit %q", m[2])
	}
	return ByteSize(value * float64(unit)), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		n, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*b = ByteSize(n)
		return nil
	}
	v, err := ParseByteSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// Bytes returns the size as an int64.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String formats the size with the largest unit that fits.
func (b ByteSize) String() string {
	return FormatBytes(int64(b))
}

// FormatBytes renders a byte count for humans, e.g. "1.50 GiB".
func FormatBytes(n int64) string {
	abs := n
	if abs < 0 {
		abs = -abs
	}
	for _, u := range []struct {
		size ByteSize
		name string
	}{{TiB, "TiB"}, {GiB, "GiB"}, {MiB, "MiB"}, {KiB, "KiB"}} {
		if abs >= int64(u.size) {
			return fmt.Sprintf("%.2f %s", float64(n)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%d B", n)
}
