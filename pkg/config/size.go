package config

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Byte multiples
const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// Units are matched case-insensitively. Bare letters and IEC names are
// binary; KB, MB and GB are decimal.
var sizeUnits = map[string]int64{
	"B":   1,
	"K":   KiB,
	"KIB": KiB,
	"KB":  1000,
	"M":   MiB,
	"MIB": MiB,
	"MB":  1000 * 1000,
	"G":   GiB,
	"GIB": GiB,
	"GB":  1000 * 1000 * 1000,
}

// ParseDataSize parses sizes like "65536", "64KiB", "1.5MB" or "512k" into
// bytes
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("size %q is negative", s)
		}
		return n, nil
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '64KiB', '1MB')", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", m[1])
	}
	mult, ok := sizeUnits[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, KiB, MiB, GiB)", m[2])
	}
	bytes := value * float64(mult)
	if bytes > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(bytes), nil
}

// FormatDataSize renders bytes with the largest binary unit that keeps the
// value at or above one
func FormatDataSize(bytes int64) string {
	switch {
	case bytes < 0:
		return "invalid"
	case bytes < KiB:
		return fmt.Sprintf("%d B", bytes)
	}
	units := []struct {
		name string
		size int64
	}{{"GiB", GiB}, {"MiB", MiB}, {"KiB", KiB}}
	for _, u := range units {
		if bytes < u.size {
			continue
		}
		v := float64(bytes) / float64(u.size)
		if v == math.Trunc(v) {
			return fmt.Sprintf("%.0f %s", v, u.name)
		}
		return strconv.FormatFloat(v, 'f', 2, 64) + " " + u.name
	}
	return fmt.Sprintf("%d B", bytes)
}
