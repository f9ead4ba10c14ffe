package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]*)$`)

// ParseSize parses a human-friendly byte count such as "64KiB", "1.5GB", or
// a bare integer, supporting both decimal (KB, MB, ...) and binary (KiB,
// MiB, ...) units. Used to resolve the configured chunk size.
func ParseSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("config: empty size")
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || int64(n) > 1<<32 {
			return 0, fmt.Errorf("config: size %q out of range", s)
		}
		return n, nil
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("config: invalid size %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid numeric size %q", m[1])
	}

	multiplier, ok := sizeUnits[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("config: unknown size unit %q", m[2])
	}

	bytes := int64(value * float64(multiplier))
	if bytes <= 0 || bytes > 1<<32 {
		return 0, fmt.Errorf("config: size %q out of range", s)
	}
	return int(bytes), nil
}

var sizeUnits = map[string]int64{
	"B": 1,
	"":  1,

	"KB": 1000,
	"MB": 1000 * 1000,
	"GB": 1000 * 1000 * 1000,

	"K": 1024,
	"M": 1024 * 1024,
	"G": 1024 * 1024 * 1024,

	"KIB": 1024,
	"MIB": 1024 * 1024,
	"GIB": 1024 * 1024 * 1024,
}

// FormatSize renders a byte count in binary units (B, KiB, MiB, GiB, TiB)
// for status output. ParseSize accepts all of these except TiB.
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < len(units)-1; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp])
}
