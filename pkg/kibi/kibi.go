package kibi

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrInvalidByteSizeString = errors.New("Invalid byte size string")

var sizeRegex = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-z]*)$`)

var suffixShift = map[string]uint{
	"":      0,
	"b":     0,
	"bytes": 0,
	"k":     10,
	"kb":    10,
	"m":     20,
	"mb":    20,
	"g":     30,
	"gb":    30,
	"t":     40,
	"tb":    40,
}

var units = []string{"bytes", "KB", "MB", "GB", "TB"}

// FormatBytes renders b with the largest unit that keeps the integer part non-zero.
// Values below 10 units keep one decimal, eg "1.5 GB".
func FormatBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%v bytes", b)
	}
	v := float64(b)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	if v < 10 && v != float64(int64(v)) {
		return fmt.Sprintf("%.1f %v", v, units[i])
	}
	return fmt.Sprintf("%v %v", int64(v), units[i])
}

// ParseBytes reads sizes such as "256MB", "1.5 g", "4096".
// Suffixes are binary (1 KB = 1024 bytes) and case insensitive.
func ParseBytes(v string) (int64, error) {
	m := sizeRegex.FindStringSubmatch(strings.TrimSpace(strings.ToLower(v)))
	if m == nil {
		return 0, ErrInvalidByteSizeString
	}
	shift, ok := suffixShift[m[2]]
	if !ok {
		return 0, ErrInvalidByteSizeString
	}
	if !strings.Contains(m[1], ".") {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return n << shift, nil
	}
	if shift == 0 {
		// fractional bytes make no sense
		return 0, ErrInvalidByteSizeString
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, err
	}
	return int64(f * float64(int64(1)<<shift)), nil
}
