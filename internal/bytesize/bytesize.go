package bytesize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Binary unit multipliers used for limit thresholds and display.
const (
	Byte int64 = 1
	KB         = 1024 * Byte
	MB         = 1024 * KB
	GB         = 1024 * MB
	TB         = 1024 * GB
)

// Format renders a byte count using the largest unit whose value is at least
// one, with two decimal places and trailing zeros trimmed. Counts below 1 KB
// are rendered in plain bytes.
func Format(bytes int64) string {
	switch {
	case bytes >= TB:
		return trimDecimals(float64(bytes)/float64(TB)) + " TB"
	case bytes >= GB:
		return trimDecimals(float64(bytes)/float64(GB)) + " GB"
	case bytes >= MB:
		return trimDecimals(float64(bytes)/float64(MB)) + " MB"
	case bytes >= KB:
		return trimDecimals(float64(bytes)/float64(KB)) + " KB"
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func trimDecimals(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

var sizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*(B|KB|MB|GB|TB)\s*$`)

// Parse converts a human-readable size such as "512 MB" or "1.5gb" into a
// byte count. The unit is matched case-insensitively.
func Parse(s string) (int64, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("unrecognized size %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("unrecognized size %q", s)
	}
	var unit int64
	switch strings.ToUpper(m[2]) {
	case "B":
		unit = Byte
	case "KB":
		unit = KB
	case "MB":
		unit = MB
	case "GB":
		unit = GB
	case "TB":
		unit = TB
	}
	return int64(math.Round(value * float64(unit))), nil
}
