package utils

import (
	"strings"
)

// BoolToUInt8 maps a flag onto ClickHouse's UInt8 boolean columns.
func BoolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// DedupEndpoints trims whitespace and trailing slashes from base URLs and drops
// empty entries and repeats, keeping the first occurrence's position.
func DedupEndpoints(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.TrimRight(strings.TrimSpace(e), "/")
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
