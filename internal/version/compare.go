// internal/version/compare.go
package version

import (
	"strconv"
	"strings"
)

// Compare orders dotted version strings segment by segment. Numeric
// segments compare as integers, anything else lexically, and a missing
// segment counts as zero so "1.0" == "1". A leading "v" is ignored.
func Compare(a, b string) int {
	as := split(a)
	bs := split(b)
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		x, y := segment(as, i), segment(bs, i)
		if c := compareSegment(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func split(v string) []string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil
	}
	return strings.Split(v, ".")
}

func segment(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return "0"
}

func compareSegment(x, y string) int {
	xi, xerr := strconv.ParseUint(x, 10, 64)
	yi, yerr := strconv.ParseUint(y, 10, 64)
	switch {
	case xerr == nil && yerr == nil:
		switch {
		case xi < yi:
			return -1
		case xi > yi:
			return 1
		}
		return 0
	case xerr == nil:
		// numeric segments sort before tags
		return -1
	case yerr == nil:
		return 1
	}
	return strings.Compare(x, y)
}
