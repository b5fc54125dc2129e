// Package ports expands port specifications into ordered sets of distinct
// port numbers. A specification is a comma separated list of single ports,
// inclusive ranges ("1000-1010") and named groups ("web", "common").
package ports

import (
	"slices"
	"sort"
	"strconv"
	"strings"

	scanerrors "github.com/anstrom/portscope/internal/errors"
)

const (
	minPort = 1
	maxPort = 65535
)

// Named port groups.
var groups = map[string][]uint16{
	"common": {
		21, 22, 23, 25, 53, 80, 110, 111, 135, 139, 143, 443, 445, 993, 995,
		1723, 3306, 3389, 5432, 5900, 6379, 8080, 8443, 9200, 27017,
	},
	"web":      {80, 443, 3000, 5000, 8000, 8008, 8080, 8081, 8443, 8888, 9000, 9443},
	"database": {1433, 1521, 3306, 5432, 5984, 6379, 7474, 9042, 9200, 11211, 27017},
	"mail":     {25, 110, 143, 465, 587, 993, 995},
	"remote":   {22, 23, 3389, 5900, 5985, 5986},
	"udp":      {53, 67, 69, 123, 137, 161, 500, 514, 1900, 5353},
}

// Groups returns the sorted names of the known port groups, including "all".
func Groups() []string {
	names := make([]string, 0, len(groups)+1)
	for name := range groups {
		names = append(names, name)
	}
	names = append(names, "all")
	sort.Strings(names)
	return names
}

// Group returns a copy of the ports in a named group.
func Group(name string) ([]uint16, bool) {
	p, ok := groups[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return slices.Clone(p), true
}

// Parse expands spec into ascending distinct ports. "all" and "-" select
// the full range.
func Parse(spec string) ([]uint16, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, scanerrors.ErrInvalidPort(spec, "empty port specification")
	}

	var set [maxPort + 1]bool
	for _, raw := range strings.Split(spec, ",") {
		token := strings.TrimSpace(raw)
		if err := addToken(&set, token); err != nil {
			return nil, err
		}
	}

	out := make([]uint16, 0, 64)
	for p := minPort; p <= maxPort; p++ {
		if set[p] {
			out = append(out, uint16(p))
		}
	}
	return out, nil
}

func addToken(set *[maxPort + 1]bool, token string) error {
	switch {
	case token == "":
		return scanerrors.ErrInvalidPort(token, "empty element")
	case token == "-" || strings.EqualFold(token, "all"):
		for p := minPort; p <= maxPort; p++ {
			set[p] = true
		}
		return nil
	}

	if members, ok := groups[strings.ToLower(token)]; ok {
		for _, p := range members {
			set[p] = true
		}
		return nil
	}

	if lo, hi, found := strings.Cut(token, "-"); found {
		start, err := parsePort(lo, token)
		if err != nil {
			return err
		}
		end, err := parsePort(hi, token)
		if err != nil {
			return err
		}
		if start > end {
			return scanerrors.ErrInvalidPort(token, "range start greater than end")
		}
		for p := start; p <= end; p++ {
			set[p] = true
		}
		return nil
	}

	p, err := parsePort(token, token)
	if err != nil {
		return err
	}
	set[p] = true
	return nil
}

func parsePort(s, token string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, scanerrors.ErrInvalidPort(token, "not a number or known group")
	}
	if v < minPort || v > maxPort {
		return 0, scanerrors.ErrInvalidPort(token, "port numbers must be in 1..65535")
	}
	return v, nil
}

// Prioritize returns ports reordered so that entries in preferred come first,
// in preferred's order, followed by the rest in their original order.
// The result holds exactly the same set of ports.
func Prioritize(ports, preferred []uint16) []uint16 {
	if len(preferred) == 0 {
		return ports
	}
	present := make(map[uint16]bool, len(ports))
	for _, p := range ports {
		present[p] = true
	}

	out := make([]uint16, 0, len(ports))
	taken := make(map[uint16]bool, len(preferred))
	for _, p := range preferred {
		if present[p] && !taken[p] {
			out = append(out, p)
			taken[p] = true
		}
	}
	for _, p := range ports {
		if !taken[p] {
			out = append(out, p)
		}
	}
	return out
}
