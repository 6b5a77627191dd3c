package links

import (
	"slices"
	"strings"
)

// denylist matches exact hosts and "*.example.com" / ".example.com" suffix
// patterns. A suffix pattern also matches the bare domain.
type denylist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDenylist(patterns []string) *denylist {
	d := &denylist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."), strings.HasPrefix(value, "."):
			suffix := strings.TrimLeft(strings.TrimPrefix(value, "*"), ".")
			if suffix != "" && !slices.Contains(d.suffixes, suffix) {
				d.suffixes = append(d.suffixes, suffix)
			}
		default:
			d.exact[value] = struct{}{}
		}
	}
	if len(d.exact) == 0 && len(d.suffixes) == 0 {
		return nil
	}
	return d
}

func (d *denylist) denied(host string) bool {
	if d == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := d.exact[host]; ok {
		return true
	}
	for _, suffix := range d.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
