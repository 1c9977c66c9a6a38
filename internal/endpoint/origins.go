package endpoint

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Origins matches caller origins against trusted glob patterns. A single "*"
// trusts every origin; otherwise "*" stays within one path segment, so
// "https://*.contoso.com" matches subdomains but never a path.
type Origins struct {
	patterns []string
	any      bool
}

// NewOrigins validates patterns.
func NewOrigins(patterns []string) (*Origins, error) {
	o := &Origins{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if p == "*" {
			o.any = true
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid trusted origin pattern %q", p)
		}
		o.patterns = append(o.patterns, strings.TrimSuffix(p, "/"))
	}
	return o, nil
}

// Allowed reports whether origin matches a trusted pattern.
func (o *Origins) Allowed(origin string) bool {
	origin = normalizeOrigin(origin)
	if origin == "" {
		return false
	}
	if o.any {
		return true
	}
	for _, p := range o.patterns {
		if ok, _ := doublestar.Match(p, origin); ok {
			return true
		}
	}
	return false
}

// normalizeOrigin reduces a URL to scheme://host[:port]. Anything that does
// not parse as an absolute URL yields "".
func normalizeOrigin(origin string) string {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
