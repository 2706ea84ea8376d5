// Package urlpolicy decides whether the browser may navigate to a URL given
// allow and deny lists of host patterns.
package urlpolicy

import (
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

const blankPage = "about:blank"

var internalSchemes = map[string]bool{
	"about":            true,
	"chrome":           true,
	"chrome-extension": true,
	"chrome-untrusted": true,
	"data":             true,
	"devtools":         true,
	"file":             true,
	"javascript":       true,
	"view-source":      true,
}

// Policy checks URLs against allow and deny lists. Patterns are host globs
// where '*' matches one label and '**' any number of labels, optionally
// followed by a path prefix: "*.example.com", "example.com/docs".
// A pattern without wildcards also matches subdomains of its host.
type Policy struct {
	homePage string

	mu       sync.Mutex
	compiled map[string]*pattern
}

// New returns a Policy that always admits homePage.
func New(homePage string) *Policy {
	return &Policy{homePage: homePage, compiled: make(map[string]*pattern)}
}

var defaultPolicy = New(blankPage)

// IsAllowed checks rawURL with a policy whose home page is about:blank.
func IsAllowed(rawURL string, allow, deny []string) bool {
	return defaultPolicy.Allowed(rawURL, allow, deny)
}

// Allowed reports whether rawURL may be visited. Allow matches take
// precedence over deny matches; a URL matching neither list is allowed.
func (p *Policy) Allowed(rawURL string, allow, deny []string) bool {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return false
	}
	if rawURL == blankPage || (p.homePage != "" && rawURL == p.homePage) {
		return true
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return false
	}
	if internalSchemes[strings.ToLower(u.Scheme)] {
		return false
	}
	if len(allow) == 0 && len(deny) == 0 {
		return true
	}

	host := strings.ToLower(u.Hostname())
	path := u.EscapedPath()
	if p.matchAny(allow, host, path) {
		return true
	}
	if p.matchAny(deny, host, path) {
		return false
	}
	return true
}

func (p *Policy) matchAny(patterns []string, host, path string) bool {
	for _, raw := range patterns {
		pat := p.lookup(raw)
		if pat != nil && pat.match(host, path) {
			return true
		}
	}
	return false
}

func (p *Policy) lookup(raw string) *pattern {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pat, ok := p.compiled[raw]; ok {
		return pat
	}
	pat, err := compile(raw)
	if err != nil {
		slog.Warn("urlpolicy invalid pattern ignored", "pattern", raw, "error", err)
	}
	// Invalid patterns are cached as nil so they are reported once.
	p.compiled[raw] = pat
	return pat
}

type pattern struct {
	host       glob.Glob
	literal    string
	pathPrefix string
}

func compile(raw string) (*pattern, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	hostPart, pathPart := s, ""
	if i := strings.IndexByte(s, '/'); i >= 0 {
		hostPart, pathPart = s[:i], s[i:]
	}
	if i := strings.LastIndexByte(hostPart, ':'); i >= 0 {
		hostPart = hostPart[:i]
	}

	g, err := glob.Compile(hostPart, '.')
	if err != nil {
		return nil, err
	}
	pat := &pattern{host: g, pathPrefix: strings.TrimSuffix(pathPart, "*")}
	if !strings.ContainsAny(hostPart, "*?[{") {
		pat.literal = hostPart
	}
	return pat, nil
}

func (p *pattern) match(host, path string) bool {
	hostOK := p.host.Match(host)
	if !hostOK && p.literal != "" {
		hostOK = strings.HasSuffix(host, "."+p.literal)
	}
	if !hostOK {
		return false
	}
	if p.pathPrefix == "" || p.pathPrefix == "/" {
		return true
	}
	return strings.HasPrefix(path, p.pathPrefix)
}
