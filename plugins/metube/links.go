package metube

import (
	"net/url"
	"regexp"
	"strings"
)

var urlRe = regexp.MustCompile(`https?://[^\s<>"']+`)

// ExtractURLs pulls http(s) URLs out of free-form message text,
// deduplicated in order of first appearance.
func ExtractURLs(text string) []string {
	raw := urlRe.FindAllString(text, -1)
	if len(raw) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		u = strings.TrimRight(u, ".,;:)!?")
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// DomainAllowed reports whether the URL's host matches the allowlist
// (exact host or subdomain). An empty allowlist accepts any host.
func DomainAllowed(raw string, allowed []string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
