package registry

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// RawRegexPrefix marks a domain pattern that is already a Pi-hole regex.
const RawRegexPrefix = "re:"

// DomainRegex converts a domain pattern into the regex form stored on the
// DNS controller.
// Supports:
// - Exact match: "example.com"
// - Wildcard prefix: "*.example.com" (the domain and every subdomain)
// - Contains wildcard: "*xmr*"
// - Raw regex: "re:^ads[0-9]+\."
func DomainRegex(pattern string) (string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return "", fmt.Errorf("empty domain pattern")
	}
	if strings.ContainsAny(pattern, " \t\n") {
		return "", fmt.Errorf("domain pattern %q contains whitespace", pattern)
	}

	var out string
	switch {
	case strings.HasPrefix(pattern, RawRegexPrefix):
		out = strings.TrimPrefix(pattern, RawRegexPrefix)
		if out == "" {
			return "", fmt.Errorf("empty regex in %q", pattern)
		}
	case strings.HasPrefix(pattern, "*."):
		suffix := strings.ToLower(pattern[2:])
		if suffix == "" || strings.Contains(suffix, "*") {
			return "", fmt.Errorf("invalid wildcard pattern %q", pattern)
		}
		out = `(\.|^)` + escapeRegexDomain(suffix) + "$"
	case strings.Contains(pattern, "*"):
		var b strings.Builder
		b.WriteString("^")
		for i, part := range strings.Split(strings.ToLower(pattern), "*") {
			if i > 0 {
				b.WriteString(".*")
			}
			b.WriteString(escapeRegexDomain(part))
		}
		b.WriteString("$")
		out = b.String()
	default:
		out = "^" + escapeRegexDomain(strings.ToLower(pattern)) + "$"
	}

	if _, err := regexp.Compile(out); err != nil {
		return "", fmt.Errorf("domain pattern %q: %w", pattern, err)
	}
	return out, nil
}

// NormalizeMAC returns the lower-case colon form of a hardware address.
func NormalizeMAC(s string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("%q is not a 48-bit MAC address", s)
	}
	return hw.String(), nil
}

// escapeRegexDomain escapes special regex characters in a domain string.
func escapeRegexDomain(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '.', '+', '?', '^', '$', '(', ')', '[', ']', '{', '}', '|', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
