package lookup

import (
	"net/netip"
	"regexp"
	"sort"
	"strings"
)

// Candidate pattern for IPv6 addresses as they appear in rendered page text,
// e.g. 240e:6b0:ab0:11:1::1086. Validation happens afterwards.
var ipv6Pattern = regexp.MustCompile(`\b([0-9a-fA-F]{1,4}(?::[0-9a-fA-F]{0,4}){2,7})\b`)

// IsIPv6 reports whether addr is a plausible real-world IPv6 address.
// Very short forms and bare "::"-tails are rejected: they match the pattern
// but never show up as actual AAAA answers on the result page.
func IsIPv6(addr string) bool {
	if len(addr) < 10 {
		return false
	}
	if strings.HasSuffix(addr, "::") && len(addr) < 15 {
		return false
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return ip.Is6() && !ip.Is4In6()
}

// ExtractIPv6 pulls all valid IPv6 addresses out of free-form page text,
// deduplicated and sorted for stable comparison across polls.
func ExtractIPv6(text string) []string {
	matches := ipv6Pattern.FindAllString(text, -1)

	seen := make(map[string]bool)
	var addrs []string
	for _, m := range matches {
		if strings.Count(m, ":") < 3 {
			continue
		}
		if !IsIPv6(m) {
			continue
		}
		if !seen[m] {
			seen[m] = true
			addrs = append(addrs, m)
		}
	}
	sort.Strings(addrs)
	return addrs
}
