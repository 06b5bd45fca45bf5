// Package traefik discovers hostnames from a Traefik reverse proxy: it
// polls the Traefik API for HTTP router rules and optionally scans file
// provider configuration on disk.
package traefik

import (
	"regexp"
	"strings"

	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
)

// matcherRegex captures the argument list of Host(...) and HostRegexp(...)
// matchers in a router rule.
var matcherRegex = regexp.MustCompile(`(Host|HostRegexp)\(([^)]*)\)`)

// literalRegex captures one backtick-quoted argument.
var literalRegex = regexp.MustCompile("`([^`]+)`")

// HostsFromRule extracts the hostnames of every Host() and HostRegexp()
// matcher in a Traefik rule, in order of appearance, deduplicated.
// HostRegexp arguments that are patterns rather than literal hostnames are
// skipped: a DNS record for "{subdomain:.+}.example.com" would be garbage.
//
// Handles the usual rule shapes:
//
//	Host(`example.com`)
//	Host(`a.com`, `b.com`)
//	Host(`a.com`) || Host(`b.com`)
//	(Host(`a.com`) || Host(`b.com`)) && PathPrefix(`/api`)
func HostsFromRule(rule string) []string {
	seen := make(map[string]struct{})
	var hosts []string

	for _, matcher := range matcherRegex.FindAllStringSubmatch(rule, -1) {
		for _, arg := range literalRegex.FindAllStringSubmatch(matcher[2], -1) {
			hostname := dnsrecord.Normalize(arg[1])
			if hostname == "" || !isLiteralHostname(hostname) {
				continue
			}
			if _, ok := seen[hostname]; ok {
				continue
			}
			seen[hostname] = struct{}{}
			hosts = append(hosts, hostname)
		}
	}
	return hosts
}

// isLiteralHostname rejects HostRegexp patterns ("{subdomain:.+}.a.com",
// "^web[0-9]+") while keeping plain names and single leading wildcards.
func isLiteralHostname(hostname string) bool {
	if strings.ContainsAny(hostname, "{}^$+[]()|\\") {
		return false
	}
	return dnsrecord.ValidateName(hostname) == nil
}

// routerName strips Traefik's "@provider" suffix from an API router name:
// "web@docker" names the router "web" declared by the docker provider.
func routerName(name string) string {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		return name[:i]
	}
	return name
}
