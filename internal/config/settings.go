// Package config implements the runtime settings store. Every setting has a
// typed definition with a compiled default; the effective value is resolved
// as persisted override, then environment variable, then default. Secrets
// additionally support the Docker-secrets _FILE suffix.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the value type of a setting.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
	KindDuration
	KindList
)

// Definition describes one setting: its key (also the environment variable
// name), type, default, and whether changing it takes effect only after a
// restart.
type Definition struct {
	Key             string
	Kind            Kind
	Default         string
	RestartRequired bool
	Sensitive       bool
	Description     string

	// Validate, when set, rejects invalid values before they are
	// persisted. The built-in kind parsing always runs first.
	Validate func(value string) error
}

// Operation modes.
const (
	ModeTraefik = "traefik"
	ModeDirect  = "direct"
)

// Routing modes.
const (
	RoutingDefaultOnly      = "default-only"
	RoutingAuto             = "auto"
	RoutingAutoWithFallback = "auto-with-fallback"
)

func oneOf(allowed ...string) func(string) error {
	return func(value string) error {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
	}
}

// Definitions returns the full set of setting definitions the daemon knows.
func Definitions() []Definition {
	return []Definition{
		{Key: "OPERATION_MODE", Kind: KindString, Default: ModeTraefik, RestartRequired: true,
			Description: "hostname discovery source", Validate: oneOf(ModeTraefik, ModeDirect)},
		{Key: "LOG_LEVEL", Kind: KindString, Default: "info",
			Description: "minimum log level", Validate: oneOf("debug", "info", "warn", "error")},
		{Key: "LOG_FORMAT", Kind: KindString, Default: "json", RestartRequired: true,
			Description: "log output format", Validate: oneOf("json", "text")},
		{Key: "POLL_INTERVAL", Kind: KindDuration, Default: "60s",
			Description: "reverse-proxy API poll interval"},
		{Key: "IP_REFRESH_INTERVAL", Kind: KindDuration, Default: "1h",
			Description: "public IP re-resolution interval"},
		{Key: "DNS_DEFAULT_TYPE", Kind: KindString, Default: "A",
			Description: "record type when no type label is present"},
		{Key: "DNS_DEFAULT_TTL", Kind: KindInt, Default: "1",
			Description: "record TTL when no ttl label is present (1 = auto)"},
		{Key: "DNS_DEFAULT_PROXIED", Kind: KindBool, Default: "true",
			Description: "proxy flag default for providers that support it"},
		{Key: "DNS_DEFAULT_MANAGE", Kind: KindBool, Default: "true",
			Description: "whether discovered hostnames are managed without an explicit label"},
		{Key: "DNS_ROUTING_MODE", Kind: KindString, Default: RoutingDefaultOnly,
			Description: "provider routing for unlabeled hostnames",
			Validate:    oneOf(RoutingDefaultOnly, RoutingAuto, RoutingAutoWithFallback)},
		{Key: "DNS_MULTI_PROVIDER_SAME_ZONE", Kind: KindBool, Default: "false",
			Description: "allow several providers to serve one zone"},
		{Key: "DNS_LABEL_PREFIX", Kind: KindString, Default: "dns.", RestartRequired: true,
			Description: "container label prefix"},
		{Key: "CLEANUP_ORPHANED", Kind: KindBool, Default: "false",
			Description: "delete orphaned records after the grace period"},
		{Key: "CLEANUP_GRACE_PERIOD", Kind: KindDuration, Default: "15m",
			Description: "how long an orphan survives before deletion"},
		{Key: "PRESERVED_HOSTNAMES", Kind: KindList, Default: "",
			Description: "comma-separated hostname patterns never deleted"},
		{Key: "MANAGED_HOSTNAMES", Kind: KindList, Default: "",
			Description: "comma-separated hostname:type:content:ttl entries ensured every pass"},
		{Key: "PUBLIC_IP", Kind: KindString, Default: "",
			Description: "override for the resolved public IPv4 address"},
		{Key: "PUBLIC_IPV6", Kind: KindString, Default: "",
			Description: "override for the resolved public IPv6 address"},
		{Key: "CONFIG_DIR", Kind: KindString, Default: "/config", RestartRequired: true,
			Description: "directory for persisted state and settings"},
		{Key: "DNS_PROVIDER", Kind: KindString, Default: "cloudflare", RestartRequired: true,
			Description: "comma-separated provider backends to enable; first is the default"},
		{Key: "DOCKER_SOCKET", Kind: KindString, Default: "unix:///var/run/docker.sock", RestartRequired: true,
			Description: "container engine socket"},
		{Key: "WATCH_DOCKER_EVENTS", Kind: KindBool, Default: "true",
			Description: "react to container lifecycle events"},
		{Key: "TRAEFIK_API_URL", Kind: KindString, Default: "http://traefik:8080/api",
			Description: "reverse-proxy API base URL"},
		{Key: "TRAEFIK_API_USERNAME", Kind: KindString, Default: "",
			Description: "reverse-proxy API basic-auth user"},
		{Key: "TRAEFIK_API_PASSWORD", Kind: KindString, Default: "", Sensitive: true,
			Description: "reverse-proxy API basic-auth password"},
		{Key: "TRAEFIK_FILE_PROVIDER_DIR", Kind: KindString, Default: "",
			Description: "directory of file-provider YAML/TOML configs to scan"},
		{Key: "CLOUDFLARE_TUNNEL_ENABLED", Kind: KindBool, Default: "false",
			Description: "reconcile Cloudflare tunnel ingress rules"},
		{Key: "DRY_RUN", Kind: KindBool, Default: "false",
			Description: "log provider mutations instead of applying them"},
		{Key: "HEALTH_ADDR", Kind: KindString, Default: ":8080", RestartRequired: true,
			Description: "listen address for health and metrics endpoints"},
	}
}

func parseKind(def Definition, value string) error {
	switch def.Kind {
	case KindInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("%s: not an integer: %q", def.Key, value)
		}
	case KindBool:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "false", "1", "0", "yes", "no", "on", "off":
		default:
			return fmt.Errorf("%s: not a boolean: %q", def.Key, value)
		}
	case KindDuration:
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("%s: not a duration: %q", def.Key, value)
		}
	}
	return nil
}

// parseDuration accepts Go duration strings and bare integers, which are
// treated as seconds (compose files commonly set POLL_INTERVAL=30).
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// parseBool parses a boolean string, returning defaultValue on parse failure.
// Accepts: true/false, 1/0, yes/no, on/off (case-insensitive).
func parseBool(s string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultValue
	}
}

// splitList splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
