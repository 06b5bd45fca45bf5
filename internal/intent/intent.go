// Package intent translates discovered hostnames and their container labels
// into desired DNS records, applying configured defaults.
package intent

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
)

// Settings is the slice of the settings store the extractor reads.
type Settings interface {
	Get(key string) string
	GetInt(key string) int
	GetBool(key string) bool
}

// IPSource supplies the cached public addresses used when an A or AAAA
// record carries no explicit content.
type IPSource interface {
	IPv4() string
	IPv6() string
}

// Result is the extracted intent for one hostname.
type Result struct {
	// Record is the desired record. Meaningless when Skip is set.
	Record dnsrecord.Desired

	// Managed reports whether the engine may mutate the record.
	Managed bool

	// Skip marks hostnames the engine must not touch, with Reason saying
	// why (explicit skip label, CNAME at the zone apex).
	Skip   bool
	Reason string
}

// Extractor builds desired records from labels and defaults.
type Extractor struct {
	settings Settings
	ips      IPSource
	logger   *slog.Logger
}

// Option is a functional option for configuring the Extractor.
type Option func(*Extractor)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an extractor.
func New(settings Settings, ips IPSource, opts ...Option) *Extractor {
	e := &Extractor{
		settings: settings,
		ips:      ips,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract builds the desired record for hostname from its labels, the
// configured defaults and the public IP cache. zone is the apex of the
// provider the record targets; it drives the apex-CNAME rule.
//
// Extraction failures return a *dnsrecord.ValidationError; callers count
// the hostname as an error and continue the pass.
func (e *Extractor) Extract(hostname string, labels map[string]string, zone string) (Result, error) {
	hostname = dnsrecord.Normalize(hostname)
	zone = dnsrecord.Normalize(zone)
	prefix := e.settings.Get("DNS_LABEL_PREFIX")

	label := func(key string) (string, bool) {
		v, ok := labels[prefix+key]
		return strings.TrimSpace(v), ok
	}

	if v, ok := label("skip"); ok && parseBool(v, false) {
		return Result{Skip: true, Reason: "skip label set"}, nil
	}

	managed := e.settings.GetBool("DNS_DEFAULT_MANAGE")
	if v, ok := label("manage"); ok {
		managed = parseBool(v, managed)
	}

	typeStr := e.settings.Get("DNS_DEFAULT_TYPE")
	if v, ok := label("type"); ok && v != "" {
		typeStr = v
	}
	typ, err := dnsrecord.ParseType(typeStr)
	if err != nil {
		return Result{}, &dnsrecord.ValidationError{
			Record: dnsrecord.Desired{Name: hostname},
			Reason: fmt.Sprintf("unknown record type %q", typeStr),
			Err:    err,
		}
	}

	d := dnsrecord.Desired{
		Type: typ,
		Name: hostname,
		TTL:  e.settings.GetInt("DNS_DEFAULT_TTL"),
	}

	if v, ok := label("content"); ok {
		d.Content = v
	}
	if d.Content == "" {
		switch typ {
		case dnsrecord.TypeA:
			d.Content = e.ips.IPv4()
		case dnsrecord.TypeAAAA:
			d.Content = e.ips.IPv6()
		}
		if d.Content == "" && (typ == dnsrecord.TypeA || typ == dnsrecord.TypeAAAA) {
			return Result{}, &dnsrecord.ValidationError{
				Record: d,
				Reason: fmt.Sprintf("no content and no public %s address available", typ),
				Err:    dnsrecord.ErrContentEmpty,
			}
		}
	}

	// A CNAME at the apex would point the zone at itself.
	if typ == dnsrecord.TypeCNAME && zone != "" && hostname == zone {
		return Result{Skip: true, Reason: "cname at zone apex"}, nil
	}

	if v, ok := label("ttl"); ok {
		ttl, err := strconv.Atoi(v)
		if err != nil {
			return Result{}, &dnsrecord.ValidationError{
				Record: d,
				Reason: fmt.Sprintf("ttl %q is not an integer", v),
				Err:    err,
			}
		}
		d.TTL = ttl
	}

	proxied := e.settings.GetBool("DNS_DEFAULT_PROXIED")
	if v, ok := label("proxied"); ok {
		proxied = parseBool(v, proxied)
	}
	d.Proxied = &proxied

	if err := e.numericLabels(&d, label); err != nil {
		return Result{}, err
	}
	if v, ok := label("tag"); ok {
		d.Tag = v
	}

	if err := d.Validate(); err != nil {
		return Result{}, err
	}
	return Result{Record: d, Managed: managed}, nil
}

// numericLabels parses the uint-valued type-dependent labels.
func (e *Extractor) numericLabels(d *dnsrecord.Desired, label func(string) (string, bool)) error {
	parse := func(key string, bits int) (uint64, bool, error) {
		v, ok := label(key)
		if !ok || v == "" {
			return 0, false, nil
		}
		n, err := strconv.ParseUint(v, 10, bits)
		if err != nil {
			return 0, false, &dnsrecord.ValidationError{
				Record: *d,
				Reason: fmt.Sprintf("%s %q is not a valid number", key, v),
				Err:    err,
			}
		}
		return n, true, nil
	}

	if n, ok, err := parse("priority", 16); err != nil {
		return err
	} else if ok {
		d.Priority = uint16(n)
	}
	if n, ok, err := parse("weight", 16); err != nil {
		return err
	} else if ok {
		d.Weight = uint16(n)
	}
	if n, ok, err := parse("port", 16); err != nil {
		return err
	} else if ok {
		d.Port = uint16(n)
	}
	if n, ok, err := parse("flags", 8); err != nil {
		return err
	} else if ok {
		d.Flags = uint8(n)
	}
	return nil
}

// parseBool accepts the usual truthy and falsy spellings, falling back to
// def for anything else.
func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return def
	}
}
