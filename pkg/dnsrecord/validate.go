package dnsrecord

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Hostname length limits per RFC 1123.
const (
	// MaxHostnameLength is the maximum length of a full hostname.
	MaxHostnameLength = 253

	// MaxLabelLength is the maximum length of a single label.
	MaxLabelLength = 63
)

// Common validation errors.
var (
	// ErrNameEmpty indicates an empty record name.
	ErrNameEmpty = errors.New("record name is empty")

	// ErrNameTooLong indicates a name exceeding 253 characters.
	ErrNameTooLong = errors.New("record name exceeds 253 characters")

	// ErrLabelInvalid indicates a malformed hostname label.
	ErrLabelInvalid = errors.New("record name contains invalid label")

	// ErrContentEmpty indicates missing record content.
	ErrContentEmpty = errors.New("record content is empty")

	// ErrBadTTL indicates a TTL outside {1} ∪ [60, ∞).
	ErrBadTTL = errors.New("ttl must be 1 (auto) or at least 60")

	// ErrBadAddress indicates content that is not a valid IP literal for
	// the record type.
	ErrBadAddress = errors.New("content is not a valid address for record type")

	// ErrBadPort indicates an SRV port outside 1-65535.
	ErrBadPort = errors.New("srv port must be between 1 and 65535")

	// ErrBadCAATag indicates an unknown CAA tag.
	ErrBadCAATag = errors.New("caa tag must be issue, issuewild or iodef")
)

// labelRegex matches valid hostname labels per RFC 1123: alphanumeric at
// both ends, hyphens allowed in the middle. Underscores are additionally
// accepted at the start of a label for service records (_sip._tcp...).
var labelRegex = regexp.MustCompile(`^_?[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$|^_?[a-zA-Z0-9]$`)

// ValidationError reports why a desired record failed validation. It carries
// a human-readable reason; the pass skips the record and continues.
type ValidationError struct {
	Record Desired
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record %q: %s", e.Record.Type, e.Record.Name, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(d Desired, err error, reason string) error {
	return &ValidationError{Record: d, Reason: reason, Err: err}
}

// ValidateName checks a normalized hostname against RFC 1123. A single
// leading wildcard label is accepted.
func ValidateName(name string) error {
	name = Normalize(name)
	if name == "" {
		return ErrNameEmpty
	}
	if len(name) > MaxHostnameLength {
		return ErrNameTooLong
	}
	for i, label := range strings.Split(name, ".") {
		if i == 0 && label == "*" {
			continue
		}
		if label == "" || len(label) > MaxLabelLength || !labelRegex.MatchString(label) {
			return fmt.Errorf("%w: %q", ErrLabelInvalid, label)
		}
	}
	return nil
}

// Validate checks a desired record against its type's rules:
//   - valid RFC 1123 name
//   - TTL ∈ {1} ∪ [60, ∞)
//   - non-empty content (TXT permits empty)
//   - A content is an IPv4 literal, AAAA content an IPv6 literal
//   - SRV port 1-65535 (priority and weight cover the full uint16 range)
//   - CAA tag ∈ {issue, issuewild, iodef}
func (d Desired) Validate() error {
	if err := ValidateName(d.Name); err != nil {
		return invalid(d, err, err.Error())
	}

	if d.TTL != TTLAuto && d.TTL < 60 {
		return invalid(d, ErrBadTTL, fmt.Sprintf("ttl %d not allowed", d.TTL))
	}

	if d.Content == "" && d.Type != TypeTXT {
		return invalid(d, ErrContentEmpty, "content is required")
	}

	switch d.Type {
	case TypeA:
		ip := net.ParseIP(d.Content)
		if ip == nil || ip.To4() == nil {
			return invalid(d, ErrBadAddress, fmt.Sprintf("%q is not an IPv4 address", d.Content))
		}
	case TypeAAAA:
		ip := net.ParseIP(d.Content)
		if ip == nil || ip.To4() != nil || !strings.Contains(d.Content, ":") {
			return invalid(d, ErrBadAddress, fmt.Sprintf("%q is not an IPv6 address", d.Content))
		}
	case TypeCNAME, TypeMX, TypeSRV:
		if err := ValidateName(d.Content); err != nil {
			return invalid(d, err, fmt.Sprintf("target %q: %v", d.Content, err))
		}
		if d.Type == TypeSRV && d.Port == 0 {
			return invalid(d, ErrBadPort, "port is required")
		}
	case TypeCAA:
		switch d.Tag {
		case "issue", "issuewild", "iodef":
		default:
			return invalid(d, ErrBadCAATag, fmt.Sprintf("tag %q", d.Tag))
		}
		if d.Content == "" {
			return invalid(d, ErrContentEmpty, "caa value is required")
		}
	}

	return nil
}

// IsValidation reports whether err is a record validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
