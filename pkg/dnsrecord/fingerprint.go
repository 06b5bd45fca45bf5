package dnsrecord

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint returns a stable hash of the canonical record fields. Two
// records with the same fingerprint are considered in sync; a differing
// fingerprint for the same cache key means drift and triggers an update.
//
// The proxied flag participates only when set, so a desired record that
// leaves it nil matches a remote record regardless of its proxy state.
func (d Desired) Fingerprint() string {
	proxied := "-"
	if d.Proxied != nil {
		proxied = fmt.Sprintf("%t", *d.Proxied)
	}
	canonical := fmt.Sprintf("%s|%s|%s|%d|%s|%d|%d|%d|%d|%s",
		d.Type, Normalize(d.Name), d.Content, d.TTL, proxied,
		d.Priority, d.Weight, d.Port, d.Flags, d.Tag)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:16])
}

// Matches reports whether a remote record is in sync with the desired one.
// When the desired record does not pin the proxied flag the remote flag is
// ignored, mirroring Fingerprint's canonicalization.
func (p ProviderRecord) Matches(d Desired) bool {
	remote := p.Desired
	if d.Proxied == nil {
		remote.Proxied = nil
	}
	return remote.Fingerprint() == d.Fingerprint()
}
