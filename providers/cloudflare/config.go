package cloudflare

import (
	"fmt"
	"os"
	"strings"
)

// Config holds Cloudflare backend configuration.
type Config struct {
	// Token is the scoped API token (Zone.DNS edit).
	Token string

	// Zone is the zone apex, e.g. "example.com". Optional when ZoneID is
	// set.
	Zone string

	// ZoneID skips the zone lookup when known.
	ZoneID string

	// AccountID is required only for tunnel ingress management.
	AccountID string
}

// envPrefix is the environment prefix for Cloudflare settings.
const envPrefix = "CLOUDFLARE_"

// LoadConfig reads Cloudflare configuration from the environment. The token
// supports the _FILE Docker-secrets suffix.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Token:     getEnvOrFile(envPrefix+"TOKEN", envPrefix+"TOKEN_FILE"),
		Zone:      os.Getenv(envPrefix + "ZONE"),
		ZoneID:    os.Getenv(envPrefix + "ZONE_ID"),
		AccountID: os.Getenv(envPrefix + "ACCOUNT_ID"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("cloudflare: TOKEN is required")
	}
	if c.Zone == "" && c.ZoneID == "" {
		return fmt.Errorf("cloudflare: ZONE or ZONE_ID is required")
	}
	return nil
}

// getEnvOrFile retrieves a value from either a direct environment variable
// or a file path specified by the file key (Docker secrets pattern).
//
// If both are set, the file takes precedence. This allows local development
// with direct values while production uses Docker secrets.
func getEnvOrFile(directKey, fileKey string) string {
	if filePath := os.Getenv(fileKey); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(content))
		}
	}
	return os.Getenv(directKey)
}
