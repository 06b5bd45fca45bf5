package route53

import (
	"fmt"
	"os"
	"strings"
)

// Config holds Route 53 backend configuration. Credentials may come from
// the standard AWS environment/instance chain; explicit keys override it.
type Config struct {
	// Zone is the hosted zone apex, e.g. "example.com". Optional when
	// ZoneID is set.
	Zone string

	// ZoneID skips the hosted zone lookup when known.
	ZoneID string

	// Region for the AWS client. Route 53 is global; us-east-1 is fine.
	Region string

	// AccessKeyID / SecretAccessKey / SessionToken override the default
	// AWS credentials chain when set.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// envPrefix is the environment prefix for Route 53 settings.
const envPrefix = "ROUTE53_"

// LoadConfig reads Route 53 configuration from the environment. The secret
// key supports the _FILE Docker-secrets suffix.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Zone:            os.Getenv(envPrefix + "ZONE"),
		ZoneID:          os.Getenv(envPrefix + "ZONE_ID"),
		Region:          os.Getenv(envPrefix + "REGION"),
		AccessKeyID:     os.Getenv(envPrefix + "ACCESS_KEY_ID"),
		SecretAccessKey: getEnvOrFile(envPrefix+"SECRET_ACCESS_KEY", envPrefix+"SECRET_ACCESS_KEY_FILE"),
		SessionToken:    os.Getenv(envPrefix + "SESSION_TOKEN"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Zone == "" && c.ZoneID == "" {
		return fmt.Errorf("route53: ZONE or ZONE_ID is required")
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	return nil
}

// getEnvOrFile retrieves a value from either a direct environment variable
// or a file path specified by the file key (Docker secrets pattern).
func getEnvOrFile(directKey, fileKey string) string {
	if filePath := os.Getenv(fileKey); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(content))
		}
	}
	return os.Getenv(directKey)
}
