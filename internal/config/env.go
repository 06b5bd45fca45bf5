package config

import (
	"os"
	"strings"
)

// getEnvOrFile retrieves a value from either a direct environment variable
// or a file path specified by the file key (Docker secrets pattern).
//
// If both are set, the file takes precedence. This allows local development
// with direct values while production uses Docker secrets.
//
// The file contents are trimmed of leading/trailing whitespace.
func getEnvOrFile(directKey, fileKey string) string {
	if filePath := os.Getenv(fileKey); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(content))
		}
		// If file read fails, fall through to direct value
	}

	return os.Getenv(directKey)
}

// envValue resolves a setting key from the environment, supporting the
// _FILE suffix: KEY_FILE names a file whose trimmed contents win over KEY.
func envValue(key string) (string, bool) {
	if v := getEnvOrFile(key, key+"_FILE"); v != "" {
		return v, true
	}
	// An explicitly set empty variable still counts as set.
	if _, ok := os.LookupEnv(key); ok {
		return "", true
	}
	return "", false
}
