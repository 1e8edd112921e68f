package envutil

import (
	"os"
	"strings"
)

// IsDev checks if we're running in development mode
// where cookie and redirect requirements can be relaxed for local testing
func IsDev() bool {
	env := strings.ToLower(os.Getenv("LABAUTH_ENV"))
	return env == "development" || env == "dev"
}

// GetDefault returns the value of the environment variable key, or def when unset or blank
func GetDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
