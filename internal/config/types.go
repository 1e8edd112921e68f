package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// StorageKind selects the flow state backend
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageRedis     StorageKind = "redis"
	StorageFirestore StorageKind = "firestore"
)

// AuthorizationMode selects how the outbound authorization URL is built.
type AuthorizationMode string

const (
	// AuthorizationBackend sends the user to the backend's
	// /auth/oauth/{provider} endpoint, which performs the provider redirect.
	AuthorizationBackend AuthorizationMode = "backend"

	// AuthorizationDirect builds the provider's authorization URL locally
	// from its oauth2 endpoint and client ID.
	AuthorizationDirect AuthorizationMode = "direct"
)

// Defaults applied by Load when a field is omitted
const (
	DefaultFlowTTL             = 10 * time.Minute
	DefaultAPITimeout          = 15 * time.Second
	DefaultSessionTTL          = 24 * time.Hour
	DefaultCleanupInterval     = 5 * time.Minute
	DefaultLandingRoute        = "/dashboard"
	DefaultAuthRoute           = "/login"
	DefaultFirestoreDatabase   = "(default)"
	DefaultFirestoreCollection = "labauth_flows"
	DefaultRedisKeyPrefix      = "labauth:"
)

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Addr           string   `json:"addr"`
	BaseURL        string   `json:"baseURL"`
	LandingRoute   string   `json:"landingRoute"`
	AuthRoute      string   `json:"authRoute"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// APIConfig points at the application backend that owns accounts and tokens
type APIConfig struct {
	BaseURL string        `json:"baseURL"`
	Timeout time.Duration `json:"timeout"`
}

// RedisConfig configures the redis flow backend
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  Secret `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"keyPrefix"`
}

// FirestoreConfig configures the firestore flow backend
type FirestoreConfig struct {
	Project    string `json:"project"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

// FlowConfig configures pending flow storage
type FlowConfig struct {
	TTL             time.Duration    `json:"ttl"`
	CleanupInterval time.Duration    `json:"cleanupInterval"`
	Storage         StorageKind      `json:"storage"`
	Redis           *RedisConfig     `json:"redis,omitempty"`
	Firestore       *FirestoreConfig `json:"firestore,omitempty"`
}

// SessionConfig configures the browser session cookie
type SessionConfig struct {
	CookieKey Secret        `json:"cookieKey"`
	TTL       time.Duration `json:"ttl"`
}

// ProviderConfig declares one identity provider
type ProviderConfig struct {
	ID            string            `json:"id"`
	DisplayName   string            `json:"displayName"`
	Enabled       bool              `json:"enabled"`
	Authorization AuthorizationMode `json:"authorization"`
	ClientID      string            `json:"clientId,omitempty"`
	RedirectURI   string            `json:"redirectUri,omitempty"`
	Scopes        []string          `json:"scopes,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	Version   string           `json:"version"`
	Server    ServerConfig     `json:"server"`
	API       APIConfig        `json:"api"`
	Flow      FlowConfig       `json:"flow"`
	Session   SessionConfig    `json:"session"`
	Providers []ProviderConfig `json:"providers"`
}

// ParseConfigValue parses a JSON value that is either a plain string or an
// {"$env": "VAR_NAME"} reference resolved immediately.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}

func parseOptionalValue(raw json.RawMessage, field string) (string, error) {
	if raw == nil {
		return "", nil
	}
	v, err := ParseConfigValue(raw)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", field, err)
	}
	return v, nil
}

func parseOptionalDuration(raw, field string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}
