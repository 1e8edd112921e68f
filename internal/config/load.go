package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dgellow/labauth/internal/log"
)

// SupportedVersion is the config schema version prefix accepted by Load
const SupportedVersion = "v1"

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes, resolves env references, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	return parse(data, ValidateConfig)
}

// LoadClient loads a config for a command-line client. Only the api, flow
// and providers sections are required.
func LoadClient(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return parse(data, ValidateClientConfig)
}

func parse(data []byte, validate func(*Config) error) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, SupportedVersion) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	ApplyDefaults(&config)

	if err := validate(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateRawConfig rejects secrets written inline before env resolution
func validateRawConfig(rawConfig map[string]any) error {
	secrets := map[string]any{}
	if session, ok := rawConfig["session"].(map[string]any); ok {
		if v, exists := session["cookieKey"]; exists {
			secrets["session.cookieKey"] = v
		}
	}
	if flow, ok := rawConfig["flow"].(map[string]any); ok {
		if redis, ok := flow["redis"].(map[string]any); ok {
			if v, exists := redis["password"]; exists {
				secrets["flow.redis.password"] = v
			}
		}
	}

	for path, value := range secrets {
		if verr := validateEnvVarReference(value, path, path); verr != nil {
			return fmt.Errorf("%s", verr.Message)
		}
	}
	return nil
}

// ApplyDefaults fills omitted optional fields
func ApplyDefaults(config *Config) {
	if config.Server.LandingRoute == "" {
		config.Server.LandingRoute = DefaultLandingRoute
	}
	if config.Server.AuthRoute == "" {
		config.Server.AuthRoute = DefaultAuthRoute
	}
	if config.API.Timeout == 0 {
		config.API.Timeout = DefaultAPITimeout
	}
	if config.Flow.TTL == 0 {
		config.Flow.TTL = DefaultFlowTTL
	}
	if config.Flow.CleanupInterval == 0 {
		config.Flow.CleanupInterval = DefaultCleanupInterval
	}
	if config.Flow.Storage == "" {
		config.Flow.Storage = StorageMemory
	}
	if config.Flow.Storage == StorageFirestore && config.Flow.Firestore != nil {
		if config.Flow.Firestore.Database == "" {
			config.Flow.Firestore.Database = DefaultFirestoreDatabase
		}
		if config.Flow.Firestore.Collection == "" {
			config.Flow.Firestore.Collection = DefaultFirestoreCollection
		}
	}
	if config.Flow.Storage == StorageRedis && config.Flow.Redis != nil && config.Flow.Redis.KeyPrefix == "" {
		config.Flow.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if config.Session.TTL == 0 {
		config.Session.TTL = DefaultSessionTTL
	}
}

// ValidateClientConfig validates the sections a client without an HTTP surface needs
func ValidateClientConfig(config *Config) error {
	if err := validateAbsoluteURL(config.API.BaseURL); err != nil {
		return fmt.Errorf("api.baseURL: %w", err)
	}
	if config.API.Timeout < 0 {
		return fmt.Errorf("api.timeout cannot be negative")
	}
	if config.Flow.TTL <= 0 {
		return fmt.Errorf("flow config: ttl must be positive")
	}
	return validateProviders(config.Providers)
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if err := validateAbsoluteURL(config.Server.BaseURL); err != nil {
		return fmt.Errorf("server.baseURL: %w", err)
	}
	if !strings.HasPrefix(config.Server.LandingRoute, "/") {
		return fmt.Errorf("server.landingRoute must be an absolute path")
	}
	if !strings.HasPrefix(config.Server.AuthRoute, "/") {
		return fmt.Errorf("server.authRoute must be an absolute path")
	}
	if err := validateAbsoluteURL(config.API.BaseURL); err != nil {
		return fmt.Errorf("api.baseURL: %w", err)
	}
	if config.API.Timeout < 0 {
		return fmt.Errorf("api.timeout cannot be negative")
	}

	if err := validateFlowConfig(&config.Flow); err != nil {
		return fmt.Errorf("flow config: %w", err)
	}

	if len(config.Session.CookieKey) != 32 {
		return fmt.Errorf("session.cookieKey must be exactly 32 bytes (got %d). Generate with: openssl rand -base64 32 | head -c 32", len(config.Session.CookieKey))
	}
	if config.Session.TTL < config.Flow.TTL {
		log.LogWarn("session.ttl (%s) is shorter than flow.ttl (%s); pending flows may outlive their session", config.Session.TTL, config.Flow.TTL)
	}

	return validateProviders(config.Providers)
}

func validateFlowConfig(flow *FlowConfig) error {
	if flow.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if flow.CleanupInterval > flow.TTL {
		log.LogWarn("flow.cleanupInterval (%s) is longer than flow.ttl (%s); expired flows linger until cleanup runs", flow.CleanupInterval, flow.TTL)
	}
	switch flow.Storage {
	case StorageMemory:
	case StorageRedis:
		if flow.Redis == nil || flow.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when using redis storage")
		}
		if flow.Redis.DB < 0 {
			return fmt.Errorf("redis.db cannot be negative")
		}
	case StorageFirestore:
		if flow.Firestore == nil || flow.Firestore.Project == "" {
			return fmt.Errorf("firestore.project is required when using firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage %q (memory, redis or firestore)", flow.Storage)
	}
	return nil
}

func validateProviders(providers []ProviderConfig) error {
	if len(providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]bool, len(providers))
	for i, p := range providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s is declared twice", p.ID)
		}
		seen[p.ID] = true

		switch p.Authorization {
		case AuthorizationBackend:
		case AuthorizationDirect:
			if p.ClientID == "" {
				return fmt.Errorf("provider %s: clientId is required for direct authorization", p.ID)
			}
		default:
			return fmt.Errorf("provider %s: unknown authorization %q (backend or direct)", p.ID, p.Authorization)
		}
		if p.RedirectURI != "" {
			if err := validateAbsoluteURL(p.RedirectURI); err != nil {
				return fmt.Errorf("provider %s: redirectUri: %w", p.ID, err)
			}
		}
	}
	return nil
}

func validateAbsoluteURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http(s) URL, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host, got %q", raw)
	}
	return nil
}
