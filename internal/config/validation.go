package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes validates raw config bytes structurally
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Message: fmt.Sprintf("invalid JSON: %v", err),
		})
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "version",
			Message: fmt.Sprintf("version field is required. Hint: Add \"version\": %q", SupportedVersion),
		})
	} else if !strings.HasPrefix(version, SupportedVersion) {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "version",
			Message: fmt.Sprintf("unsupported version '%s' - use '%s'", version, SupportedVersion),
		})
	}

	validateServerStructure(rawConfig, result)
	validateAPIStructure(rawConfig, result)
	validateFlowStructure(rawConfig, result)
	validateSessionStructure(rawConfig, result)
	validateProvidersStructure(rawConfig, result)

	return result
}

func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := rawConfig["server"].(map[string]any)
	if !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "server",
			Message: "server field is required and must be an object",
		})
		return
	}
	if _, ok := server["addr"]; !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "server.addr",
			Message: "addr is required. Example: \":8080\"",
		})
	}
	if _, ok := server["baseURL"]; !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "server.baseURL",
			Message: "baseURL is required. Example: \"https://lab.example.com\"",
		})
	}
}

func validateAPIStructure(rawConfig map[string]any, result *ValidationResult) {
	api, ok := rawConfig["api"].(map[string]any)
	if !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "api",
			Message: "api field is required and must be an object",
		})
		return
	}
	if _, ok := api["baseURL"]; !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "api.baseURL",
			Message: "baseURL is required. Example: \"https://api.lab.example.com\"",
		})
	}
	validateDurationField(api, "timeout", "api.timeout", result)
}

func validateFlowStructure(rawConfig map[string]any, result *ValidationResult) {
	flow, ok := rawConfig["flow"].(map[string]any)
	if !ok {
		return
	}
	validateDurationField(flow, "ttl", "flow.ttl", result)
	validateDurationField(flow, "cleanupInterval", "flow.cleanupInterval", result)

	storage, _ := flow["storage"].(string)
	switch StorageKind(storage) {
	case "", StorageMemory:
	case StorageRedis:
		redis, ok := flow["redis"].(map[string]any)
		if !ok {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "flow.redis",
				Message: "redis configuration is required when storage is redis",
			})
			return
		}
		if _, ok := redis["addr"]; !ok {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "flow.redis.addr",
				Message: "addr is required. Example: \"localhost:6379\"",
			})
		}
		if password, ok := redis["password"]; ok {
			if verr := validateEnvVarReference(password, "password", "flow.redis.password"); verr != nil {
				result.Errors = append(result.Errors, *verr)
			}
		}
	case StorageFirestore:
		firestore, ok := flow["firestore"].(map[string]any)
		if !ok || firestore["project"] == nil {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "flow.firestore.project",
				Message: "project is required when storage is firestore",
			})
		}
	default:
		result.Errors = append(result.Errors, ValidationError{
			Path:    "flow.storage",
			Message: fmt.Sprintf("invalid storage '%s' - must be 'memory', 'redis' or 'firestore'", storage),
		})
	}

	ttl, err1 := durationField(flow, "ttl")
	cleanup, err2 := durationField(flow, "cleanupInterval")
	if err1 == nil && err2 == nil && ttl > 0 && cleanup > ttl {
		result.Warnings = append(result.Warnings, ValidationError{
			Path:    "flow",
			Message: fmt.Sprintf("cleanupInterval (%s) is longer than ttl (%s). Expired flows will remain stored until cleanup runs.", cleanup, ttl),
		})
	}
}

func validateSessionStructure(rawConfig map[string]any, result *ValidationResult) {
	session, ok := rawConfig["session"].(map[string]any)
	if !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "session",
			Message: "session field is required and must be an object",
		})
		return
	}
	key, ok := session["cookieKey"]
	if !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "session.cookieKey",
			Message: "cookieKey is required. Hint: {\"$env\": \"LABAUTH_COOKIE_KEY\"}",
		})
	} else if verr := validateEnvVarReference(key, "cookieKey", "session.cookieKey"); verr != nil {
		result.Errors = append(result.Errors, *verr)
	}
	validateDurationField(session, "ttl", "session.ttl", result)
}

func validateProvidersStructure(rawConfig map[string]any, result *ValidationResult) {
	providers, ok := rawConfig["providers"].([]any)
	if !ok || len(providers) == 0 {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "providers",
			Message: "providers must be a non-empty array",
		})
		return
	}
	for i, item := range providers {
		path := fmt.Sprintf("providers[%d]", i)
		p, ok := item.(map[string]any)
		if !ok {
			result.Errors = append(result.Errors, ValidationError{Path: path, Message: "provider must be an object"})
			continue
		}
		if _, ok := p["id"].(string); !ok {
			result.Errors = append(result.Errors, ValidationError{
				Path:    path + ".id",
				Message: "id is required. Options: google, github, microsoft, orcid",
			})
		}
		mode, _ := p["authorization"].(string)
		switch AuthorizationMode(mode) {
		case "", AuthorizationBackend:
		case AuthorizationDirect:
			if _, ok := p["clientId"]; !ok {
				result.Errors = append(result.Errors, ValidationError{
					Path:    path + ".clientId",
					Message: "clientId is required for direct authorization",
				})
			}
		default:
			result.Errors = append(result.Errors, ValidationError{
				Path:    path + ".authorization",
				Message: fmt.Sprintf("invalid authorization '%s' - must be 'backend' or 'direct'", mode),
			})
		}
	}
}

func validateDurationField(obj map[string]any, key, path string, result *ValidationResult) {
	if _, err := durationField(obj, key); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Path:    path,
			Message: fmt.Sprintf("invalid duration: %v. Example: \"10m\"", err),
		})
	}
}

func durationField(obj map[string]any, key string) (time.Duration, error) {
	v, ok := obj[key]
	if !ok {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("must be a string, not %T", v)
	}
	return time.ParseDuration(s)
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName),
			})
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
