package config

import (
	"encoding/json"
	"strings"
)

// UnmarshalJSON implements custom unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	type rawServer struct {
		Addr           json.RawMessage `json:"addr"`
		BaseURL        json.RawMessage `json:"baseURL"`
		LandingRoute   string          `json:"landingRoute"`
		AuthRoute      string          `json:"authRoute"`
		AllowedOrigins []string        `json:"allowedOrigins"`
	}

	var raw rawServer
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if s.Addr, err = parseOptionalValue(raw.Addr, "addr"); err != nil {
		return err
	}
	if s.BaseURL, err = parseOptionalValue(raw.BaseURL, "baseURL"); err != nil {
		return err
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	s.LandingRoute = raw.LandingRoute
	s.AuthRoute = raw.AuthRoute
	s.AllowedOrigins = raw.AllowedOrigins
	return nil
}

// UnmarshalJSON implements custom unmarshaling for APIConfig
func (a *APIConfig) UnmarshalJSON(data []byte) error {
	type rawAPI struct {
		BaseURL json.RawMessage `json:"baseURL"`
		Timeout string          `json:"timeout"`
	}

	var raw rawAPI
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if a.BaseURL, err = parseOptionalValue(raw.BaseURL, "api.baseURL"); err != nil {
		return err
	}
	a.BaseURL = strings.TrimRight(a.BaseURL, "/")
	if a.Timeout, err = parseOptionalDuration(raw.Timeout, "api.timeout"); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for FlowConfig
func (f *FlowConfig) UnmarshalJSON(data []byte) error {
	type rawFlow struct {
		TTL             string           `json:"ttl"`
		CleanupInterval string           `json:"cleanupInterval"`
		Storage         StorageKind      `json:"storage"`
		Redis           *RedisConfig     `json:"redis"`
		Firestore       *FirestoreConfig `json:"firestore"`
	}

	var raw rawFlow
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if f.TTL, err = parseOptionalDuration(raw.TTL, "flow.ttl"); err != nil {
		return err
	}
	if f.CleanupInterval, err = parseOptionalDuration(raw.CleanupInterval, "flow.cleanupInterval"); err != nil {
		return err
	}
	f.Storage = raw.Storage
	f.Redis = raw.Redis
	f.Firestore = raw.Firestore
	return nil
}

// UnmarshalJSON implements custom unmarshaling for RedisConfig
func (r *RedisConfig) UnmarshalJSON(data []byte) error {
	type rawRedis struct {
		Addr      json.RawMessage `json:"addr"`
		Password  json.RawMessage `json:"password"`
		DB        int             `json:"db"`
		KeyPrefix string          `json:"keyPrefix"`
	}

	var raw rawRedis
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if r.Addr, err = parseOptionalValue(raw.Addr, "redis.addr"); err != nil {
		return err
	}
	password, err := parseOptionalValue(raw.Password, "redis.password")
	if err != nil {
		return err
	}
	r.Password = Secret(password)
	r.DB = raw.DB
	r.KeyPrefix = raw.KeyPrefix
	return nil
}

// UnmarshalJSON implements custom unmarshaling for FirestoreConfig
func (f *FirestoreConfig) UnmarshalJSON(data []byte) error {
	type rawFirestore struct {
		Project    json.RawMessage `json:"project"`
		Database   string          `json:"database"`
		Collection string          `json:"collection"`
	}

	var raw rawFirestore
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if f.Project, err = parseOptionalValue(raw.Project, "firestore.project"); err != nil {
		return err
	}
	f.Database = raw.Database
	f.Collection = raw.Collection
	return nil
}

// UnmarshalJSON implements custom unmarshaling for SessionConfig
func (s *SessionConfig) UnmarshalJSON(data []byte) error {
	type rawSession struct {
		CookieKey json.RawMessage `json:"cookieKey"`
		TTL       string          `json:"ttl"`
	}

	var raw rawSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	key, err := parseOptionalValue(raw.CookieKey, "session.cookieKey")
	if err != nil {
		return err
	}
	s.CookieKey = Secret(key)
	if s.TTL, err = parseOptionalDuration(raw.TTL, "session.ttl"); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ProviderConfig
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type rawProvider struct {
		ID            string            `json:"id"`
		DisplayName   string            `json:"displayName"`
		Enabled       *bool             `json:"enabled"`
		Authorization AuthorizationMode `json:"authorization"`
		ClientID      json.RawMessage   `json:"clientId"`
		RedirectURI   json.RawMessage   `json:"redirectUri"`
		Scopes        []string          `json:"scopes"`
	}

	var raw rawProvider
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.ID = strings.ToLower(strings.TrimSpace(raw.ID))
	p.DisplayName = raw.DisplayName
	// Providers are enabled unless explicitly switched off
	p.Enabled = raw.Enabled == nil || *raw.Enabled
	p.Authorization = raw.Authorization
	if p.Authorization == "" {
		p.Authorization = AuthorizationBackend
	}
	p.Scopes = raw.Scopes

	var err error
	if p.ClientID, err = parseOptionalValue(raw.ClientID, "providers["+p.ID+"].clientId"); err != nil {
		return err
	}
	if p.RedirectURI, err = parseOptionalValue(raw.RedirectURI, "providers["+p.ID+"].redirectUri"); err != nil {
		return err
	}
	return nil
}
