package oauth

import (
	"errors"
	"fmt"
)

// Kind classifies an OAuthError
type Kind string

const (
	// KindProviderError: the identity provider reported an error on the callback.
	KindProviderError Kind = "provider_error"
	// KindProtocolViolation: missing or mismatched flow, CSRF mismatch, expired flow.
	KindProtocolViolation Kind = "protocol_violation"
	// KindExchangeError: the backend rejected an exchange, link or unlink call.
	KindExchangeError Kind = "exchange_error"
	// KindSessionExpired: the backend answered 401.
	KindSessionExpired Kind = "session_expired"
	// KindFlowInProgress: a second begin raced the first.
	KindFlowInProgress Kind = "flow_in_progress"
	// KindInvalidRequest: unknown or disabled provider, bad parameters.
	KindInvalidRequest Kind = "invalid_request"
)

// Protocol violation codes
const (
	CodeStateNotFound    = "state_not_found"
	CodeProviderMismatch = "provider_mismatch"
	CodeCSRFMismatch     = "csrf_validation_failed"
	CodeFlowExpired      = "flow_expired"
)

// Sentinels for errors.Is matching by kind
var (
	ErrProviderError     = &OAuthError{Kind: KindProviderError}
	ErrProtocolViolation = &OAuthError{Kind: KindProtocolViolation}
	ErrExchange          = &OAuthError{Kind: KindExchangeError}
	ErrSessionExpired    = &OAuthError{Kind: KindSessionExpired}
	ErrFlowInProgress    = &OAuthError{Kind: KindFlowInProgress}
	ErrInvalidRequest    = &OAuthError{Kind: KindInvalidRequest}
)

// OAuthError is the single error shape surfaced by the coordinator
type OAuthError struct {
	Kind        Kind           `json:"kind"`
	Provider    ProviderID     `json:"provider,omitempty"`
	Code        string         `json:"error"`
	Description string         `json:"error_description,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Err         error          `json:"-"`
}

func (e *OAuthError) Error() string {
	msg := string(e.Kind)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Provider != "" {
		msg = fmt.Sprintf("%s (provider %s)", msg, e.Provider)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OAuthError) Unwrap() error { return e.Err }

// Is matches kind sentinels (an OAuthError with only Kind set)
func (e *OAuthError) Is(target error) bool {
	t, ok := target.(*OAuthError)
	if !ok {
		return false
	}
	if t.Code == "" && t.Provider == "" && t.Err == nil {
		return e.Kind == t.Kind
	}
	return e == t
}

// KindOf returns the kind of the first OAuthError in err's chain, or "".
func KindOf(err error) Kind {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

func NewProviderError(provider ProviderID, code, description string) *OAuthError {
	return &OAuthError{Kind: KindProviderError, Provider: provider, Code: code, Description: description}
}

func NewProtocolViolation(provider ProviderID, code, description string) *OAuthError {
	return &OAuthError{Kind: KindProtocolViolation, Provider: provider, Code: code, Description: description}
}

func NewExchangeError(provider ProviderID, code, description string, cause error) *OAuthError {
	return &OAuthError{Kind: KindExchangeError, Provider: provider, Code: code, Description: description, Err: cause}
}

func NewSessionExpired(provider ProviderID) *OAuthError {
	return &OAuthError{Kind: KindSessionExpired, Provider: provider, Code: "unauthorized", Description: "session expired, sign in again"}
}

func NewFlowInProgress(provider ProviderID) *OAuthError {
	return &OAuthError{Kind: KindFlowInProgress, Provider: provider, Code: "flow_in_progress", Description: "another sign-in is already starting"}
}

func NewInvalidRequest(provider ProviderID, description string) *OAuthError {
	return &OAuthError{Kind: KindInvalidRequest, Provider: provider, Code: "invalid_request", Description: description}
}
