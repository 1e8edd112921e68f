package exchange

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dgellow/labauth/internal/oauth"
)

// operation names the call site an error came from
type operation string

const (
	opExchangeCode   operation = "exchange_code"
	opCompleteLink   operation = "complete_link"
	opUnlink         operation = "unlink"
	opLinkedAccounts operation = "fetch_linked_accounts"
)

func (o operation) describe() string {
	switch o {
	case opExchangeCode:
		return "sign-in could not be completed"
	case opCompleteLink:
		return "account could not be linked"
	case opUnlink:
		return "account could not be unlinked"
	case opLinkedAccounts:
		return "linked accounts could not be loaded"
	}
	return "request failed"
}

// backendError is the error body shape of the application backend
type backendError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
	Code             string `json:"code"`
}

// classify maps a non-2xx backend response to an OAuthError. It returns nil
// when the response is an accepted outcome for op (unlinking an account that
// is not linked).
func classify(op operation, provider oauth.ProviderID, status int, body []byte) *oauth.OAuthError {
	var be backendError
	_ = json.Unmarshal(body, &be)

	code := be.Error
	if code == "" {
		code = be.Code
	}
	description := be.ErrorDescription
	if description == "" {
		description = be.Message
	}

	if op == opUnlink && (status == http.StatusNotFound || strings.EqualFold(code, "not_linked")) {
		return nil
	}

	if status == http.StatusUnauthorized {
		return oauth.NewSessionExpired(provider)
	}

	if code == "" {
		code = defaultCode(status)
	}
	if description == "" {
		description = op.describe()
	}

	oe := oauth.NewExchangeError(provider, code, description, nil)
	oe.Details = map[string]any{
		"status":    status,
		"operation": string(op),
	}
	return oe
}

func defaultCode(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return "invalid_request"
	case status == http.StatusForbidden:
		return "access_denied"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusConflict:
		return "conflict"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "server_error"
	}
	return "request_failed"
}
