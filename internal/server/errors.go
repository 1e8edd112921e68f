package server

import (
	"errors"
	"net/http"
	"net/url"

	jsonwriter "github.com/dgellow/labauth/internal/json"
	"github.com/dgellow/labauth/internal/log"
	"github.com/dgellow/labauth/internal/oauth"
)

// statusFor maps an OAuthError to an HTTP status
func statusFor(oe *oauth.OAuthError) int {
	switch oe.Kind {
	case oauth.KindInvalidRequest, oauth.KindProviderError, oauth.KindProtocolViolation:
		return http.StatusBadRequest
	case oauth.KindSessionExpired:
		return http.StatusUnauthorized
	case oauth.KindFlowInProgress:
		return http.StatusConflict
	case oauth.KindExchangeError:
		// Client errors from the backend keep their status, everything else is a gateway failure
		if status, ok := oe.Details["status"].(int); ok && status >= 400 && status < 500 {
			return status
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	var oe *oauth.OAuthError
	if !errors.As(err, &oe) {
		log.LogErrorWithFields("server", "Request failed", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}
	jsonwriter.WriteErrorResponse(w, statusFor(oe), jsonwriter.ErrorResponse{
		Error:    oe.Code,
		Message:  oe.Description,
		Provider: string(oe.Provider),
	})
}

// errorRedirect appends the error code and provider to route, for pages
// that display a failed sign-in.
func errorRedirect(route string, err error) string {
	code := "server_error"
	var provider oauth.ProviderID
	var oe *oauth.OAuthError
	if errors.As(err, &oe) {
		code = oe.Code
		provider = oe.Provider
	}

	u, perr := url.Parse(route)
	if perr != nil {
		return route
	}
	q := u.Query()
	q.Set("error", code)
	if provider != "" {
		q.Set("provider", string(provider))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
