package authflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/dgellow/labauth/internal/crypto"
	"github.com/dgellow/labauth/internal/emailutil"
	"github.com/dgellow/labauth/internal/exchange"
	"github.com/dgellow/labauth/internal/flowstate"
	"github.com/dgellow/labauth/internal/log"
	"github.com/dgellow/labauth/internal/oauth"
	"github.com/dgellow/labauth/internal/session"
)

// State is a callback processor state
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateLinking        State = "linking"
	StateSuccess        State = "success"
	StateFailed         State = "failed"
)

// Result is the terminal outcome of a successful callback
type Result struct {
	State     State                `json:"state"`
	Mode      oauth.Mode           `json:"mode"`
	Provider  oauth.ProviderID     `json:"provider"`
	ReturnURL string               `json:"returnUrl,omitempty"`
	User      *oauth.User          `json:"user,omitempty"`
	IsNewUser bool                 `json:"isNewUser,omitempty"`
	Account   *oauth.LinkedAccount `json:"account,omitempty"`
}

// ParseCallback reads the redirect-back query string
func ParseCallback(provider oauth.ProviderID, q url.Values) oauth.CallbackParams {
	return oauth.CallbackParams{
		Provider:         provider,
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

type processor struct {
	store        *flowstate.Store
	exchanger    Exchanger
	session      session.Session
	nav          exchange.Navigator
	landingRoute string
}

func transition(params oauth.CallbackParams, from, to State) {
	log.LogDebugWithFields("authflow", "Callback state transition", map[string]any{
		"provider": params.Provider,
		"from":     from,
		"to":       to,
	})
}

// violation logs a rejected callback. These are potential attack indicators.
func violation(params oauth.CallbackParams, code, description string) *oauth.OAuthError {
	log.LogWarnWithFields("authflow", "Rejected OAuth callback", map[string]any{
		"provider": params.Provider,
		"reason":   code,
		"state":    log.Fingerprint(params.State),
	})
	return oauth.NewProtocolViolation(params.Provider, code, description)
}

// process drives one callback to exactly one terminal state. Every path
// consumes the pending flow, so a second delivery of the same parameters
// always fails.
func (p *processor) process(ctx context.Context, params oauth.CallbackParams) (*Result, error) {
	if params.HasError() {
		if _, err := p.store.Consume(ctx); err != nil && !errors.Is(err, flowstate.ErrFlowExpired) {
			log.LogErrorWithFields("authflow", "Failed to discard pending flow", map[string]any{
				"error": err.Error(),
			})
		}
		transition(params, StateIdle, StateFailed)
		log.LogInfoWithFields("authflow", "Provider returned an error", map[string]any{
			"provider": params.Provider,
			"error":    params.Error,
		})
		return nil, oauth.NewProviderError(params.Provider, params.Error, params.ErrorDescription)
	}

	pending, err := p.store.Consume(ctx)
	if errors.Is(err, flowstate.ErrFlowExpired) {
		transition(params, StateIdle, StateFailed)
		return nil, violation(params, oauth.CodeFlowExpired, "sign-in took too long, start again")
	}
	if err != nil {
		transition(params, StateIdle, StateFailed)
		return nil, fmt.Errorf("reading pending flow: %w", err)
	}
	if pending == nil {
		transition(params, StateIdle, StateFailed)
		return nil, violation(params, oauth.CodeStateNotFound, "no sign-in is pending for this callback")
	}
	if pending.Provider != params.Provider {
		transition(params, StateIdle, StateFailed)
		return nil, violation(params, oauth.CodeProviderMismatch, fmt.Sprintf("callback is for %s but %s is pending", params.Provider, pending.Provider))
	}
	if !crypto.ConstantTimeEqual(pending.CSRFToken, params.State) {
		transition(params, StateIdle, StateFailed)
		return nil, violation(params, oauth.CodeCSRFMismatch, "state does not match the pending sign-in")
	}
	if params.Code == "" {
		transition(params, StateIdle, StateFailed)
		return nil, oauth.NewInvalidRequest(params.Provider, "callback is missing the authorization code")
	}

	if pending.Mode == oauth.ModeLink {
		return p.completeLink(ctx, params, pending)
	}
	return p.completeLogin(ctx, params, pending)
}

func (p *processor) completeLogin(ctx context.Context, params oauth.CallbackParams, pending *oauth.FlowState) (*Result, error) {
	transition(params, StateIdle, StateAuthenticating)

	result, err := p.exchanger.ExchangeCode(ctx, pending.Provider, params.Code, params.State)
	if err != nil {
		transition(params, StateAuthenticating, StateFailed)
		return nil, err
	}
	if err := p.session.SetTokens(ctx, result.Tokens); err != nil {
		transition(params, StateAuthenticating, StateFailed)
		return nil, fmt.Errorf("storing tokens: %w", err)
	}
	user := result.User
	if err := p.session.SetCurrentUser(ctx, &user); err != nil {
		transition(params, StateAuthenticating, StateFailed)
		return nil, fmt.Errorf("storing current user: %w", err)
	}
	transition(params, StateAuthenticating, StateSuccess)

	returnURL := pending.ReturnURL
	if returnURL == "" {
		returnURL = p.landingRoute
	}
	log.LogInfoWithFields("authflow", "Signed in", map[string]any{
		"provider":  pending.Provider,
		"mode":      pending.Mode,
		"user":      user.ID,
		"email":     emailutil.Mask(user.Email),
		"isNewUser": result.IsNewUser,
	})
	if err := p.nav.Navigate(ctx, returnURL); err != nil {
		log.LogWarnWithFields("authflow", "Navigation after sign-in failed", map[string]any{
			"error": err.Error(),
		})
	}

	return &Result{
		State:     StateSuccess,
		Mode:      pending.Mode,
		Provider:  pending.Provider,
		ReturnURL: returnURL,
		User:      &user,
		IsNewUser: result.IsNewUser,
	}, nil
}

func (p *processor) completeLink(ctx context.Context, params oauth.CallbackParams, pending *oauth.FlowState) (*Result, error) {
	transition(params, StateIdle, StateLinking)

	account, err := p.exchanger.CompleteLink(ctx, pending.Provider, params.Code, params.State)
	if err != nil {
		transition(params, StateLinking, StateFailed)
		return nil, err
	}
	if err := p.store.UpsertLinkedAccount(ctx, *account); err != nil {
		transition(params, StateLinking, StateFailed)
		return nil, fmt.Errorf("recording linked account: %w", err)
	}
	transition(params, StateLinking, StateSuccess)

	returnURL := pending.ReturnURL
	if returnURL == "" {
		returnURL = p.landingRoute
	}
	log.LogInfoWithFields("authflow", "Account linked", map[string]any{
		"provider": pending.Provider,
		"email":    emailutil.Mask(account.Email),
	})
	if err := p.nav.Navigate(ctx, returnURL); err != nil {
		log.LogWarnWithFields("authflow", "Navigation after linking failed", map[string]any{
			"error": err.Error(),
		})
	}

	return &Result{
		State:     StateSuccess,
		Mode:      pending.Mode,
		Provider:  pending.Provider,
		ReturnURL: returnURL,
		Account:   account,
	}, nil
}
