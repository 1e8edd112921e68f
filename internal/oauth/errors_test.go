package oauth

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOAuthErrorIs(t *testing.T) {
	err := NewProtocolViolation(Google, CodeCSRFMismatch, "state does not match")

	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.NotErrorIs(t, err, ErrExchange)

	wrapped := fmt.Errorf("callback: %w", err)
	assert.ErrorIs(t, wrapped, ErrProtocolViolation)
	assert.Equal(t, KindProtocolViolation, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestOAuthErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewExchangeError(GitHub, "network_error", "backend unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrExchange)
	assert.Equal(t, "exchange_error: network_error: backend unreachable (provider github): connection refused", err.Error())
}

func TestOAuthErrorMessage(t *testing.T) {
	assert.Equal(t, "provider_error: access_denied (provider google)", NewProviderError(Google, "access_denied", "").Error())
	assert.Equal(t, "session_expired: unauthorized: session expired, sign in again", NewSessionExpired("").Error())
}

func TestDistinctErrorsAreNotEqual(t *testing.T) {
	a := NewProviderError(Google, "access_denied", "")
	b := NewProviderError(Google, "access_denied", "")
	assert.False(t, errors.Is(a, b))
	assert.True(t, errors.Is(a, a))
}

func TestProviderIDKnown(t *testing.T) {
	for _, id := range KnownProviders {
		assert.True(t, id.Known())
	}
	assert.False(t, ProviderID("facebook").Known())
}

func TestModeValid(t *testing.T) {
	assert.True(t, ModeLogin.Valid())
	assert.True(t, ModeRegister.Valid())
	assert.True(t, ModeLink.Valid())
	assert.False(t, Mode("logout").Valid())
}

func TestFlowStateExpired(t *testing.T) {
	created := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	f := &FlowState{CreatedAt: created}

	require.False(t, f.Expired(created.Add(9*time.Minute), 10*time.Minute))
	require.True(t, f.Expired(created.Add(11*time.Minute), 10*time.Minute))
	require.False(t, f.Expired(created.Add(24*time.Hour), 0))
}
