package session

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/labauth/internal/oauth"
)

func sessionImplementations(t *testing.T) map[string]func() Session {
	return map[string]func() Session{
		"memory": func() Session {
			r := NewRegistry(time.Hour)
			t.Cleanup(r.Close)
			return r.Scope("scope-1")
		},
		"file": func() Session {
			return NewFile(filepath.Join(t.TempDir(), "labauth", "session.json"))
		},
	}
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	for name, newSession := range sessionImplementations(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("empty", func(t *testing.T) {
				s := newSession()
				token, err := s.AccessToken(ctx)
				require.NoError(t, err)
				assert.Empty(t, token)

				user, err := s.CurrentUser(ctx)
				require.NoError(t, err)
				assert.Nil(t, user)
			})

			t.Run("tokens and user", func(t *testing.T) {
				s := newSession()
				require.NoError(t, s.SetTokens(ctx, oauth.AuthTokens{AccessToken: "t1", RefreshToken: "r1"}))
				require.NoError(t, s.SetCurrentUser(ctx, &oauth.User{ID: "u1", Email: "ada@lab.org"}))

				token, err := s.AccessToken(ctx)
				require.NoError(t, err)
				assert.Equal(t, "t1", token)

				user, err := s.CurrentUser(ctx)
				require.NoError(t, err)
				require.NotNil(t, user)
				assert.Equal(t, "ada@lab.org", user.Email)
			})

			t.Run("clear tokens keeps user", func(t *testing.T) {
				s := newSession()
				require.NoError(t, s.SetTokens(ctx, oauth.AuthTokens{AccessToken: "t1"}))
				require.NoError(t, s.SetCurrentUser(ctx, &oauth.User{ID: "u1"}))
				require.NoError(t, s.ClearTokens(ctx))

				token, err := s.AccessToken(ctx)
				require.NoError(t, err)
				assert.Empty(t, token)

				user, err := s.CurrentUser(ctx)
				require.NoError(t, err)
				assert.NotNil(t, user)
			})

			t.Run("logout", func(t *testing.T) {
				s := newSession()
				require.NoError(t, s.SetTokens(ctx, oauth.AuthTokens{AccessToken: "t1"}))
				require.NoError(t, s.SetCurrentUser(ctx, &oauth.User{ID: "u1"}))
				require.NoError(t, s.Logout(ctx))
				require.NoError(t, s.Logout(ctx), "logout twice is fine")

				token, err := s.AccessToken(ctx)
				require.NoError(t, err)
				assert.Empty(t, token)

				user, err := s.CurrentUser(ctx)
				require.NoError(t, err)
				assert.Nil(t, user)
			})
		})
	}
}

func TestRegistry_ScopesAreIsolated(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(time.Hour)
	defer r.Close()

	a := r.Scope("a")
	b := r.Scope("b")
	require.NoError(t, a.SetTokens(ctx, oauth.AuthTokens{AccessToken: "ta"}))

	token, err := b.AccessToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Equal(t, 1, r.Len())

	require.NoError(t, b.Logout(ctx))
	token, err = a.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ta", token)
}

func TestRegistry_Expiry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(50 * time.Millisecond)
	defer r.Close()

	s := r.Scope("a")
	require.NoError(t, s.SetTokens(ctx, oauth.AuthTokens{AccessToken: "ta"}))

	assert.Eventually(t, func() bool {
		token, _ := s.AccessToken(ctx)
		return token == ""
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFile_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	f := NewFile(path)
	require.NoError(t, f.SetTokens(context.Background(), oauth.AuthTokens{AccessToken: "t1"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dir, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dir.Mode().Perm())
}

func TestFile_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	require.NoError(t, NewFile(path).SetTokens(ctx, oauth.AuthTokens{AccessToken: "t1"}))

	token, err := NewFile(path).AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", token)
}

func TestFile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFile(path).AccessToken(context.Background())
	assert.ErrorContains(t, err, "parsing session file")
}

func TestData_Authenticated(t *testing.T) {
	assert.False(t, Data{}.Authenticated())
	assert.True(t, Data{Tokens: oauth.AuthTokens{AccessToken: "t"}}.Authenticated())
}
