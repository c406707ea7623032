package tokensvc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/agentctl/core/internal/circuitbreaker"
	"github.com/agentctl/core/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	cipher, err := NewCipher([]byte("test-root-secret-at-least-this-long"))
	require.NoError(t, err)
	st := store.NewMemStore()
	svc := New(st, cipher, circuitbreaker.NewProviderBreakers(), 5*time.Minute)
	return svc, st
}

func TestCreateInstallationAndGetTokenNoRefreshNeeded(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateInstallation(ctx, NewInstallation{
		Provider:    "github",
		OrgID:       "org-acme",
		AccessToken: "gho_abc123",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	tok, err := svc.GetToken(ctx, "github", "org-acme")
	require.NoError(t, err)
	assert.Equal(t, "gho_abc123", tok.AccessToken)
}

func TestCreateInstallationDuplicateRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	data := NewInstallation{Provider: "github", OrgID: "org-acme", AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	_, err := svc.CreateInstallation(ctx, data)
	require.NoError(t, err)

	_, err = svc.CreateInstallation(ctx, data)
	assert.Error(t, err)
}

func TestGetTokenRefreshesWhenNearExpiry(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateInstallation(ctx, NewInstallation{
		Provider:     "github",
		OrgID:        "org-acme",
		AccessToken:  "stale-token",
		RefreshToken: "refresh-xyz",
		ExpiresAt:    time.Now().Add(time.Minute), // below the 5-minute skew
	})
	require.NoError(t, err)

	svc.RegisterRefreshFunc("github", func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		assert.Equal(t, "refresh-xyz", refreshToken)
		return &oauth2.Token{AccessToken: "fresh-token", Expiry: time.Now().Add(time.Hour)}, nil
	})

	tok, err := svc.GetToken(ctx, "github", "org-acme")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok.AccessToken)
}

func TestGetTokenNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetToken(context.Background(), "github", "org-missing")
	assert.Error(t, err)
}
