// Package tokensvc implements the Token Service (C1): per-provider,
// per-organization credential storage, refresh, and scoped issuance.
// Refresh is serialized per installation and guarded by a per-provider
// circuit breaker, grounded on the same pattern used by the clone
// manager's oauth2.TokenSource-based auth helper (other_examples
// clonemanager/manager.go), generalized across four providers instead of
// one and backed by durable storage instead of an in-memory token.
package tokensvc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/agentctl/core/internal/circuitbreaker"
	"github.com/agentctl/core/internal/retry"
	"github.com/agentctl/core/internal/store"
	"github.com/agentctl/core/internal/taskerr"
)

// Token is a derived value handed to the scheduler and workspace manager.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// RemainingLifetime reports how long until the token expires.
func (t Token) RemainingLifetime() time.Duration {
	return time.Until(t.ExpiresAt)
}

// NewInstallation is the input to CreateInstallation.
type NewInstallation struct {
	Provider      string
	OrgID         string
	AccessToken   string
	RefreshToken  string
	Scopes        []string
	WebhookSecret string
	ExpiresAt     time.Time
}

// RefreshFunc exchanges a refresh token for a new access token. One is
// registered per provider; the default wires golang.org/x/oauth2's
// TokenSource against the provider's configured oauth2.Config.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// Service is the Token Service (C1).
type Service struct {
	store    store.Store
	cipher   *Cipher
	breakers *circuitbreaker.ProviderBreakers
	skew     time.Duration
	policy   retry.Policy

	refreshFuncs map[string]RefreshFunc

	mu          sync.Mutex
	refreshLock map[string]*sync.Mutex // installation id -> serialization lock
}

// New constructs a Service. skew is the remaining-lifetime threshold below
// which GetToken triggers a refresh (default 5 minutes per §4.1).
func New(st store.Store, cipher *Cipher, breakers *circuitbreaker.ProviderBreakers, skew time.Duration) *Service {
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	return &Service{
		store:        st,
		cipher:       cipher,
		breakers:     breakers,
		skew:         skew,
		policy:       retry.Default(),
		refreshFuncs: make(map[string]RefreshFunc),
		refreshLock:  make(map[string]*sync.Mutex),
	}
}

// RegisterRefreshFunc wires a provider's token-refresh implementation.
// Providers without a registered func surface a permanent error on refresh.
func (s *Service) RegisterRefreshFunc(provider string, fn RefreshFunc) {
	s.refreshFuncs[provider] = fn
}

// CreateInstallation writes a new active installation. Fails with
// taskerr.ErrAlreadyExists if an active row for (provider, org) exists.
func (s *Service) CreateInstallation(ctx context.Context, data NewInstallation) (*store.Installation, error) {
	accessCipher, err := s.cipher.Seal([]byte(data.AccessToken))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindSystem, "tokensvc.CreateInstallation", err)
	}
	var refreshCipher []byte
	if data.RefreshToken != "" {
		refreshCipher, err = s.cipher.Seal([]byte(data.RefreshToken))
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindSystem, "tokensvc.CreateInstallation", err)
		}
	}

	inst := &store.Installation{
		ID:                 fmt.Sprintf("inst-%s-%s-%d", data.Provider, data.OrgID, time.Now().UnixNano()),
		Provider:           data.Provider,
		OrgID:              data.OrgID,
		AccessTokenCipher:  accessCipher,
		RefreshTokenCipher: refreshCipher,
		Scopes:             data.Scopes,
		WebhookSecret:      data.WebhookSecret,
		ExpiresAt:          data.ExpiresAt,
	}
	if err := s.store.CreateInstallation(ctx, inst); err != nil {
		if err == taskerr.ErrConflict {
			return nil, taskerr.Wrap(taskerr.KindUser, "tokensvc.CreateInstallation", taskerr.ErrAlreadyExists)
		}
		return nil, taskerr.Wrap(taskerr.KindSystem, "tokensvc.CreateInstallation", err)
	}
	return inst, nil
}

// GetToken returns a non-expired token for (provider, orgID), refreshing
// if the remaining lifetime is below skew. Refreshes for the same
// installation are serialized.
func (s *Service) GetToken(ctx context.Context, provider, orgID string) (*Token, error) {
	inst, err := s.store.GetInstallation(ctx, provider, orgID)
	if err == taskerr.ErrNotFound {
		return nil, taskerr.Wrap(taskerr.KindUser, "tokensvc.GetToken", taskerr.ErrNotFound)
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindSystem, "tokensvc.GetToken", err)
	}

	token, err := s.decryptToken(inst)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindSystem, "tokensvc.GetToken", err)
	}
	if token.RemainingLifetime() >= s.skew {
		return token, nil
	}

	return s.refreshSerialized(ctx, inst)
}

// RevokeInstallation marks the installation inactive. Cached tokens are
// not tracked in-process (the store is the source of truth) so there is
// nothing further to invalidate beyond the active flag.
func (s *Service) RevokeInstallation(ctx context.Context, id string) error {
	if err := s.store.DeactivateInstallation(ctx, id); err != nil {
		return taskerr.Wrap(taskerr.KindSystem, "tokensvc.RevokeInstallation", err)
	}
	return nil
}

func (s *Service) decryptToken(inst *store.Installation) (*Token, error) {
	plain, err := s.cipher.Open(inst.AccessTokenCipher)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	return &Token{AccessToken: string(plain), ExpiresAt: inst.ExpiresAt}, nil
}

func (s *Service) lockFor(installationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.refreshLock[installationID]
	if !ok {
		l = &sync.Mutex{}
		s.refreshLock[installationID] = l
	}
	return l
}

func (s *Service) refreshSerialized(ctx context.Context, inst *store.Installation) (*Token, error) {
	lock := s.lockFor(inst.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read: another goroutine may have refreshed while we waited.
	fresh, err := s.store.GetInstallationByID(ctx, inst.ID)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindSystem, "tokensvc.refresh", err)
	}
	if token, err := s.decryptToken(fresh); err == nil && token.RemainingLifetime() >= s.skew {
		return token, nil
	}

	refreshFn, ok := s.refreshFuncs[fresh.Provider]
	if !ok {
		return nil, taskerr.Wrap(taskerr.KindPermanent, "tokensvc.refresh", fmt.Errorf("no refresh handler for provider %q", fresh.Provider))
	}
	refreshPlain, err := s.cipher.Open(fresh.RefreshTokenCipher)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindPermanent, "tokensvc.refresh", fmt.Errorf("decrypt refresh token: %w", err))
	}

	breaker := s.breakerFor(fresh.Provider)
	result, runErr := breaker.Execute(func() (interface{}, error) {
		var newTok *oauth2.Token
		err := retry.Do(ctx, s.policy, func(err error) bool { return taskerr.Retryable(err) }, func(attempt int) error {
			t, err := refreshFn(ctx, string(refreshPlain))
			if err != nil {
				return taskerr.Wrap(taskerr.KindTransient, "tokensvc.refresh.exchange", err)
			}
			newTok = t
			return nil
		})
		return newTok, err
	})
	if runErr != nil {
		// Treat any refresh rejection as terminal: the installation can no
		// longer authenticate and must be re-onboarded.
		_ = s.store.DeactivateInstallation(ctx, fresh.ID)
		return nil, taskerr.Wrap(taskerr.KindPermanent, "tokensvc.refresh", taskerr.ErrUnauthorized)
	}
	newTok := result.(*oauth2.Token)

	accessCipher, err := s.cipher.Seal([]byte(newTok.AccessToken))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindSystem, "tokensvc.refresh", err)
	}
	updated := *fresh
	updated.AccessTokenCipher = accessCipher
	updated.ExpiresAt = newTok.Expiry
	if newTok.RefreshToken != "" {
		refreshCipher, err := s.cipher.Seal([]byte(newTok.RefreshToken))
		if err == nil {
			updated.RefreshTokenCipher = refreshCipher
		}
	}
	if err := s.store.UpdateInstallation(ctx, &updated); err != nil {
		return nil, taskerr.Wrap(taskerr.KindSystem, "tokensvc.refresh", err)
	}

	return &Token{AccessToken: newTok.AccessToken, ExpiresAt: newTok.Expiry}, nil
}

func (s *Service) breakerFor(provider string) *circuitbreaker.CircuitBreaker {
	switch provider {
	case "github":
		return s.breakers.GitHubToken
	case "jira":
		return s.breakers.JiraToken
	case "slack":
		return s.breakers.SlackToken
	case "sentry":
		return s.breakers.SentryToken
	default:
		return s.breakers.GitHubToken
	}
}
