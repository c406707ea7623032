package poster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/agentctl/core/internal/tokensvc"
)

// TokenProvider resolves a fresh access token for a (provider, org) pair.
// TokenServiceAdapter wraps a *tokensvc.Service to satisfy this interface.
type TokenProvider interface {
	Token(ctx context.Context, provider, orgID string) (string, error)
}

// tokenService is the subset of tokensvc.Service's method set TokenServiceAdapter needs.
type tokenService interface {
	GetToken(ctx context.Context, provider, orgID string) (*tokensvc.Token, error)
}

// TokenServiceAdapter narrows tokensvc.Service.GetToken (which returns a
// full Token with expiry metadata) down to the bare access-token string
// the provider clients in this package need.
type TokenServiceAdapter struct {
	Service tokenService
}

func (a TokenServiceAdapter) Token(ctx context.Context, provider, orgID string) (string, error) {
	tok, err := a.Service.GetToken(ctx, provider, orgID)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// GitHubClient posts comments and reactions via the GitHub REST API.
type GitHubClient struct {
	httpClient *http.Client
	tokens     TokenProvider
	baseURL    string
}

// NewGitHubClient constructs a GitHubClient against api.github.com (or an
// override base URL, for GitHub Enterprise deployments).
func NewGitHubClient(tokens TokenProvider, baseURL string) *GitHubClient {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     tokens,
		baseURL:    baseURL,
	}
}

func (c *GitHubClient) issueNumber(target Target) int {
	if target.PRNumber != 0 {
		return target.PRNumber
	}
	return target.IssueNumber
}

func (c *GitHubClient) do(ctx context.Context, target Target, method, path string, body interface{}) (*http.Response, error) {
	token, err := c.tokens.Token(ctx, "github", target.OrgID)
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, classifyGitHubStatus(resp)
}

func classifyGitHubStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 60 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &PermanentError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return fmt.Errorf("github returned %d: %s", resp.StatusCode, string(body))
}

type githubCommentResponse struct {
	ID int64 `json:"id"`
}

func (c *GitHubClient) PostComment(ctx context.Context, target Target, body string) (string, error) {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", target.Repository, c.issueNumber(target))
	resp, err := c.do(ctx, target, http.MethodPost, path, map[string]string{"body": body})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out githubCommentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode comment response: %w", err)
	}
	return fmt.Sprintf("github:%s:comment:%d", target.Repository, out.ID), nil
}

// PostMessage is not a GitHub verb; comments are the only posting surface.
func (c *GitHubClient) PostMessage(ctx context.Context, target Target, body string) (string, error) {
	return c.PostComment(ctx, target, body)
}

func (c *GitHubClient) UpdateStatus(ctx context.Context, target Target, status string) error {
	path := fmt.Sprintf("/repos/%s/statuses/%s", target.Repository, target.CommentID)
	resp, err := c.do(ctx, target, http.MethodPost, path, map[string]string{"state": status, "context": "agentctl"})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *GitHubClient) AddReaction(ctx context.Context, target Target, reaction string) error {
	path := fmt.Sprintf("/repos/%s/issues/comments/%s/reactions", target.Repository, target.CommentID)
	resp, err := c.do(ctx, target, http.MethodPost, path, map[string]string{"content": reaction})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
