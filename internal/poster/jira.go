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
)

// JiraClient posts comments and transitions via the Jira Cloud REST API
// (v3, ADF comment bodies).
type JiraClient struct {
	httpClient *http.Client
	tokens     TokenProvider
	baseURL    string // e.g. https://<site>.atlassian.net
}

// NewJiraClient constructs a JiraClient against the given site base URL.
func NewJiraClient(tokens TokenProvider, baseURL string) *JiraClient {
	return &JiraClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     tokens,
		baseURL:    baseURL,
	}
}

// adfDocument wraps plain text into the minimal ADF shape Jira requires.
func adfDocument(text string) map[string]interface{} {
	return map[string]interface{}{
		"type":    "doc",
		"version": 1,
		"content": []map[string]interface{}{
			{
				"type": "paragraph",
				"content": []map[string]interface{}{
					{"type": "text", "text": text},
				},
			},
		},
	}
}

func (c *JiraClient) do(ctx context.Context, target Target, method, path string, body interface{}) (*http.Response, error) {
	token, err := c.tokens.Token(ctx, "jira", target.OrgID)
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
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, classifyJiraStatus(resp)
}

func classifyJiraStatus(resp *http.Response) error {
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
	return fmt.Errorf("jira returned %d: %s", resp.StatusCode, string(body))
}

type jiraCommentResponse struct {
	ID string `json:"id"`
}

func (c *JiraClient) PostComment(ctx context.Context, target Target, body string) (string, error) {
	path := fmt.Sprintf("/rest/api/3/issue/%s/comment", target.TicketKey)
	resp, err := c.do(ctx, target, http.MethodPost, path, map[string]interface{}{"body": adfDocument(body)})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out jiraCommentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode comment response: %w", err)
	}
	return fmt.Sprintf("jira:%s:comment:%s", target.TicketKey, out.ID), nil
}

func (c *JiraClient) PostMessage(ctx context.Context, target Target, body string) (string, error) {
	return c.PostComment(ctx, target, body)
}

func (c *JiraClient) UpdateStatus(ctx context.Context, target Target, status string) error {
	path := fmt.Sprintf("/rest/api/3/issue/%s/transitions", target.TicketKey)
	resp, err := c.do(ctx, target, http.MethodPost, path, map[string]interface{}{
		"transition": map[string]string{"id": status},
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *JiraClient) AddReaction(ctx context.Context, target Target, reaction string) error {
	// Jira Cloud has no comment-reaction API; a no-op keeps the interface
	// uniform across providers rather than special-casing callers.
	return nil
}
