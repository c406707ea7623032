package poster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SlackClient posts chat messages and reactions via the Slack Web API.
type SlackClient struct {
	httpClient *http.Client
	tokens     TokenProvider
	baseURL    string
}

// NewSlackClient constructs a SlackClient against slack.com/api.
func NewSlackClient(tokens TokenProvider) *SlackClient {
	return &SlackClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     tokens,
		baseURL:    "https://slack.com/api",
	}
}

func actionBlocks(text string) []map[string]interface{} {
	return []map[string]interface{}{
		{"type": "section", "text": map[string]string{"type": "mrkdwn", "text": text}},
		{
			"type": "actions",
			"elements": []map[string]interface{}{
				{"type": "button", "text": map[string]string{"type": "plain_text", "text": "Approve"}, "value": "approve", "action_id": "agentctl_approve"},
				{"type": "button", "text": map[string]string{"type": "plain_text", "text": "Reject"}, "value": "reject", "action_id": "agentctl_reject"},
			},
		},
	}
}

type slackAPIResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error"`
}

func (c *SlackClient) post(ctx context.Context, target Target, method string, payload map[string]interface{}) (*slackAPIResponse, error) {
	token, err := c.tokens.Token(ctx, "slack", target.OrgID)
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: 30 * time.Second}
	}
	body, _ := io.ReadAll(resp.Body)
	var out slackAPIResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode slack response: %w", err)
	}
	if !out.OK {
		return nil, &PermanentError{StatusCode: resp.StatusCode, Body: out.Error}
	}
	return &out, nil
}

func (c *SlackClient) PostMessage(ctx context.Context, target Target, body string) (string, error) {
	out, err := c.post(ctx, target, "chat.postMessage", map[string]interface{}{
		"channel":     target.ChannelID,
		"thread_ts":   target.ThreadID,
		"blocks":      actionBlocks(body),
		"text":        body,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("slack:%s:%s", target.ChannelID, out.TS), nil
}

func (c *SlackClient) PostComment(ctx context.Context, target Target, body string) (string, error) {
	return c.PostMessage(ctx, target, body)
}

func (c *SlackClient) UpdateStatus(ctx context.Context, target Target, status string) error {
	_, err := c.post(ctx, target, "chat.update", map[string]interface{}{
		"channel": target.ChannelID,
		"ts":      target.ThreadID,
		"text":    status,
	})
	return err
}

func (c *SlackClient) AddReaction(ctx context.Context, target Target, reaction string) error {
	_, err := c.post(ctx, target, "reactions.add", map[string]interface{}{
		"channel":   target.ChannelID,
		"timestamp": target.ThreadID,
		"name":      reaction,
	})
	return err
}
