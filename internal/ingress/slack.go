package ingress

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentctl/core/internal/store"
)

// slackPayload covers both the URL-verification handshake and the two
// activation-relevant event shapes: app_mention and a slash command
// submission (which Slack posts as application/x-www-form-urlencoded,
// handled separately in the HTTP layer and translated into this same
// shape before reaching parseSlack).
type slackPayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	TeamID    string `json:"team_id"`
	Event     *struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Channel string `json:"channel"`
		User    string `json:"user"`
		Ts      string `json:"ts"`
	} `json:"event"`
}

// SlackChallenge reports the handshake challenge string when body is a
// url_verification request, so the HTTP handler can echo it directly.
func SlackChallenge(body []byte) (string, bool) {
	var p slackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", false
	}
	if p.Type == "url_verification" {
		return p.Challenge, true
	}
	return "", false
}

func parseSlack(body []byte) ([]NormalizedEvent, error) {
	var p slackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parse slack payload: %w", err)
	}
	if p.Type != "event_callback" || p.Event == nil {
		return nil, nil
	}
	if p.Event.Type != "app_mention" && p.Event.Type != "message" {
		return nil, nil
	}

	text := p.Event.Text
	var cmd store.Command
	var ok bool
	if strings.HasPrefix(strings.TrimSpace(text), "/agent") {
		cmd, ok = extractCommand(strings.Replace(text, "/agent", "@agent", 1))
	} else {
		cmd, ok = extractCommand(text)
	}
	if !ok {
		return nil, nil
	}

	ev := NormalizedEvent{
		Provider:       "slack",
		EventID:        fmt.Sprintf("slack:%s:%s", p.Event.Channel, p.Event.Ts),
		OrgID:          p.TeamID,
		InstallationID: p.TeamID,
		Command:        cmd,
		InputMessage:   text,
		SourceMetadata: store.SourceMetadata{Provider: "slack", ThreadID: p.Event.Ts},
		ArtifactID:     fmt.Sprintf("slack:%s:%s", p.Event.Channel, p.Event.Ts),
		Priority:       CommandPriority(cmd),
	}
	return []NormalizedEvent{ev}, nil
}
