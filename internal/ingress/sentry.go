package ingress

import (
	"encoding/json"
	"fmt"

	"github.com/agentctl/core/internal/store"
)

// sentryPayload covers Sentry's issue alert webhook. Activation is
// pre-filtered by Sentry's own alert rule (count/fatal threshold), so
// every event this parser receives represents an issue that already
// crossed the configured threshold.
type sentryPayload struct {
	Action string `json:"action"`
	Data   struct {
		Issue struct {
			ID        string `json:"id"`
			ShortID   string `json:"shortId"`
			Title     string `json:"title"`
			Culprit   string `json:"culprit"`
			Level     string `json:"level"`
			Count     string `json:"count"`
			Permalink string `json:"permalink"`
		} `json:"issue"`
	} `json:"data"`
	Installation struct {
		UUID string `json:"uuid"`
	} `json:"installation"`
	ProjectSlug string `json:"project_slug"`
}

func parseSentry(body []byte) ([]NormalizedEvent, error) {
	var p sentryPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parse sentry payload: %w", err)
	}
	if p.Action != "created" && p.Action != "triggered" {
		return nil, nil
	}
	if p.Data.Issue.ID == "" {
		return nil, nil
	}

	priority := store.PriorityNormal
	if p.Data.Issue.Level == "fatal" {
		priority = store.PriorityHigh
	}

	ev := NormalizedEvent{
		Provider:       "sentry",
		EventID:        fmt.Sprintf("sentry:%s:%s", p.ProjectSlug, p.Data.Issue.ID),
		OrgID:          p.ProjectSlug,
		InstallationID: p.Installation.UUID,
		Command:        store.CommandAnalyze,
		InputMessage:   fmt.Sprintf("%s: %s (%s)", p.Data.Issue.ShortID, p.Data.Issue.Title, p.Data.Issue.Culprit),
		SourceMetadata: store.SourceMetadata{Provider: "sentry", SentryIssueID: p.Data.Issue.ID},
		ArtifactID:     fmt.Sprintf("sentry:%s:%s", p.ProjectSlug, p.Data.Issue.ID),
		Priority:       priority,
	}
	return []NormalizedEvent{ev}, nil
}
