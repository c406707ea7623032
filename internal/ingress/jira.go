package ingress

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentctl/core/internal/store"
)

// jiraPayload covers the three Jira activation shapes (§4.4): assignee
// change to the configured agent identity, a comment containing the
// mention grammar, and a status transition into a configured status when
// the issue carries the "AI-Fix" label.
type jiraPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        struct {
		Key    string `json:"key"`
		Fields struct {
			Project struct {
				Key string `json:"key"`
			} `json:"project"`
			Labels []string `json:"labels"`
			Status struct {
				Name string `json:"name"`
			} `json:"status"`
			Assignee *struct {
				AccountID string `json:"accountId"`
			} `json:"assignee"`
		} `json:"fields"`
	} `json:"issue"`
	Comment *struct {
		ID   string `json:"id"`
		Body string `json:"body"`
	} `json:"comment"`
	Changelog *struct {
		Items []struct {
			Field      string `json:"field"`
			ToString   string `json:"toString"`
			FromString string `json:"fromString"`
		} `json:"items"`
	} `json:"changelog"`
}

// JiraConfig holds the deployment's agent identity and the status name
// that, combined with the AI-Fix label, triggers activation.
type JiraConfig struct {
	AgentAccountID      string
	ActivationStatus    string
	ActivationLabel     string
}

var jiraCfg = JiraConfig{AgentAccountID: "agent", ActivationStatus: "Ready for AI", ActivationLabel: "AI-Fix"}

// ConfigureJira overrides the package-level Jira activation config.
func ConfigureJira(cfg JiraConfig) { jiraCfg = cfg }

func parseJira(body []byte) ([]NormalizedEvent, error) {
	var p jiraPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parse jira payload: %w", err)
	}

	meta := store.SourceMetadata{Provider: "jira", TicketKey: p.Issue.Key}
	orgID := p.Issue.Fields.Project.Key
	base := NormalizedEvent{
		Provider:       "jira",
		OrgID:          orgID,
		InstallationID: orgID,
		SourceMetadata: meta,
	}

	if p.Comment != nil {
		if cmd, ok := extractCommand(p.Comment.Body); ok {
			ev := base
			ev.EventID = fmt.Sprintf("jira:%s:comment:%s", p.Issue.Key, p.Comment.ID)
			ev.Command = cmd
			ev.InputMessage = p.Comment.Body
			ev.SourceMetadata.CommentID = p.Comment.ID
			ev.ArtifactID = fmt.Sprintf("jira:%s:comment:%s", p.Issue.Key, p.Comment.ID)
			ev.Priority = CommandPriority(cmd)
			return []NormalizedEvent{ev}, nil
		}
	}

	if p.Issue.Fields.Assignee != nil && p.Issue.Fields.Assignee.AccountID == jiraCfg.AgentAccountID {
		ev := base
		ev.EventID = fmt.Sprintf("jira:%s:assignee:%s", p.Issue.Key, p.Issue.Fields.Assignee.AccountID)
		ev.Command = store.CommandAnalyze
		ev.InputMessage = fmt.Sprintf("Issue %s assigned to agent", p.Issue.Key)
		ev.Priority = CommandPriority(ev.Command)
		return []NormalizedEvent{ev}, nil
	}

	if p.Changelog != nil && hasLabel(p.Issue.Fields.Labels, jiraCfg.ActivationLabel) {
		for _, item := range p.Changelog.Items {
			if item.Field == "status" && item.ToString == jiraCfg.ActivationStatus {
				ev := base
				ev.EventID = fmt.Sprintf("jira:%s:transition:%s", p.Issue.Key, item.ToString)
				ev.Command = store.CommandFix
				ev.InputMessage = fmt.Sprintf("Issue %s transitioned to %s", p.Issue.Key, item.ToString)
				ev.Priority = CommandPriority(ev.Command)
				return []NormalizedEvent{ev}, nil
			}
		}
	}

	return nil, nil
}

func hasLabel(labels []string, target string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, target) {
			return true
		}
	}
	return false
}
