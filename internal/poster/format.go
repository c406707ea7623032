package poster

import (
	"fmt"
	"strings"

	"github.com/agentctl/core/internal/runner"
)

// formatFor dispatches to the provider-specific renderer (§4.7): Markdown
// variants for GitHub/Jira's comment body, ADF for Jira's structured
// field, and chat blocks for Slack. Jira's REST API accepts either
// Markdown-ish wiki syntax or ADF depending on API version; this control
// plane always targets the v3 (ADF) comment endpoint.
func formatFor(provider string, artifact runner.Artifact) string {
	switch provider {
	case "github":
		return formatGitHubMarkdown(artifact)
	case "jira":
		return formatJiraADF(artifact)
	case "slack":
		return formatSlackBlocksJSON(artifact)
	case "sentry":
		return formatGitHubMarkdown(artifact) // Sentry comments accept Markdown too
	default:
		return artifact.Content
	}
}

func formatGitHubMarkdown(a runner.Artifact) string {
	var b strings.Builder
	switch a.Kind {
	case "diff":
		b.WriteString("```diff\n")
		b.WriteString(a.Content)
		b.WriteString("\n```\n")
	case "file":
		fmt.Fprintf(&b, "**%s**\n\n```\n%s\n```\n", a.Path, a.Content)
	default:
		b.WriteString(a.Content)
	}
	b.WriteString("\n\n---\n*Posted by agentctl*")
	return b.String()
}

// formatJiraADF returns the artifact's plain-text content for every kind,
// diffs and files included; no codeBlock node is produced. Jira's REST v3
// comment body is an ADF document serialized as JSON, and the JiraClient
// owns serialization: it wraps this text into a single paragraph node.
func formatJiraADF(a runner.Artifact) string {
	if a.Kind == "diff" || a.Kind == "file" {
		return a.Content
	}
	return a.Content
}

// formatSlackBlocksJSON renders the narrative for a Slack message; the
// SlackClient wraps it into block-kit JSON with Approve/Reject action buttons.
func formatSlackBlocksJSON(a runner.Artifact) string {
	if a.Kind == "diff" {
		return "```\n" + a.Content + "\n```"
	}
	return a.Content
}
