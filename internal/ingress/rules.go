package ingress

import (
	"regexp"

	"github.com/agentctl/core/internal/store"
)

// mentionVerb matches "@agent <verb>" where verb is one of the recognized
// commands (§4.4). Parsers populate ev.Command from the capture before
// this rule ever runs; the rule itself just confirms a command was found.
var mentionVerb = regexp.MustCompile(`(?i)@agent\s+(analyze|plan|implement|fix|review|approve|reject|improve|help)\b`)

// defaultActivationRules returns the standard four-provider table (§4.4),
// encoded as data so new providers/grammars are additions, not branches.
func defaultActivationRules() []ActivationRule {
	return []ActivationRule{
		{
			Provider: "github",
			Match: func(ev NormalizedEvent) bool {
				return ev.Command != ""
			},
		},
		{
			Provider: "jira",
			Match: func(ev NormalizedEvent) bool {
				return ev.Command != ""
			},
		},
		{
			Provider: "slack",
			Match: func(ev NormalizedEvent) bool {
				return ev.Command != ""
			},
		},
		{
			Provider: "sentry",
			Match: func(ev NormalizedEvent) bool {
				// Sentry's parser only emits events for issues that already
				// exceeded the configured count/severity threshold; by the
				// time the event reaches this rule, it always activates.
				return ev.Command == store.CommandAnalyze
			},
		},
	}
}

// CommandPriority implements the priority-per-command mapping decided in
// DESIGN.md's Open Question #2: security/critical commands map to
// critical, fix to high, review/test to normal, explain/help to low, and
// everything else defaults to normal. The command set this tree activates
// on (§3's Command enum) has no security/test/explain verb, so only the
// fix and help branches diverge from the default.
func CommandPriority(cmd store.Command) store.Priority {
	switch cmd {
	case store.CommandFix:
		return store.PriorityHigh
	case store.CommandHelp:
		return store.PriorityLow
	default:
		return store.PriorityNormal
	}
}

func extractCommand(text string) (store.Command, bool) {
	m := mentionVerb.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	switch m[1] {
	case "analyze":
		return store.CommandAnalyze, true
	case "plan":
		return store.CommandPlan, true
	case "implement":
		return store.CommandImplement, true
	case "fix":
		return store.CommandFix, true
	case "review":
		return store.CommandReview, true
	case "approve":
		return store.CommandApprove, true
	case "reject":
		return store.CommandReject, true
	case "improve":
		return store.CommandImprove, true
	case "help":
		return store.CommandHelp, true
	default:
		return "", false
	}
}
