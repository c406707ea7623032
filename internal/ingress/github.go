package ingress

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentctl/core/internal/store"
)

// githubPayload covers the two event shapes the activation grammar cares
// about: issue_comment and pull_request_review_comment. Both carry a
// "comment.body" and identify the repository and issue/PR number the
// same way.
type githubPayload struct {
	Action string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Issue *struct {
		Number int `json:"number"`
		PullRequest *struct {
			URL string `json:"url"`
		} `json:"pull_request"`
	} `json:"issue"`
	PullRequest *struct {
		Number int    `json:"number"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Comment *struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
	} `json:"comment"`
}

func parseGitHub(body []byte) ([]NormalizedEvent, error) {
	var p githubPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parse github payload: %w", err)
	}
	if p.Comment == nil {
		return nil, nil // not a comment event, nothing to activate on
	}
	if p.Action != "created" && p.Action != "edited" {
		return nil, nil
	}

	cmd, ok := extractCommand(p.Comment.Body)
	if !ok {
		return nil, nil
	}

	meta := store.SourceMetadata{
		Provider:      "github",
		Repository:    p.Repository.FullName,
		CommentID:     fmt.Sprintf("%d", p.Comment.ID),
		MentionAnchor: "issue_comment",
	}

	var prRef string
	isPR := false
	switch {
	case p.PullRequest != nil:
		meta.PRNumber = p.PullRequest.Number
		prRef = fmt.Sprintf("refs/pull/%d/merge", p.PullRequest.Number)
		isPR = true
	case p.Issue != nil && p.Issue.PullRequest != nil:
		meta.PRNumber = p.Issue.Number
		prRef = fmt.Sprintf("refs/pull/%d/merge", p.Issue.Number)
		isPR = true
	case p.Issue != nil:
		meta.IssueNumber = p.Issue.Number
	}

	owner := p.Repository.FullName
	if i := strings.IndexByte(owner, '/'); i >= 0 {
		owner = owner[:i]
	}

	ev := NormalizedEvent{
		Provider:       "github",
		EventID:        fmt.Sprintf("github:%s:%d", p.Repository.FullName, p.Comment.ID),
		OrgID:          owner,
		InstallationID: fmt.Sprintf("%d", p.Installation.ID),
		Command:        cmd,
		InputMessage:   p.Comment.Body,
		SourceMetadata: meta,
		IsPullRequest:  isPR,
		PRMergeRef:     prRef,
		ArtifactID:     fmt.Sprintf("github:%s:comment:%d", p.Repository.FullName, p.Comment.ID),
		Priority:       CommandPriority(cmd),
	}
	return []NormalizedEvent{ev}, nil
}
