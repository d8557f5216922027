package github

import (
	gogithub "github.com/google/go-github/v69/github"

	"github.com/orgloop/orgloop/internal/envelope"
)

// newEvent mints a resource.changed envelope for one platform_event
// kind, logging (and swallowing) a construction failure — a poll
// cycle must never abort because one event failed to validate.
func (s *Source) newEvent(platformEvent string, provenance envelope.Provenance, payload envelope.Payload) *envelope.Event {
	provenance["platform"] = "github"
	provenance["platform_event"] = platformEvent
	provenance["repo"] = s.cfg.Repo

	e, err := envelope.New(s.cfg.SourceID, envelope.TypeResourceChanged, provenance, payload, "")
	if err != nil {
		s.cfg.Logger.Error("github: construct event failed", "platform_event", platformEvent, "error", err)
		return nil
	}
	return e
}

func (s *Source) prEvent(platformEvent string, pr pullRequestNode) *envelope.Event {
	return s.newEvent(platformEvent,
		envelope.Provenance{"author": pr.Author.Login, "pr_author": pr.Author.Login},
		envelope.Payload{
			"pr_number":  pr.Number,
			"state":      pr.State,
			"is_draft":   pr.IsDraft,
			"created_at": pr.CreatedAt,
			"updated_at": pr.UpdatedAt,
		})
}

func (s *Source) reviewEvent(pr pullRequestNode, rv reviewNode) *envelope.Event {
	return s.newEvent("pull_request.review_submitted",
		envelope.Provenance{"author": rv.Author.Login, "pr_author": pr.Author.Login, "review_id": rv.ID},
		envelope.Payload{
			"pr_number":    pr.Number,
			"review_id":    rv.ID,
			"review_state": rv.State,
			"submitted_at": rv.SubmittedAt,
		})
}

func (s *Source) reviewCommentEvent(prNumber int, author string, c *gogithub.PullRequestComment) *envelope.Event {
	return s.newEvent("pull_request.review_comment",
		envelope.Provenance{"author": c.GetUser().GetLogin(), "pr_author": author},
		envelope.Payload{
			"pr_number":  prNumber,
			"comment_id": c.GetID(),
			"body":       c.GetBody(),
			"path":       c.GetPath(),
			"updated_at": c.GetUpdatedAt().Time,
		})
}

func (s *Source) issueCommentEvent(c *gogithub.IssueComment) *envelope.Event {
	return s.newEvent("issue.comment",
		envelope.Provenance{"author": c.GetUser().GetLogin()},
		envelope.Payload{
			"comment_id": c.GetID(),
			"body":       c.GetBody(),
			"updated_at": c.GetUpdatedAt().Time,
		})
}

func (s *Source) workflowRunEvent(run *gogithub.WorkflowRun) *envelope.Event {
	return s.newEvent("workflow_run.updated",
		envelope.Provenance{"author": run.GetActor().GetLogin()},
		envelope.Payload{
			"run_id":     run.GetID(),
			"status":     run.GetStatus(),
			"conclusion": run.GetConclusion(),
			"updated_at": run.GetUpdatedAt().Time,
		})
}

func (s *Source) checkSuiteEvent(prNumber int, suite *gogithub.CheckSuite) *envelope.Event {
	return s.newEvent("check_suite.updated",
		envelope.Provenance{},
		envelope.Payload{
			"pr_number":  prNumber,
			"suite_id":   suite.GetID(),
			"head_sha":   suite.GetHeadSHA(),
			"status":     suite.GetStatus(),
			"conclusion": suite.GetConclusion(),
			"updated_at": suite.GetUpdatedAt().Time,
		})
}
