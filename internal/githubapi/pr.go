package githubapi

import (
	"context"
	"fmt"

	gh "github.com/google/go-github/v57/github"
)

// PullReport fetches a PR and aggregates its state, check runs and reviews.
//
// State: merged iff the remote reports closed with the merged flag set.
// Checks: none when no runs; failing if any run concluded
// failure/timed_out/cancelled; pending if any run is still queued or
// running; passing otherwise.
// Reviews: approved iff any review is APPROVED, changesRequested iff any is
// CHANGES_REQUESTED; reviewers deduplicated by login.
func (c *Client) PullReport(ctx context.Context, owner, repo string, number int) (*PRReport, error) {
	var pr *gh.PullRequest
	err := c.call(ctx, "get pull request", func() (*gh.Response, error) {
		got, resp, err := c.rest.PullRequests.Get(ctx, owner, repo, number)
		pr = got
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("get PR #%d: %w", number, err)
	}

	report := &PRReport{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		URL:     pr.GetHTMLURL(),
		HeadSHA: pr.GetHead().GetSHA(),
		HeadRef: pr.GetHead().GetRef(),
	}

	switch {
	case pr.GetState() == "closed" && pr.GetMerged():
		report.State = PRMerged
	case pr.GetState() == "closed":
		report.State = PRClosed
	default:
		report.State = PROpen
	}

	if report.HeadSHA != "" {
		checks, err := c.checkState(ctx, owner, repo, report.HeadSHA)
		if err != nil {
			return nil, err
		}
		report.Checks = checks
	}

	if err := c.reviewState(ctx, owner, repo, number, report); err != nil {
		return nil, err
	}

	return report, nil
}

func (c *Client) checkState(ctx context.Context, owner, repo, ref string) (CheckState, error) {
	var runs []*gh.CheckRun
	err := c.call(ctx, "list check runs", func() (*gh.Response, error) {
		results, resp, err := c.rest.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, &gh.ListCheckRunsOptions{
			ListOptions: gh.ListOptions{PerPage: 100},
		})
		if err != nil {
			return resp, err
		}
		runs = results.CheckRuns
		return resp, nil
	})
	if err != nil {
		return ChecksNone, fmt.Errorf("list check runs for %s: %w", ref, err)
	}

	if len(runs) == 0 {
		return ChecksNone, nil
	}

	pending := false
	for _, run := range runs {
		switch run.GetConclusion() {
		case "failure", "timed_out", "cancelled":
			return ChecksFailing, nil
		}
		if run.GetStatus() == "queued" || run.GetStatus() == "in_progress" {
			pending = true
		}
	}
	if pending {
		return ChecksPending, nil
	}
	return ChecksPassing, nil
}

func (c *Client) reviewState(ctx context.Context, owner, repo string, number int, report *PRReport) error {
	var reviews []*gh.PullRequestReview
	err := c.call(ctx, "list reviews", func() (*gh.Response, error) {
		got, resp, err := c.rest.PullRequests.ListReviews(ctx, owner, repo, number, &gh.ListOptions{PerPage: 100})
		reviews = got
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("list reviews for #%d: %w", number, err)
	}

	seen := make(map[string]bool)
	for _, review := range reviews {
		switch review.GetState() {
		case "APPROVED":
			report.Approved = true
		case "CHANGES_REQUESTED":
			report.ChangesRequested = true
		}
		login := review.GetUser().GetLogin()
		if login != "" && !seen[login] {
			seen[login] = true
			report.Reviewers = append(report.Reviewers, login)
		}
	}
	return nil
}
