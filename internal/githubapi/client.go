package githubapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	gh "github.com/google/go-github/v57/github"
)

const (
	defaultMaxRetries = 3
	maxRetryAfter     = 30 * time.Second
)

// Client wraps the GitHub REST API with bounded retry for transient
// failures. Auth, validation and not-found errors surface immediately.
type Client struct {
	rest       *gh.Client
	logger     *slog.Logger
	maxRetries uint64
}

func NewClient(token string, logger *slog.Logger) *Client {
	return &Client{
		rest:       gh.NewClient(nil).WithAuthToken(token),
		logger:     logger,
		maxRetries: defaultMaxRetries,
	}
}

// NewClientWithHTTP is used by tests to point the client at a local server.
func NewClientWithHTTP(httpClient *http.Client, baseURL string, logger *slog.Logger) (*Client, error) {
	rest, err := gh.NewClient(httpClient).WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("set base url: %w", err)
	}
	return &Client{rest: rest, logger: logger, maxRetries: defaultMaxRetries}, nil
}

// call runs fn with retry. Server errors (5xx) and rate limits retry with
// exponential backoff up to the retry budget; rate-limit retry-after hints
// are honored up to maxRetryAfter. Everything else is permanent.
func (c *Client) call(ctx context.Context, op string, fn func() (*gh.Response, error)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx)

	return backoff.Retry(func() error {
		resp, err := fn()
		if err == nil {
			return nil
		}

		var abuse *gh.AbuseRateLimitError
		if errors.As(err, &abuse) {
			wait := maxRetryAfter
			if abuse.RetryAfter != nil && *abuse.RetryAfter < wait {
				wait = *abuse.RetryAfter
			}
			c.logger.Warn("rate limited", "op", op, "retry_after", wait)
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-time.After(wait):
			}
			return err
		}

		var limited *gh.RateLimitError
		if errors.As(err, &limited) {
			c.logger.Warn("rate limit exhausted", "op", op)
			return err
		}

		if resp != nil && resp.StatusCode >= 500 {
			c.logger.Warn("server error, retrying", "op", op, "status", resp.StatusCode)
			return err
		}

		return backoff.Permanent(err)
	}, policy)
}

func isNotFound(resp *gh.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotFound
}

func projectIssue(in *gh.Issue) Issue {
	out := Issue{
		Number: in.GetNumber(),
		Title:  in.GetTitle(),
		Body:   in.GetBody(),
		State:  in.GetState(),
		URL:    in.GetHTMLURL(),
	}
	out.CreatedAt = in.GetCreatedAt().Time
	out.UpdatedAt = in.GetUpdatedAt().Time
	for _, l := range in.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	for _, a := range in.Assignees {
		out.Assignees = append(out.Assignees, a.GetLogin())
	}
	return out
}

// ListOpenIssues returns all open issues, paginated. Pull requests share the
// issues endpoint and are filtered out here.
func (c *Client) ListOpenIssues(ctx context.Context, owner, repo string) ([]Issue, error) {
	var out []Issue
	opts := &gh.IssueListByRepoOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	for {
		var page []*gh.Issue
		var next int
		err := c.call(ctx, "list issues", func() (*gh.Response, error) {
			issues, resp, err := c.rest.Issues.ListByRepo(ctx, owner, repo, opts)
			if err != nil {
				return resp, err
			}
			page = issues
			next = resp.NextPage
			return resp, nil
		})
		if err != nil {
			return nil, fmt.Errorf("list issues %s/%s: %w", owner, repo, err)
		}

		for _, issue := range page {
			if issue.PullRequestLinks != nil {
				continue
			}
			out = append(out, projectIssue(issue))
		}

		if next == 0 {
			break
		}
		opts.Page = next
	}

	return out, nil
}

func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var raw *gh.Issue
	err := c.call(ctx, "get issue", func() (*gh.Response, error) {
		issue, resp, err := c.rest.Issues.Get(ctx, owner, repo, number)
		raw = issue
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("get issue #%d: %w", number, err)
	}
	issue := projectIssue(raw)
	return &issue, nil
}

func (c *Client) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*Issue, error) {
	var raw *gh.Issue
	err := c.call(ctx, "create issue", func() (*gh.Response, error) {
		issue, resp, err := c.rest.Issues.Create(ctx, owner, repo, &gh.IssueRequest{
			Title:  gh.String(title),
			Body:   gh.String(body),
			Labels: &labels,
		})
		raw = issue
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	issue := projectIssue(raw)
	return &issue, nil
}

func (c *Client) SetIssueState(ctx context.Context, owner, repo string, number int, state string) error {
	err := c.call(ctx, "set issue state", func() (*gh.Response, error) {
		_, resp, err := c.rest.Issues.Edit(ctx, owner, repo, number, &gh.IssueRequest{
			State: gh.String(state),
		})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("set issue #%d state %s: %w", number, state, err)
	}
	return nil
}

func (c *Client) AddComment(ctx context.Context, owner, repo string, number int, body string) error {
	err := c.call(ctx, "add comment", func() (*gh.Response, error) {
		_, resp, err := c.rest.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{
			Body: gh.String(body),
		})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("comment on #%d: %w", number, err)
	}
	return nil
}

// VerifyWriteAccess reports whether the current credential can push.
func (c *Client) VerifyWriteAccess(ctx context.Context, owner, repo string) (bool, error) {
	var repository *gh.Repository
	err := c.call(ctx, "get repository", func() (*gh.Response, error) {
		r, resp, err := c.rest.Repositories.Get(ctx, owner, repo)
		repository = r
		return resp, err
	})
	if err != nil {
		return false, fmt.Errorf("get repository %s/%s: %w", owner, repo, err)
	}
	perms := repository.GetPermissions()
	return perms["push"] || perms["admin"], nil
}

func (c *Client) defaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var repository *gh.Repository
	err := c.call(ctx, "get repository", func() (*gh.Response, error) {
		r, resp, err := c.rest.Repositories.Get(ctx, owner, repo)
		repository = r
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("get repository: %w", err)
	}
	branch := repository.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	return branch, nil
}

// CreateBranch creates a branch at the default branch's head. A branch that
// already exists is left alone.
func (c *Client) CreateBranch(ctx context.Context, owner, repo, name string) error {
	base, err := c.defaultBranch(ctx, owner, repo)
	if err != nil {
		return err
	}

	var headSHA string
	err = c.call(ctx, "get ref", func() (*gh.Response, error) {
		ref, resp, err := c.rest.Git.GetRef(ctx, owner, repo, "refs/heads/"+base)
		if err != nil {
			return resp, err
		}
		headSHA = ref.GetObject().GetSHA()
		return resp, nil
	})
	if err != nil {
		return fmt.Errorf("get head of %s: %w", base, err)
	}

	err = c.call(ctx, "create ref", func() (*gh.Response, error) {
		_, resp, err := c.rest.Git.CreateRef(ctx, owner, repo, &gh.Reference{
			Ref:    gh.String("refs/heads/" + name),
			Object: &gh.GitObject{SHA: gh.String(headSHA)},
		})
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			c.logger.Debug("branch already exists", "branch", name)
			return resp, nil
		}
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

func (c *Client) CreatePullRequest(ctx context.Context, owner, repo, head, title, body string) (int, string, error) {
	base, err := c.defaultBranch(ctx, owner, repo)
	if err != nil {
		return 0, "", err
	}

	var pr *gh.PullRequest
	err = c.call(ctx, "create pull request", func() (*gh.Response, error) {
		created, resp, err := c.rest.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
			Title: gh.String(title),
			Head:  gh.String(head),
			Base:  gh.String(base),
			Body:  gh.String(body),
		})
		pr = created
		return resp, err
	})
	if err != nil {
		return 0, "", fmt.Errorf("create pull request: %w", err)
	}
	return pr.GetNumber(), pr.GetHTMLURL(), nil
}

// IssueParent looks up the issue's sub-issue parent. The signal is advisory:
// any failure, including the endpoint not existing, degrades to no parent.
func (c *Client) IssueParent(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	url := fmt.Sprintf("repos/%s/%s/issues/%d/parent", owner, repo, number)
	req, err := c.rest.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, nil
	}

	var raw gh.Issue
	if _, err := c.rest.Do(ctx, req, &raw); err != nil {
		c.logger.Debug("parent lookup failed", "issue", number, "err", err)
		return nil, nil
	}
	if raw.GetNumber() == 0 {
		return nil, nil
	}
	parent := projectIssue(&raw)
	return &parent, nil
}
