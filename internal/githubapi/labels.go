package githubapi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v57/github"
)

// The three label families the engine manages. Colors and descriptions are
// fixed; ensureLabel is create-if-missing, never update.
type LabelSpec struct {
	Name        string
	Color       string
	Description string
}

var ManagedLabels = []LabelSpec{
	{Name: "priority:critical", Color: "b60205", Description: "Drop everything"},
	{Name: "priority:high", Color: "d93f0b", Description: "Next in line"},
	{Name: "priority:medium", Color: "fbca04", Description: "Normal priority"},
	{Name: "priority:low", Color: "0e8a16", Description: "When time permits"},
	{Name: "type:bug", Color: "d73a4a", Description: "Something is broken"},
	{Name: "type:feature", Color: "a2eeef", Description: "New functionality"},
	{Name: "type:chore", Color: "fef2c0", Description: "Maintenance work"},
	{Name: "type:docs", Color: "0075ca", Description: "Documentation"},
	{Name: "status:backlog", Color: "ededed", Description: "Unclaimed"},
	{Name: "status:in-progress", Color: "1d76db", Description: "Claimed by an agent"},
	{Name: "status:in-review", Color: "5319e7", Description: "PR open"},
	{Name: "status:blocked", Color: "000000", Description: "Waiting on something"},
}

const (
	StatusBacklog    = "status:backlog"
	StatusInProgress = "status:in-progress"
	StatusInReview   = "status:in-review"
	StatusBlocked    = "status:blocked"
)

// NormalizePriority coerces the legacy P0..P3 convention onto the canonical
// priority:critical|high|medium|low family. Canonical names pass through.
func NormalizePriority(p string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "p0", "critical":
		return "critical", true
	case "p1", "high":
		return "high", true
	case "p2", "medium":
		return "medium", true
	case "p3", "low":
		return "low", true
	}
	return "", false
}

// EnsureLabels creates any missing managed labels. Existing labels are left
// untouched, so repeated calls are no-ops. Per-label failures are collected
// rather than aborting the pass.
func (c *Client) EnsureLabels(ctx context.Context, owner, repo string) ([]string, error) {
	var created []string
	var errs []error

	for _, spec := range ManagedLabels {
		var missing bool
		err := c.call(ctx, "get label", func() (*gh.Response, error) {
			_, resp, err := c.rest.Issues.GetLabel(ctx, owner, repo, spec.Name)
			if isNotFound(resp) {
				missing = true
				return resp, nil
			}
			return resp, err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("get label %s: %w", spec.Name, err))
			continue
		}
		if !missing {
			continue
		}

		spec := spec
		err = c.call(ctx, "create label", func() (*gh.Response, error) {
			_, resp, err := c.rest.Issues.CreateLabel(ctx, owner, repo, &gh.Label{
				Name:        gh.String(spec.Name),
				Color:       gh.String(spec.Color),
				Description: gh.String(spec.Description),
			})
			// Lost a race with another session: the label exists now.
			if resp != nil && resp.StatusCode == 422 {
				return resp, nil
			}
			return resp, err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("create label %s: %w", spec.Name, err))
			continue
		}
		created = append(created, spec.Name)
	}

	return created, errors.Join(errs...)
}

// AddLabels adds labels to an issue. Adding an already-present label is a
// success on the remote side, so this is idempotent as-is.
func (c *Client) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	return c.call(ctx, "add labels", func() (*gh.Response, error) {
		_, resp, err := c.rest.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
		return resp, err
	})
}

// RemoveLabel removes one label from an issue. Removing an absent label is
// an idempotent success.
func (c *Client) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return c.call(ctx, "remove label", func() (*gh.Response, error) {
		resp, err := c.rest.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
		if isNotFound(resp) {
			return resp, nil
		}
		return resp, err
	})
}

// SwapStatusLabel removes from and adds to in one pass; the remove is
// tolerant of the label already being absent.
func (c *Client) SwapStatusLabel(ctx context.Context, owner, repo string, number int, from, to string) error {
	if from != "" {
		if err := c.RemoveLabel(ctx, owner, repo, number, from); err != nil {
			return fmt.Errorf("remove %s: %w", from, err)
		}
	}
	if to != "" {
		if err := c.AddLabels(ctx, owner, repo, number, []string{to}); err != nil {
			return fmt.Errorf("add %s: %w", to, err)
		}
	}
	return nil
}
