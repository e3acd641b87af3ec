package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"wrangle/internal/githubapi"
	"wrangle/internal/score"
)

func (h *handlers) createIssue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return fail(CodeInternalError, err.Error()), nil
	}
	owner, repo, errRes := repoArgs(req)
	if errRes != nil {
		return errRes, nil
	}

	priority, okP := githubapi.NormalizePriority(req.GetString("priority", h.eng.Cfg.Sync.DefaultPriority))
	if !okP {
		return fail(CodeInternalError, fmt.Sprintf("unknown priority %q", req.GetString("priority", ""))), nil
	}
	issueType := req.GetString("type", h.eng.Cfg.Sync.DefaultType)

	writable, err := h.eng.Remote.VerifyWriteAccess(ctx, owner, repo)
	if err != nil {
		return remoteFail(err), nil
	}
	if !writable {
		return fail(CodeNoWriteAccess, fmt.Sprintf("no write access to %s/%s", owner, repo)), nil
	}

	if _, err := h.eng.Remote.EnsureLabels(ctx, owner, repo); err != nil {
		return remoteFail(err), nil
	}

	body := req.GetString("body", "")
	if body == "" {
		body = issueBody(title,
			req.GetString("context", ""),
			stringSliceArg(req, "acceptanceCriteria"),
			req.GetString("technicalNotes", ""))
	}

	labels := []string{
		"priority:" + priority,
		"type:" + issueType,
		githubapi.StatusBacklog,
	}
	issue, err := h.eng.Remote.CreateIssue(ctx, owner, repo, title, body, labels)
	if err != nil {
		return remoteFail(err), nil
	}

	h.eng.Logger.Info("created issue", "repo", owner+"/"+repo, "issue", issue.Number)
	return ok(map[string]any{
		"issue": issue,
	})
}

// issueBody renders the canonical template; empty sections are omitted.
func issueBody(title, context string, criteria []string, notes string) string {
	var b strings.Builder
	b.WriteString("## Summary\n")
	b.WriteString(title)
	b.WriteString("\n")

	if context != "" {
		b.WriteString("\n## Context\n")
		b.WriteString(context)
		b.WriteString("\n")
	}
	if len(criteria) > 0 {
		b.WriteString("\n## Acceptance Criteria\n")
		for _, item := range criteria {
			b.WriteString("- [ ] ")
			b.WriteString(item)
			b.WriteString("\n")
		}
	}
	if notes != "" {
		b.WriteString("\n## Technical Notes\n")
		b.WriteString(notes)
		b.WriteString("\n")
	}
	return b.String()
}

func (h *handlers) listBacklog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, repo, errRes := repoArgs(req)
	if errRes != nil {
		return errRes, nil
	}

	limit := req.GetInt("limit", 20)
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	ranked, parents, err := h.rankedBacklog(ctx, owner, repo, score.Filters{
		IncludeTypes: stringSliceArg(req, "includeTypes"),
		ExcludeTypes: stringSliceArg(req, "excludeTypes"),
	})
	if err != nil {
		return remoteFail(err), nil
	}

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	items := make([]map[string]any, 0, len(ranked))
	for _, r := range ranked {
		entry := map[string]any{
			"issue":     r.Issue,
			"score":     r.Score,
			"isLocked":  false,
			"blockedBy": parents[r.Issue.Number],
		}
		held, err := h.eng.Locks.Get(owner, repo, r.Issue.Number)
		if err == nil && held != nil && !held.Stale {
			entry["isLocked"] = true
			entry["lockedBy"] = held.SessionID
		}
		items = append(items, entry)
	}

	return ok(map[string]any{
		"repository": owner + "/" + repo,
		"count":      len(items),
		"issues":     items,
	})
}

// rankedBacklog runs the shared list-filter-score pipeline. The parent
// lookup is advisory: any failure counts as no parent.
func (h *handlers) rankedBacklog(ctx context.Context, owner, repo string, f score.Filters) ([]score.Ranked, map[int]bool, error) {
	issues, err := h.eng.Remote.ListOpenIssues(ctx, owner, repo)
	if err != nil {
		return nil, nil, err
	}

	candidates := score.Apply(issues, f)

	parents := make(map[int]bool, len(candidates))
	for _, issue := range candidates {
		parent, err := h.eng.Remote.IssueParent(ctx, owner, repo, issue.Number)
		if err == nil && parent != nil && parent.State == "open" {
			parents[issue.Number] = true
		}
	}

	return score.Rank(candidates, parents, time.Now()), parents, nil
}

func (h *handlers) syncBacklogLabels(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, repo, errRes := repoArgs(req)
	if errRes != nil {
		return errRes, nil
	}
	mode := req.GetString("mode", "report")
	if mode != "report" && mode != "update" {
		return fail(CodeInternalError, fmt.Sprintf("unknown mode %q", mode)), nil
	}

	created, err := h.eng.Remote.EnsureLabels(ctx, owner, repo)
	if err != nil {
		return remoteFail(err), nil
	}

	issues, err := h.eng.Remote.ListOpenIssues(ctx, owner, repo)
	if err != nil {
		return remoteFail(err), nil
	}

	defaultPriority, _ := githubapi.NormalizePriority(h.eng.Cfg.Sync.DefaultPriority)

	type missing struct {
		Issue    int      `json:"issue"`
		Missing  []string `json:"missing"`
		Applied  []string `json:"applied,omitempty"`
		ApplyErr string   `json:"error,omitempty"`
	}
	var report []missing
	var failed int

	for _, issue := range issues {
		var gaps []string
		var apply []string
		if issue.PriorityLabel() == "" {
			gaps = append(gaps, "priority")
			apply = append(apply, "priority:"+defaultPriority)
		}
		if issue.TypeLabel() == "" {
			gaps = append(gaps, "type")
			apply = append(apply, "type:"+h.eng.Cfg.Sync.DefaultType)
		}
		if issue.StatusLabel() == "" {
			gaps = append(gaps, "status")
			apply = append(apply, githubapi.StatusBacklog)
		}
		if len(gaps) == 0 {
			continue
		}

		entry := missing{Issue: issue.Number, Missing: gaps}
		if mode == "update" {
			if err := h.eng.Remote.AddLabels(ctx, owner, repo, issue.Number, apply); err != nil {
				entry.ApplyErr = err.Error()
				failed++
			} else {
				entry.Applied = apply
			}
		}
		report = append(report, entry)
	}

	return ok(map[string]any{
		"mode":          mode,
		"labelsCreated": created,
		"issues":        report,
		"failed":        failed,
	})
}

func (h *handlers) bulkUpdateIssues(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, repo, errRes := repoArgs(req)
	if errRes != nil {
		return errRes, nil
	}

	numbers := intSliceArg(req, "issueNumbers")
	if len(numbers) < 1 || len(numbers) > 50 {
		return fail(CodeInternalError, fmt.Sprintf("issueNumbers must contain 1 to 50 entries, got %d", len(numbers))), nil
	}

	addLabels := stringSliceArg(req, "addLabels")
	removeLabels := stringSliceArg(req, "removeLabels")
	state := req.GetString("state", "")
	if state != "" && state != "open" && state != "closed" {
		return fail(CodeInternalError, fmt.Sprintf("state must be open or closed, got %q", state)), nil
	}
	if len(addLabels) == 0 && len(removeLabels) == 0 && state == "" {
		return fail(CodeInternalError, "nothing to do: supply addLabels, removeLabels, or state"), nil
	}

	type failure struct {
		Issue int    `json:"issue"`
		Error string `json:"error"`
	}
	var updated []int
	var failed []failure

	for _, number := range numbers {
		err := h.updateOne(ctx, owner, repo, number, addLabels, removeLabels, state)
		if err != nil {
			failed = append(failed, failure{Issue: number, Error: err.Error()})
			continue
		}
		updated = append(updated, number)
	}

	summary := map[string]any{
		"total":   len(numbers),
		"updated": len(updated),
		"failed":  len(failed),
	}
	if len(failed) > 0 {
		return failWith(CodeGitHubAPIError,
			fmt.Sprintf("%d of %d updates failed", len(failed), len(numbers)), "",
			map[string]any{"updated": updated, "failures": failed, "summary": summary}), nil
	}
	return ok(map[string]any{
		"updated": updated,
		"failed":  []failure{},
		"summary": summary,
	})
}

func (h *handlers) updateOne(ctx context.Context, owner, repo string, number int, add, remove []string, state string) error {
	if len(add) > 0 {
		if err := h.eng.Remote.AddLabels(ctx, owner, repo, number, add); err != nil {
			return err
		}
	}
	for _, label := range remove {
		if err := h.eng.Remote.RemoveLabel(ctx, owner, repo, number, label); err != nil {
			return err
		}
	}
	if state != "" {
		if err := h.eng.Remote.SetIssueState(ctx, owner, repo, number, state); err != nil {
			return err
		}
	}
	return nil
}
