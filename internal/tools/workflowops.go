package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"wrangle/internal/audit"
	"wrangle/internal/githubapi"
	"wrangle/internal/workflow"
)

func (h *handlers) advanceWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, repo, errRes := repoArgs(req)
	if errRes != nil {
		return errRes, nil
	}
	number, err := req.RequireInt("issueNumber")
	if err != nil {
		return fail(CodeInternalError, err.Error()), nil
	}
	target := workflow.Phase(req.GetString("targetPhase", ""))

	held, err := h.eng.Locks.Get(owner, repo, number)
	if err != nil {
		return lift(err), nil
	}
	if held == nil || held.SessionID != h.eng.SessionID {
		return fail(CodeNotLocked, fmt.Sprintf("issue #%d is not locked by this session", number)), nil
	}

	st, err := h.eng.Workflows.Get(owner, repo, number)
	if err != nil {
		return lift(err), nil
	}

	advReq := workflow.AdvanceRequest{
		Target:            target,
		SkipJustification: req.GetString("skipJustification", ""),
		SessionID:         h.eng.SessionID,
	}
	if raw, present := req.GetArguments()["testsPassed"]; present {
		if passed, isBool := raw.(bool); isBool {
			advReq.TestsPassed = &passed
		}
	}

	// Validate before side effects so a rejected transition leaves both the
	// remote and the record untouched.
	if err := workflow.Validate(st.Phase, advReq); err != nil {
		return lift(err), nil
	}

	var branchName string
	var prNumber int
	var prURL string

	switch target {
	case workflow.PhaseBranch:
		issue, err := h.eng.Remote.GetIssue(ctx, owner, repo, number)
		if err != nil {
			return remoteFail(err), nil
		}
		branchName = BranchName(number, issue.Title)
		if err := h.eng.Remote.CreateBranch(ctx, owner, repo, branchName); err != nil {
			return remoteFail(err), nil
		}

	case workflow.PhasePR:
		if st.Branch == "" {
			return failWith(CodeInvalidPhaseTransition,
				"cannot open a PR before a branch exists", "no branch recorded for this issue", nil), nil
		}
		prTitle := req.GetString("prTitle", "")
		prBody := req.GetString("prBody", "")
		if prTitle == "" || prBody == "" {
			return fail(CodeInternalError, "prTitle and prBody are required for the pr phase"), nil
		}
		prNumber, prURL, err = h.eng.Remote.CreatePullRequest(ctx, owner, repo, st.Branch, prTitle, prBody)
		if err != nil {
			return remoteFail(err), nil
		}
		if err := h.eng.Remote.SwapStatusLabel(ctx, owner, repo, number,
			githubapi.StatusInProgress, githubapi.StatusInReview); err != nil {
			return remoteFail(err), nil
		}
	}

	st, prev, err := h.eng.Workflows.Advance(owner, repo, number, advReq)
	if err != nil {
		return lift(err), nil
	}
	// Advancing counts as holder activity; bump the claim so it stays fresh.
	if err := h.eng.Locks.Refresh(owner, repo, number, h.eng.SessionID); err != nil {
		h.eng.Logger.Warn("failed to refresh lock", "issue", number, "err", err)
	}
	if branchName != "" {
		if st, err = h.eng.Workflows.SetBranch(owner, repo, number, branchName); err != nil {
			return lift(err), nil
		}
	}
	if prNumber != 0 {
		if st, err = h.eng.Workflows.SetPR(owner, repo, number, prNumber); err != nil {
			return lift(err), nil
		}
	}

	h.eng.Logger.Info("advanced workflow",
		"repo", owner+"/"+repo,
		"issue", number,
		"from", prev,
		"to", st.Phase)
	h.eng.Audit.Write(audit.Record{
		Tool:      "advance_workflow",
		SessionID: h.eng.SessionID,
		Repo:      owner + "/" + repo,
		Issue:     number,
		Phase:     string(st.Phase),
		Outcome:   "success",
		Event:     "phase_transition",
		Metadata:  map[string]any{"from": string(prev)},
	})

	payload := map[string]any{
		"issue":         number,
		"previousPhase": prev,
		"currentPhase":  st.Phase,
	}
	if branchName != "" {
		payload["branchName"] = branchName
	}
	if prNumber != 0 {
		payload["prNumber"] = prNumber
		payload["prUrl"] = prURL
	}
	return ok(payload)
}

// BranchName builds `<n>-<slug>` from the issue title: lower-cased,
// non-alphanumerics collapsed to single dashes, capped at 50 characters.
func BranchName(number int, title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := b.String()
	if len(slug) > 50 {
		slug = slug[:50]
	}
	slug = strings.TrimSuffix(slug, "-")
	if slug == "" {
		return fmt.Sprintf("%d", number)
	}
	return fmt.Sprintf("%d-%s", number, slug)
}

func (h *handlers) getWorkflowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, repo, errRes := repoArgs(req)
	if errRes != nil {
		return errRes, nil
	}

	if number := req.GetInt("issueNumber", 0); number != 0 {
		st, err := h.eng.Workflows.Get(owner, repo, number)
		if err != nil {
			return lift(err), nil
		}
		held, err := h.eng.Locks.Get(owner, repo, number)
		if err != nil {
			return lift(err), nil
		}
		payload := map[string]any{"workflow": st}
		if held != nil {
			payload["lock"] = held
		}
		return ok(payload)
	}

	held, err := h.eng.Locks.BySession(h.eng.SessionID)
	if err != nil {
		return lift(err), nil
	}

	items := make([]map[string]any, 0, len(held))
	for _, lock := range held {
		entry := map[string]any{"lock": lock}
		if st, err := h.eng.Workflows.Get(owner, repo, lock.IssueNumber); err == nil {
			entry["workflow"] = st
		}
		items = append(items, entry)
	}
	return ok(map[string]any{
		"sessionId": h.eng.SessionID,
		"count":     len(items),
		"issues":    items,
	})
}
