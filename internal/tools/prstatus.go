package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"wrangle/internal/githubapi"
)

func (h *handlers) getPRStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, repo, errRes := repoArgs(req)
	if errRes != nil {
		return errRes, nil
	}
	number, err := req.RequireInt("prNumber")
	if err != nil {
		return fail(CodeInternalError, err.Error()), nil
	}

	report, err := h.eng.Remote.PullReport(ctx, owner, repo, number)
	if err != nil {
		return remoteFail(err), nil
	}
	return ok(prPayload(report))
}

// prPayload flattens a report into the response shape, rendering the typed
// state and check values as strings.
func prPayload(r *githubapi.PRReport) map[string]any {
	return map[string]any{
		"number":           r.Number,
		"title":            r.Title,
		"url":              r.URL,
		"state":            r.State.String(),
		"merged":           r.Merged(),
		"checks":           r.Checks.String(),
		"approved":         r.Approved,
		"changesRequested": r.ChangesRequested,
		"reviewers":        r.Reviewers,
	}
}
