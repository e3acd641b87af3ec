package tools

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"wrangle/internal/audit"
	"wrangle/internal/engine"
)

type handlers struct {
	eng *engine.Engine
}

// Register wires the twelve operations into the MCP server, closing over
// the engine so the handlers carry no global state.
func Register(s *server.MCPServer, eng *engine.Engine) {
	h := &handlers{eng: eng}

	s.AddTool(mcp.NewTool("create_issue",
		mcp.WithDescription("Create a GitHub issue with managed priority, type, and status labels"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Issue title")),
		mcp.WithString("repository", mcp.Description("owner/repo, defaults from environment")),
		mcp.WithString("priority", mcp.Description("critical, high, medium, low (or legacy P0..P3)")),
		mcp.WithString("type", mcp.Description("bug, feature, chore, or docs")),
		mcp.WithString("context", mcp.Description("Context section for the issue body")),
		mcp.WithArray("acceptanceCriteria", mcp.Description("Acceptance criteria items"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("technicalNotes", mcp.Description("Technical notes section")),
		mcp.WithString("body", mcp.Description("Raw body, overrides the template")),
	), h.wrap("create_issue", h.createIssue))

	s.AddTool(mcp.NewTool("list_backlog",
		mcp.WithDescription("List open issues scored and sorted by priority, with lock annotations"),
		mcp.WithString("repository", mcp.Description("owner/repo, defaults from environment")),
		mcp.WithNumber("limit", mcp.Description("Maximum issues to return, default 20, max 100")),
		mcp.WithArray("includeTypes", mcp.Description("Keep only these type labels"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("excludeTypes", mcp.Description("Drop these type labels"),
			mcp.Items(map[string]any{"type": "string"})),
	), h.wrap("list_backlog", h.listBacklog))

	s.AddTool(mcp.NewTool("select_next_issue",
		mcp.WithDescription("Claim the highest-priority unclaimed issue and start its workflow"),
		mcp.WithString("repository", mcp.Description("owner/repo, defaults from environment")),
		mcp.WithArray("includeTypes", mcp.Description("Keep only these type labels"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("excludeTypes", mcp.Description("Drop these type labels"),
			mcp.Items(map[string]any{"type": "string"})),
	), h.wrap("select_next_issue", h.selectNextIssue))

	s.AddTool(mcp.NewTool("advance_workflow",
		mcp.WithDescription("Advance a claimed issue to the next workflow phase"),
		mcp.WithNumber("issueNumber", mcp.Required(), mcp.Description("Issue number")),
		mcp.WithString("targetPhase", mcp.Required(), mcp.Description("Phase to advance to")),
		mcp.WithString("repository", mcp.Description("owner/repo, defaults from environment")),
		mcp.WithBoolean("testsPassed", mcp.Description("Whether the test suite passed")),
		mcp.WithString("skipJustification", mcp.Description("Justification when skipping phases or the test gate")),
		mcp.WithString("prTitle", mcp.Description("PR title, required for the pr phase")),
		mcp.WithString("prBody", mcp.Description("PR body, required for the pr phase")),
	), h.wrap("advance_workflow", h.advanceWorkflow))

	s.AddTool(mcp.NewTool("release_lock",
		mcp.WithDescription("Release a claimed issue and clean up its workflow state"),
		mcp.WithNumber("issueNumber", mcp.Required(), mcp.Description("Issue number")),
		mcp.WithString("repository", mcp.Description("owner/repo, defaults from environment")),
		mcp.WithString("reason", mcp.Description("completed, abandoned, or merged; default completed")),
	), h.wrap("release_lock", h.releaseLock))

	s.AddTool(mcp.NewTool("force_claim",
		mcp.WithDescription("Take over an issue claimed by another session"),
		mcp.WithNumber("issueNumber", mcp.Required(), mcp.Description("Issue number")),
		mcp.WithString("confirmation", mcp.Required(), mcp.Description("Literal confirmation string")),
		mcp.WithString("repository", mcp.Description("owner/repo, defaults from environment")),
	), h.wrap("force_claim", h.forceClaim))

	s.AddTool(mcp.NewTool("get_workflow_status",
		mcp.WithDescription("Report workflow state for one issue or every lock held by this session"),
		mcp.WithString("repository", mcp.Description("owner/repo, defaults from environment")),
		mcp.WithNumber("issueNumber", mcp.Description("Issue number; omit for all held locks")),
	), h.wrap("get_workflow_status", h.getWorkflowStatus))

	s.AddTool(mcp.NewTool("sync_backlog_labels",
		mcp.WithDescription("Report or repair issues missing priority, type, or status labels"),
		mcp.WithString("repository", mcp.Description("owner/repo, defaults from environment")),
		mcp.WithString("mode", mcp.Description("report or update; default report")),
	), h.wrap("sync_backlog_labels", h.syncBacklogLabels))

	s.AddTool(mcp.NewTool("get_pr_status",
		mcp.WithDescription("Aggregate PR state, check runs, and reviews"),
		mcp.WithNumber("prNumber", mcp.Required(), mcp.Description("Pull request number")),
		mcp.WithString("repository", mcp.Description("owner/repo, defaults from environment")),
	), h.wrap("get_pr_status", h.getPRStatus))

	s.AddTool(mcp.NewTool("bulk_update_issues",
		mcp.WithDescription("Apply label and state changes to up to 50 issues"),
		mcp.WithArray("issueNumbers", mcp.Required(), mcp.Description("Issue numbers, 1 to 50"),
			mcp.Items(map[string]any{"type": "number"})),
		mcp.WithString("repository", mcp.Description("owner/repo, defaults from environment")),
		mcp.WithArray("addLabels", mcp.Description("Labels to add"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("removeLabels", mcp.Description("Labels to remove"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("state", mcp.Description("open or closed")),
	), h.wrap("bulk_update_issues", h.bulkUpdateIssues))

	s.AddTool(mcp.NewTool("implement_batch",
		mcp.WithDescription("Start a batch over the top scored issues and hand out the first one"),
		mcp.WithString("repository", mcp.Description("owner/repo, defaults from environment")),
		mcp.WithNumber("count", mcp.Description("Batch size, 1 to 10, default 5")),
		mcp.WithString("maxPriority", mcp.Description("Priority ceiling, e.g. high keeps critical and high")),
	), h.wrap("implement_batch", h.implementBatch))

	s.AddTool(mcp.NewTool("batch_continue",
		mcp.WithDescription("Poll the current batch PR until merged, then hand out the next issue"),
		mcp.WithString("batchId", mcp.Required(), mcp.Description("Batch identifier")),
		mcp.WithNumber("prNumber", mcp.Description("PR opened for the current issue")),
	), h.wrap("batch_continue", h.batchContinue))
}

// wrap times the operation and emits its audit record.
func (h *handlers) wrap(name string, fn server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		result, err := fn(ctx, req)

		rec := audit.Record{
			Tool:      name,
			SessionID: h.eng.SessionID,
			Duration:  time.Since(start).Milliseconds(),
			Outcome:   "success",
		}
		if err != nil {
			rec.Level = "error"
			rec.Outcome = "failure"
			rec.Error = err.Error()
		} else if result != nil && result.IsError {
			rec.Level = "warn"
			rec.Outcome = "failure"
		}
		h.eng.Audit.Write(rec)
		return result, err
	}
}
