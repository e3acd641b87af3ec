package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrangle/internal/batch"
	"wrangle/internal/config"
	"wrangle/internal/engine"
	"wrangle/internal/githubapi"
	"wrangle/internal/workflow"
)

// fakeRemote is an in-memory engine.Remote.
type fakeRemote struct {
	mu        sync.Mutex
	issues    []githubapi.Issue
	parents   map[int]*githubapi.Issue
	writable  bool
	comments  map[int][]string
	branches  []string
	prs       map[int]*githubapi.PRReport
	nextPR    int
	nextIssue int
	addErr    map[int]error
}

func newFakeRemote(issues ...githubapi.Issue) *fakeRemote {
	return &fakeRemote{
		issues:    issues,
		parents:   map[int]*githubapi.Issue{},
		writable:  true,
		comments:  map[int][]string{},
		prs:       map[int]*githubapi.PRReport{},
		nextPR:    100,
		nextIssue: 1000,
		addErr:    map[int]error{},
	}
}

func (f *fakeRemote) find(number int) *githubapi.Issue {
	for i := range f.issues {
		if f.issues[i].Number == number {
			return &f.issues[i]
		}
	}
	return nil
}

func (f *fakeRemote) ListOpenIssues(ctx context.Context, owner, repo string) ([]githubapi.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []githubapi.Issue
	for _, issue := range f.issues {
		if issue.State == "open" {
			out = append(out, issue)
		}
	}
	return out, nil
}

func (f *fakeRemote) GetIssue(ctx context.Context, owner, repo string, number int) (*githubapi.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue := f.find(number); issue != nil {
		copied := *issue
		return &copied, nil
	}
	return nil, fmt.Errorf("issue #%d not found", number)
}

func (f *fakeRemote) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*githubapi.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextIssue++
	issue := githubapi.Issue{
		Number:    f.nextIssue,
		Title:     title,
		Body:      body,
		State:     "open",
		CreatedAt: time.Now(),
		Labels:    append([]string(nil), labels...),
	}
	f.issues = append(f.issues, issue)
	return &issue, nil
}

func (f *fakeRemote) SetIssueState(ctx context.Context, owner, repo string, number int, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue := f.find(number); issue != nil {
		issue.State = state
		return nil
	}
	return fmt.Errorf("issue #%d not found", number)
}

func (f *fakeRemote) AddComment(ctx context.Context, owner, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[number] = append(f.comments[number], body)
	return nil
}

func (f *fakeRemote) VerifyWriteAccess(ctx context.Context, owner, repo string) (bool, error) {
	return f.writable, nil
}

func (f *fakeRemote) EnsureLabels(ctx context.Context, owner, repo string) ([]string, error) {
	return nil, nil
}

func (f *fakeRemote) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.addErr[number]; err != nil {
		return err
	}
	issue := f.find(number)
	if issue == nil {
		return fmt.Errorf("issue #%d not found", number)
	}
	for _, label := range labels {
		if !issue.HasLabel(label) {
			issue.Labels = append(issue.Labels, label)
		}
	}
	return nil
}

func (f *fakeRemote) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := f.find(number)
	if issue == nil {
		return nil
	}
	kept := issue.Labels[:0]
	for _, l := range issue.Labels {
		if l != label {
			kept = append(kept, l)
		}
	}
	issue.Labels = kept
	return nil
}

func (f *fakeRemote) SwapStatusLabel(ctx context.Context, owner, repo string, number int, from, to string) error {
	if from != "" {
		if err := f.RemoveLabel(ctx, owner, repo, number, from); err != nil {
			return err
		}
	}
	if to != "" {
		return f.AddLabels(ctx, owner, repo, number, []string{to})
	}
	return nil
}

func (f *fakeRemote) CreateBranch(ctx context.Context, owner, repo, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches = append(f.branches, name)
	return nil
}

func (f *fakeRemote) CreatePullRequest(ctx context.Context, owner, repo, head, title, body string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPR++
	f.prs[f.nextPR] = &githubapi.PRReport{Number: f.nextPR, Title: title, State: githubapi.PROpen, HeadRef: head}
	return f.nextPR, fmt.Sprintf("https://example.test/%s/%s/pull/%d", owner, repo, f.nextPR), nil
}

func (f *fakeRemote) PullReport(ctx context.Context, owner, repo string, number int) (*githubapi.PRReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if report, ok := f.prs[number]; ok {
		copied := *report
		return &copied, nil
	}
	return nil, fmt.Errorf("PR #%d not found", number)
}

func (f *fakeRemote) IssueParent(ctx context.Context, owner, repo string, number int) (*githubapi.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parents[number], nil
}

func (f *fakeRemote) setMerged(pr int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if report, ok := f.prs[pr]; ok {
		report.State = githubapi.PRMerged
	} else {
		f.prs[pr] = &githubapi.PRReport{Number: pr, State: githubapi.PRMerged}
	}
}

func newTestHandlers(t *testing.T, remote engine.Remote) *handlers {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.BaseDir = t.TempDir()
	cfg.Batch.PollInterval = 10 * time.Millisecond
	cfg.Batch.PollDeadline = 300 * time.Millisecond

	eng, err := engine.New(cfg, remote, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return &handlers{eng: eng}
}

func callReq(args map[string]any) mcp.CallToolRequest {
	if args == nil {
		args = map[string]any{}
	}
	if _, ok := args["repository"]; !ok {
		args["repository"] = "octo/repo"
	}
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func decode(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func requireSuccess(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	out := decode(t, res)
	require.Equal(t, true, out["success"], "response: %v", out)
	return out
}

func requireCode(t *testing.T, res *mcp.CallToolResult, code string) map[string]any {
	t.Helper()
	require.True(t, res.IsError)
	out := decode(t, res)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, code, out["code"])
	return out
}

func openIssue(number int, labels ...string) githubapi.Issue {
	return githubapi.Issue{
		Number:    number,
		Title:     fmt.Sprintf("Issue %d", number),
		State:     "open",
		CreatedAt: time.Now().Add(-24 * time.Hour),
		Labels:    labels,
	}
}

func TestSelectNextIssuePicksHighestScore(t *testing.T) {
	remote := newFakeRemote(
		openIssue(1, "priority:medium", "type:bug", "status:backlog"),
		openIssue(2, "priority:critical", "type:bug", "status:backlog"),
		openIssue(3, "priority:high", "type:feature", "status:backlog"),
	)
	h := newTestHandlers(t, remote)

	res, err := h.selectNextIssue(context.Background(), callReq(nil))
	require.NoError(t, err)
	out := requireSuccess(t, res)

	issue := out["issue"].(map[string]any)
	assert.Equal(t, float64(2), issue["number"])

	// Advisory label flipped and workflow opened.
	assert.True(t, remote.find(2).HasLabel(githubapi.StatusInProgress))
	assert.False(t, remote.find(2).HasLabel(githubapi.StatusBacklog))
	st, err := h.eng.Workflows.Get("octo", "repo", 2)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseSelection, st.Phase)

	held, err := h.eng.Locks.Get("octo", "repo", 2)
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, h.eng.SessionID, held.SessionID)
}

func TestSelectNextIssueSkipsLockedCandidates(t *testing.T) {
	remote := newFakeRemote(
		openIssue(1, "priority:critical", "type:bug", "status:backlog"),
		openIssue(2, "priority:high", "type:bug", "status:backlog"),
	)
	h := newTestHandlers(t, remote)

	_, err := h.eng.Locks.Acquire("octo", "repo", 1, "someone-else")
	require.NoError(t, err)

	res, err := h.selectNextIssue(context.Background(), callReq(nil))
	require.NoError(t, err)
	out := requireSuccess(t, res)
	assert.Equal(t, float64(2), out["issue"].(map[string]any)["number"])
}

func TestSelectNextIssueAllLocked(t *testing.T) {
	remote := newFakeRemote(openIssue(1, "priority:high", "type:bug", "status:backlog"))
	h := newTestHandlers(t, remote)
	_, err := h.eng.Locks.Acquire("octo", "repo", 1, "someone-else")
	require.NoError(t, err)

	res, err := h.selectNextIssue(context.Background(), callReq(nil))
	require.NoError(t, err)
	requireCode(t, res, CodeAllIssuesLocked)
}

func TestSelectNextIssueEmptyBacklog(t *testing.T) {
	h := newTestHandlers(t, newFakeRemote())
	res, err := h.selectNextIssue(context.Background(), callReq(nil))
	require.NoError(t, err)
	requireCode(t, res, CodeNoIssuesAvailable)
}

func TestSelectNextIssueRespectsTypeFilter(t *testing.T) {
	remote := newFakeRemote(
		openIssue(1, "priority:critical", "type:chore", "status:backlog"),
		openIssue(2, "priority:low", "type:bug", "status:backlog"),
	)
	h := newTestHandlers(t, remote)

	res, err := h.selectNextIssue(context.Background(), callReq(map[string]any{
		"includeTypes": []any{"bug"},
	}))
	require.NoError(t, err)
	out := requireSuccess(t, res)
	assert.Equal(t, float64(2), out["issue"].(map[string]any)["number"])
}

func selectIssue(t *testing.T, h *handlers) int {
	t.Helper()
	res, err := h.selectNextIssue(context.Background(), callReq(nil))
	require.NoError(t, err)
	out := requireSuccess(t, res)
	return int(out["issue"].(map[string]any)["number"].(float64))
}

func advance(h *handlers, args map[string]any) (*mcp.CallToolResult, error) {
	return h.advanceWorkflow(context.Background(), callReq(args))
}

func TestAdvanceWorkflowFullPath(t *testing.T) {
	remote := newFakeRemote(openIssue(7, "priority:high", "type:bug", "status:backlog"))
	remote.find(7).Title = "Fix the Flaky Parser!"
	h := newTestHandlers(t, remote)
	number := selectIssue(t, h)
	require.Equal(t, 7, number)

	res, err := advance(h, map[string]any{"issueNumber": 7, "targetPhase": "research"})
	require.NoError(t, err)
	out := requireSuccess(t, res)
	assert.Equal(t, "selection", out["previousPhase"])
	assert.Equal(t, "research", out["currentPhase"])

	// Branch transition creates the branch remotely and records its name.
	res, err = advance(h, map[string]any{"issueNumber": 7, "targetPhase": "branch"})
	require.NoError(t, err)
	out = requireSuccess(t, res)
	assert.Equal(t, "7-fix-the-flaky-parser", out["branchName"])
	assert.Equal(t, []string{"7-fix-the-flaky-parser"}, remote.branches)

	for _, phase := range []string{"implementation", "testing"} {
		res, err = advance(h, map[string]any{"issueNumber": 7, "targetPhase": phase})
		require.NoError(t, err)
		requireSuccess(t, res)
	}

	// Test gate blocks commit without results.
	res, err = advance(h, map[string]any{"issueNumber": 7, "targetPhase": "commit"})
	require.NoError(t, err)
	requireCode(t, res, CodeTestsRequired)

	res, err = advance(h, map[string]any{"issueNumber": 7, "targetPhase": "commit", "testsPassed": true})
	require.NoError(t, err)
	requireSuccess(t, res)

	// PR transition opens the PR and flips the advisory label.
	res, err = advance(h, map[string]any{
		"issueNumber": 7, "targetPhase": "pr", "testsPassed": true,
		"prTitle": "fix: flaky parser (#7)", "prBody": "Closes #7",
	})
	require.NoError(t, err)
	out = requireSuccess(t, res)
	prNumber := int(out["prNumber"].(float64))
	assert.NotZero(t, prNumber)
	assert.NotEmpty(t, out["prUrl"])
	assert.True(t, remote.find(7).HasLabel(githubapi.StatusInReview))
	assert.False(t, remote.find(7).HasLabel(githubapi.StatusInProgress))

	st, err := h.eng.Workflows.Get("octo", "repo", 7)
	require.NoError(t, err)
	assert.Equal(t, prNumber, st.PRNumber)
	assert.Equal(t, "7-fix-the-flaky-parser", st.Branch)

	for _, phase := range []string{"review", "merged"} {
		res, err = advance(h, map[string]any{"issueNumber": 7, "targetPhase": phase})
		require.NoError(t, err)
		requireSuccess(t, res)
	}
}

func TestAdvanceWorkflowRequiresLock(t *testing.T) {
	remote := newFakeRemote(openIssue(7, "priority:high", "type:bug", "status:backlog"))
	h := newTestHandlers(t, remote)

	res, err := advance(h, map[string]any{"issueNumber": 7, "targetPhase": "research"})
	require.NoError(t, err)
	requireCode(t, res, CodeNotLocked)
}

func TestAdvanceWorkflowPRNeedsBranch(t *testing.T) {
	remote := newFakeRemote(openIssue(7, "priority:high", "type:bug", "status:backlog"))
	h := newTestHandlers(t, remote)
	selectIssue(t, h)

	res, err := advance(h, map[string]any{
		"issueNumber": 7, "targetPhase": "pr",
		"skipJustification": "hotfix already pushed", "testsPassed": true,
		"prTitle": "t", "prBody": "b",
	})
	require.NoError(t, err)
	requireCode(t, res, CodeInvalidPhaseTransition)
}

func TestAdvanceWorkflowInvalidTransition(t *testing.T) {
	remote := newFakeRemote(openIssue(7, "priority:high", "type:bug", "status:backlog"))
	h := newTestHandlers(t, remote)
	selectIssue(t, h)

	res, err := advance(h, map[string]any{"issueNumber": 7, "targetPhase": "research"})
	require.NoError(t, err)
	requireSuccess(t, res)

	res, err = advance(h, map[string]any{"issueNumber": 7, "targetPhase": "selection"})
	require.NoError(t, err)
	requireCode(t, res, CodeInvalidPhaseTransition)

	res, err = advance(h, map[string]any{"issueNumber": 7, "targetPhase": "testing"})
	require.NoError(t, err)
	requireCode(t, res, CodeSkipJustificationRequired)
}

func TestReleaseLockCompleted(t *testing.T) {
	remote := newFakeRemote(openIssue(7, "priority:high", "type:bug", "status:backlog"))
	h := newTestHandlers(t, remote)
	selectIssue(t, h)

	res, err := h.releaseLock(context.Background(), callReq(map[string]any{"issueNumber": 7}))
	require.NoError(t, err)
	out := requireSuccess(t, res)
	assert.Equal(t, "completed", out["reason"])

	assert.False(t, remote.find(7).HasLabel(githubapi.StatusInProgress))
	held, err := h.eng.Locks.Get("octo", "repo", 7)
	require.NoError(t, err)
	assert.Nil(t, held)
	assert.False(t, h.eng.Workflows.Exists("octo", "repo", 7))
}

func TestReleaseLockAbandonedRestoresBacklog(t *testing.T) {
	remote := newFakeRemote(openIssue(7, "priority:high", "type:bug", "status:backlog"))
	h := newTestHandlers(t, remote)
	selectIssue(t, h)

	res, err := h.releaseLock(context.Background(), callReq(map[string]any{
		"issueNumber": 7, "reason": "abandoned",
	}))
	require.NoError(t, err)
	requireSuccess(t, res)
	assert.True(t, remote.find(7).HasLabel(githubapi.StatusBacklog))
	assert.False(t, remote.find(7).HasLabel(githubapi.StatusInProgress))
}

func TestReleaseLockMergedClosesIssue(t *testing.T) {
	remote := newFakeRemote(openIssue(7, "priority:high", "type:bug", "status:backlog"))
	h := newTestHandlers(t, remote)
	selectIssue(t, h)

	res, err := h.releaseLock(context.Background(), callReq(map[string]any{
		"issueNumber": 7, "reason": "merged",
	}))
	require.NoError(t, err)
	requireSuccess(t, res)
	assert.Equal(t, "closed", remote.find(7).State)
}

func TestReleaseLockNotHeld(t *testing.T) {
	remote := newFakeRemote(openIssue(7, "priority:high", "type:bug", "status:backlog"))
	h := newTestHandlers(t, remote)

	res, err := h.releaseLock(context.Background(), callReq(map[string]any{"issueNumber": 7}))
	require.NoError(t, err)
	requireCode(t, res, CodeNotLocked)

	// Held by someone else is also a refusal.
	_, err = h.eng.Locks.Acquire("octo", "repo", 7, "someone-else")
	require.NoError(t, err)
	res, err = h.releaseLock(context.Background(), callReq(map[string]any{"issueNumber": 7}))
	require.NoError(t, err)
	requireCode(t, res, CodeNotLocked)
}

func TestForceClaimNeedsExactConfirmation(t *testing.T) {
	remote := newFakeRemote(openIssue(7, "priority:high", "type:bug", "status:backlog"))
	h := newTestHandlers(t, remote)

	res, err := h.forceClaim(context.Background(), callReq(map[string]any{
		"issueNumber": 7, "confirmation": "yes I am sure",
	}))
	require.NoError(t, err)
	requireCode(t, res, CodeInvalidConfirmation)
}

func TestForceClaimTakesOver(t *testing.T) {
	remote := newFakeRemote(openIssue(7, "priority:high", "type:bug", "status:backlog"))
	h := newTestHandlers(t, remote)
	_, err := h.eng.Locks.Acquire("octo", "repo", 7, "victim-session")
	require.NoError(t, err)

	res, err := h.forceClaim(context.Background(), callReq(map[string]any{
		"issueNumber": 7, "confirmation": ForceClaimConfirmation,
	}))
	require.NoError(t, err)
	out := requireSuccess(t, res)

	prev := out["previousLock"].(map[string]any)
	assert.Equal(t, "victim-session", prev["sessionId"])

	held, err := h.eng.Locks.Get("octo", "repo", 7)
	require.NoError(t, err)
	assert.Equal(t, h.eng.SessionID, held.SessionID)
	assert.True(t, h.eng.Workflows.Exists("octo", "repo", 7))
	require.Len(t, remote.comments[7], 1)
	assert.Contains(t, remote.comments[7][0], "victim-session")
}

func TestCreateIssueTemplateAndLabels(t *testing.T) {
	remote := newFakeRemote()
	h := newTestHandlers(t, remote)

	res, err := h.createIssue(context.Background(), callReq(map[string]any{
		"title":              "Add rate limiting",
		"priority":           "P1",
		"type":               "feature",
		"context":            "API abuse reported",
		"acceptanceCriteria": []any{"limits enforced", "429 returned"},
	}))
	require.NoError(t, err)
	out := requireSuccess(t, res)

	issue := out["issue"].(map[string]any)
	labels := issue["labels"].([]any)
	assert.Contains(t, labels, "priority:high")
	assert.Contains(t, labels, "type:feature")
	assert.Contains(t, labels, "status:backlog")

	body := issue["body"].(string)
	assert.Contains(t, body, "## Summary\nAdd rate limiting")
	assert.Contains(t, body, "## Context\nAPI abuse reported")
	assert.Contains(t, body, "- [ ] limits enforced")
	assert.NotContains(t, body, "## Technical Notes")
}

func TestCreateIssueNoWriteAccess(t *testing.T) {
	remote := newFakeRemote()
	remote.writable = false
	h := newTestHandlers(t, remote)

	res, err := h.createIssue(context.Background(), callReq(map[string]any{"title": "x"}))
	require.NoError(t, err)
	requireCode(t, res, CodeNoWriteAccess)
}

func TestListBacklogAnnotatesLocks(t *testing.T) {
	remote := newFakeRemote(
		openIssue(1, "priority:critical", "type:bug", "status:backlog"),
		openIssue(2, "priority:low", "type:bug", "status:backlog"),
	)
	h := newTestHandlers(t, remote)
	_, err := h.eng.Locks.Acquire("octo", "repo", 1, "someone-else")
	require.NoError(t, err)

	res, err := h.listBacklog(context.Background(), callReq(nil))
	require.NoError(t, err)
	out := requireSuccess(t, res)

	issues := out["issues"].([]any)
	require.Len(t, issues, 2)
	first := issues[0].(map[string]any)
	assert.Equal(t, float64(1), first["issue"].(map[string]any)["number"])
	assert.Equal(t, true, first["isLocked"])
	assert.Equal(t, "someone-else", first["lockedBy"])
	second := issues[1].(map[string]any)
	assert.Equal(t, false, second["isLocked"])
}

func TestSyncBacklogLabels(t *testing.T) {
	remote := newFakeRemote(
		openIssue(1, "priority:high", "type:bug", "status:backlog"),
		openIssue(2, "type:bug"),
		openIssue(3),
	)
	h := newTestHandlers(t, remote)

	res, err := h.syncBacklogLabels(context.Background(), callReq(nil))
	require.NoError(t, err)
	out := requireSuccess(t, res)
	assert.Equal(t, "report", out["mode"])
	require.Len(t, out["issues"].([]any), 2)

	// Report mode must not mutate.
	assert.Empty(t, remote.find(2).PriorityLabel())

	res, err = h.syncBacklogLabels(context.Background(), callReq(map[string]any{"mode": "update"}))
	require.NoError(t, err)
	requireSuccess(t, res)

	assert.Equal(t, "medium", remote.find(2).PriorityLabel())
	assert.Equal(t, "backlog", remote.find(2).StatusLabel())
	assert.Equal(t, "feature", remote.find(3).TypeLabel())
}

func TestBulkUpdateIssues(t *testing.T) {
	remote := newFakeRemote(
		openIssue(1, "status:backlog"),
		openIssue(2, "status:backlog"),
	)
	h := newTestHandlers(t, remote)

	res, err := h.bulkUpdateIssues(context.Background(), callReq(map[string]any{
		"issueNumbers": []any{float64(1), float64(2)},
		"addLabels":    []any{"priority:low"},
		"state":        "closed",
	}))
	require.NoError(t, err)
	out := requireSuccess(t, res)
	assert.Len(t, out["updated"].([]any), 2)
	assert.Equal(t, "closed", remote.find(1).State)
	assert.Equal(t, "low", remote.find(2).PriorityLabel())
}

func TestBulkUpdateIssuesPartialFailure(t *testing.T) {
	remote := newFakeRemote(
		openIssue(1, "status:backlog"),
		openIssue(2, "status:backlog"),
	)
	remote.addErr[2] = fmt.Errorf("boom")
	h := newTestHandlers(t, remote)

	res, err := h.bulkUpdateIssues(context.Background(), callReq(map[string]any{
		"issueNumbers": []any{float64(1), float64(2)},
		"addLabels":    []any{"priority:low"},
	}))
	require.NoError(t, err)
	out := requireCode(t, res, CodeGitHubAPIError)

	details := out["details"].(map[string]any)
	assert.Len(t, details["updated"].([]any), 1)
	assert.Len(t, details["failures"].([]any), 1)
}

func TestBulkUpdateIssuesValidation(t *testing.T) {
	h := newTestHandlers(t, newFakeRemote())

	res, err := h.bulkUpdateIssues(context.Background(), callReq(map[string]any{
		"issueNumbers": []any{},
		"addLabels":    []any{"x"},
	}))
	require.NoError(t, err)
	requireCode(t, res, CodeInternalError)
}

func TestGetPRStatus(t *testing.T) {
	remote := newFakeRemote()
	remote.prs[5] = &githubapi.PRReport{
		Number: 5, Title: "fix", State: githubapi.PRMerged,
		Checks: githubapi.ChecksPassing, Approved: true, Reviewers: []string{"alice"},
	}
	h := newTestHandlers(t, remote)

	res, err := h.getPRStatus(context.Background(), callReq(map[string]any{"prNumber": 5}))
	require.NoError(t, err)
	out := requireSuccess(t, res)
	assert.Equal(t, "merged", out["state"])
	assert.Equal(t, true, out["merged"])
	assert.Equal(t, "passing", out["checks"])
	assert.Equal(t, true, out["approved"])
}

func TestImplementBatchEmpty(t *testing.T) {
	h := newTestHandlers(t, newFakeRemote())
	res, err := h.implementBatch(context.Background(), callReq(nil))
	require.NoError(t, err)
	out := requireSuccess(t, res)
	assert.Equal(t, "empty", out["action"])
}

func TestImplementBatchPriorityCeiling(t *testing.T) {
	remote := newFakeRemote(
		openIssue(1, "priority:critical", "type:bug", "status:backlog"),
		openIssue(2, "priority:medium", "type:bug", "status:backlog"),
		openIssue(3, "priority:high", "type:bug", "status:backlog"),
	)
	h := newTestHandlers(t, remote)

	res, err := h.implementBatch(context.Background(), callReq(map[string]any{
		"count": 10, "maxPriority": "P1",
	}))
	require.NoError(t, err)
	out := requireSuccess(t, res)
	assert.Equal(t, "implement", out["action"])
	assert.Equal(t, float64(1), out["issue"].(map[string]any)["number"])
	assert.Equal(t, float64(2), out["total"])

	st, err := h.eng.Batches.Get(out["batchId"].(string))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Current)
	assert.Equal(t, []int{3}, st.Queue)
}

func TestBatchContinueFlow(t *testing.T) {
	remote := newFakeRemote(
		openIssue(1, "priority:critical", "type:bug", "status:backlog"),
		openIssue(2, "priority:high", "type:bug", "status:backlog"),
	)
	h := newTestHandlers(t, remote)

	res, err := h.implementBatch(context.Background(), callReq(map[string]any{"count": 2}))
	require.NoError(t, err)
	out := requireSuccess(t, res)
	batchID := out["batchId"].(string)
	assert.Equal(t, float64(1), out["issue"].(map[string]any)["number"])

	// The first PR is already merged when continuation starts.
	remote.setMerged(500)
	res, err = h.batchContinue(context.Background(), callReq(map[string]any{
		"batchId": batchID, "prNumber": 500,
	}))
	require.NoError(t, err)
	out = requireSuccess(t, res)
	assert.Equal(t, "implement", out["action"])
	assert.Equal(t, float64(2), out["issue"].(map[string]any)["number"])

	remote.setMerged(501)
	res, err = h.batchContinue(context.Background(), callReq(map[string]any{
		"batchId": batchID, "prNumber": 501,
	}))
	require.NoError(t, err)
	out = requireSuccess(t, res)
	assert.Equal(t, "complete", out["action"])
	require.Len(t, out["completed"].([]any), 2)

	st, err := h.eng.Batches.Get(batchID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, st.Status)
}

func TestBatchContinueTimesOut(t *testing.T) {
	remote := newFakeRemote(
		openIssue(1, "priority:critical", "type:bug", "status:backlog"),
	)
	h := newTestHandlers(t, remote)

	res, err := h.implementBatch(context.Background(), callReq(map[string]any{"count": 1}))
	require.NoError(t, err)
	out := requireSuccess(t, res)
	batchID := out["batchId"].(string)

	// PR exists but never merges; the deadline converts the batch to timeout.
	remote.prs[600] = &githubapi.PRReport{Number: 600, State: githubapi.PROpen}
	res, err = h.batchContinue(context.Background(), callReq(map[string]any{
		"batchId": batchID, "prNumber": 600,
	}))
	require.NoError(t, err)
	out = requireSuccess(t, res)
	assert.Equal(t, "timeout", out["action"])
	assert.Equal(t, float64(1), out["issue"])

	st, err := h.eng.Batches.Get(batchID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusTimeout, st.Status)
	assert.Equal(t, 1, st.Current)

	// A later continuation resumes the timed-out batch.
	remote.setMerged(600)
	res, err = h.batchContinue(context.Background(), callReq(map[string]any{"batchId": batchID}))
	require.NoError(t, err)
	out = requireSuccess(t, res)
	assert.Equal(t, "complete", out["action"])
}

func TestBatchContinueUnknownBatch(t *testing.T) {
	h := newTestHandlers(t, newFakeRemote())
	res, err := h.batchContinue(context.Background(), callReq(map[string]any{"batchId": "nope"}))
	require.NoError(t, err)
	requireCode(t, res, CodeInternalError)
}

func TestGetWorkflowStatusSingleAndAll(t *testing.T) {
	remote := newFakeRemote(
		openIssue(7, "priority:high", "type:bug", "status:backlog"),
	)
	h := newTestHandlers(t, remote)
	selectIssue(t, h)

	res, err := h.getWorkflowStatus(context.Background(), callReq(map[string]any{"issueNumber": 7}))
	require.NoError(t, err)
	out := requireSuccess(t, res)
	wf := out["workflow"].(map[string]any)
	assert.Equal(t, "selection", wf["currentPhase"])
	assert.NotNil(t, out["lock"])

	res, err = h.getWorkflowStatus(context.Background(), callReq(nil))
	require.NoError(t, err)
	out = requireSuccess(t, res)
	assert.Equal(t, float64(1), out["count"])

	res, err = h.getWorkflowStatus(context.Background(), callReq(map[string]any{"issueNumber": 99}))
	require.NoError(t, err)
	requireCode(t, res, CodeWorkflowNotFound)
}

func TestBranchName(t *testing.T) {
	cases := []struct {
		title string
		want  string
	}{
		{"Fix the Flaky Parser!", "7-fix-the-flaky-parser"},
		{"  multiple   spaces -- and dashes ", "7-multiple-spaces-and-dashes"},
		{"ALLCAPS", "7-allcaps"},
		{"!!!", "7"},
		{"this title is quite long and will certainly exceed the fifty character slug limit", "7-this-title-is-quite-long-and-will-certainly-exceed"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BranchName(7, tc.title), "title %q", tc.title)
	}
}
