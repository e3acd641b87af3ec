package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"wrangle/internal/batch"
	"wrangle/internal/score"
)

const batchInstructions = "Implement the issue on a branch, open a PR, then call batch_continue " +
	"with the batchId and prNumber. The engine polls until the PR merges and hands out the next issue."

func (h *handlers) implementBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, repo, errRes := repoArgs(req)
	if errRes != nil {
		return errRes, nil
	}

	count := req.GetInt("count", 5)
	if count < 1 || count > 10 {
		return fail(CodeInternalError, fmt.Sprintf("count must be 1 to 10, got %d", count)), nil
	}

	ranked, _, err := h.rankedBacklog(ctx, owner, repo, score.Filters{})
	if err != nil {
		return remoteFail(err), nil
	}

	// A ceiling of high keeps critical and high; the legacy P0..P3 names
	// are coerced the same way as labels.
	if raw := req.GetString("maxPriority", ""); raw != "" {
		floor := score.ParsePriority(raw)
		if floor == score.PriorityNone {
			return fail(CodeInternalError, fmt.Sprintf("unknown maxPriority %q", raw)), nil
		}
		kept := ranked[:0]
		for _, r := range ranked {
			if score.ParsePriority(r.Issue.PriorityLabel()) >= floor {
				kept = append(kept, r)
			}
		}
		ranked = kept
	}

	if len(ranked) == 0 {
		return ok(map[string]any{"action": "empty"})
	}
	if len(ranked) > count {
		ranked = ranked[:count]
	}

	numbers := make([]int, len(ranked))
	byNumber := make(map[int]score.Ranked, len(ranked))
	for i, r := range ranked {
		numbers[i] = r.Issue.Number
		byNumber[r.Issue.Number] = r
	}

	st, err := h.eng.Batches.Create(owner, repo, h.eng.SessionID, numbers)
	if err != nil {
		return lift(err), nil
	}
	st, err = h.eng.Batches.StartNext(st.ID)
	if err != nil {
		return lift(err), nil
	}

	h.eng.Logger.Info("started batch",
		"repo", owner+"/"+repo,
		"batch", st.ID,
		"issues", numbers)

	first := byNumber[st.Current]
	return ok(map[string]any{
		"action":       "implement",
		"batchId":      st.ID,
		"issue":        first.Issue,
		"score":        first.Score,
		"remaining":    st.Remaining(),
		"total":        st.Total,
		"instructions": batchInstructions,
	})
}

func (h *handlers) batchContinue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("batchId")
	if err != nil {
		return fail(CodeInternalError, err.Error()), nil
	}

	st, err := h.eng.Batches.Get(id)
	if err != nil {
		return lift(err), nil
	}

	owner, repo, found := splitRepository(st.Repository)
	if !found {
		return fail(CodeInternalError, fmt.Sprintf("batch %s has malformed repository %q", id, st.Repository)), nil
	}

	switch st.Status {
	case batch.StatusActive:
	case batch.StatusTimeout:
		if st, err = h.eng.Batches.Resume(id); err != nil {
			return lift(err), nil
		}
	default:
		return fail(CodeInternalError, fmt.Sprintf("batch %s is %s", id, st.Status)), nil
	}

	if pr := req.GetInt("prNumber", 0); pr != 0 {
		if st, err = h.eng.Batches.SetPR(id, pr); err != nil {
			return lift(err), nil
		}
	}

	if st.Current == 0 {
		// Nothing in flight: either the batch is really done or a previous
		// continuation stopped between issues.
		if len(st.Queue) == 0 {
			return ok(map[string]any{
				"action":    "complete",
				"batchId":   st.ID,
				"completed": st.Completed,
			})
		}
		if st, err = h.eng.Batches.StartNext(id); err != nil {
			return lift(err), nil
		}
		return h.handOut(ctx, owner, repo, st)
	}

	if st.CurrentPR == 0 {
		return fail(CodeInternalError,
			fmt.Sprintf("no PR recorded for issue #%d; call batch_continue with prNumber", st.Current)), nil
	}

	return h.pollUntilMerged(ctx, owner, repo, st)
}

// pollUntilMerged watches the current PR. Transient remote errors are logged
// and skipped; only merge or the hard deadline ends the loop.
func (h *handlers) pollUntilMerged(ctx context.Context, owner, repo string, st *batch.State) (*mcp.CallToolResult, error) {
	deadline := time.Now().Add(h.eng.Cfg.Batch.PollDeadline)
	ticker := time.NewTicker(h.eng.Cfg.Batch.PollInterval)
	defer ticker.Stop()

	for {
		report, err := h.eng.Remote.PullReport(ctx, owner, repo, st.CurrentPR)
		if err != nil {
			h.eng.Logger.Warn("batch poll failed, will retry",
				"batch", st.ID, "pr", st.CurrentPR, "err", err)
		} else if report.Merged() {
			st, err = h.eng.Batches.CompleteCurrent(st.ID)
			if err != nil {
				return lift(err), nil
			}
			if st.Status == batch.StatusCompleted {
				return ok(map[string]any{
					"action":    "complete",
					"batchId":   st.ID,
					"completed": st.Completed,
				})
			}
			if st, err = h.eng.Batches.StartNext(st.ID); err != nil {
				return lift(err), nil
			}
			return h.handOut(ctx, owner, repo, st)
		}

		select {
		case <-ctx.Done():
			return fail(CodeInternalError, ctx.Err().Error()), nil
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			if st, err = h.eng.Batches.Timeout(st.ID); err != nil {
				return lift(err), nil
			}
			h.eng.Logger.Warn("batch poll deadline exceeded",
				"batch", st.ID, "issue", st.Current, "pr", st.CurrentPR)
			return ok(map[string]any{
				"action":  "timeout",
				"batchId": st.ID,
				"issue":   st.Current,
				"pr":      st.CurrentPR,
			})
		}
	}
}

// handOut fetches the next in-flight issue and returns the implement action.
func (h *handlers) handOut(ctx context.Context, owner, repo string, st *batch.State) (*mcp.CallToolResult, error) {
	issue, err := h.eng.Remote.GetIssue(ctx, owner, repo, st.Current)
	if err != nil {
		return remoteFail(err), nil
	}
	return ok(map[string]any{
		"action":       "implement",
		"batchId":      st.ID,
		"issue":        issue,
		"remaining":    st.Remaining(),
		"total":        st.Total,
		"completed":    st.Completed,
		"instructions": batchInstructions,
	})
}

func splitRepository(repository string) (owner, repo string, ok bool) {
	for i := 0; i < len(repository); i++ {
		if repository[i] == '/' {
			return repository[:i], repository[i+1:], i > 0 && i < len(repository)-1
		}
	}
	return "", "", false
}
