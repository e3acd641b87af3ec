package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"wrangle/internal/audit"
	"wrangle/internal/githubapi"
	"wrangle/internal/lockstore"
	"wrangle/internal/score"
)

// ForceClaimConfirmation is the literal string force_claim demands. Typos
// fail the operation; the takeover is never implicit.
const ForceClaimConfirmation = "I understand this may cause conflicts"

func (h *handlers) selectNextIssue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, repo, errRes := repoArgs(req)
	if errRes != nil {
		return errRes, nil
	}

	ranked, _, err := h.rankedBacklog(ctx, owner, repo, score.Filters{
		IncludeTypes: stringSliceArg(req, "includeTypes"),
		ExcludeTypes: stringSliceArg(req, "excludeTypes"),
	})
	if err != nil {
		return remoteFail(err), nil
	}
	if len(ranked) == 0 {
		return fail(CodeNoIssuesAvailable, "no issues match the current filters"), nil
	}

	for _, candidate := range ranked {
		rec, err := h.eng.Locks.Acquire(owner, repo, candidate.Issue.Number, h.eng.SessionID)
		if errors.Is(err, lockstore.ErrHeld) {
			continue
		}
		if err != nil {
			return fail(CodeLockCreationFailed, err.Error()), nil
		}

		// Claim is local; now flip the cross-host advisory label and open
		// the workflow record.
		if err := h.eng.Remote.SwapStatusLabel(ctx, owner, repo, candidate.Issue.Number,
			githubapi.StatusBacklog, githubapi.StatusInProgress); err != nil {
			h.eng.Locks.Release(owner, repo, candidate.Issue.Number, h.eng.SessionID)
			return remoteFail(err), nil
		}
		if _, err := h.eng.Workflows.Create(owner, repo, candidate.Issue.Number); err != nil {
			return lift(err), nil
		}

		h.eng.Logger.Info("selected issue",
			"repo", owner+"/"+repo,
			"issue", candidate.Issue.Number,
			"score", candidate.Score.Total)
		h.eng.Audit.Write(audit.Record{
			Tool:      "select_next_issue",
			SessionID: h.eng.SessionID,
			Repo:      owner + "/" + repo,
			Issue:     candidate.Issue.Number,
			Outcome:   "success",
			Event:     "lock_acquired",
		})

		return ok(map[string]any{
			"issue": candidate.Issue,
			"score": candidate.Score,
			"lock": map[string]any{
				"sessionId":  rec.SessionID,
				"acquiredAt": rec.AcquiredAt,
			},
		})
	}

	return fail(CodeAllIssuesLocked, fmt.Sprintf("all %d candidates are locked by other sessions", len(ranked))), nil
}

func (h *handlers) releaseLock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, repo, errRes := repoArgs(req)
	if errRes != nil {
		return errRes, nil
	}
	number, err := req.RequireInt("issueNumber")
	if err != nil {
		return fail(CodeInternalError, err.Error()), nil
	}
	reason := req.GetString("reason", "completed")
	if reason != "completed" && reason != "abandoned" && reason != "merged" {
		return fail(CodeInternalError, fmt.Sprintf("reason must be completed, abandoned, or merged, got %q", reason)), nil
	}

	held, err := h.eng.Locks.Get(owner, repo, number)
	if err != nil {
		return lift(err), nil
	}
	if held == nil {
		return fail(CodeNotLocked, fmt.Sprintf("issue #%d is not locked", number)), nil
	}
	if held.SessionID != h.eng.SessionID {
		return fail(CodeNotLocked, fmt.Sprintf("issue #%d is locked by session %s", number, held.SessionID)), nil
	}

	switch reason {
	case "abandoned":
		if err := h.eng.Remote.SwapStatusLabel(ctx, owner, repo, number,
			githubapi.StatusInProgress, githubapi.StatusBacklog); err != nil {
			return remoteFail(err), nil
		}
		if err := h.eng.Remote.RemoveLabel(ctx, owner, repo, number, githubapi.StatusInReview); err != nil {
			return remoteFail(err), nil
		}
	default:
		for _, label := range []string{githubapi.StatusInProgress, githubapi.StatusInReview} {
			if err := h.eng.Remote.RemoveLabel(ctx, owner, repo, number, label); err != nil {
				return remoteFail(err), nil
			}
		}
		if reason == "merged" {
			if err := h.eng.Remote.SetIssueState(ctx, owner, repo, number, "closed"); err != nil {
				return remoteFail(err), nil
			}
		}
	}

	rec, err := h.eng.Locks.Release(owner, repo, number, h.eng.SessionID)
	if err != nil {
		return lift(err), nil
	}
	if err := h.eng.Workflows.Delete(owner, repo, number); err != nil {
		h.eng.Logger.Warn("failed to delete workflow state", "issue", number, "err", err)
	}

	var heldSeconds float64
	if rec != nil {
		heldSeconds = time.Since(rec.AcquiredAt).Seconds()
	}

	h.eng.Logger.Info("released issue", "repo", owner+"/"+repo, "issue", number, "reason", reason)
	h.eng.Audit.Write(audit.Record{
		Tool:      "release_lock",
		SessionID: h.eng.SessionID,
		Repo:      owner + "/" + repo,
		Issue:     number,
		Outcome:   "success",
		Event:     "lock_released",
		Metadata:  map[string]any{"reason": reason},
	})

	return ok(map[string]any{
		"issue":       number,
		"reason":      reason,
		"heldSeconds": heldSeconds,
	})
}

func (h *handlers) forceClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, repo, errRes := repoArgs(req)
	if errRes != nil {
		return errRes, nil
	}
	number, err := req.RequireInt("issueNumber")
	if err != nil {
		return fail(CodeInternalError, err.Error()), nil
	}
	if req.GetString("confirmation", "") != ForceClaimConfirmation {
		return fail(CodeInvalidConfirmation,
			fmt.Sprintf("confirmation must be exactly %q", ForceClaimConfirmation)), nil
	}

	prev, rec, err := h.eng.Locks.ForceClaim(owner, repo, number, h.eng.SessionID)
	if err != nil {
		return fail(CodeLockCreationFailed, err.Error()), nil
	}

	prevSession := ""
	if prev != nil {
		prevSession = prev.SessionID
	}

	comment := fmt.Sprintf("Lock on this issue was force-claimed by session `%s`.", h.eng.SessionID)
	if prevSession != "" {
		comment = fmt.Sprintf("Lock on this issue was force-claimed by session `%s` from session `%s`.",
			h.eng.SessionID, prevSession)
	}
	if err := h.eng.Remote.AddComment(ctx, owner, repo, number, comment); err != nil {
		h.eng.Logger.Warn("failed to post takeover comment", "issue", number, "err", err)
	}

	if !h.eng.Workflows.Exists(owner, repo, number) {
		if _, err := h.eng.Workflows.Create(owner, repo, number); err != nil {
			return lift(err), nil
		}
	}

	h.eng.Logger.Warn("force-claimed issue",
		"repo", owner+"/"+repo,
		"issue", number,
		"previous_session", prevSession)
	h.eng.Audit.Write(audit.Record{
		Level:     "warn",
		Tool:      "force_claim",
		SessionID: h.eng.SessionID,
		Repo:      owner + "/" + repo,
		Issue:     number,
		Outcome:   "success",
		Event:     "lock_force_claimed",
		Metadata:  map[string]any{"previousSession": prevSession},
	})

	payload := map[string]any{
		"issue": number,
		"lock": map[string]any{
			"sessionId":  rec.SessionID,
			"acquiredAt": rec.AcquiredAt,
		},
	}
	if prev != nil {
		payload["previousLock"] = prev
	}
	return ok(payload)
}
