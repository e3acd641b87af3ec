// Package tools defines the externally addressable operations and their
// schemas. Every response is a JSON object with a success flag; failures
// carry a stable code a non-interactive caller can branch on.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"wrangle/internal/batch"
	"wrangle/internal/lockstore"
	"wrangle/internal/workflow"
)

// Stable error codes.
const (
	CodeRepoRequired              = "REPO_REQUIRED"
	CodeNoWriteAccess             = "NO_WRITE_ACCESS"
	CodeNoIssuesAvailable         = "NO_ISSUES_AVAILABLE"
	CodeAllIssuesLocked           = "ALL_ISSUES_LOCKED"
	CodeLockHeld                  = "LOCK_HELD"
	CodeLockCreationFailed        = "LOCK_CREATION_FAILED"
	CodeNotLocked                 = "NOT_LOCKED"
	CodeWorkflowNotFound          = "WORKFLOW_NOT_FOUND"
	CodeInvalidPhaseTransition    = "INVALID_PHASE_TRANSITION"
	CodeTestsRequired             = "TESTS_REQUIRED"
	CodeSkipJustificationRequired = "SKIP_JUSTIFICATION_REQUIRED"
	CodeInvalidConfirmation       = "INVALID_CONFIRMATION"
	CodeGitHubAPIError            = "GITHUB_API_ERROR"
	CodeInternalError             = "INTERNAL_ERROR"
)

// ok wraps a payload in the success envelope.
func ok(payload map[string]any) (*mcp.CallToolResult, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["success"] = true
	data, err := json.Marshal(payload)
	if err != nil {
		return fail(CodeInternalError, fmt.Sprintf("encode response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// fail builds the error envelope. The transport-level error flag is set so
// callers that only check IsError still see the failure.
func fail(code, message string) *mcp.CallToolResult {
	return failWith(code, message, "", nil)
}

func failWith(code, message, reason string, details map[string]any) *mcp.CallToolResult {
	env := map[string]any{
		"success": false,
		"error":   message,
		"code":    code,
	}
	if reason != "" {
		env["reason"] = reason
	}
	if details != nil {
		env["details"] = details
	}
	data, err := json.Marshal(env)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(`{"success":false,"error":%q,"code":%q}`, message, code))
	}
	return mcp.NewToolResultError(string(data))
}

// lift maps store and remote errors onto the stable code taxonomy. Anything
// unrecognized becomes INTERNAL_ERROR.
func lift(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, lockstore.ErrHeld):
		return fail(CodeLockHeld, err.Error())
	case errors.Is(err, lockstore.ErrNotOwner):
		return fail(CodeNotLocked, err.Error())
	case errors.Is(err, workflow.ErrNotFound):
		return fail(CodeWorkflowNotFound, err.Error())
	case errors.Is(err, workflow.ErrInvalidTransition):
		return fail(CodeInvalidPhaseTransition, err.Error())
	case errors.Is(err, workflow.ErrTestsRequired):
		return fail(CodeTestsRequired, err.Error())
	case errors.Is(err, workflow.ErrSkipJustificationRequired):
		return fail(CodeSkipJustificationRequired, err.Error())
	case errors.Is(err, batch.ErrNotFound), errors.Is(err, batch.ErrNotActive), errors.Is(err, batch.ErrBusy):
		return fail(CodeInternalError, err.Error())
	default:
		return fail(CodeInternalError, err.Error())
	}
}

// remoteFail wraps an upstream error after the client's retry budget.
func remoteFail(err error) *mcp.CallToolResult {
	return fail(CodeGitHubAPIError, err.Error())
}
