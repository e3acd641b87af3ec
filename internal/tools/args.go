package tools

import (
	"github.com/mark3labs/mcp-go/mcp"

	"wrangle/internal/config"
)

// repoArgs resolves the owner/repo pair for an operation, falling back to
// the environment per the documented resolution order.
func repoArgs(req mcp.CallToolRequest) (owner, repo string, errResult *mcp.CallToolResult) {
	owner, repo, err := config.ResolveRepo(req.GetString("repository", ""))
	if err != nil {
		return "", "", fail(CodeRepoRequired, err.Error())
	}
	return owner, repo, nil
}

// intSliceArg reads a JSON array argument of numbers. JSON decoding hands
// numbers over as float64; integers pass through unchanged.
func intSliceArg(req mcp.CallToolRequest, key string) []int {
	raw, ok := req.GetArguments()[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case float64:
			out = append(out, int(v))
		case int:
			out = append(out, v)
		}
	}
	return out
}

// stringSliceArg reads a JSON array argument of strings, dropping anything
// that is not a string.
func stringSliceArg(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
