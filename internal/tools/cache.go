package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/leonardcser/tiercache/internal/engine"
)

type handlerFunc = func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// CacheGetHandler returns the MCP tool handler for the "cache-get" tool.
func CacheGetHandler(e *engine.Engine) handlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		entry, ok := e.Store().Get(ctx, key)
		if !ok {
			return mcp.NewToolResultText(fmt.Sprintf("%s: miss", key)), nil
		}
		payload, err := json.MarshalIndent(entry.Payload, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		now := e.Clock().Now()
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s: hit\n", key)
		fmt.Fprintf(&sb, "created: %s\n", entry.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&sb, "expires in: %s\n", entry.Remaining(now).Round(1e9))
		fmt.Fprintf(&sb, "reads: %d\n\n", entry.AccessCount)
		sb.Write(payload)
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// CacheInvalidateHandler returns the MCP tool handler for the
// "cache-invalidate" tool.
func CacheInvalidateHandler(e *engine.Engine) handlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		e.Invalidate(ctx, key)
		return mcp.NewToolResultText(fmt.Sprintf("invalidated %s", key)), nil
	}
}

// CacheClearHandler returns the MCP tool handler for the "cache-clear" tool.
func CacheClearHandler(e *engine.Engine) handlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := e.ClearAll(ctx); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("cleared memory tier, durable tier, fetch state and treated ids"), nil
	}
}

// CacheSweepHandler returns the MCP tool handler for the "cache-sweep" tool.
func CacheSweepHandler(e *engine.Engine) handlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, err := e.RunMaintenanceSweep(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("sweep removed %d entries before failing: %v", n, err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("removed %d expired entries", n)), nil
	}
}

type statsReport struct {
	Cache      any `json:"cache"`
	TreatedIDs int `json:"treatedIds"`
}

// CacheStatsHandler returns the MCP tool handler for the "cache-stats" tool.
func CacheStatsHandler(e *engine.Engine) handlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.MarshalIndent(statsReport{Cache: e.Stats(), TreatedIDs: e.Treated().Len()}, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(b)), nil
	}
}
