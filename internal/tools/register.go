package tools

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leonardcser/tiercache/internal/engine"
	"github.com/leonardcser/tiercache/internal/web"
)

// Register adds every tool to s.
func Register(s *server.MCPServer, e *engine.Engine, p *web.Previewer) {
	s.AddTool(mcp.NewTool("cache-get",
		mcp.WithDescription(multiline(
			"Reads one cache entry without touching the network",
			"- Returns the payload, its age and remaining lifetime, or 'miss'",
			"- Falls through to the durable tier and promotes what it finds",
		)),
		mcp.WithString("key", mcp.Required(), mcp.Description("Cache key, e.g. matches or messages:<id>")),
	), CacheGetHandler(e))

	s.AddTool(mcp.NewTool("cache-invalidate",
		mcp.WithDescription(multiline(
			"Drops one key from both cache tiers and resets its fetch state",
			"- The next read of the key goes to the network",
		)),
		mcp.WithString("key", mcp.Required(), mcp.Description("Cache key to invalidate")),
	), CacheInvalidateHandler(e))

	s.AddTool(mcp.NewTool("cache-clear",
		mcp.WithDescription("Empties both cache tiers, every fetch state and the treated-id set"),
		mcp.WithDestructiveHintAnnotation(true),
	), CacheClearHandler(e))

	s.AddTool(mcp.NewTool("cache-sweep",
		mcp.WithDescription("Purges expired entries from both cache tiers and reports how many were removed"),
	), CacheSweepHandler(e))

	s.AddTool(mcp.NewTool("cache-stats",
		mcp.WithDescription("Reports hit, miss, eviction and expiry counters of the cache"),
		mcp.WithReadOnlyHintAnnotation(true),
	), CacheStatsHandler(e))

	s.AddTool(mcp.NewTool("link-preview",
		mcp.WithDescription(multiline(
			"Builds link previews (title, description, image, excerpt) for chat messages",
			"\nUsage notes:",
			"- Pass either a single url or the text of a message; up to 5 links are previewed",
			"- Previews are cached for 15 minutes",
		)),
		mcp.WithString("url", mcp.Description("URL to preview")),
		mcp.WithString("text", mcp.Description("Message text whose links should be previewed")),
	), LinkPreviewHandler(p))
}

// multiline joins lines with newlines for tool descriptions.
func multiline(lines ...string) string { return strings.Join(lines, "\n") }
