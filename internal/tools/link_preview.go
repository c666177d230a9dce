package tools

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/leonardcser/tiercache/internal/syncerr"
	"github.com/leonardcser/tiercache/internal/web"
)

const maxPreviewsPerMessage = 5

// LinkPreviewHandler returns the MCP tool handler for the "link-preview"
// tool. It previews a single url, or every link in a message text.
func LinkPreviewHandler(p *web.Previewer) handlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if ctx.Err() != nil {
			return mcp.NewToolResultError(ctx.Err().Error()), nil
		}
		urls := []string{req.GetString("url", "")}
		if urls[0] == "" {
			urls = web.ExtractURLs(req.GetString("text", ""))
		}
		if len(urls) == 0 || urls[0] == "" {
			return mcp.NewToolResultError("either url or text containing a link is required"), nil
		}
		if len(urls) > maxPreviewsPerMessage {
			urls = urls[:maxPreviewsPerMessage]
		}

		var sb strings.Builder
		for i, u := range urls {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			pv, err := p.Preview(ctx, u)
			if err != nil {
				if len(urls) == 1 {
					return mcp.NewToolResultError(errorText(err)), nil
				}
				sb.WriteString(u)
				sb.WriteString("\n")
				sb.WriteString(errorText(err))
				continue
			}
			sb.WriteString(formatPreview(pv))
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func errorText(err error) string {
	if msg := syncerr.UserMessage(err); msg != "" {
		return msg + " (" + err.Error() + ")"
	}
	return err.Error()
}

func formatPreview(pv *web.Preview) string {
	var sb strings.Builder
	sb.WriteString("# ")
	sb.WriteString(pv.Title)
	sb.WriteString("\n")
	sb.WriteString(pv.URL)
	if pv.SiteName != "" {
		sb.WriteString(" (")
		sb.WriteString(pv.SiteName)
		sb.WriteString(")")
	}
	sb.WriteString("\n")
	if pv.Description != "" {
		sb.WriteString("\n")
		sb.WriteString(pv.Description)
		sb.WriteString("\n")
	}
	if pv.Image != "" {
		sb.WriteString("\nimage: ")
		sb.WriteString(pv.Image)
		sb.WriteString("\n")
	}
	if pv.Excerpt != "" {
		sb.WriteString("\n")
		sb.WriteString(pv.Excerpt)
	}
	return strings.TrimRight(sb.String(), "\n")
}
