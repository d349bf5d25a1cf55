package api

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/orbitdocs/spacebio/internal/assistant"
	"github.com/orbitdocs/spacebio/internal/extract"
)

const mcpExcerptRunes = 4000

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Assistant Assistant
	Resources Resources
	// SessionID keys the conversation state of the ask tool.
	SessionID string
}

// NewMCPServer creates an MCP server exposing the resource catalog and the
// assistant as tools.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"spacebio",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("spacebio: a space biosciences assistant grounded on a curated list of publications and datasets."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_resources",
			mcp.WithDescription("List every curated resource with its id, title and URL."),
		),
		mcpListResources(deps),
	)

	s.AddTool(
		mcp.NewTool("search_resources",
			mcp.WithDescription("Find resources whose titles match the query keywords (top 5)."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
		),
		mcpSearchResources(deps),
	)

	s.AddTool(
		mcp.NewTool("get_resource",
			mcp.WithDescription("Return the extracted plain text of a resource."),
			mcp.WithNumber("id", mcp.Description("Resource id"), mcp.Required()),
		),
		mcpGetResource(deps),
	)

	s.AddTool(
		mcp.NewTool("summarize_resource",
			mcp.WithDescription("Summarize a resource with the generative model."),
			mcp.WithNumber("id", mcp.Description("Resource id"), mcp.Required()),
		),
		mcpSummarizeResource(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask the space biosciences assistant a question, optionally grounded on a resource."),
			mcp.WithString("message", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("language", mcp.Description("en or fr (default en)")),
			mcp.WithNumber("resource_id", mcp.Description("Optional resource to ground the answer on")),
		),
		mcpAsk(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"spacebio://resources",
			"Resource Catalog",
			mcp.WithResourceDescription("Every curated resource with dashboard metadata, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCatalog(deps),
	)

	return s
}

func mcpListResources(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Resources.All())
	}
}

func mcpSearchResources(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		hits := deps.Resources.Search(query)
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(hits)
	}
}

func mcpGetResource(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireInt("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		r, ok := deps.Resources.Get(id)
		if !ok {
			return mcpError(fmt.Sprintf("resource %d not found", id)), nil
		}
		content, err := deps.Resources.Content(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("resource %d could not be loaded: %v", id, err)), nil
		}

		text := extract.PlainText(content, r.URL)
		if utf8.RuneCountInString(text) > mcpExcerptRunes {
			text = string([]rune(text)[:mcpExcerptRunes]) + "..."
		}
		return mcpText(fmt.Sprintf("%s\n%s\n\n%s", r.Title, r.URL, text)), nil
	}
}

func mcpSummarizeResource(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireInt("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		summary, err := deps.Assistant.Summary(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("summary failed: %v", err)), nil
		}
		return mcpText(summary), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		language := req.GetString("language", "en")
		if language != "en" && language != "fr" {
			return mcpError("language must be en or fr"), nil
		}

		reply, err := deps.Assistant.Chat(ctx, assistant.Request{
			SessionID:  deps.SessionID,
			Message:    message,
			Language:   language,
			ResourceID: req.GetInt("resource_id", 0),
			FastMode:   true,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpText(reply.Response), nil
	}
}

func mcpResourceCatalog(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Resources.Enriched())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal resources: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
