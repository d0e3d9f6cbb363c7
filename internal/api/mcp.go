package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/inboxrank/internal/classify"
	"github.com/kalambet/inboxrank/internal/query"
	"github.com/kalambet/inboxrank/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store      *storage.Store
	Classifier *classify.Classifier
	Query      *query.Executor
	Version    string
}

// NewMCPServer creates an MCP server with the mail tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"inboxrank",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("inboxrank: email priority classification and natural-language mail search in English and Chinese."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("query_mail",
			mcp.WithDescription("Search mail with a natural-language query such as \"urgent emails from boss yesterday\" or \"最近的重要邮件\"."),
			mcp.WithString("query", mcp.Description("Query text, English or Chinese"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpQueryMail(deps),
	)

	s.AddTool(
		mcp.NewTool("classify_email",
			mcp.WithDescription("Classify (or reclassify) a stored email and return its priority record."),
			mcp.WithString("id", mcp.Description("Email id"), mcp.Required()),
		),
		mcpClassifyEmail(deps),
	)

	s.AddTool(
		mcp.NewTool("get_classification",
			mcp.WithDescription("Return a stored email together with its current classification."),
			mcp.WithString("id", mcp.Description("Email id"), mcp.Required()),
		),
		mcpGetClassification(deps),
	)

	s.AddTool(
		mcp.NewTool("email_history",
			mcp.WithDescription("List the prior classifications of an email, oldest first."),
			mcp.WithString("id", mcp.Description("Email id"), mcp.Required()),
		),
		mcpEmailHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"mail://stats",
			"Mailbox Statistics",
			mcp.WithResourceDescription("Counts by priority, urgency, importance and source, plus top senders"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpQueryMail(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		resp, err := deps.Query.Query(ctx, q, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return mcpJSON(resp)
	}
}

func mcpClassifyEmail(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		res, err := deps.Classifier.ClassifyID(ctx, id, classify.TriggerManual)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("email %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("classification failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpGetClassification(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		detail, err := LoadDetail(ctx, deps.Store, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("email %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load email: %v", err)), nil
		}
		return mcpJSON(detail)
	}
}

func mcpEmailHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		entries, err := deps.Store.ListHistory(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list history: %v", err)), nil
		}
		if len(entries) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(entries)
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := loadStats(ctx, deps.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to compute stats: %w", err)
		}

		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
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
