package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/recall/internal/retrieval"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service *retrieval.Service
	// DefaultOwner is used when a tool call omits owner_id.
	DefaultOwner string
	Version      string
}

// NewMCPServer creates an MCP server with the record tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"recall",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("recall: per-owner memory with hybrid keyword and semantic search."),
		server.WithRecovery(),
	)

	ownerParam := mcp.WithString("owner_id", mcp.Description("Owner whose records are used (defaults to the configured owner)"))

	s.AddTool(
		mcp.NewTool("add_record",
			mcp.WithDescription("Store a piece of text so it can be recalled by later searches."),
			ownerParam,
			mcp.WithString("content", mcp.Description("The text to store"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Record category, e.g. preference, behavior, context, fact")),
			mcp.WithObject("metadata", mcp.Description("Optional JSON metadata")),
		),
		mcpAddRecord(deps),
	)

	s.AddTool(
		mcp.NewTool("search_records",
			mcp.WithDescription("Search stored records by keyword and meaning; results are ranked by a weighted score."),
			ownerParam,
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithNumber("vector_weight", mcp.Description("Weight of semantic similarity (default 0.7)")),
			mcp.WithNumber("text_weight", mcp.Description("Weight of keyword relevance (default 0.3)")),
		),
		mcpSearchRecords(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_record",
			mcp.WithDescription("Delete a stored record by id."),
			ownerParam,
			mcp.WithString("id", mcp.Description("Record id"), mcp.Required()),
		),
		mcpDeleteRecord(deps),
	)

	s.AddTool(
		mcp.NewTool("record_stats",
			mcp.WithDescription("Count stored records by category and embedding state."),
			ownerParam,
		),
		mcpRecordStats(deps),
	)

	s.AddTool(
		mcp.NewTool("list_records",
			mcp.WithDescription("List the most recent records, optionally filtered by category."),
			ownerParam,
			mcp.WithString("category", mcp.Description("Only return this category")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 10)")),
			mcp.WithNumber("offset", mcp.Description("Number of records to skip")),
		),
		mcpListRecords(deps),
	)

	return s
}

func mcpOwner(deps MCPDeps, req mcp.CallToolRequest) string {
	if owner := req.GetString("owner_id", ""); owner != "" {
		return owner
	}
	return deps.DefaultOwner
}

func mcpAddRecord(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		var metadata map[string]any
		if raw, ok := req.GetArguments()["metadata"]; ok && raw != nil {
			if metadata, ok = raw.(map[string]any); !ok {
				return mcpError("metadata must be an object"), nil
			}
		}

		rec, err := deps.Service.Add(ctx, retrieval.AddInput{
			OwnerID:  mcpOwner(deps, req),
			Content:  content,
			Category: req.GetString("category", ""),
			Metadata: metadata,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add record: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored record %s (%s)", rec.ID, rec.Category)), nil
	}
}

func mcpSearchRecords(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		q := retrieval.SearchQuery{
			OwnerID: mcpOwner(deps, req),
			Text:    query,
			Limit:   req.GetInt("limit", 0),
		}
		args := req.GetArguments()
		if _, ok := args["vector_weight"]; ok {
			v := req.GetFloat("vector_weight", 0)
			q.VectorWeight = &v
		}
		if _, ok := args["text_weight"]; ok {
			v := req.GetFloat("text_weight", 0)
			q.TextWeight = &v
		}

		res, err := deps.Service.Search(ctx, q)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(searchResponse(res))
	}
}

func mcpDeleteRecord(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		deleted, err := deps.Service.Delete(ctx, mcpOwner(deps, req), id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to delete record: %v", err)), nil
		}
		if !deleted {
			return mcpText(fmt.Sprintf("Record %s not found", id)), nil
		}
		return mcpText(fmt.Sprintf("Deleted record %s", id)), nil
	}
}

func mcpRecordStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Service.Stats(ctx, mcpOwner(deps, req))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get stats: %v", err)), nil
		}
		return mcpJSON(statsView(st))
	}
}

func mcpListRecords(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		records, total, err := deps.Service.List(ctx, retrieval.ListFilter{
			OwnerID:  mcpOwner(deps, req),
			Category: req.GetString("category", ""),
			Limit:    req.GetInt("limit", 10),
			Offset:   max(req.GetInt("offset", 0), 0),
		})
		var ve *retrieval.ValidationError
		if errors.As(err, &ve) {
			return mcpError(ve.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list records: %v", err)), nil
		}
		return mcpJSON(recordList(records, total))
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
