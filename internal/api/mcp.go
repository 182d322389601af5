package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/notebook/internal/chunker"
	"github.com/kalambet/notebook/internal/storage"
)

// maxMCPFileSize caps files read from disk by upload_file.
const maxMCPFileSize = 50 << 20

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Ingester Ingester
	Answerer Asker
}

// NewMCPServer creates an MCP server with the notebook tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"notebook",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("notebook answers questions from uploaded documents and cites the passages it used."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question using only the selected sources. Citations link to the cited passages."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithArray("source_ids", mcp.Description("IDs of the sources to search"), mcp.WithStringItems()),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("list_sources",
			mcp.WithDescription("List uploaded sources with their ingestion state."),
		),
		mcpListSources(deps),
	)

	s.AddTool(
		mcp.NewTool("get_chunks",
			mcp.WithDescription("Return the indexed chunks of a source."),
			mcp.WithString("source_id", mcp.Description("Source ID"), mcp.Required()),
			mcp.WithBoolean("joined", mcp.Description("Return the chunk texts as one document instead of JSON")),
		),
		mcpGetChunks(deps),
	)

	s.AddTool(
		mcp.NewTool("upload_file",
			mcp.WithDescription("Upload a local file (PDF, HTML or text) and queue it for indexing."),
			mcp.WithString("path", mcp.Description("Path of the file on this machine"), mcp.Required()),
		),
		mcpUploadFile(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"notebook://sources",
			"Sources",
			mcp.WithResourceDescription("Uploaded sources as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSources(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		sources := req.GetStringSlice("source_ids", nil)

		ans, err := deps.Answerer.Ask(ctx, question, sources)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		b, err := json.Marshal(ans)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListSources(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sources, err := deps.Store.ListSources()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list sources: %v", err)), nil
		}
		if len(sources) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(sources)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal sources: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetChunks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("source_id")
		if err != nil {
			return mcpError("source_id is required"), nil
		}

		chunks, err := deps.Store.GetChunks(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no chunks for source %s", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load chunks: %v", err)), nil
		}

		if req.GetBool("joined", false) {
			return mcpText(chunker.Join(chunks)), nil
		}

		b, err := json.Marshal(chunks)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal chunks: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpUploadFile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}

		info, err := os.Stat(path)
		if err != nil {
			return mcpError(fmt.Sprintf("cannot read %s: %v", path, err)), nil
		}
		if info.IsDir() {
			return mcpError(fmt.Sprintf("%s is a directory", path)), nil
		}
		if info.Size() > maxMCPFileSize {
			return mcpError(fmt.Sprintf("%s is too large (%d bytes)", path, info.Size())), nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return mcpError(fmt.Sprintf("cannot read %s: %v", path, err)), nil
		}

		res, err := deps.Ingester.Upload(ctx, filepath.Base(path), data)
		if err != nil {
			return mcpError(fmt.Sprintf("upload failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSources(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sources, err := deps.Store.ListSources()
		if err != nil {
			return nil, fmt.Errorf("failed to list sources: %w", err)
		}
		if sources == nil {
			sources = []storage.Source{}
		}

		b, err := json.Marshal(sources)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sources: %w", err)
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
