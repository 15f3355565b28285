package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/knowstack/internal/apperr"
	"github.com/kalambet/knowstack/internal/qa"
	"github.com/kalambet/knowstack/internal/retrieval"
)

// MCPRetriever is implemented by *retrieval.Retriever.
type MCPRetriever interface {
	Retrieve(ctx context.Context, ownerID, question, documentID string) ([]retrieval.Candidate, error)
}

// MCPDeps holds dependencies for the MCP server. Every tool acts on behalf
// of OwnerID.
type MCPDeps struct {
	OwnerID   string
	Retriever MCPRetriever
	QA        Asker
	Documents DocumentService
	Jobs      JobReader
	Version   string
}

// NewMCPServer creates an MCP server exposing search, ask and document
// processing tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"knowstack",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("knowstack: search and ask questions over your processed documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Rank document chunks against a query and return them with their source."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("document_id", mcp.Description("Restrict the search to one document")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question from the processed documents, with citations."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("document_id", mcp.Description("Restrict the answer to one document")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("process_document",
			mcp.WithDescription("Queue a background job that extracts, chunks and indexes a document."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
		),
		mcpProcessDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Report the state of a processing job."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"knowstack://documents",
			"Documents",
			mcp.WithResourceDescription("Most recent documents and their processing status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	return s
}

type searchResult struct {
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	ChunkIndex   int     `json:"chunk_index"`
	Page         int     `json:"page"`
	Section      string  `json:"section"`
	Score        float64 `json:"score"`
	Fallback     bool    `json:"fallback,omitempty"`
	Snippet      string  `json:"snippet"`
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		candidates, err := deps.Retriever.Retrieve(ctx, deps.OwnerID, query, req.GetString("document_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(candidates) == 0 {
			return mcpText("[]"), nil
		}

		results := make([]searchResult, len(candidates))
		for i, c := range candidates {
			results[i] = searchResult{
				DocumentID:   c.DocumentID,
				DocumentName: c.Filename,
				ChunkIndex:   c.Index,
				Page:         c.Page,
				Section:      c.Section,
				Score:        c.Score,
				Fallback:     c.Fallback,
				Snippet:      qa.CleanSnippet(c.Content),
			}
		}
		return mcpJSON(results)
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		resp, err := deps.QA.Ask(ctx, deps.OwnerID, qa.AskRequest{
			Question:   question,
			DocumentID: req.GetString("document_id", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %s", apperr.MessageOf(err, err.Error()))), nil
		}
		return mcpJSON(resp)
	}
}

func mcpProcessDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}

		job, err := deps.Documents.Enqueue(ctx, deps.OwnerID, documentID)
		if err != nil {
			return mcpError(fmt.Sprintf("enqueue failed: %s", apperr.MessageOf(err, err.Error()))), nil
		}
		return mcpJSON(ToJobJSON(job))
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		job, err := deps.Jobs.GetJob(ctx, jobID)
		if err == nil && job.OwnerID != deps.OwnerID {
			err = apperr.New(apperr.KindNotFound, "job %s not found", jobID)
		}
		if err != nil {
			return mcpError(apperr.MessageOf(err, err.Error())), nil
		}
		return mcpJSON(ToJobJSON(job))
	}
}

func mcpResourceDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		page, err := deps.Documents.List(ctx, deps.OwnerID, "", 1, 20)
		if err != nil {
			return nil, fmt.Errorf("listing documents: %w", err)
		}

		items := make([]documentJSON, 0, len(page.Items))
		for _, d := range page.Items {
			items = append(items, toDocumentJSON(d))
		}
		b, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("marshaling documents: %w", err)
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
