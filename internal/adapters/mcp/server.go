package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

const (
	serverName    = "hybrid-rag"
	serverVersion = "1.0.0"
)

// Server exposes the retrieval engine and document status over MCP.
type Server struct {
	ask    ports.AskService
	docs   ports.DocumentReader
	logger *slog.Logger
	mcp    *server.MCPServer
}

func NewServer(ask ports.AskService, docs ports.DocumentReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{ask: ask, docs: docs, logger: logger}
	s.mcp = server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))

	s.mcp.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Answer a question from the documents the user may access."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Caller; decides the category scope.")),
		mcp.WithString("question", mcp.Required(), mcp.Description("Question in natural language.")),
	), s.handleAsk)

	s.mcp.AddTool(mcp.NewTool("document_status",
		mcp.WithDescription("Current ingestion stage and history of a document."),
		mcp.WithString("document_id", mcp.Required()),
	), s.handleDocumentStatus)

	return s
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := s.ask.Ask(ctx, userID, question)
	if result.Error != "" {
		s.logger.Warn("mcp_ask_failed", "user_id", userID, "error", result.Error)
		return mcp.NewToolResultError(result.Error), nil
	}
	return jsonResult(result)
}

func (s *Server) handleDocumentStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.docs.GetByID(ctx, id)
	if domain.IsKind(err, domain.ErrDocumentNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("document %s not found", id)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return jsonResult(map[string]any{
		"id":             doc.ID,
		"filename":       doc.Filename,
		"category":       doc.Category,
		"current_stage":  doc.CurrentStage,
		"terminal":       doc.CurrentStage.IsTerminal(),
		"last_error":     doc.LastError(),
		"status_history": doc.StatusHistory,
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}
