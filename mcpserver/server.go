// Package mcpserver exposes the knowledge graph as MCP tools over stdio or SSE.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"memory-graph-go/graph"
	"memory-graph-go/storage"
)

// Engine is the set of graph operations served as tools
type Engine interface {
	CreateEntities(ctx context.Context, entities []storage.Entity) ([]storage.Entity, error)
	CreateRelations(ctx context.Context, relations []storage.Relation) ([]storage.Relation, error)
	AddObservations(ctx context.Context, inputs []graph.ObservationInput) ([]graph.ObservationResult, error)
	DeleteEntities(ctx context.Context, names []string) ([]string, error)
	DeleteObservations(ctx context.Context, deletions []graph.ObservationDeletion) ([]graph.ObservationDeletion, error)
	DeleteRelations(ctx context.Context, relations []storage.Relation) ([]storage.Relation, error)
	OpenNodes(ctx context.Context, names []string) (*storage.KnowledgeGraph, error)
	ReadGraph(ctx context.Context) (*storage.KnowledgeGraph, error)
	SearchNodes(ctx context.Context, query string, limit int) (*storage.KnowledgeGraph, error)
	GetStats(ctx context.Context) (graph.Stats, error)
}

type Options struct {
	Name    string
	Version string
	// Applied when search_nodes is called without a limit
	DefaultLimit int
}

type Server struct {
	engine   Engine
	logger   *slog.Logger
	mcp      *server.MCPServer
	validate *validator.Validate
	opts     Options
}

func New(engine Engine, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:   engine,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts,
	}

	s.mcp = server.NewMCPServer(
		opts.Name,
		opts.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithInstructions("Persistent knowledge graph memory. Store people, projects and facts as entities with observations, link them with relations, and search before creating duplicates."),
	)

	s.mcp.AddTool(createEntitiesTool, s.handleCreateEntities)
	s.mcp.AddTool(createRelationsTool, s.handleCreateRelations)
	s.mcp.AddTool(addObservationsTool, s.handleAddObservations)
	s.mcp.AddTool(deleteEntitiesTool, s.handleDeleteEntities)
	s.mcp.AddTool(deleteObservationsTool, s.handleDeleteObservations)
	s.mcp.AddTool(deleteRelationsTool, s.handleDeleteRelations)
	s.mcp.AddTool(readGraphTool, s.handleReadGraph)
	s.mcp.AddTool(searchNodesTool, s.handleSearchNodes)
	s.mcp.AddTool(openNodesTool, s.handleOpenNodes)
	s.mcp.AddTool(getStatsTool, s.handleGetStats)

	return s
}

// MCP returns the underlying protocol server
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves JSON-RPC on stdin/stdout until ctx is done or stdin closes
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("Knowledge Graph MCP Server running on stdio")

	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Router mounts the SSE endpoints plus health and, when given, metrics
func (s *Server) Router(baseURL string, metrics http.Handler) http.Handler {
	sse := server.NewSSEServer(s.mcp, server.WithBaseURL(baseURL))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/sse", sse.SSEHandler())
	r.Handle("/message", sse.MessageHandler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}

// ServeSSE listens on port until ctx is done, then shuts down gracefully
func (s *Server) ServeSSE(ctx context.Context, port int, baseURL string, metrics http.Handler) error {
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", port)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(baseURL, metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Knowledge Graph MCP Server running on SSE", "addr", httpServer.Addr, "base_url", baseURL)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("Shutting down SSE server")
		return httpServer.Shutdown(shutdownCtx)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult reports engine failures to the client as tool errors
func (s *Server) errorResult(tool string, err error) *mcp.CallToolResult {
	kind := storage.KindOf(err)
	if kind == storage.KindPersistence || kind == storage.KindCorruptStore {
		s.logger.Error("Tool failed", "tool", tool, "error", err)
	} else {
		s.logger.Debug("Tool failed", "tool", tool, "error", err)
	}
	return mcp.NewToolResultError(err.Error())
}

// bind decodes and validates tool arguments
func (s *Server) bind(request mcp.CallToolRequest, target any) error {
	if err := request.BindArguments(target); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := s.validate.Struct(target); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
