package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"memory-graph-go/graph"
	"memory-graph-go/storage"
)

type createEntitiesArgs struct {
	Entities []storage.Entity `json:"entities" validate:"required"`
}

type relationsArgs struct {
	Relations []storage.Relation `json:"relations" validate:"required"`
}

type addObservationsArgs struct {
	Observations []graph.ObservationInput `json:"observations" validate:"required"`
}

type deleteEntitiesArgs struct {
	EntityNames []string `json:"entityNames" validate:"required"`
}

type deleteObservationsArgs struct {
	Deletions []graph.ObservationDeletion `json:"deletions" validate:"required"`
}

type namesArgs struct {
	Names []string `json:"names" validate:"required"`
}

func (s *Server) handleCreateEntities(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args createEntitiesArgs
	if err := s.bind(request, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	created, err := s.engine.CreateEntities(ctx, args.Entities)
	if err != nil {
		return s.errorResult("create_entities", err), nil
	}
	return jsonResult(created)
}

func (s *Server) handleCreateRelations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args relationsArgs
	if err := s.bind(request, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	created, err := s.engine.CreateRelations(ctx, args.Relations)
	if err != nil {
		return s.errorResult("create_relations", err), nil
	}
	return jsonResult(created)
}

func (s *Server) handleAddObservations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args addObservationsArgs
	if err := s.bind(request, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	results, err := s.engine.AddObservations(ctx, args.Observations)
	if err != nil {
		return s.errorResult("add_observations", err), nil
	}
	return jsonResult(results)
}

func (s *Server) handleDeleteEntities(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args deleteEntitiesArgs
	if err := s.bind(request, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	deleted, err := s.engine.DeleteEntities(ctx, args.EntityNames)
	if err != nil {
		return s.errorResult("delete_entities", err), nil
	}
	return jsonResult(map[string]any{"deleted": deleted})
}

func (s *Server) handleDeleteObservations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args deleteObservationsArgs
	if err := s.bind(request, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	removed, err := s.engine.DeleteObservations(ctx, args.Deletions)
	if err != nil {
		return s.errorResult("delete_observations", err), nil
	}
	return jsonResult(map[string]any{"deleted": removed})
}

func (s *Server) handleDeleteRelations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args relationsArgs
	if err := s.bind(request, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	deleted, err := s.engine.DeleteRelations(ctx, args.Relations)
	if err != nil {
		return s.errorResult("delete_relations", err), nil
	}
	return jsonResult(map[string]any{"deleted": deleted})
}

func (s *Server) handleReadGraph(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, err := s.engine.ReadGraph(ctx)
	if err != nil {
		return s.errorResult("read_graph", err), nil
	}
	return jsonResult(g)
}

func (s *Server) handleSearchNodes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	limit := request.GetInt("limit", 0)
	if limit <= 0 {
		limit = s.opts.DefaultLimit
	}

	g, err := s.engine.SearchNodes(ctx, query, limit)
	if err != nil {
		return s.errorResult("search_nodes", err), nil
	}
	return jsonResult(g)
}

func (s *Server) handleOpenNodes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args namesArgs
	if err := s.bind(request, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	g, err := s.engine.OpenNodes(ctx, args.Names)
	if err != nil {
		return s.errorResult("open_nodes", err), nil
	}
	return jsonResult(g)
}

func (s *Server) handleGetStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.engine.GetStats(ctx)
	if err != nil {
		return s.errorResult("get_stats", err), nil
	}
	return jsonResult(stats)
}
