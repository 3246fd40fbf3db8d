package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
)

var relationItems = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"from": map[string]any{
			"type":        "string",
			"description": "The name of the entity where the relation starts",
		},
		"to": map[string]any{
			"type":        "string",
			"description": "The name of the entity where the relation ends",
		},
		"relationType": map[string]any{
			"type":        "string",
			"description": "The type of the relation",
		},
	},
	"required": []string{"from", "to", "relationType"},
}

var stringItems = map[string]any{"type": "string"}

var createEntitiesTool = mcp.NewTool("create_entities",
	mcp.WithDescription("Create multiple new entities in the knowledge graph. Names that already exist are skipped and left unchanged"),
	mcp.WithArray("entities",
		mcp.Required(),
		mcp.Description("An array of entities to create"),
		mcp.Items(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "The name of the entity",
				},
				"entityType": map[string]any{
					"type":        "string",
					"description": "The type of the entity",
				},
				"observations": map[string]any{
					"type":        "array",
					"description": "An array of observation contents associated with the entity",
					"items":       stringItems,
				},
			},
			"required": []string{"name", "entityType", "observations"},
		}),
	),
)

var createRelationsTool = mcp.NewTool("create_relations",
	mcp.WithDescription("Create multiple new relations between entities in the knowledge graph. Relations should be in active voice. Relations whose endpoints do not exist are skipped"),
	mcp.WithArray("relations",
		mcp.Required(),
		mcp.Description("An array of relations to create"),
		mcp.Items(relationItems),
	),
)

var addObservationsTool = mcp.NewTool("add_observations",
	mcp.WithDescription("Add new observations to existing entities in the knowledge graph. Fails without changes if any entity does not exist"),
	mcp.WithArray("observations",
		mcp.Required(),
		mcp.Description("An array of observations to add to entities"),
		mcp.Items(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entityName": map[string]any{
					"type":        "string",
					"description": "The name of the entity to add the observations to",
				},
				"contents": map[string]any{
					"type":        "array",
					"description": "An array of observation contents to add",
					"items":       stringItems,
				},
			},
			"required": []string{"entityName", "contents"},
		}),
	),
)

var deleteEntitiesTool = mcp.NewTool("delete_entities",
	mcp.WithDescription("Delete multiple entities and their associated relations from the knowledge graph"),
	mcp.WithDestructiveHintAnnotation(true),
	mcp.WithArray("entityNames",
		mcp.Required(),
		mcp.Description("An array of entity names to delete"),
		mcp.Items(stringItems),
	),
)

var deleteObservationsTool = mcp.NewTool("delete_observations",
	mcp.WithDescription("Delete specific observations from entities in the knowledge graph"),
	mcp.WithDestructiveHintAnnotation(true),
	mcp.WithArray("deletions",
		mcp.Required(),
		mcp.Description("An array of observations to delete from entities"),
		mcp.Items(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entityName": map[string]any{
					"type":        "string",
					"description": "The name of the entity containing the observations",
				},
				"observations": map[string]any{
					"type":        "array",
					"description": "An array of observations to delete",
					"items":       stringItems,
				},
			},
			"required": []string{"entityName", "observations"},
		}),
	),
)

var deleteRelationsTool = mcp.NewTool("delete_relations",
	mcp.WithDescription("Delete multiple relations from the knowledge graph"),
	mcp.WithDestructiveHintAnnotation(true),
	mcp.WithArray("relations",
		mcp.Required(),
		mcp.Description("An array of relations to delete"),
		mcp.Items(relationItems),
	),
)

var readGraphTool = mcp.NewTool("read_graph",
	mcp.WithDescription("Read the entire knowledge graph. Can be large; prefer search_nodes or open_nodes for specific queries"),
	mcp.WithReadOnlyHintAnnotation(true),
)

var searchNodesTool = mcp.NewTool("search_nodes",
	mcp.WithDescription("Search nodes in the knowledge graph. The query is split on whitespace and an entity matches when its name, type or any observation contains any of the words, ignoring case. Results are ordered by relevance and include the relations between the returned entities"),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("query",
		mcp.Required(),
		mcp.Description("Words to look for, e.g. 'alice project'"),
	),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entities to return; 0 or omitted uses the server default"),
		mcp.Min(0),
	),
)

var openNodesTool = mcp.NewTool("open_nodes",
	mcp.WithDescription("Retrieve specific nodes by exact name match, together with the relations between them. For partial matching use search_nodes"),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithArray("names",
		mcp.Required(),
		mcp.Description("Array of exact entity names to retrieve"),
		mcp.Items(stringItems),
	),
)

var getStatsTool = mcp.NewTool("get_stats",
	mcp.WithDescription("Count entities, relations and observations, broken down by entity type and relation type"),
	mcp.WithReadOnlyHintAnnotation(true),
)
