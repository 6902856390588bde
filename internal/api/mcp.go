package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/compass/internal/assignment"
	"github.com/kalambet/compass/internal/engine"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Engine *engine.Engine
	UserID string
}

// NewMCPServer creates an MCP server exposing the deck and the slate.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"compass",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("compass: swipe through billets, build a ranked slate of up to 7 preferences and submit it."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("current_billet",
			mcp.WithDescription("Show the billet at the top of the deck."),
		),
		mcpCurrentBillet(deps),
	)

	s.AddTool(
		mcp.NewTool("decide",
			mcp.WithDescription("Record a decision on the current billet and advance the deck."),
			mcp.WithString("billet_id", mcp.Description("Id of the current billet"), mcp.Required()),
			mcp.WithString("verb", mcp.Description("One of save, slate, reject, defer"), mcp.Required()),
		),
		mcpDecide(deps),
	)

	s.AddTool(
		mcp.NewTool("undo",
			mcp.WithDescription("Take back the last decision and step the deck back one billet."),
		),
		mcpUndo(deps),
	)

	s.AddTool(
		mcp.NewTool("promote",
			mcp.WithDescription("Move a saved billet onto the slate at the next free rank."),
			mcp.WithString("billet_id", mcp.Description("Billet to promote"), mcp.Required()),
		),
		mcpPromote(deps),
	)

	s.AddTool(
		mcp.NewTool("show_slate",
			mcp.WithDescription("List the ranked slate with statuses."),
		),
		mcpShowSlate(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"user://slate",
			"Slate",
			mcp.WithResourceDescription("Ranked preferences as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSlate(deps),
	)

	return s
}

func mcpCurrentBillet(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, ok := deps.Engine.CurrentBillet()
		if !ok {
			return mcpText("Deck is exhausted"), nil
		}
		out, err := json.Marshal(b)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal billet: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpDecide(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		billetID, err := req.RequireString("billet_id")
		if err != nil {
			return mcpError("billet_id is required"), nil
		}
		verbStr, err := req.RequireString("verb")
		if err != nil {
			return mcpError("verb is required"), nil
		}
		verb, err := assignment.ParseVerb(verbStr)
		if err != nil {
			return mcpError(fmt.Sprintf("%v: %q", err, verbStr)), nil
		}

		res, err := deps.Engine.Decide(ctx, billetID, verb, deps.UserID)
		if err != nil {
			return mcpError(fmt.Sprintf("decision failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("%s %s: %s", verb, billetID, res.Outcome)), nil
	}
}

func mcpUndo(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Engine.Undo(ctx, deps.UserID)
		if err != nil {
			return mcpError(fmt.Sprintf("undo failed: %v", err)), nil
		}
		if res.ApplicationID != "" {
			return mcpText(fmt.Sprintf("Undid %s and removed its application", res.BilletID)), nil
		}
		return mcpText(fmt.Sprintf("Undid %s", res.BilletID)), nil
	}
}

func mcpPromote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		billetID, err := req.RequireString("billet_id")
		if err != nil {
			return mcpError("billet_id is required"), nil
		}
		ok, err := deps.Engine.PromoteToSlate(ctx, billetID, deps.UserID)
		if err != nil {
			return mcpError(fmt.Sprintf("promote failed: %v", err)), nil
		}
		if !ok {
			return mcpText(fmt.Sprintf("Not promoted: the billet is already held or %d applications are active", assignment.MaxSlateSize)), nil
		}
		return mcpText(fmt.Sprintf("Promoted %s", billetID)), nil
	}
}

type slateEntry struct {
	Rank     int               `json:"rank"`
	BilletID string            `json:"billet_id"`
	Status   assignment.Status `json:"status"`
	Title    string            `json:"title,omitempty"`
}

func slateEntries(deps MCPDeps) []slateEntry {
	slate := deps.Engine.Slate(deps.UserID)
	out := make([]slateEntry, len(slate))
	for i, app := range slate {
		out[i] = slateEntry{Rank: app.Rank(), BilletID: app.BilletID, Status: app.Status}
		if b, ok := deps.Engine.Billet(app.BilletID); ok {
			out[i].Title = b.Title
		}
	}
	return out
}

func mcpShowSlate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(slateEntries(deps))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal slate: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSlate(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(slateEntries(deps))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal slate: %w", err)
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
