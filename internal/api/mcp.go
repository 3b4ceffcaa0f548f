package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/studymate/internal/reminder"
	"github.com/kalambet/studymate/internal/timephrase"
)

// exactTimeLayout is the wall-clock form accepted by add_reminder's "at"
// argument, the same form assistant commands use.
const exactTimeLayout = "15:04 02/01/2006"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Reminders *reminder.Store
	Location  *time.Location
	Now       func() time.Time
}

func (d MCPDeps) now() time.Time {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	if d.Now != nil {
		return d.Now().In(loc)
	}
	return time.Now().In(loc)
}

// NewMCPServer creates an MCP server exposing the reminder tools.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"studymate",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("studymate schedules study reminders. Times can be Vietnamese phrases such as \"7h sáng mai\"."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("add_reminder",
			mcp.WithDescription("Schedule a study reminder. Give either a Vietnamese time phrase or an exact time."),
			mcp.WithString("subject", mcp.Description("What to study, e.g. Toán"), mcp.Required()),
			mcp.WithString("phrase", mcp.Description("Vietnamese time phrase, e.g. \"3h chiều mai\"")),
			mcp.WithString("at", mcp.Description("Exact local time as HH:MM DD/MM/YYYY")),
		),
		mcpAddReminder(deps),
	)

	s.AddTool(
		mcp.NewTool("list_reminders",
			mcp.WithDescription("List study reminders in creation order."),
			mcp.WithBoolean("pending_only", mcp.Description("Only reminders that have not fired yet")),
		),
		mcpListReminders(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_reminder",
			mcp.WithDescription("Delete a reminder by id. Deleting an unknown id is not an error."),
			mcp.WithString("id", mcp.Description("Reminder id"), mcp.Required()),
		),
		mcpDeleteReminder(deps),
	)

	s.AddTool(
		mcp.NewTool("interpret_time",
			mcp.WithDescription("Resolve a Vietnamese time phrase to an absolute local time without scheduling anything."),
			mcp.WithString("phrase", mcp.Description("Vietnamese time phrase"), mcp.Required()),
		),
		mcpInterpretTime(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"reminders://pending",
			"Pending Reminders",
			mcp.WithResourceDescription("Reminders that have not fired yet, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePending(deps),
	)

	return s
}

func mcpAddReminder(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		subject, err := req.RequireString("subject")
		if err != nil {
			return mcpError("subject is required"), nil
		}
		phrase := strings.TrimSpace(req.GetString("phrase", ""))
		at := strings.TrimSpace(req.GetString("at", ""))

		now := deps.now()
		var due time.Time
		switch {
		case at != "":
			due, err = time.ParseInLocation(exactTimeLayout, at, now.Location())
			if err != nil {
				return mcpError(fmt.Sprintf("at must be HH:MM DD/MM/YYYY: %v", err)), nil
			}
		case phrase != "":
			due, err = timephrase.Interpret(phrase, now)
			if err != nil {
				return mcpError(fmt.Sprintf("could not understand time phrase %q", phrase)), nil
			}
		default:
			return mcpError("one of phrase or at is required"), nil
		}

		rem, err := deps.Reminders.Create(subject, due)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create reminder: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("%s (id %s)", reminder.Summary([]reminder.Reminder{rem}), rem.ID)), nil
	}
}

func mcpListReminders(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		items := deps.Reminders.List()
		if req.GetBool("pending_only", false) {
			items = deps.Reminders.Pending()
		}
		if len(items) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(items)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal reminders: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDeleteReminder(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Reminders.Delete(id); err != nil {
			return mcpError(fmt.Sprintf("failed to delete reminder: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted reminder %s", id)), nil
	}
}

func mcpInterpretTime(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		phrase, err := req.RequireString("phrase")
		if err != nil {
			return mcpError("phrase is required"), nil
		}
		t, err := timephrase.Interpret(phrase, deps.now())
		if err != nil {
			return mcpError(fmt.Sprintf("could not understand time phrase %q", phrase)), nil
		}
		return mcpText(fmt.Sprintf("%s (%s)", t.Format(exactTimeLayout), t.Format(time.RFC3339))), nil
	}
}

func mcpResourcePending(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items := deps.Reminders.Pending()
		if items == nil {
			items = []reminder.Reminder{}
		}
		b, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal reminders: %w", err)
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
