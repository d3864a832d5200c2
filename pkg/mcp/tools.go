package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pario-ai/metergate/pkg/models"
)

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"metergate_usage":        handleUsage,
	"metergate_budget_check": handleBudgetCheck,
	"metergate_breakdown":    handleBreakdown,
	"metergate_cache_stats":  handleCacheStats,
	"metergate_history":      handleHistory,
}

var noArgs = map[string]any{
	"type":       "object",
	"properties": map[string]any{},
}

var allTools = []ToolDefinition{
	{
		Name:        "metergate_usage",
		Description: "Show credits used this month against the monthly allowance, with an estimate of the days left at the current rate.",
		InputSchema: noArgs,
	},
	{
		Name:        "metergate_budget_check",
		Description: "Check whether an operation of the given credit cost would be admitted right now.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"credits"},
			"properties": map[string]any{
				"credits": map[string]any{
					"type":        "integer",
					"description": "Credit cost of the planned operation",
				},
			},
		},
	},
	{
		Name:        "metergate_breakdown",
		Description: "Show credits consumed per operation kind and feature for a month.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"month": map[string]any{
					"type":        "string",
					"description": "Month in YYYY-MM format (optional, defaults to the current month)",
				},
			},
		},
	},
	{
		Name:        "metergate_cache_stats",
		Description: "Show result cache statistics (entries, hits, misses, hit rate).",
		InputSchema: noArgs,
	},
	{
		Name:        "metergate_history",
		Description: "List an actor's generated assets and distilled events, newest first.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"actor_id"},
			"properties": map[string]any{
				"actor_id": map[string]any{
					"type":        "string",
					"description": "The actor whose history to list",
				},
				"kind": map[string]any{
					"type":        "string",
					"description": "Filter by kind: asset or distillation (optional)",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum entries to return (optional, default 20)",
				},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func handleUsage(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	summary, err := s.ledger.UsageSummary(ctx)
	if err != nil {
		return errorResult("Error fetching usage: " + err.Error())
	}
	return textResult(formatUsage(s.ledger.CurrentMonth(), summary))
}

type budgetCheckArgs struct {
	Credits int64 `json:"credits"`
}

func handleBudgetCheck(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args budgetCheckArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.Credits <= 0 {
		return errorResult("credits must be a positive integer")
	}
	return textResult(formatBudgetCheck(args.Credits, s.ledger.CheckBudget(ctx, args.Credits)))
}

type breakdownArgs struct {
	Month string `json:"month"`
}

func handleBreakdown(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args breakdownArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	month := args.Month
	if month == "" {
		month = s.ledger.CurrentMonth()
	} else if _, err := time.Parse("2006-01", month); err != nil {
		return errorResult("Invalid month (use YYYY-MM): " + month)
	}
	rows, err := s.ledger.Breakdown(ctx, month)
	if err != nil {
		return errorResult("Error fetching breakdown: " + err.Error())
	}
	return textResult(formatBreakdown(month, rows))
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Result cache is disabled.")
	}
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}

type historyArgs struct {
	ActorID string `json:"actor_id"`
	Kind    string `json:"kind"`
	Since   string `json:"since"`
	Limit   int    `json:"limit"`
}

func handleHistory(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.history == nil {
		return textResult("History is disabled.")
	}
	var args historyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.ActorID == "" {
		return errorResult("actor_id is required")
	}

	opts := models.HistoryQueryOpts{
		ActorID: args.ActorID,
		Kind:    args.Kind,
		Limit:   args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.history.Query(ctx, opts)
	if err != nil {
		return errorResult("Error fetching history: " + err.Error())
	}
	return textResult(formatHistory(entries))
}
