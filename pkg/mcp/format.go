package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/metergate/pkg/models"
)

func formatUsage(month string, s models.UsageSummary) string {
	return fmt.Sprintf("Credit Usage (%s)\n"+
		"  Used:       %d\n"+
		"  Limit:      %d\n"+
		"  Remaining:  %d\n"+
		"  Usage:      %.1f%%\n"+
		"  Days left:  %d (at current rate)\n",
		month, s.MonthlyUsed, s.MonthlyLimit, s.Remaining, s.PercentageUsed, s.EstimatedDaysRemaining)
}

func formatBudgetCheck(credits int64, r models.BudgetCheckResult) string {
	verdict := "ALLOWED"
	if !r.Allowed {
		verdict = "DENIED"
	}
	return fmt.Sprintf("%s: %d credits requested, %d remaining (%.1f%% of the monthly limit used)\n",
		verdict, credits, r.RemainingCredits, r.PercentageUsed)
}

func formatBreakdown(month string, rows []models.FeatureUsage) string {
	if len(rows) == 0 {
		return fmt.Sprintf("No usage recorded for %s.", month)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %-28s %8s %10s\n", "Kind", "Feature", "Count", "Credits")
	b.WriteString(strings.Repeat("-", 63) + "\n")
	var total int64
	for _, r := range rows {
		fmt.Fprintf(&b, "%-14s %-28s %8d %10d\n", r.OperationKind, r.FeatureID, r.Count, r.Credits)
		total += r.Credits
	}
	b.WriteString(strings.Repeat("-", 63) + "\n")
	fmt.Fprintf(&b, "%-14s %-28s %8s %10d\n", "Total", "", "", total)
	return b.String()
}

func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, stats.Hits, stats.Misses, hitRate)
}

func formatHistory(entries []models.HistoryEntry) string {
	if len(entries) == 0 {
		return "No history found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-14s %s\n", "Time", "Kind", "Item")
	b.WriteString(strings.Repeat("-", 70) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-20s %-14s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Kind, e.ItemID)
	}
	return b.String()
}
