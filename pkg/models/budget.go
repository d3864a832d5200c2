package models

// BudgetCheckResult is the outcome of an admission check. It is never persisted.
type BudgetCheckResult struct {
	Allowed          bool    `json:"allowed"`
	RemainingCredits int64   `json:"remaining_credits"`
	MonthlyUsed      int64   `json:"monthly_used"`
	PercentageUsed   float64 `json:"percentage_used"`
}

// UsageSummary reports the current month against the monthly allowance.
type UsageSummary struct {
	MonthlyUsed            int64   `json:"monthly_used"`
	MonthlyLimit           int64   `json:"monthly_limit"`
	Remaining              int64   `json:"remaining"`
	PercentageUsed         float64 `json:"percentage_used"`
	EstimatedDaysRemaining int     `json:"estimated_days_remaining"`
}
