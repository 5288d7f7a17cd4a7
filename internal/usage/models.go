package usage

import (
	"time"

	"github.com/alecgard/gabelle/internal/credit"
)

// HistoryQuery filters the transaction ledger for an organization.
// Zero-valued fields are ignored. Both date bounds are inclusive.
// Limit is clamped to [1, 100] with a default of 50.
type HistoryQuery struct {
	OrganizationID string
	ToolSlug       string
	Type           credit.TransactionType
	StartDate      time.Time
	EndDate        time.Time
	Limit          int
	Offset         int
}

// HistoryPage is one page of ledger entries plus the total match count
// across all pages.
type HistoryPage struct {
	Transactions []*credit.Transaction
	Total        int64
}

// ToolUsage aggregates consumption for a single tool.
type ToolUsage struct {
	ToolSlug string `json:"toolSlug"`
	Credits  int64  `json:"credits"`
	Calls    int64  `json:"calls"`
}

// DailyUsage aggregates consumption for a single UTC calendar day.
type DailyUsage struct {
	Date    string `json:"date"` // YYYY-MM-DD
	Credits int64  `json:"credits"`
}

// Stats summarizes an organization's consumption over a window. Only
// consumption entries (USAGE, OVERAGE) are counted; refunds show up as
// separate positive entries in the history, not here.
type Stats struct {
	TotalUsed    int64        `json:"totalUsed"`
	TotalOverage int64        `json:"totalOverage"`
	ByTool       []ToolUsage  `json:"byTool"`
	ByDay        []DailyUsage `json:"byDay"`
}
