package domain

// Issue 一条对账差异记录。引擎对每个触发规则的 key 恰好生成一条。
type Issue struct {
	OrderID       string  `json:"order_id"`
	IssueType     string  `json:"issue_type"`
	BusinessValue *string `json:"business_value"`
	FinanceValue  *string `json:"finance_value"`
	Detail        string  `json:"detail"`
}

// Summary 对账摘要。MatchedRecords 取两侧独立推导值中较小者（保守口径），
// 下限为 0。
type Summary struct {
	TotalBusinessRecords int    `json:"total_business_records"`
	TotalFinanceRecords  int    `json:"total_finance_records"`
	MatchedRecords       int    `json:"matched_records"`
	UnmatchedRecords     int    `json:"unmatched_records"`
	BusinessFile         string `json:"business_file"`
	FinanceFile          string `json:"finance_file"`
}

type Metadata struct {
	BusinessFileCount int    `json:"business_file_count"`
	FinanceFileCount  int    `json:"finance_file_count"`
	RuleVersion       string `json:"rule_version"`
	ProcessedAt       string `json:"processed_at"`
}

type Result struct {
	Summary  Summary  `json:"summary"`
	Issues   []Issue  `json:"issues"`
	Metadata Metadata `json:"metadata"`
}

func StrPtr(s string) *string { return &s }
