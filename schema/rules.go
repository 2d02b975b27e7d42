package schema

import "encoding/json"

// RuleSet 一个数据源（或 "global"）的清洗规则，按类别组织。
// 类别固定执行顺序：row_filters → field_transforms → aggregations →
// global_transforms。
type RuleSet struct {
	RowFilters       []RowFilter       `json:"row_filters,omitempty"`
	FieldTransforms  []FieldTransform  `json:"field_transforms,omitempty"`
	Aggregations     []Aggregation     `json:"aggregations,omitempty"`
	GlobalTransforms []GlobalTransform `json:"global_transforms,omitempty"`
}

// MergeRuleSets 合并 global 与数据源规则：按类别整体覆盖，数据源优先。
func MergeRuleSets(global, source *RuleSet) *RuleSet {
	if global == nil && source == nil {
		return nil
	}
	out := &RuleSet{}
	if global != nil {
		*out = *global
	}
	if source != nil {
		if source.RowFilters != nil {
			out.RowFilters = source.RowFilters
		}
		if source.FieldTransforms != nil {
			out.FieldTransforms = source.FieldTransforms
		}
		if source.Aggregations != nil {
			out.Aggregations = source.Aggregations
		}
		if source.GlobalTransforms != nil {
			out.GlobalTransforms = source.GlobalTransforms
		}
	}
	return out
}

type RowFilter struct {
	Condition   string `json:"condition"`
	Description string `json:"description,omitempty"`
}

type FieldTransform struct {
	Field     string `json:"field"`
	Operation string `json:"operation"`

	// 数值运算的操作数 / round 的小数位
	Value    json.Number `json:"value,omitempty"`
	Decimals *int        `json:"decimals,omitempty"`

	// format_date
	Format string `json:"format,omitempty"`

	// replace
	OldValue any `json:"old_value,omitempty"`
	NewValue any `json:"new_value,omitempty"`

	// expr
	Expression string `json:"expression,omitempty"`

	// 形如 "file_pattern: *finance*.csv" 的执行条件
	Condition   string `json:"condition,omitempty"`
	Description string `json:"description,omitempty"`
}

type Aggregation struct {
	GroupBy     StringList        `json:"group_by"`
	AggFields   map[string]string `json:"agg_fields"`
	Description string            `json:"description,omitempty"`
}

type GlobalTransform struct {
	Operation string     `json:"operation"`
	Subset    StringList `json:"subset,omitempty"`
	Keep      string     `json:"keep,omitempty"`      // drop_duplicates
	By        StringList `json:"by,omitempty"`        // sort
	Ascending BoolList   `json:"ascending,omitempty"` // sort
	Value     any        `json:"value,omitempty"`     // fill_na
}
