package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Schema 一种对账类型的声明式配置：数据源、字段角色映射、清洗规则、
// 容差与自定义验证。
type Schema struct {
	Version           FlexString          `json:"version"`
	KeyFieldRole      string              `json:"key_field_role"`
	DataSources       DataSources         `json:"data_sources"`
	DataCleaningRules map[string]*RuleSet `json:"data_cleaning_rules,omitempty"`
	Tolerance         map[string]any      `json:"tolerance,omitempty"`
	CustomValidations []Validation        `json:"custom_validations,omitempty"`
}

// DataSource 一个逻辑数据源槽位（如 business / finance）。
type DataSource struct {
	FilePattern StringList            `json:"file_pattern"`
	FieldRoles  map[string]StringList `json:"field_roles"`
	// Sheet 指定读取的工作表名；为空取第一个工作表。
	Sheet string `json:"sheet,omitempty"`
}

// Validation 一条自定义验证规则，按声明顺序逐 key 求值，首个命中者短路。
type Validation struct {
	Name           string `json:"name"`
	ConditionExpr  string `json:"condition_expr"`
	IssueType      string `json:"issue_type"`
	DetailTemplate string `json:"detail_template,omitempty"`

	// AffectsSummary 显式声明该规则对摘要的影响：
	// missing_business / missing_finance / none。为空时引擎回退为
	// 扫描 condition_expr 中的 "not biz_exists"/"not fin_exists"。
	AffectsSummary string `json:"affects_summary,omitempty"`

	// DisplayFields 显式声明 issue 的 business_value/finance_value 取自
	// 哪个字段。为空时引擎从模板/条件文本推断。
	DisplayFields *DisplayFields `json:"display_fields,omitempty"`
}

type DisplayFields struct {
	Business string `json:"business,omitempty"`
	Finance  string `json:"finance,omitempty"`
}

const (
	AffectsSummaryMissingBusiness = "missing_business"
	AffectsSummaryMissingFinance  = "missing_finance"
	AffectsSummaryNone            = "none"
)

// Load 从文件加载 schema（容忍 // 与 /* */ 注释）。
func Load(path string) (*Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 schema 文件失败: %w", err)
	}
	return Parse(b)
}

// Parse 解析 schema 文本。注释剥离是字符串感知的：引号内的 // 会被保留。
func Parse(b []byte) (*Schema, error) {
	clean := StripComments(b)
	var s Schema
	dec := json.NewDecoder(bytes.NewReader(clean))
	dec.UseNumber()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("schema 格式错误: %w", err)
	}
	return &s, nil
}

// StripComments removes // line comments and /* */ block comments from JSON
// text. Quoted strings are honored, so "http://x" survives intact.
func StripComments(b []byte) []byte {
	out := make([]byte, 0, len(b))
	inStr := false
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inStr {
			out = append(out, c)
			if c == '\\' && i+1 < len(b) {
				i++
				out = append(out, b[i])
				continue
			}
			if c == '"' {
				inStr = false
			}
			continue
		}
		switch {
		case c == '"':
			inStr = true
			out = append(out, c)
		case c == '/' && i+1 < len(b) && b[i+1] == '/':
			for i < len(b) && b[i] != '\n' {
				i++
			}
			if i < len(b) {
				out = append(out, '\n')
			}
		case c == '/' && i+1 < len(b) && b[i+1] == '*':
			i += 2
			for i+1 < len(b) && !(b[i] == '*' && b[i+1] == '/') {
				i++
			}
			i++ // skip closing '/'
		default:
			out = append(out, c)
		}
	}
	return out
}

// Validate 校验 schema 结构，逐项快速失败并带字段级错误信息。
func (s *Schema) Validate() error {
	if s == nil {
		return errors.New("schema 为空")
	}
	if s.Version == "" {
		return errors.New("schema 缺少必填字段: version")
	}
	if len(s.DataSources.Order) == 0 {
		return errors.New("schema 缺少必填字段: data_sources")
	}
	if s.KeyFieldRole == "" {
		return errors.New("schema 缺少必填字段: key_field_role")
	}
	if s.DataSources.Get("business") == nil && s.DataSources.Get("finance") == nil {
		return errors.New("schema 至少需要定义 business 或 finance 数据源")
	}
	for _, name := range s.DataSources.Order {
		src := s.DataSources.Get(name)
		if src == nil || len(src.FilePattern) == 0 {
			return fmt.Errorf("数据源 %s 缺少 file_pattern", name)
		}
		if len(src.FieldRoles) == 0 {
			return fmt.Errorf("数据源 %s 缺少 field_roles", name)
		}
	}
	return nil
}

// CleaningRules returns the rule set for a source, nil when absent.
func (s *Schema) CleaningRules(source string) *RuleSet {
	if s == nil || s.DataCleaningRules == nil {
		return nil
	}
	return s.DataCleaningRules[source]
}

// ToleranceFloat 读取数值型容差项；缺失或不可转换时返回 def。
func (s *Schema) ToleranceFloat(key string, def float64) float64 {
	if s == nil || s.Tolerance == nil {
		return def
	}
	v, ok := s.Tolerance[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return def
		}
		return f
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return def
		}
		return f
	}
	return def
}

// ToleranceString 读取字符串型容差项（如 date_format）。
func (s *Schema) ToleranceString(key, def string) string {
	if s == nil || s.Tolerance == nil {
		return def
	}
	if v, ok := s.Tolerance[key]; ok {
		if str, ok := v.(string); ok && str != "" {
			return str
		}
	}
	return def
}
