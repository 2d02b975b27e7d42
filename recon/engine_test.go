package recon

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"reconbackend/schema"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func mustSchema(t *testing.T, text string) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(text))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}
	return s
}

const twoSourceSchema = `{
	"version": "1.0",
	"key_field_role": "order_id",
	"data_sources": {
		"business": {
			"file_pattern": "*business*.csv",
			"field_roles": {"order_id": "order_id", "amount": "amount"}
		},
		"finance": {
			"file_pattern": "*finance*.csv",
			"field_roles": {"order_id": "order_id", "amount": "amount"}
		}
	},
	"tolerance": {"amount_diff_max": 0.0}
}`

func TestAmountMismatchAtZeroTolerance(t *testing.T) {
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "order_id,amount\nA1,100.00\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\nA1,100.50\n")

	res, err := NewEngine(mustSchema(t, twoSourceSchema)).Reconcile([]string{biz, fin})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Issues) != 1 {
		t.Fatalf("issues=%d, want 1", len(res.Issues))
	}
	issue := res.Issues[0]
	if issue.IssueType != "amount_mismatch" || issue.OrderID != "A1" {
		t.Fatalf("issue=%+v", issue)
	}
	if issue.BusinessValue == nil || *issue.BusinessValue != "100.00" {
		t.Fatalf("business_value=%v", issue.BusinessValue)
	}
	if issue.FinanceValue == nil || *issue.FinanceValue != "100.50" {
		t.Fatalf("finance_value=%v", issue.FinanceValue)
	}
}

func TestToleranceBoundaryExactEqualPasses(t *testing.T) {
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "order_id,amount\nA1,100.00\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\nA1,100.50\n")

	s := mustSchema(t, strings.Replace(twoSourceSchema, `"amount_diff_max": 0.0`, `"amount_diff_max": 0.5`, 1))
	res, err := NewEngine(s).Reconcile([]string{biz, fin})
	if err != nil {
		t.Fatal(err)
	}
	// 差额恰好等于容差不算不一致
	if len(res.Issues) != 0 {
		t.Fatalf("issues=%v", res.Issues)
	}
	if res.Summary.MatchedRecords != 1 {
		t.Fatalf("matched=%d", res.Summary.MatchedRecords)
	}
}

const missingFinanceSchema = `{
	"version": "2",
	"key_field_role": "order_id",
	"data_sources": {
		"business": {
			"file_pattern": "*business*.csv",
			"field_roles": {"order_id": "order_id", "amount": "amount"}
		},
		"finance": {
			"file_pattern": "*finance*.csv",
			"field_roles": {"order_id": "order_id", "amount": "amount"}
		}
	},
	"custom_validations": [
		{
			"name": "缺财务记录",
			"condition_expr": "not fin_exists",
			"issue_type": "missing_in_finance",
			"detail_template": "业务台账存在，财务系统无此订单记录",
			"affects_summary": "missing_finance",
			"display_fields": {"business": "amount"}
		}
	]
}`

func TestMissingInFinance(t *testing.T) {
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "order_id,amount\nA1,50\nA2,80\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\nA1,50\n")

	res, err := NewEngine(mustSchema(t, missingFinanceSchema)).Reconcile([]string{biz, fin})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Issues) != 1 {
		t.Fatalf("issues=%v", res.Issues)
	}
	issue := res.Issues[0]
	if issue.IssueType != "missing_in_finance" || issue.OrderID != "A2" {
		t.Fatalf("issue=%+v", issue)
	}
	if issue.FinanceValue != nil {
		t.Fatalf("finance_value 应为空, got=%v", *issue.FinanceValue)
	}
	if issue.BusinessValue == nil || *issue.BusinessValue != "80" {
		t.Fatalf("business_value=%v", issue.BusinessValue)
	}
	if res.Summary.UnmatchedRecords != 1 {
		t.Fatalf("unmatched=%d", res.Summary.UnmatchedRecords)
	}
	// matched = min(2-1, 1-0) = 1
	if res.Summary.MatchedRecords != 1 {
		t.Fatalf("matched=%d", res.Summary.MatchedRecords)
	}
}

func TestRuleShortCircuitFirstDeclaredWins(t *testing.T) {
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "order_id,amount\nK1,10\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\nK1,99\n")

	s := mustSchema(t, `{
		"version": "1",
		"key_field_role": "order_id",
		"data_sources": {
			"business": {"file_pattern": "*business*.csv", "field_roles": {"order_id": "order_id", "amount": "amount"}},
			"finance": {"file_pattern": "*finance*.csv", "field_roles": {"order_id": "order_id", "amount": "amount"}}
		},
		"custom_validations": [
			{"name": "first", "condition_expr": "biz['amount'] != fin['amount']", "issue_type": "first_hit"},
			{"name": "second", "condition_expr": "biz['amount'] != fin['amount']", "issue_type": "second_hit"}
		]
	}`)

	res, err := NewEngine(s).Reconcile([]string{biz, fin})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Issues) != 1 || res.Issues[0].IssueType != "first_hit" {
		t.Fatalf("issues=%v", res.Issues)
	}
}

func TestBrokenRuleSkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "order_id,amount\nK1,10\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\nK1,99\n")

	s := mustSchema(t, `{
		"version": "1",
		"key_field_role": "order_id",
		"data_sources": {
			"business": {"file_pattern": "*business*.csv", "field_roles": {"order_id": "order_id", "amount": "amount"}},
			"finance": {"file_pattern": "*finance*.csv", "field_roles": {"order_id": "order_id", "amount": "amount"}}
		},
		"custom_validations": [
			{"name": "broken", "condition_expr": "biz['no_such'] > 1", "issue_type": "broken"},
			{"name": "ok", "condition_expr": "biz['amount'] != fin['amount']", "issue_type": "diff"}
		]
	}`)

	res, err := NewEngine(s).Reconcile([]string{biz, fin})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Issues) != 1 || res.Issues[0].IssueType != "diff" {
		t.Fatalf("issues=%v", res.Issues)
	}
}

func TestKeyUnionVisitedOnceAndDeterministic(t *testing.T) {
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "order_id,amount\nB,1\nA,2\nC,3\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\nC,3\nD,4\n")

	s := mustSchema(t, `{
		"version": "1",
		"key_field_role": "order_id",
		"data_sources": {
			"business": {"file_pattern": "*business*.csv", "field_roles": {"order_id": "order_id", "amount": "amount"}},
			"finance": {"file_pattern": "*finance*.csv", "field_roles": {"order_id": "order_id", "amount": "amount"}}
		},
		"custom_validations": [
			{"name": "b缺", "condition_expr": "not biz_exists", "issue_type": "missing_in_business", "affects_summary": "missing_business"},
			{"name": "f缺", "condition_expr": "not fin_exists", "issue_type": "missing_in_finance", "affects_summary": "missing_finance"}
		]
	}`)

	eng := NewEngine(s)
	res1, err := eng.Reconcile([]string{biz, fin})
	if err != nil {
		t.Fatal(err)
	}
	// A/B 只在业务侧，D 只在财务侧，C 两侧一致
	if len(res1.Issues) != 3 {
		t.Fatalf("issues=%v", res1.Issues)
	}
	order := []string{res1.Issues[0].OrderID, res1.Issues[1].OrderID, res1.Issues[2].OrderID}
	if !reflect.DeepEqual(order, []string{"A", "B", "D"}) {
		t.Fatalf("order=%v", order)
	}

	res2, err := eng.Reconcile([]string{biz, fin})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res1.Issues, res2.Issues) {
		t.Fatalf("对账结果不可复现")
	}
	if res1.Summary.UnmatchedRecords != 3 {
		t.Fatalf("unmatched=%d", res1.Summary.UnmatchedRecords)
	}
	// matched = min(3-2, 2-1) = 1
	if res1.Summary.MatchedRecords != 1 {
		t.Fatalf("matched=%d", res1.Summary.MatchedRecords)
	}
}

func TestDetailTemplateSubstitution(t *testing.T) {
	dir := t.TempDir()
	biz := writeFile(t, dir, "business_jan.csv", "order_id,amount\nK1,10\n")
	fin := writeFile(t, dir, "finance_jan.csv", "order_id,amount\nK1,99\n")

	s := mustSchema(t, `{
		"version": "1",
		"key_field_role": "order_id",
		"data_sources": {
			"business": {"file_pattern": "*business*.csv", "field_roles": {"order_id": "order_id", "amount": "amount"}},
			"finance": {"file_pattern": "*finance*.csv", "field_roles": {"order_id": "order_id", "amount": "amount"}}
		},
		"custom_validations": [
			{
				"name": "金额不一致",
				"condition_expr": "biz['amount'] != fin['amount']",
				"issue_type": "amount_mismatch",
				"detail_template": "{biz_file} 金额 {biz[amount]} 与 {fin_file} 金额 {fin[amount]} 不一致"
			}
		]
	}`)

	res, err := NewEngine(s).Reconcile([]string{biz, fin})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Issues) != 1 {
		t.Fatalf("issues=%v", res.Issues)
	}
	want := "business_jan.csv 金额 10 与 finance_jan.csv 金额 99 不一致"
	if res.Issues[0].Detail != want {
		t.Fatalf("detail=%q, want %q", res.Issues[0].Detail, want)
	}
}

func TestBothEmptyProducesEmptyResult(t *testing.T) {
	res, err := NewEngine(mustSchema(t, twoSourceSchema)).Reconcile(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Issues) != 0 || res.Summary.TotalBusinessRecords != 0 {
		t.Fatalf("res=%+v", res)
	}
}

func TestMissingKeyFieldFatal(t *testing.T) {
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "something,amount\nX,1\n")

	_, err := NewEngine(mustSchema(t, twoSourceSchema)).Reconcile([]string{biz})
	if err == nil || !strings.Contains(err.Error(), "关键字段") {
		t.Fatalf("err=%v", err)
	}
}

func TestKeyNormalizationAcrossTypes(t *testing.T) {
	// 业务侧数值型订单号，财务侧文本型，清洗后应按同一 key 对齐
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "order_id,amount\n1001,5\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\n1001,5\n")

	res, err := NewEngine(mustSchema(t, twoSourceSchema)).Reconcile([]string{biz, fin})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Issues) != 0 {
		t.Fatalf("issues=%v", res.Issues)
	}
	if res.Summary.MatchedRecords != 1 {
		t.Fatalf("matched=%d", res.Summary.MatchedRecords)
	}
}

func TestKeyNormalizationFloatStyleText(t *testing.T) {
	// "42.0" 与 "42" 规范化后应落到同一个 key
	dir := t.TempDir()
	biz := writeFile(t, dir, "business.csv", "order_id,amount\n42.0,5\n")
	fin := writeFile(t, dir, "finance.csv", "order_id,amount\n42,5\n")

	res, err := NewEngine(mustSchema(t, twoSourceSchema)).Reconcile([]string{biz, fin})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Issues) != 0 {
		t.Fatalf("issues=%v", res.Issues)
	}
	if res.Summary.MatchedRecords != 1 {
		t.Fatalf("matched=%d", res.Summary.MatchedRecords)
	}
}
