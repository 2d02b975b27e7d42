// Package recon 实现对账引擎：按 key 并集逐条比对业务与财务数据集，
// 自定义验证规则按声明顺序求值，首个命中者短路。
package recon

import (
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"reconbackend/cleaner"
	"reconbackend/dataset"
	"reconbackend/domain"
	"reconbackend/filematch"
	"reconbackend/rulelang"
	"reconbackend/schema"
)

type Engine struct {
	schema  *schema.Schema
	cleaner *cleaner.Cleaner

	rules         []compiledRule
	fallbackField string
}

type compiledRule struct {
	decl    schema.Validation
	prog    *rulelang.Program
	missing string // missing_business / missing_finance / none
	bizDisp string
	finDisp string
}

func NewEngine(s *schema.Schema) *Engine {
	e := &Engine{schema: s, cleaner: cleaner.New(s)}
	e.fallbackField = inferFallbackField(s.CustomValidations)
	for _, v := range s.CustomValidations {
		cr := compiledRule{
			decl:    v,
			missing: classifyMissing(v),
		}
		cr.bizDisp, cr.finDisp = displayFields(v, e.fallbackField)
		prog, err := rulelang.Compile(v.ConditionExpr)
		if err != nil {
			log.Printf("自定义验证规则编译失败: %s, 错误: %v", v.Name, err)
		} else {
			cr.prog = prog
		}
		e.rules = append(e.rules, cr)
	}
	return e
}

// Reconcile 对一组输入文件执行完整对账并产出结果。
func (e *Engine) Reconcile(filePaths []string) (*domain.Result, error) {
	matched := filematch.Match(filePaths, e.schema)
	bizFiles := matched["business"]
	finFiles := matched["finance"]

	var bizDS, finDS *dataset.Dataset
	var err error
	if len(bizFiles) > 0 {
		bizDS, err = e.cleaner.LoadAndClean("business", bizFiles)
		if err != nil {
			return nil, err
		}
	}
	if len(finFiles) > 0 {
		finDS, err = e.cleaner.LoadAndClean("finance", finFiles)
		if err != nil {
			return nil, err
		}
	}

	result := &domain.Result{
		Summary: domain.Summary{
			BusinessFile: joinBaseNames(bizFiles),
			FinanceFile:  joinBaseNames(finFiles),
		},
		Issues: []domain.Issue{},
		Metadata: domain.Metadata{
			BusinessFileCount: len(bizFiles),
			FinanceFileCount:  len(finFiles),
			RuleVersion:       string(e.schema.Version),
			ProcessedAt:       time.Now().Format(time.RFC3339),
		},
	}

	if bizDS.Empty() && finDS.Empty() {
		return result, nil
	}

	key := e.schema.KeyFieldRole
	if !bizDS.Empty() && !bizDS.HasColumn(key) {
		return nil, fmt.Errorf("业务数据缺少关键字段: %s", key)
	}
	if !finDS.Empty() && !finDS.HasColumn(key) {
		return nil, fmt.Errorf("财务数据缺少关键字段: %s", key)
	}

	bizIdx := indexByKey(bizDS, key)
	finIdx := indexByKey(finDS, key)

	keys := make([]string, 0, len(bizIdx)+len(finIdx))
	seen := make(map[string]struct{}, len(bizIdx)+len(finIdx))
	for k := range bizIdx {
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for k := range finIdx {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys) // stable key ordering keeps the issue list deterministic

	run := &runContext{
		env:     e.baseEnv(),
		bizFile: result.Summary.BusinessFile,
		finFile: result.Summary.FinanceFile,
	}
	for _, k := range keys {
		biz, bizExists := bizIdx[k]
		fin, finExists := finIdx[k]
		if issue, ok := e.checkKey(run, k, biz, fin, bizExists, finExists); ok {
			result.Issues = append(result.Issues, issue)
		}
	}

	e.fillSummary(result, bizDS.Len(), finDS.Len())
	return result, nil
}

// runContext carries the per-run evaluation environment and the matched
// filenames used for detail rendering.
type runContext struct {
	env     rulelang.Env
	bizFile string
	finFile string
}

// checkKey evaluates the rules for one key; the first truthy rule emits one
// issue. When no custom rule fires and both records exist, the built-in
// amount and date tolerance checks run.
func (e *Engine) checkKey(run *runContext, key string, biz, fin dataset.Row, bizExists, finExists bool) (domain.Issue, bool) {
	env := rulelang.Env{}
	for k, v := range run.env {
		env[k] = v
	}
	env["biz"] = recordOf(biz)
	env["fin"] = recordOf(fin)
	env["biz_exists"] = bizExists
	env["fin_exists"] = finExists

	for _, r := range e.rules {
		if r.prog == nil {
			continue
		}
		ok, err := r.prog.EvalTruthy(env)
		if err != nil {
			// 单条规则失败按未命中处理，继续后续规则
			log.Printf("自定义验证规则执行失败: %s, 错误: %v", r.decl.Name, err)
			continue
		}
		if !ok {
			continue
		}
		return e.buildIssue(r, key, biz, fin, bizExists, finExists, run), true
	}

	if bizExists && finExists {
		if issue, ok := e.checkAmount(key, biz, fin); ok {
			return issue, true
		}
		if issue, ok := e.checkDate(key, biz, fin); ok {
			return issue, true
		}
	}
	return domain.Issue{}, false
}

func (e *Engine) buildIssue(r compiledRule, key string, biz, fin dataset.Row, bizExists, finExists bool, run *runContext) domain.Issue {
	issueType := r.decl.IssueType
	if issueType == "" {
		issueType = "custom"
	}
	issue := domain.Issue{
		OrderID:   key,
		IssueType: issueType,
		Detail:    renderDetail(r.decl.DetailTemplate, biz, fin, run.bizFile, run.finFile),
	}
	if bizExists {
		issue.BusinessValue = displayValue(biz, r.bizDisp)
	}
	if finExists {
		issue.FinanceValue = displayValue(fin, r.finDisp)
	}
	return issue
}

func (e *Engine) checkAmount(key string, biz, fin dataset.Row) (domain.Issue, bool) {
	bv, bok := biz["amount"]
	fv, fok := fin["amount"]
	if !bok || !fok {
		return domain.Issue{}, false
	}
	bizAmount, bok2 := dataset.AsFloat(bv)
	finAmount, fok2 := dataset.AsFloat(fv)
	if !bok2 || !fok2 {
		return domain.Issue{}, false
	}
	maxDiff := e.schema.ToleranceFloat("amount_diff_max", 0.0)
	diff := bizAmount - finAmount
	if diff < 0 {
		diff = -diff
	}
	if diff <= maxDiff {
		return domain.Issue{}, false
	}
	return domain.Issue{
		OrderID:       key,
		IssueType:     "amount_mismatch",
		BusinessValue: domain.StrPtr(fmt.Sprintf("%.2f", bizAmount)),
		FinanceValue:  domain.StrPtr(fmt.Sprintf("%.2f", finAmount)),
		Detail: fmt.Sprintf("业务金额 %.2f vs 财务金额 %.2f，差额 %.2f 超出容差 %v",
			bizAmount, finAmount, diff, maxDiff),
	}, true
}

func (e *Engine) checkDate(key string, biz, fin dataset.Row) (domain.Issue, bool) {
	bv, bok := biz["date"]
	fv, fok := fin["date"]
	if !bok || !fok || dataset.IsNA(bv) || dataset.IsNA(fv) {
		return domain.Issue{}, false
	}
	bt, bok2 := dataset.ParseDate(bv)
	ft, fok2 := dataset.ParseDate(fv)
	if !bok2 || !fok2 {
		return domain.Issue{}, false
	}
	layout := dataset.StrftimeLayout(e.schema.ToleranceString("date_format", "%Y-%m-%d"))
	bizDate := dataset.AsString(bv)
	finDate := dataset.AsString(fv)
	if bt.Format(layout) == ft.Format(layout) {
		return domain.Issue{}, false
	}
	return domain.Issue{
		OrderID:       key,
		IssueType:     "date_mismatch",
		BusinessValue: domain.StrPtr(bizDate),
		FinanceValue:  domain.StrPtr(finDate),
		Detail:        fmt.Sprintf("业务交易时间 %s 与财务记录 %s 不一致", bizDate, finDate),
	}, true
}

// fillSummary derives the summary counters from the emitted issues.
// unmatched 只统计缺失类 issue；matched 按两侧独立口径取较小值。
func (e *Engine) fillSummary(result *domain.Result, totalBiz, totalFin int) {
	missingTypes := map[string]string{}
	for _, r := range e.rules {
		if r.missing == schema.AffectsSummaryMissingBusiness || r.missing == schema.AffectsSummaryMissingFinance {
			t := r.decl.IssueType
			if t == "" {
				t = "custom"
			}
			missingTypes[t] = r.missing
		}
	}

	unmatched := 0
	missingInBusiness := 0 // 记录只在财务侧存在
	missingInFinance := 0  // 记录只在业务侧存在
	for _, issue := range result.Issues {
		cls, ok := missingTypes[issue.IssueType]
		if !ok {
			continue
		}
		unmatched++
		if cls == schema.AffectsSummaryMissingBusiness {
			missingInBusiness++
		} else {
			missingInFinance++
		}
	}

	matched := totalBiz - missingInFinance
	if alt := totalFin - missingInBusiness; alt < matched {
		matched = alt
	}
	if matched < 0 {
		matched = 0
	}

	result.Summary.TotalBusinessRecords = totalBiz
	result.Summary.TotalFinanceRecords = totalFin
	result.Summary.MatchedRecords = matched
	result.Summary.UnmatchedRecords = unmatched
}

// classifyMissing honors the explicit affects_summary tag and falls back to
// scanning the condition text for the legacy convention.
func classifyMissing(v schema.Validation) string {
	switch v.AffectsSummary {
	case schema.AffectsSummaryMissingBusiness, schema.AffectsSummaryMissingFinance, schema.AffectsSummaryNone:
		return v.AffectsSummary
	}
	cond := v.ConditionExpr
	if strings.Contains(cond, "not biz_exists") {
		return schema.AffectsSummaryMissingBusiness
	}
	if strings.Contains(cond, "not fin_exists") {
		return schema.AffectsSummaryMissingFinance
	}
	return schema.AffectsSummaryNone
}

func (e *Engine) baseEnv() rulelang.Env {
	env := rulelang.Env{}
	tol := rulelang.Record{}
	for k, v := range e.schema.Tolerance {
		val := toleranceValue(v)
		tol[k] = val
		env[k] = val // 容差项同时以裸名字暴露给表达式
	}
	env["tolerance"] = tol
	return env
}

func toleranceValue(v any) any {
	switch t := v.(type) {
	case interface{ Float64() (float64, error) }:
		f, err := t.Float64()
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return f
	}
	return v
}

func indexByKey(ds *dataset.Dataset, key string) map[string]dataset.Row {
	idx := make(map[string]dataset.Row)
	if ds.Empty() {
		return idx
	}
	for _, row := range ds.Rows {
		// 规范化 key，使 xlsx 的数值订单号与 csv 的文本订单号落到同一格
		k := dataset.NormalizeKey(row[key])
		if _, ok := idx[k]; ok {
			// 上游未聚合的重复 key 取首行作代表
			log.Printf("重复的 key %q，仅取首行参与对账", k)
			continue
		}
		idx[k] = row
	}
	return idx
}

func recordOf(row dataset.Row) rulelang.Record {
	if row == nil {
		return rulelang.Record{}
	}
	return rulelang.Record(row)
}

func displayValue(row dataset.Row, field string) *string {
	if field == "" {
		return nil
	}
	v, ok := row[field]
	if !ok || v == nil {
		return nil
	}
	return domain.StrPtr(dataset.AsString(v))
}

func joinBaseNames(paths []string) string {
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	return strings.Join(names, ",")
}
