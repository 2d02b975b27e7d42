package recon

import (
	"regexp"
	"sort"
	"strings"

	"reconbackend/dataset"
	"reconbackend/schema"
)

// renderDetail 渲染 issue 详情模板。替换顺序：文件名占位符 → 业务术语占位符 →
// 按字段取值的 {biz[field]} / {fin[field]}。无法解析的 token 原样保留。
func renderDetail(template string, biz, fin dataset.Row, bizFile, finFile string) string {
	if template == "" {
		return ""
	}
	out := template
	fileTokens := map[string]string{
		"{biz_file}":        bizFile,
		"{fin_file}":        finFile,
		"{业务台账}":            bizFile,
		"{财务系统}":            finFile,
		"{business_ledger}": bizFile,
		"{finance_system}":  finFile,
	}
	for tok, val := range fileTokens {
		out = strings.ReplaceAll(out, tok, val)
	}
	out = substituteFields(out, "biz", biz)
	out = substituteFields(out, "fin", fin)
	return out
}

var fieldTokenRe = map[string]*regexp.Regexp{
	"biz": regexp.MustCompile(`\{biz\[['"]?([^\]'"}]+)['"]?\]\}`),
	"fin": regexp.MustCompile(`\{fin\[['"]?([^\]'"}]+)['"]?\]\}`),
}

func substituteFields(s, side string, row dataset.Row) string {
	re := fieldTokenRe[side]
	return re.ReplaceAllStringFunc(s, func(tok string) string {
		m := re.FindStringSubmatch(tok)
		if len(m) < 2 {
			return tok
		}
		v, ok := row[m[1]]
		if !ok {
			return tok
		}
		return dataset.AsString(v)
	})
}

var (
	bizFieldRefRe = regexp.MustCompile(`biz(?:\[['"]([^'"\]]+)['"]\]|\.get\(\s*['"]([^'"]+)['"])`)
	finFieldRefRe = regexp.MustCompile(`fin(?:\[['"]([^'"\]]+)['"]\]|\.get\(\s*['"]([^'"]+)['"])`)
)

// displayFields resolves which field feeds business_value / finance_value for
// one rule: the explicit display_fields declaration wins, otherwise the first
// field referenced in the rule's own condition/template text, otherwise the
// per-schema fallback.
func displayFields(v schema.Validation, fallback string) (bizField, finField string) {
	if v.DisplayFields != nil {
		bizField = v.DisplayFields.Business
		finField = v.DisplayFields.Finance
	}
	text := v.ConditionExpr + " " + v.DetailTemplate
	if bizField == "" {
		bizField = firstRef(bizFieldRefRe, text)
	}
	if finField == "" {
		finField = firstRef(finFieldRefRe, text)
	}
	if bizField == "" {
		bizField = fallback
	}
	if finField == "" {
		finField = fallback
	}
	return bizField, finField
}

func firstRef(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

// inferFallbackField picks the most frequently referenced record field across
// all rules, preferring amount-like names; defaults to "amount".
func inferFallbackField(rules []schema.Validation) string {
	counts := map[string]int{}
	for _, v := range rules {
		text := v.ConditionExpr + " " + v.DetailTemplate
		for _, re := range []*regexp.Regexp{bizFieldRefRe, finFieldRefRe} {
			for _, m := range re.FindAllStringSubmatch(text, -1) {
				f := m[1]
				if f == "" {
					f = m[2]
				}
				if f != "" {
					counts[f]++
				}
			}
		}
	}
	if len(counts) == 0 {
		return "amount"
	}
	fields := make([]string, 0, len(counts))
	for f := range counts {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool {
		fi, fj := fields[i], fields[j]
		ai := strings.Contains(strings.ToLower(fi), "amount")
		aj := strings.Contains(strings.ToLower(fj), "amount")
		if ai != aj {
			return ai
		}
		if counts[fi] != counts[fj] {
			return counts[fi] > counts[fj]
		}
		return fi < fj
	})
	return fields[0]
}
