// Package cleaner 按 schema 规则把原始台账文件清洗成角色统一的 Dataset：
// 行过滤 → 字段转换 → 聚合 → 全局转换 → 类型归一。
package cleaner

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"reconbackend/dataset"
	"reconbackend/filematch"
	"reconbackend/rulelang"
	"reconbackend/schema"
)

type Cleaner struct {
	schema *schema.Schema
}

func New(s *schema.Schema) *Cleaner {
	return &Cleaner{schema: s}
}

// LoadAndClean 读取一个数据源角色的全部文件并执行清洗流水线。
// 返回的 Dataset 不再包含 __source_file__ 列。
func (c *Cleaner) LoadAndClean(source string, filePaths []string) (*dataset.Dataset, error) {
	src := c.schema.DataSources.Get(source)
	if src == nil {
		return nil, fmt.Errorf("未知的数据源: %s", source)
	}

	ds, err := dataset.LoadAll(filePaths, src.Sheet)
	if err != nil {
		return nil, err
	}

	roles := make(map[string][]string, len(src.FieldRoles))
	for role, cands := range src.FieldRoles {
		roles[role] = []string(cands)
	}
	ds.MapFieldRoles(roles)

	rules := schema.MergeRuleSets(c.schema.CleaningRules("global"), c.schema.CleaningRules(source))
	if rules != nil {
		applyRowFilters(ds, rules.RowFilters)
		applyFieldTransforms(ds, rules.FieldTransforms, filePaths)
		applyAggregations(ds, rules.Aggregations)
		applyGlobalTransforms(ds, rules.GlobalTransforms)
	}
	convertTypes(ds, c.schema.KeyFieldRole)

	ds.DropColumn(dataset.SourceFileColumn)
	return ds, nil
}

// applyRowFilters keeps the rows whose condition evaluates truthy. A filter
// that fails to compile, or errors on any row, leaves the dataset unchanged.
func applyRowFilters(ds *dataset.Dataset, filters []schema.RowFilter) {
	for _, f := range filters {
		cond := strings.TrimSpace(f.Condition)
		if cond == "" {
			continue
		}
		prog, err := rulelang.Compile(cond)
		if err != nil {
			log.Printf("过滤规则执行失败: %s, 错误: %v", cond, err)
			continue
		}
		kept := make([]dataset.Row, 0, len(ds.Rows))
		failed := false
		for _, row := range ds.Rows {
			ok, err := prog.EvalTruthy(rulelang.Env{"row": rulelang.Record(row)})
			if err != nil {
				log.Printf("过滤规则执行失败: %s, 错误: %v", cond, err)
				failed = true
				break
			}
			if ok {
				kept = append(kept, row)
			}
		}
		if failed {
			continue
		}
		ds.Rows = kept
		log.Printf("应用过滤规则: %s, 剩余 %d 条记录", describeOr(f.Description, cond), len(ds.Rows))
	}
}

func applyFieldTransforms(ds *dataset.Dataset, transforms []schema.FieldTransform, filePaths []string) {
	baseNames := make([]string, 0, len(filePaths))
	for _, p := range filePaths {
		baseNames = append(baseNames, filepath.Base(p))
	}

	for _, tr := range transforms {
		if tr.Field == "" || tr.Operation == "" {
			continue
		}
		if cond := strings.TrimSpace(tr.Condition); strings.HasPrefix(cond, "file_pattern:") {
			pattern := strings.TrimSpace(strings.TrimPrefix(cond, "file_pattern:"))
			if !filematch.SearchAny(baseNames, pattern) {
				continue
			}
		}
		if !ds.HasColumn(tr.Field) {
			log.Printf("字段 %s 不存在，跳过转换", tr.Field)
			continue
		}
		if err := applyFieldTransform(ds, tr); err != nil {
			log.Printf("字段转换失败: %s %s, 错误: %v", tr.Field, tr.Operation, err)
			continue
		}
		log.Printf("应用字段转换: %s", describeOr(tr.Description, tr.Field+" "+tr.Operation))
	}
}

func applyFieldTransform(ds *dataset.Dataset, tr schema.FieldTransform) error {
	field := tr.Field
	switch tr.Operation {
	case "divide":
		v := numberOr(tr.Value, 1)
		if v == 0 {
			return fmt.Errorf("除数为 0")
		}
		numericApply(ds, field, func(f float64) float64 { return f / v })
	case "multiply":
		numericApply(ds, field, func(f float64) float64 { return f * numberOr(tr.Value, 1) })
	case "add":
		numericApply(ds, field, func(f float64) float64 { return f + numberOr(tr.Value, 0) })
	case "subtract":
		numericApply(ds, field, func(f float64) float64 { return f - numberOr(tr.Value, 0) })
	case "round":
		decimals := 2
		if tr.Decimals != nil {
			decimals = *tr.Decimals
		}
		scale := math.Pow(10, float64(decimals))
		numericApply(ds, field, func(f float64) float64 { return math.Round(f*scale) / scale })
	case "abs":
		numericApply(ds, field, math.Abs)
	case "format_date":
		layout := dataset.StrftimeLayout(firstNonEmpty(tr.Format, "%Y-%m-%d"))
		for _, row := range ds.Rows {
			t, ok := dataset.ParseDate(row[field])
			if !ok {
				row[field] = nil // 无法解析按缺失处理
				continue
			}
			row[field] = t.Format(layout)
		}
	case "replace":
		for _, row := range ds.Rows {
			if valueEquals(row[field], tr.OldValue) {
				row[field] = normalizeConfigValue(tr.NewValue)
			}
		}
	case "strip":
		stringApply(ds, field, strings.TrimSpace)
	case "upper":
		stringApply(ds, field, strings.ToUpper)
	case "lower":
		stringApply(ds, field, strings.ToLower)
	case "expr":
		expr := strings.TrimSpace(tr.Expression)
		if expr == "" {
			return nil
		}
		prog, err := rulelang.Compile(expr)
		if err != nil {
			return err
		}
		// 先整列求值，任一行失败则整体放弃，保持原值不变。
		vals := make([]any, len(ds.Rows))
		for i, row := range ds.Rows {
			v, err := prog.Eval(rulelang.Env{"row": rulelang.Record(row)})
			if err != nil {
				return err
			}
			vals[i] = v
		}
		for i, row := range ds.Rows {
			row[field] = vals[i]
		}
	default:
		return fmt.Errorf("不支持的转换操作: %s", tr.Operation)
	}
	return nil
}

// numericApply coerces the column to float64 cell by cell; cells that cannot
// be coerced become missing (nil), mirroring errors='coerce'.
func numericApply(ds *dataset.Dataset, field string, fn func(float64) float64) {
	for _, row := range ds.Rows {
		f, ok := dataset.AsFloat(row[field])
		if !ok {
			row[field] = nil
			continue
		}
		row[field] = fn(f)
	}
}

func stringApply(ds *dataset.Dataset, field string, fn func(string) string) {
	for _, row := range ds.Rows {
		if dataset.IsNA(row[field]) {
			continue
		}
		row[field] = fn(dataset.AsString(row[field]))
	}
}

func applyAggregations(ds *dataset.Dataset, aggs []schema.Aggregation) {
	for _, agg := range aggs {
		groupBy := []string(agg.GroupBy)
		if len(groupBy) == 0 || len(agg.AggFields) == 0 {
			continue
		}
		var missing []string
		for _, f := range groupBy {
			if !ds.HasColumn(f) {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			log.Printf("分组字段 %v 不存在，跳过聚合", missing)
			continue
		}
		if err := aggregate(ds, groupBy, agg.AggFields); err != nil {
			log.Printf("聚合失败: %v", err)
			continue
		}
		log.Printf("应用聚合: %s, 结果 %d 条记录", describeOr(agg.Description, strings.Join(groupBy, ",")), len(ds.Rows))
	}
}

func aggregate(ds *dataset.Dataset, groupBy []string, aggFields map[string]string) error {
	inGroup := make(map[string]bool, len(groupBy))
	for _, f := range groupBy {
		inGroup[f] = true
	}
	// 非分组列都参与聚合；未显式配置的列取 first。
	funcs := make(map[string]string)
	for _, col := range ds.Columns {
		if inGroup[col] {
			continue
		}
		fn := aggFields[col]
		if fn == "" {
			fn = "first"
		}
		switch fn {
		case "sum", "count", "mean", "first", "min", "max":
		default:
			return fmt.Errorf("不支持的聚合函数: %s", fn)
		}
		funcs[col] = fn
	}

	type group struct {
		keyVals map[string]any
		rows    []dataset.Row
	}
	groups := make(map[string]*group)
	var keys []string
	for _, row := range ds.Rows {
		parts := make([]string, len(groupBy))
		kv := make(map[string]any, len(groupBy))
		for i, f := range groupBy {
			parts[i] = dataset.AsString(row[f])
			kv[f] = row[f]
		}
		key := strings.Join(parts, "\x1f")
		g, ok := groups[key]
		if !ok {
			g = &group{keyVals: kv}
			groups[key] = g
			keys = append(keys, key)
		}
		g.rows = append(g.rows, row)
	}
	sort.Strings(keys) // groupby 默认按键排序输出

	out := make([]dataset.Row, 0, len(keys))
	for _, key := range keys {
		g := groups[key]
		row := make(dataset.Row, len(ds.Columns))
		for f, v := range g.keyVals {
			row[f] = v
		}
		for col, fn := range funcs {
			row[col] = aggColumn(g.rows, col, fn)
		}
		out = append(out, row)
	}

	cols := make([]string, 0, len(ds.Columns))
	for _, c := range ds.Columns {
		if inGroup[c] {
			cols = append(cols, c)
		}
	}
	for _, c := range ds.Columns {
		if !inGroup[c] {
			cols = append(cols, c)
		}
	}
	ds.Columns = cols
	ds.Rows = out
	return nil
}

func aggColumn(rows []dataset.Row, col, fn string) any {
	switch fn {
	case "sum":
		total := 0.0
		for _, r := range rows {
			if f, ok := dataset.AsFloat(r[col]); ok && !dataset.IsNA(r[col]) {
				total += f
			}
		}
		return total
	case "count":
		n := 0
		for _, r := range rows {
			if !dataset.IsNA(r[col]) {
				n++
			}
		}
		return float64(n)
	case "mean":
		total, n := 0.0, 0
		for _, r := range rows {
			if f, ok := dataset.AsFloat(r[col]); ok && !dataset.IsNA(r[col]) {
				total += f
				n++
			}
		}
		if n == 0 {
			return nil
		}
		return total / float64(n)
	case "min", "max":
		var best any
		var bestF float64
		for _, r := range rows {
			f, ok := dataset.AsFloat(r[col])
			if !ok || dataset.IsNA(r[col]) {
				continue
			}
			if best == nil || (fn == "min" && f < bestF) || (fn == "max" && f > bestF) {
				best, bestF = r[col], f
			}
		}
		return best
	default: // first：首个非缺失值
		for _, r := range rows {
			if !dataset.IsNA(r[col]) {
				return r[col]
			}
		}
		return nil
	}
}

func applyGlobalTransforms(ds *dataset.Dataset, transforms []schema.GlobalTransform) {
	for _, tr := range transforms {
		switch tr.Operation {
		case "drop_duplicates":
			if m := missingColumns(ds, []string(tr.Subset)); len(m) > 0 {
				log.Printf("字段 %v 不存在，跳过去重", m)
				continue
			}
			dropDuplicates(ds, []string(tr.Subset), tr.Keep)
			log.Printf("删除重复记录，剩余 %d 条", len(ds.Rows))
		case "sort":
			by := []string(tr.By)
			if len(by) > 0 {
				if m := missingColumns(ds, by); len(m) > 0 {
					log.Printf("字段 %v 不存在，跳过排序", m)
					continue
				}
				sortRows(ds, by, []bool(tr.Ascending))
				log.Printf("排序: %v", by)
			}
		case "drop_na":
			if m := missingColumns(ds, []string(tr.Subset)); len(m) > 0 {
				log.Printf("字段 %v 不存在，跳过删除空值", m)
				continue
			}
			dropNA(ds, []string(tr.Subset))
			log.Printf("删除空值，剩余 %d 条", len(ds.Rows))
		case "fill_na":
			val := normalizeConfigValue(tr.Value)
			if val == nil {
				val = 0.0
			}
			if m := missingColumns(ds, []string(tr.Subset)); len(m) > 0 {
				log.Printf("字段 %v 不存在，跳过填充空值", m)
				continue
			}
			fillNA(ds, []string(tr.Subset), val)
			log.Printf("填充空值: %v", val)
		case "reset_index":
			// 行下标隐式，无需处理
		default:
			log.Printf("全局转换失败: %s, 错误: 不支持的操作", tr.Operation)
		}
	}
}

// missingColumns 返回数据集中不存在的列名。
func missingColumns(ds *dataset.Dataset, cols []string) []string {
	var missing []string
	for _, c := range cols {
		if !ds.HasColumn(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

func dropDuplicates(ds *dataset.Dataset, subset []string, keep string) {
	cols := subset
	if len(cols) == 0 {
		cols = ds.Columns
	}
	keyOf := func(r dataset.Row) string {
		parts := make([]string, len(cols))
		for i, c := range cols {
			parts[i] = dataset.AsString(r[c])
		}
		return strings.Join(parts, "\x1f")
	}
	if keep == "last" {
		last := make(map[string]int, len(ds.Rows))
		for i, r := range ds.Rows {
			last[keyOf(r)] = i
		}
		out := ds.Rows[:0]
		for i, r := range ds.Rows {
			if last[keyOf(r)] == i {
				out = append(out, r)
			}
		}
		ds.Rows = out
		return
	}
	seen := make(map[string]struct{}, len(ds.Rows))
	out := ds.Rows[:0]
	for _, r := range ds.Rows {
		k := keyOf(r)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	ds.Rows = out
}

func sortRows(ds *dataset.Dataset, by []string, ascending []bool) {
	asc := func(i int) bool {
		if len(ascending) == 0 {
			return true
		}
		if i < len(ascending) {
			return ascending[i]
		}
		return ascending[len(ascending)-1]
	}
	sort.SliceStable(ds.Rows, func(a, b int) bool {
		ra, rb := ds.Rows[a], ds.Rows[b]
		for i, col := range by {
			c := compareCells(ra[col], rb[col])
			if c == 0 {
				continue
			}
			if asc(i) {
				return c < 0
			}
			return c > 0
		}
		return false
	})
}

// compareCells orders two cells; NA sorts after everything (na_position=last).
func compareCells(a, b any) int {
	naA, naB := dataset.IsNA(a), dataset.IsNA(b)
	if naA || naB {
		switch {
		case naA && naB:
			return 0
		case naA:
			return 1
		default:
			return -1
		}
	}
	fa, okA := dataset.AsFloat(a)
	fb, okB := dataset.AsFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(dataset.AsString(a), dataset.AsString(b))
}

func dropNA(ds *dataset.Dataset, subset []string) {
	cols := subset
	if len(cols) == 0 {
		cols = ds.Columns
	}
	out := ds.Rows[:0]
	for _, r := range ds.Rows {
		drop := false
		for _, c := range cols {
			if dataset.IsNA(r[c]) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, r)
		}
	}
	ds.Rows = out
}

func fillNA(ds *dataset.Dataset, subset []string, value any) {
	cols := subset
	if len(cols) == 0 {
		cols = ds.Columns
	}
	for _, r := range ds.Rows {
		for _, c := range cols {
			if dataset.IsNA(r[c]) {
				r[c] = value
			}
		}
	}
}

// convertTypes normalizes the well-known roles: amount becomes numeric, the
// key role (and order_id) becomes text.
func convertTypes(ds *dataset.Dataset, keyRole string) {
	if ds.HasColumn("amount") {
		for _, r := range ds.Rows {
			if f, ok := dataset.AsFloat(r["amount"]); ok {
				r["amount"] = f
			} else {
				r["amount"] = nil
			}
		}
	}
	for _, col := range []string{"order_id", keyRole} {
		if col == "" || col == "amount" || !ds.HasColumn(col) {
			continue
		}
		for _, r := range ds.Rows {
			if r[col] != nil {
				r[col] = dataset.AsString(r[col])
			}
		}
	}
}

func numberOr(n json.Number, def float64) float64 {
	f, err := n.Float64()
	if err != nil {
		return def
	}
	return f
}

// normalizeConfigValue maps a schema-config scalar into cell representation.
func normalizeConfigValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case float64, string, bool, nil:
		return t
	}
	return v
}

// valueEquals matches a cell against a config scalar, coercing numerics so
// that "100" matches 100.
func valueEquals(cell, cfg any) bool {
	cfg = normalizeConfigValue(cfg)
	if cell == nil || cfg == nil {
		return cell == nil && cfg == nil
	}
	if cf, ok := cfg.(float64); ok {
		if f, fok := dataset.AsFloat(cell); fok {
			return f == cf
		}
		return false
	}
	return dataset.AsString(cell) == dataset.AsString(cfg)
}

func describeOr(desc, fallback string) string {
	if strings.TrimSpace(desc) != "" {
		return desc
	}
	return fallback
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
