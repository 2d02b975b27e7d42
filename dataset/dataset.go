// Package dataset 提供内存中的列标注行表，以及 CSV/XLSX 的加载。
// 值为 nil（缺失）、string 或 float64。
package dataset

import "sort"

// SourceFileColumn 记录每行的来源文件名，清洗完成后删除。
const SourceFileColumn = "__source_file__"

type Row map[string]any

type Dataset struct {
	Columns []string
	Rows    []Row
}

func New(columns []string) *Dataset {
	return &Dataset{Columns: append([]string(nil), columns...)}
}

func (d *Dataset) Empty() bool { return d == nil || len(d.Rows) == 0 }

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

func (d *Dataset) HasColumn(name string) bool {
	if d == nil {
		return false
	}
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// AddColumn appends the column when absent.
func (d *Dataset) AddColumn(name string) {
	if !d.HasColumn(name) {
		d.Columns = append(d.Columns, name)
	}
}

// DropColumn removes a column and its values from every row.
func (d *Dataset) DropColumn(name string) {
	if d == nil {
		return
	}
	out := d.Columns[:0]
	for _, c := range d.Columns {
		if c != name {
			out = append(out, c)
		}
	}
	d.Columns = out
	for _, r := range d.Rows {
		delete(r, name)
	}
}

// Rename renames column old to new in place. 若 new 已存在则覆盖其值。
func (d *Dataset) Rename(oldName, newName string) {
	if d == nil || oldName == newName || !d.HasColumn(oldName) {
		return
	}
	had := d.HasColumn(newName)
	for i, c := range d.Columns {
		if c == oldName {
			if had {
				// drop the old slot; newName keeps its position
				d.Columns = append(d.Columns[:i], d.Columns[i+1:]...)
			} else {
				d.Columns[i] = newName
			}
			break
		}
	}
	for _, r := range d.Rows {
		if v, ok := r[oldName]; ok {
			r[newName] = v
			delete(r, oldName)
		}
	}
}

// Concat appends other's rows, unioning columns (缺失列补 nil 语义由 map 天然提供)。
func Concat(parts ...*Dataset) *Dataset {
	out := &Dataset{}
	seen := make(map[string]struct{})
	for _, p := range parts {
		if p == nil {
			continue
		}
		for _, c := range p.Columns {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				out.Columns = append(out.Columns, c)
			}
		}
		out.Rows = append(out.Rows, p.Rows...)
	}
	return out
}

// MapFieldRoles renames raw columns onto canonical field roles. For each role
// the first candidate present in the dataset wins; absent candidates are
// silently ignored.
func (d *Dataset) MapFieldRoles(fieldRoles map[string][]string) {
	if d == nil || len(fieldRoles) == 0 {
		return
	}
	roles := make([]string, 0, len(fieldRoles))
	for role := range fieldRoles {
		roles = append(roles, role)
	}
	sort.Strings(roles) // map order is random; keep renames deterministic
	for _, role := range roles {
		for _, cand := range fieldRoles[role] {
			if d.HasColumn(cand) {
				d.Rename(cand, role)
				break
			}
		}
	}
}

// Clone returns a deep copy (rows copied; values are immutable scalars).
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	out := &Dataset{Columns: append([]string(nil), d.Columns...)}
	out.Rows = make([]Row, len(d.Rows))
	for i, r := range d.Rows {
		cp := make(Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out.Rows[i] = cp
	}
	return out
}
