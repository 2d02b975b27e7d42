package dataset

import (
	"strings"
	"time"
)

// strftime 指令到 Go 布局的映射；未识别的指令原样保留。
var strftimeDirectives = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
	'j': "002",
	'%': "%",
}

// StrftimeLayout converts a Python strftime format into a Go time layout.
func StrftimeLayout(format string) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			b.WriteByte(c)
			continue
		}
		i++
		if rep, ok := strftimeDirectives[format[i]]; ok {
			b.WriteString(rep)
		} else {
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}
	return b.String()
}

// dateLayouts 按常见程度排列；time.Parse 对数值字段宽容（"2026-1-2" 也能命中
// "2006-01-02"），无需为无前导零的写法单列。
var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"2006.01.02",
	"20060102",
	"2006年01月02日",
	"01/02/2006",
	"2006-01-02 15:04",
}

// ParseDate interprets a cell as a timestamp. Numeric cells are treated as
// Excel serial day numbers.
func ParseDate(v any) (time.Time, bool) {
	if IsNA(v) {
		return time.Time{}, false
	}
	if f, ok := v.(float64); ok {
		return excelSerialDate(f)
	}
	s := strings.TrimSpace(AsString(v))
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if f, ok := AsFloat(s); ok {
		return excelSerialDate(f)
	}
	return time.Time{}, false
}

// excelSerialDate 把 Excel 序列日转换为日期（1899-12-30 起算）。
func excelSerialDate(serial float64) (time.Time, bool) {
	if serial < 1 || serial > 300000 {
		return time.Time{}, false
	}
	epoch := time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)
	days := int(serial)
	frac := serial - float64(days)
	t := epoch.AddDate(0, 0, days).Add(time.Duration(frac * 24 * float64(time.Hour)))
	return t, true
}
