package dataset

import (
	"fmt"
	"strconv"
	"strings"
)

// IsNA reports whether a cell value is missing (nil, or a NaN-like marker).
func IsNA(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		ls := strings.ToLower(strings.TrimSpace(s))
		return ls == "nan" || ls == "nat" || ls == "none"
	}
	return false
}

// AsFloat coerces a cell value to float64. 失败返回 ok=false（调用方按缺失处理）。
func AsFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		s = strings.ReplaceAll(s, ",", "") // 千分位
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// AsString renders a cell value the way pandas' astype(str) would: floats with
// integral values print without a trailing ".0".
func AsString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return formatFloat(t)
	case bool:
		if t {
			return "True"
		}
		return "False"
	}
	return fmt.Sprintf("%v", v)
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) && f < 9e15 && f > -9e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// NormalizeKey 把 key 值归一化成跨数据源可比的字符串："1.0"/"1.00" → "1"，
// 文本 "001" 保持不变，NaN 类占位归一为空串。
func NormalizeKey(v any) string {
	if f, ok := v.(float64); ok {
		return formatFloat(f)
	}
	s := strings.TrimSpace(AsString(v))
	if s == "" {
		return ""
	}
	ls := strings.ToLower(s)
	if ls == "nan" || ls == "nat" || ls == "none" {
		return ""
	}
	if looksLikeIntegerFloatString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if f <= 9e15 && f >= -9e15 {
				i := int64(f)
				if float64(i) == f {
					return strconv.FormatInt(i, 10)
				}
			}
		}
	}
	return s
}

func looksLikeIntegerFloatString(s string) bool {
	// ^[+-]?\d+\.0+$
	if s == "" {
		return false
	}
	i := 0
	if s[0] == '+' || s[0] == '-' {
		i++
		if i >= len(s) {
			return false
		}
	}
	digits := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
		digits++
	}
	if digits == 0 || i == len(s) || s[i] != '.' {
		return false
	}
	i++
	zeros := 0
	for i < len(s) && s[i] == '0' {
		i++
		zeros++
	}
	return zeros > 0 && i == len(s)
}
