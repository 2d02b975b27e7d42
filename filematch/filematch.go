// Package filematch 按 schema 中每个数据源声明的 file_pattern
// 把输入文件归入数据源角色。
package filematch

import (
	"path/filepath"
	"regexp"
	"strings"

	"reconbackend/schema"
)

// Match assigns each file path to at most one data-source role. A role keeps
// every file that matches it (multi-file roles are concatenated downstream).
// Files matching nothing are dropped; a file matching several roles goes to
// the first role in declaration order.
func Match(filePaths []string, s *schema.Schema) map[string][]string {
	matched := make(map[string][]string)
	if s == nil {
		return matched
	}
	for _, name := range s.DataSources.Order {
		matched[name] = nil
	}
	for _, fp := range filePaths {
		fileName := filepath.Base(fp)
		for _, name := range s.DataSources.Order {
			src := s.DataSources.Get(name)
			if src == nil {
				continue
			}
			if MatchAny(fileName, src.FilePattern) {
				matched[name] = append(matched[name], fp)
				break
			}
		}
	}
	return matched
}

// MatchAny reports whether fileName matches any of the wildcard patterns.
func MatchAny(fileName string, patterns []string) bool {
	for _, p := range patterns {
		re, err := compileWildcard(p)
		if err != nil {
			continue
		}
		if re.MatchString(fileName) {
			return true
		}
	}
	return false
}

// SearchAny is the loose variant used by transform file_pattern conditions:
// the pattern may match anywhere in the filename (substring search, not anchored).
func SearchAny(fileNames []string, pattern string) bool {
	re, err := compileWildcardLoose(pattern)
	if err != nil {
		return false
	}
	for _, fn := range fileNames {
		if re.MatchString(filepath.Base(fn)) {
			return true
		}
	}
	return false
}

// compileWildcard converts a shell-style wildcard into an anchored,
// case-insensitive regexp. "*" and "?" and character classes pass through;
// everything else is escaped. "*.csv" matches "A.CSV" but not "A.csv.bak".
func compileWildcard(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)^" + wildcardBody(pattern) + "$")
}

func compileWildcardLoose(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + wildcardBody(pattern))
}

func wildcardBody(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			// copy the character class through verbatim
			j := i + 1
			if j < len(pattern) && (pattern[j] == '!' || pattern[j] == '^') {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j < len(pattern) {
				cls := pattern[i : j+1]
				cls = strings.Replace(cls, "[!", "[^", 1)
				b.WriteString(cls)
				i = j
			} else {
				b.WriteString(regexp.QuoteMeta(string(c)))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}
