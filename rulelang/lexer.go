// Package rulelang 实现 schema 规则表达式的受限解释器：
// 词法分析 + 递归下降解析 + 求值。只暴露环境中的记录、存在标志、
// 容差常量与固定的内建函数，绝不提供通用代码执行。
package rulelang

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokName
	tokOp // punctuation and operators
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

var twoCharOps = []string{"==", "!=", "<=", ">="}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c >= '0' && c <= '9':
			l.lexNumber()
		case c == '\'' || c == '"':
			if err := l.lexString(c); err != nil {
				return nil, err
			}
		case isNameStart(rune(c)) || c >= utf8.RuneSelf:
			l.lexName()
		default:
			matched := false
			for _, op := range twoCharOps {
				if strings.HasPrefix(l.src[l.pos:], op) {
					l.toks = append(l.toks, token{tokOp, op, l.pos})
					l.pos += 2
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			switch c {
			case '(', ')', '[', ']', ',', '.', '+', '-', '*', '/', '%', '<', '>':
				l.toks = append(l.toks, token{tokOp, string(c), l.pos})
				l.pos++
			default:
				return nil, fmt.Errorf("表达式第 %d 处存在非法字符 %q", l.pos, string(c))
			}
		}
	}
	l.toks = append(l.toks, token{tokEOF, "", l.pos})
	return l.toks, nil
}

func (l *lexer) lexNumber() {
	start := l.pos
	for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9') {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' {
		l.pos++
		for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9') {
			l.pos++
		}
	}
	l.toks = append(l.toks, token{tokNumber, l.src[start:l.pos], start})
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++ // opening quote
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			next := l.src[l.pos+1]
			switch next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(next)
			}
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			l.toks = append(l.toks, token{tokString, b.String(), start})
			return nil
		}
		b.WriteByte(c)
		l.pos++
	}
	return fmt.Errorf("表达式第 %d 处字符串未闭合", start)
}

func (l *lexer) lexName() {
	start := l.pos
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !isNamePart(r) {
			break
		}
		l.pos += size
	}
	l.toks = append(l.toks, token{tokName, l.src[start:l.pos], start})
}

func isNameStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isNamePart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
