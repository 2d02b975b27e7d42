package rulelang

import (
	"fmt"
	"strconv"
)

// Program is a compiled rule expression, safe for concurrent Eval.
type Program struct {
	src  string
	root node
}

// Compile tokenizes and parses one expression.
func Compile(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("表达式第 %d 处存在多余内容: %q", p.peek().pos, p.peek().text)
	}
	return &Program{src: src, root: root}, nil
}

func (p *Program) Source() string { return p.src }

type parser struct {
	toks []token
	idx  int
}

func (p *parser) peek() token { return p.toks[p.idx] }

func (p *parser) next() token {
	t := p.toks[p.idx]
	if t.kind != tokEOF {
		p.idx++
	}
	return t
}

func (p *parser) acceptOp(text string) bool {
	if p.peek().kind == tokOp && p.peek().text == text {
		p.idx++
		return true
	}
	return false
}

func (p *parser) acceptName(text string) bool {
	if p.peek().kind == tokName && p.peek().text == text {
		p.idx++
		return true
	}
	return false
}

func (p *parser) expectOp(text string) error {
	if !p.acceptOp(text) {
		return fmt.Errorf("表达式第 %d 处期望 %q，得到 %q", p.peek().pos, text, p.peek().text)
	}
	return nil
}

// or_expr: and_expr ("or" and_expr)*
func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptName("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "or", left: left, right: right}
	}
	return left, nil
}

// and_expr: not_expr ("and" not_expr)*
func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptName("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "and", left: left, right: right}
	}
	return left, nil
}

// not_expr: "not" not_expr | comparison
func (p *parser) parseNot() (node, error) {
	if p.acceptName("not") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

// comparison: additive (cmp_op additive)*  — chains evaluate left to right
// pairwise like Python (a < b < c means a<b and b<c).
func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	var chain *chainNode
	for p.peek().kind == tokOp && comparisonOps[p.peek().text] {
		op := p.next().text
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if chain == nil {
			chain = &chainNode{first: left}
		}
		chain.ops = append(chain.ops, op)
		chain.rest = append(chain.rest, right)
	}
	if chain != nil {
		return chain, nil
	}
	return left, nil
}

// additive: multiplicative (("+"|"-") multiplicative)*
func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.acceptOp("+"):
			op = "+"
		case p.acceptOp("-"):
			op = "-"
		default:
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &arithNode{op: op, left: left, right: right}
	}
}

// multiplicative: unary (("*"|"/"|"%") unary)*
func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.acceptOp("*"):
			op = "*"
		case p.acceptOp("/"):
			op = "/"
		case p.acceptOp("%"):
			op = "%"
		default:
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &arithNode{op: op, left: left, right: right}
	}
}

// unary: "-" unary | postfix
func (p *parser) parseUnary() (node, error) {
	if p.acceptOp("-") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negNode{inner: inner}, nil
	}
	return p.parsePostfix()
}

// postfix: primary ( "[" expr "]" | "." name "(" args ")" | "(" args ")" )*
func (p *parser) parsePostfix() (node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.acceptOp("["):
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp("]"); err != nil {
				return nil, err
			}
			expr = &indexNode{obj: expr, key: idx}
		case p.acceptOp("."):
			name := p.next()
			if name.kind != tokName {
				return nil, fmt.Errorf("表达式第 %d 处期望方法名", name.pos)
			}
			if err := p.expectOp("("); err != nil {
				return nil, err
			}
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			expr = &methodNode{obj: expr, name: name.text, args: args}
		case p.acceptOp("("):
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			name, ok := expr.(*nameNode)
			if !ok {
				return nil, fmt.Errorf("表达式中只允许调用内建函数")
			}
			expr = &callNode{fn: name.name, args: args, pos: name.pos}
		default:
			return expr, nil
		}
	}
}

func (p *parser) parseArgs() ([]node, error) {
	var args []node
	if p.acceptOp(")") {
		return args, nil
	}
	for {
		a, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		if p.acceptOp(",") {
			continue
		}
		if err := p.expectOp(")"); err != nil {
			return nil, err
		}
		return args, nil
	}
}

// primary: NUMBER | STRING | name | "(" expr ")"
func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("表达式第 %d 处数字非法: %q", t.pos, t.text)
		}
		return &literalNode{val: f}, nil
	case tokString:
		p.next()
		return &literalNode{val: t.text}, nil
	case tokName:
		p.next()
		switch t.text {
		case "true", "True":
			return &literalNode{val: true}, nil
		case "false", "False":
			return &literalNode{val: false}, nil
		case "null", "None":
			return &literalNode{val: nil}, nil
		}
		return &nameNode{name: t.text, pos: t.pos}, nil
	case tokOp:
		if t.text == "(" {
			p.next()
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	}
	return nil, fmt.Errorf("表达式第 %d 处无法解析: %q", t.pos, t.text)
}
