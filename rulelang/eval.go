package rulelang

import (
	"fmt"
	"strconv"
	"strings"
)

// Env binds names visible to an expression. Values may be scalars
// (nil/bool/float64/string) or Record maps.
type Env map[string]any

// Record 一条按字段取值的记录（biz/fin/row/tolerance 都用它表示）。
type Record map[string]any

// Eval runs the compiled expression against env. 求值错误通过 error 返回，
// 从不 panic；调用方按“规则未命中/转换跳过”处理。
func (p *Program) Eval(env Env) (any, error) {
	if p == nil || p.root == nil {
		return nil, fmt.Errorf("表达式未编译")
	}
	return p.root.eval(env)
}

// EvalTruthy evaluates and reduces to Python-like truthiness.
func (p *Program) EvalTruthy(env Env) (bool, error) {
	v, err := p.Eval(env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy implements Python-like truthiness: nil, false, 0, "" and empty
// records are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case Record:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

type node interface {
	eval(env Env) (any, error)
}

type literalNode struct{ val any }

func (n *literalNode) eval(Env) (any, error) { return n.val, nil }

type nameNode struct {
	name string
	pos  int
}

func (n *nameNode) eval(env Env) (any, error) {
	if v, ok := env[n.name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("未定义的名称: %s", n.name)
}

type logicalNode struct {
	op          string
	left, right node
}

func (n *logicalNode) eval(env Env) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	// Python 语义：and/or 返回操作数本身，短路求值。
	if n.op == "and" {
		if !Truthy(l) {
			return l, nil
		}
		return n.right.eval(env)
	}
	if Truthy(l) {
		return l, nil
	}
	return n.right.eval(env)
}

type notNode struct{ inner node }

func (n *notNode) eval(env Env) (any, error) {
	v, err := n.inner.eval(env)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

type negNode struct{ inner node }

func (n *negNode) eval(env Env) (any, error) {
	v, err := n.inner.eval(env)
	if err != nil {
		return nil, err
	}
	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("无法对 %v 取负", v)
	}
	return -f, nil
}

type chainNode struct {
	first node
	ops   []string
	rest  []node
}

func (n *chainNode) eval(env Env) (any, error) {
	left, err := n.first.eval(env)
	if err != nil {
		return nil, err
	}
	for i, op := range n.ops {
		right, err := n.rest[i].eval(env)
		if err != nil {
			return nil, err
		}
		ok, err := compare(op, left, right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

type arithNode struct {
	op          string
	left, right node
}

func (n *arithNode) eval(env Env) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	if n.op == "+" {
		if ls, ok := l.(string); ok {
			if rs, ok := r.(string); ok {
				return ls + rs, nil
			}
		}
	}
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if !lok || !rok {
		return nil, fmt.Errorf("算术运算要求数值，得到 %v %s %v", l, n.op, r)
	}
	switch n.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("除数为零")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("除数为零")
		}
		ri := int64(rf)
		li := int64(lf)
		if float64(ri) == rf && float64(li) == lf {
			return float64(li % ri), nil
		}
		return lf - rf*float64(int64(lf/rf)), nil
	}
	return nil, fmt.Errorf("未知运算符 %q", n.op)
}

type indexNode struct {
	obj node
	key node
}

func (n *indexNode) eval(env Env) (any, error) {
	obj, err := n.obj.eval(env)
	if err != nil {
		return nil, err
	}
	key, err := n.key.eval(env)
	if err != nil {
		return nil, err
	}
	rec, ok := asRecord(obj)
	if !ok {
		return nil, fmt.Errorf("%v 不支持按键取值", obj)
	}
	ks, ok := key.(string)
	if !ok {
		return nil, fmt.Errorf("索引必须是字符串，得到 %v", key)
	}
	v, ok := rec[ks]
	if !ok {
		// 对齐 Python KeyError：按规则求值错误处理
		return nil, fmt.Errorf("字段不存在: %s", ks)
	}
	return v, nil
}

type methodNode struct {
	obj  node
	name string
	args []node
}

func (n *methodNode) eval(env Env) (any, error) {
	obj, err := n.obj.eval(env)
	if err != nil {
		return nil, err
	}
	rec, ok := asRecord(obj)
	if !ok {
		return nil, fmt.Errorf("%v 不支持方法调用", obj)
	}
	if n.name != "get" {
		return nil, fmt.Errorf("不支持的方法: %s", n.name)
	}
	if len(n.args) < 1 || len(n.args) > 2 {
		return nil, fmt.Errorf("get 需要 1 或 2 个参数")
	}
	key, err := n.args[0].eval(env)
	if err != nil {
		return nil, err
	}
	ks, ok := key.(string)
	if !ok {
		return nil, fmt.Errorf("get 的键必须是字符串")
	}
	if v, ok := rec[ks]; ok {
		return v, nil
	}
	if len(n.args) == 2 {
		return n.args[1].eval(env)
	}
	return nil, nil
}

type callNode struct {
	fn   string
	args []node
	pos  int
}

func (n *callNode) eval(env Env) (any, error) {
	vals := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(env)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	switch n.fn {
	case "abs":
		if len(vals) != 1 {
			return nil, fmt.Errorf("abs 需要 1 个参数")
		}
		f, ok := toFloat(vals[0])
		if !ok {
			return nil, fmt.Errorf("abs 的参数必须是数值: %v", vals[0])
		}
		if f < 0 {
			return -f, nil
		}
		return f, nil
	case "len":
		if len(vals) != 1 {
			return nil, fmt.Errorf("len 需要 1 个参数")
		}
		switch t := vals[0].(type) {
		case string:
			return float64(len([]rune(t))), nil
		case Record:
			return float64(len(t)), nil
		case map[string]any:
			return float64(len(t)), nil
		}
		return nil, fmt.Errorf("len 的参数必须是字符串或记录")
	case "float":
		if len(vals) != 1 {
			return nil, fmt.Errorf("float 需要 1 个参数")
		}
		f, ok := toFloat(vals[0])
		if !ok {
			return nil, fmt.Errorf("无法转换为数值: %v", vals[0])
		}
		return f, nil
	case "int":
		if len(vals) != 1 {
			return nil, fmt.Errorf("int 需要 1 个参数")
		}
		f, ok := toFloat(vals[0])
		if !ok {
			return nil, fmt.Errorf("无法转换为整数: %v", vals[0])
		}
		return float64(int64(f)), nil
	case "str":
		if len(vals) != 1 {
			return nil, fmt.Errorf("str 需要 1 个参数")
		}
		return stringify(vals[0]), nil
	}
	return nil, fmt.Errorf("不支持的函数: %s", n.fn)
}

func asRecord(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case Record:
		return t, true
	case map[string]any:
		return t, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
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
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case string:
		return t
	case bool:
		if t {
			return "True"
		}
		return "False"
	case float64:
		if t == float64(int64(t)) && t < 9e15 && t > -9e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// compare resolves one comparison. Both sides numeric-coercible → numeric
// (unless both are strings, which stay lexicographic); mixed types only
// define equality.
func compare(op string, l, r any) (bool, error) {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok && !(isString(l) && isString(r)) {
		return compareFloats(op, lf, rf)
	}
	ls, lsok := l.(string)
	rs, rsok := r.(string)
	if lsok && rsok {
		switch op {
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	switch op {
	case "==":
		return equalLoose(l, r), nil
	case "!=":
		return !equalLoose(l, r), nil
	}
	if l == nil || r == nil {
		// 缺失值的大小比较与 NaN 一致：恒为假
		return false, nil
	}
	return false, fmt.Errorf("无法比较 %v %s %v", l, op, r)
}

func compareFloats(op string, l, r float64) (bool, error) {
	switch op {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	}
	return false, fmt.Errorf("未知比较符 %q", op)
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func equalLoose(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		return lf == rf
	}
	return stringify(l) == stringify(r)
}
