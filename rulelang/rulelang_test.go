package rulelang

import (
	"strings"
	"testing"
)

func eval(t *testing.T, src string, env Env) any {
	t.Helper()
	p, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile(%q) err=%v", src, err)
	}
	v, err := p.Eval(env)
	if err != nil {
		t.Fatalf("Eval(%q) err=%v", src, err)
	}
	return v
}

func evalTruthy(t *testing.T, src string, env Env) bool {
	t.Helper()
	p, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile(%q) err=%v", src, err)
	}
	got, err := p.EvalTruthy(env)
	if err != nil {
		t.Fatalf("EvalTruthy(%q) err=%v", src, err)
	}
	return got
}

func TestLiteralsAndArithmetic(t *testing.T) {
	if got := eval(t, "1 + 2 * 3", nil); got != float64(7) {
		t.Fatalf("got=%v", got)
	}
	if got := eval(t, "(1 + 2) * 3", nil); got != float64(9) {
		t.Fatalf("got=%v", got)
	}
	if got := eval(t, "-2 + 5", nil); got != float64(3) {
		t.Fatalf("got=%v", got)
	}
	if got := eval(t, "'a' + 'b'", nil); got != "ab" {
		t.Fatalf("got=%v", got)
	}
	if got := eval(t, "7 % 3", nil); got != float64(1) {
		t.Fatalf("got=%v", got)
	}
}

func TestRecordAccess(t *testing.T) {
	env := Env{
		"biz": Record{"amount": "100.50", "status": "已完成"},
		"fin": Record{"amount": 99.5},
	}
	if got := eval(t, "biz['status']", env); got != "已完成" {
		t.Fatalf("got=%v", got)
	}
	if got := eval(t, "fin.get('amount')", env); got != 99.5 {
		t.Fatalf("got=%v", got)
	}
	if got := eval(t, "fin.get('missing', 0)", env); got != float64(0) {
		t.Fatalf("got=%v", got)
	}
	if got := eval(t, "fin.get('missing')", env); got != nil {
		t.Fatalf("got=%v", got)
	}
	// KeyError semantics: missing index is an error, not nil.
	p, err := Compile("biz['nope']")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Eval(env); err == nil {
		t.Fatalf("expected missing-field error")
	}
}

func TestToleranceComparison(t *testing.T) {
	env := Env{
		"biz":             Record{"amount": "100.00"},
		"fin":             Record{"amount": "100.50"},
		"amount_diff_max": 0.0,
	}
	got := evalTruthy(t, "abs(float(biz['amount']) - float(fin['amount'])) > amount_diff_max", env)
	if !got {
		t.Fatalf("expected mismatch to trigger")
	}
	// boundary: diff exactly equal to tolerance does not trigger
	env["amount_diff_max"] = 0.5
	got = evalTruthy(t, "abs(float(biz['amount']) - float(fin['amount'])) > amount_diff_max", env)
	if got {
		t.Fatalf("diff == tolerance must not trigger")
	}
}

func TestLogicalShortCircuit(t *testing.T) {
	env := Env{"biz_exists": true, "fin_exists": false, "biz": Record{}}
	if !evalTruthy(t, "not fin_exists", env) {
		t.Fatalf("not fin_exists should be true")
	}
	if evalTruthy(t, "biz_exists and fin_exists", env) {
		t.Fatalf("and failed")
	}
	if !evalTruthy(t, "fin_exists or biz_exists", env) {
		t.Fatalf("or failed")
	}
	// short-circuit: right side would error (missing name) but is never reached
	if evalTruthy(t, "fin_exists and nosuchname", env) {
		t.Fatalf("short-circuit and failed")
	}
}

func TestComparisonChain(t *testing.T) {
	if !evalTruthy(t, "1 < 2 < 3", nil) {
		t.Fatalf("chain failed")
	}
	if evalTruthy(t, "1 < 3 < 2", nil) {
		t.Fatalf("chain should be false")
	}
}

func TestBuiltins(t *testing.T) {
	if got := eval(t, "abs(0 - 4)", nil); got != float64(4) {
		t.Fatalf("abs got=%v", got)
	}
	if got := eval(t, "len('对账')", nil); got != float64(2) {
		t.Fatalf("len got=%v", got)
	}
	if got := eval(t, "str(100)", nil); got != "100" {
		t.Fatalf("str got=%v", got)
	}
	if got := eval(t, "int('12.7')", nil); got != float64(12) {
		t.Fatalf("int got=%v", got)
	}
	if got := eval(t, "float('1.5') * 2", nil); got != float64(3) {
		t.Fatalf("float got=%v", got)
	}
}

func TestStringVsNumericEquality(t *testing.T) {
	// str == str stays lexicographic even for numeric-looking text
	if evalTruthy(t, "'100' == '100.0'", nil) {
		t.Fatalf("string equality must not coerce")
	}
	// str compared to number coerces
	if !evalTruthy(t, "'100' == 100", nil) {
		t.Fatalf("mixed comparison should coerce")
	}
}

func TestErrorsNotPanics(t *testing.T) {
	bad := []string{
		"biz['a' +", "1 ??? 2", "foo.bar()", "import('os')", "'unterminated",
	}
	for _, src := range bad {
		if _, err := Compile(src); err == nil {
			// some of these compile and only fail at eval time
			p, _ := Compile(src)
			if p != nil {
				if _, err := p.Eval(Env{}); err == nil {
					t.Fatalf("expected error for %q", src)
				}
			}
		}
	}
	p, err := Compile("unknownfn(1)")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Eval(Env{}); err == nil {
		t.Fatalf("unknown function must error")
	}
	if _, err := Compile("row['x'] > 0 and"); err == nil {
		t.Fatalf("dangling operator must fail compile")
	}
}

func TestDivisionByZero(t *testing.T) {
	p, err := Compile("1 / 0")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Eval(nil); err == nil || !strings.Contains(err.Error(), "除数") {
		t.Fatalf("err=%v", err)
	}
}

func TestOrderingAgainstMissingIsFalse(t *testing.T) {
	env := Env{"fin": Record{"amount": nil}}
	for _, src := range []string{
		"fin.get('amount') > 0",
		"fin.get('amount') < 0",
		"fin.get('amount') >= 0",
		"0 <= fin.get('amount')",
	} {
		if evalTruthy(t, src, env) {
			t.Fatalf("%s 应为假", src)
		}
	}
	if evalTruthy(t, "fin.get('amount') == 0", env) {
		t.Fatalf("缺失值不应等于 0")
	}
	if !evalTruthy(t, "fin.get('amount') != 0", env) {
		t.Fatalf("缺失值 != 0 应为真")
	}
}
