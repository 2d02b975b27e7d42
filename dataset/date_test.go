package dataset

import "testing"

func TestStrftimeLayout(t *testing.T) {
	cases := map[string]string{
		"%Y-%m-%d":          "2006-01-02",
		"%Y/%m/%d %H:%M:%S": "2006/01/02 15:04:05",
		"%Y年%m月%d日":         "2006年01月02日",
		"100%%":             "100%",
	}
	for in, want := range cases {
		if got := StrftimeLayout(in); got != want {
			t.Fatalf("StrftimeLayout(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestParseDate(t *testing.T) {
	for _, src := range []any{"2026-08-31", "2026/08/31", "2026-08-31 10:30:00", "20260831"} {
		tm, ok := ParseDate(src)
		if !ok {
			t.Fatalf("ParseDate(%v) failed", src)
		}
		if got := tm.Format("2006-01-02"); got != "2026-08-31" {
			t.Fatalf("ParseDate(%v)=%s", src, got)
		}
	}
	if _, ok := ParseDate("not-a-date"); ok {
		t.Fatalf("expected failure")
	}
	if _, ok := ParseDate(nil); ok {
		t.Fatalf("expected failure for nil")
	}
	// Excel serial: 45900 = 2025-08-31
	tm, ok := ParseDate(45900.0)
	if !ok {
		t.Fatalf("serial parse failed")
	}
	if got := tm.Format("2006-01-02"); got != "2025-08-31" {
		t.Fatalf("serial date=%s", got)
	}
}
