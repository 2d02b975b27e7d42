package filematch

import (
	"testing"

	"reconbackend/schema"
)

func mustSchema(t *testing.T, js string) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(js))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestMatchCaseInsensitiveAnchored(t *testing.T) {
	if !MatchAny("A.CSV", []string{"*.csv"}) {
		t.Fatalf("*.csv should match A.CSV")
	}
	if MatchAny("A.csv.bak", []string{"*.csv"}) {
		t.Fatalf("*.csv must not match A.csv.bak")
	}
	if !MatchAny("ads_x_details_2024.csv", []string{"ads_*_details_*.csv"}) {
		t.Fatalf("wildcard mid-pattern failed")
	}
	if !MatchAny("3.csv", []string{"[0-9].csv"}) {
		t.Fatalf("character class failed")
	}
	if !MatchAny("a1.csv", []string{"a?.csv"}) {
		t.Fatalf("? wildcard failed")
	}
}

func TestMatchFirstRoleWinsAndMultiFile(t *testing.T) {
	s := mustSchema(t, `{
		"version": 1, "key_field_role": "order_id",
		"data_sources": {
			"business": {"file_pattern": "*.csv", "field_roles": {"order_id": "id"}},
			"finance": {"file_pattern": "*finance*.csv", "field_roles": {"order_id": "id"}}
		}
	}`)
	got := Match([]string{
		"/up/a_finance_1.csv", // matches both; business declared first
		"/up/b.csv",
		"/up/c.csv",
		"/up/readme.txt", // matches nothing: dropped silently
	}, s)
	if len(got["business"]) != 3 {
		t.Fatalf("business=%v", got["business"])
	}
	if len(got["finance"]) != 0 {
		t.Fatalf("finance=%v", got["finance"])
	}
}

func TestMatchDeclarationOrder(t *testing.T) {
	s := mustSchema(t, `{
		"version": 1, "key_field_role": "order_id",
		"data_sources": {
			"finance": {"file_pattern": "*finance*.csv", "field_roles": {"order_id": "id"}},
			"business": {"file_pattern": "*.csv", "field_roles": {"order_id": "id"}}
		}
	}`)
	got := Match([]string{"/up/a_finance_1.csv", "/up/b.csv"}, s)
	if len(got["finance"]) != 1 || len(got["business"]) != 1 {
		t.Fatalf("finance=%v business=%v", got["finance"], got["business"])
	}
}

func TestSearchAnyLoose(t *testing.T) {
	if !SearchAny([]string{"/up/2024_finance_jan.csv"}, "*finance*.csv") {
		t.Fatalf("loose search failed")
	}
	if !SearchAny([]string{"x_finance.csv"}, "finance") {
		t.Fatalf("bare substring pattern failed")
	}
	if SearchAny([]string{"business.csv"}, "finance") {
		t.Fatalf("should not match")
	}
}
