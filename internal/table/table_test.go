package table

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		kind Kind
	}{
		{"", Missing},
		{"n/a", Missing},
		{"[]", Missing},
		{"3.5", Number},
		{"-2", Number},
		{"go", String},
		{"[1 2 3]", List},
		{"['a' 'b']", List},
	}
	for _, c := range cases {
		if got := Parse(c.in); got.Kind != c.kind {
			t.Errorf("Parse(%q).Kind = %v, want %v", c.in, got.Kind, c.kind)
		}
	}
}

func TestParse_ListContents(t *testing.T) {
	v := Parse("[1.5 x 3]")
	if v.Kind != List || len(v.Items) != 3 {
		t.Fatalf("unexpected value: %+v", v)
	}
	if v.Items[0].Num != 1.5 || v.Items[1].Str != "x" || v.Items[2].Num != 3 {
		t.Errorf("items = %+v", v.Items)
	}
}

func TestRender(t *testing.T) {
	cases := []struct {
		in   Value
		want string
	}{
		{None(), "n/a"},
		{Num(2.5), "2.5"},
		{Num(4), "4"},
		{Str("word"), "word"},
	}
	for _, c := range cases {
		if got := c.in.Render(); got != c.want {
			t.Errorf("Render(%+v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestReadCSV_Tabs(t *testing.T) {
	in := "onset\tduration\ttrial\n10\t2\t1\n\t3\t2\n"
	tab, err := ReadCSV(strings.NewReader(in), '\t')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tab.Len() != 2 {
		t.Fatalf("rows = %d, want 2", tab.Len())
	}
	if v := tab.At(0, "onset"); v.Num != 10 {
		t.Errorf("onset[0] = %+v", v)
	}
	if !tab.At(1, "onset").IsMissing() {
		t.Errorf("empty cell should be missing")
	}
}

func TestAddColumn_PadsAndOverwrites(t *testing.T) {
	tab := New("a")
	tab.AppendRow(Num(1))
	tab.AppendRow(Num(2))
	tab.AddColumn("b", []Value{Str("x")})
	if !tab.At(1, "b").IsMissing() {
		t.Errorf("short column should pad with missing")
	}
	tab.AddColumn("b", []Value{Str("y"), Str("z")})
	if tab.At(1, "b").Str != "z" {
		t.Errorf("overwrite failed: %+v", tab.At(1, "b"))
	}
}

func TestMergeWide(t *testing.T) {
	a := New("x")
	a.AppendRow(Num(1))
	b := New("x", "y")
	b.AppendRow(Num(10), Str("p"))
	b.AppendRow(Num(20), Str("q"))

	out := MergeWide(a, b)
	if out.Len() != 2 {
		t.Fatalf("rows = %d, want 2", out.Len())
	}
	// Taller table wins conflicting columns.
	if out.At(0, "x").Num != 10 {
		t.Errorf("x[0] = %+v, want 10", out.At(0, "x"))
	}
	if out.At(1, "y").Str != "q" {
		t.Errorf("y[1] = %+v", out.At(1, "y"))
	}
}
