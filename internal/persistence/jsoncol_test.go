package persistence

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestStringList_ScanAcceptsJSONAndCommaStrings(t *testing.T) {
	cases := []struct {
		in   any
		want StringList
	}{
		{`["a","b"]`, StringList{"a", "b"}},
		{[]byte(`["x"]`), StringList{"x"}},
		{"engineer, manager", StringList{"engineer", "manager"}},
		{"", StringList{}},
		{nil, StringList{}},
	}
	for _, tc := range cases {
		var l StringList
		if err := l.Scan(tc.in); err != nil {
			t.Fatalf("Scan(%v): %v", tc.in, err)
		}
		if !reflect.DeepEqual(l, tc.want) {
			t.Errorf("Scan(%v) = %#v, want %#v", tc.in, l, tc.want)
		}
	}
}

func TestParseStringList(t *testing.T) {
	if got := ParseStringList("a,b , c"); !reflect.DeepEqual(got, StringList{"a", "b", "c"}) {
		t.Fatalf("comma string = %v", got)
	}
	if got := ParseStringList([]any{"a", 2}); !reflect.DeepEqual(got, StringList{"a", "2"}) {
		t.Fatalf("mixed slice = %v", got)
	}
}

func TestExt_SetGetRemove(t *testing.T) {
	var e Ext
	e.Set("k", "v")
	e.Set("n", 1)
	if e.GetString("k") != "v" {
		t.Fatalf("GetString = %q", e.GetString("k"))
	}
	e.Remove("k")
	if _, ok := e.Get("k"); ok {
		t.Fatal("key still present after Remove")
	}
	if _, ok := e.Get("n"); !ok {
		t.Fatal("Remove dropped an unrelated key")
	}

	v, err := e.Value()
	if err != nil {
		t.Fatal(err)
	}
	var back Ext
	if err := back.Scan(v); err != nil {
		t.Fatal(err)
	}
	if back["n"] != float64(1) {
		t.Fatalf("round trip = %v", back)
	}
}

func TestJSON_DecodeIsLazy(t *testing.T) {
	var j JSON
	if err := j.Scan(`{"nodes":[1,2]}`); err != nil {
		t.Fatal(err)
	}
	var diagram struct {
		Nodes []int `json:"nodes"`
	}
	if err := j.Decode(&diagram); err != nil {
		t.Fatal(err)
	}
	if len(diagram.Nodes) != 2 {
		t.Fatalf("nodes = %v", diagram.Nodes)
	}

	out, err := json.Marshal(map[string]any{"d": j})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"d":{"nodes":[1,2]}}` {
		t.Fatalf("marshal = %s", out)
	}
	if !JSON(nil).IsNull() {
		t.Fatal("empty JSON should be null")
	}
}
