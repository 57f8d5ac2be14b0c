package portwatch

import "testing"

type normalizeTester struct {
	raw  string
	want string
	err  bool
}

func (t *normalizeTester) runTest(test *testing.T, name string) {
	got, err := NormalizeServiceURL(t.raw)
	if t.err {
		if err == nil {
			test.Errorf("[%s] expected an error for %q", name, t.raw)
		}
		return
	}

	if err != nil {
		test.Errorf("[%s] failed to normalize %q: %v", name, t.raw, err)
		return
	}
	if got != t.want {
		test.Errorf("[%s] expected %q, got %q", name, t.want, got)
	}
}

var normalizeTests = map[string]*normalizeTester{
	"bare-host":      {raw: "media.lan", want: "https://media.lan"},
	"http-kept":      {raw: "http://media.lan", want: "http://media.lan"},
	"https-kept":     {raw: "https://media.lan", want: "https://media.lan"},
	"trailing-slash": {raw: "https://media.lan/", want: "https://media.lan"},
	"whitespace":     {raw: "  media.lan  ", want: "https://media.lan"},
	"empty":          {raw: "", err: true},
	"blank":          {raw: "   ", err: true},
}

func TestNormalizeServiceURL(t *testing.T) {
	for tname, cfg := range normalizeTests {
		cfg.runTest(t, tname)
	}
}

func TestMakeManualService(t *testing.T) {
	svc, err := MakeManualService("Alpha", "alpha.lan")
	if err != nil {
		t.Fatalf("failed to make service: %v", err)
	}
	if !svc.Manual || svc.Status != STATUS_UNKNOWN || svc.URL != "https://alpha.lan" {
		t.Errorf("unexpected service %+v", svc)
	}

	if _, err := MakeManualService("Alpha", ""); err == nil {
		t.Error("expected an error for an empty url")
	}
}

func TestFilter(t *testing.T) {
	odd := Filter([]int{1, 2, 3, 4, 5}, func(n int) bool { return n%2 == 1 })
	if len(odd) != 3 || odd[0] != 1 || odd[2] != 5 {
		t.Errorf("expected the odd values, got %v", odd)
	}

	if none := Filter([]int{2, 4}, func(n int) bool { return n > 10 }); none != nil {
		t.Errorf("expected nil for no matches, got %v", none)
	}
}
