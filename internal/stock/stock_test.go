package stock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "gardenbot/pkg/logx"
)

func tracked(names ...string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func decode(t *testing.T, s string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestFilterTrackedAndQuantity(t *testing.T) {
	items := []Item{
		{Name: "Carrot", Quantity: "5"},
		{Name: "Potato", Quantity: json.Number("10")},
	}
	got := Filter(items, tracked("carrot", "corn"))
	if len(got) != 1 || got["carrot"] != 5 {
		t.Fatalf("got %v, want {carrot:5}", got)
	}
}

func TestCoerceQuantity(t *testing.T) {
	tests := []struct {
		in   any
		want int
	}{
		{"abc", 0},
		{3.9, 3},
		{json.Number("3.9"), 3},
		{json.Number("7"), 7},
		{" 12 ", 12},
		{"4.5", 4},
		{nil, 0},
		{true, 0},
		{-2.0, -2},
	}
	for _, tt := range tests {
		if got := CoerceQuantity(tt.in); got != tt.want {
			t.Errorf("CoerceQuantity(%#v) = %d, want %d", tt.in, got, tt.want)
		}
	}

	got := Filter([]Item{{Name: "Carrot", Quantity: "abc"}}, tracked("carrot"))
	if len(got) != 0 {
		t.Fatalf("non-numeric quantity must be excluded, got %v", got)
	}
}

func TestCanonical(t *testing.T) {
	if got := Canonical("  Seed \t  POD "); got != "seed pod" {
		t.Fatalf("Canonical = %q", got)
	}
}

func TestNormalizeShapes(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		shape string
		want  int
	}{
		{"bare list", `[{"name":"Carrot","quantity":5},{"quantity":3},"junk"]`, "list", 1},
		{"result.data", `{"result":{"data":[{"name":"Corn","value":2}]}}`, "result.data", 1},
		{"data", `{"data":[{"name":"Corn","value":2},{"name":"Tomato","value":1}]}`, "data", 2},
		{"data with categories", `{"data":{"seeds":[{"name":"Corn","value":2}]}}`, "data", 1},
		{"categories", `{"seeds":[{"name":"Corn","value":2}],"gear":[{"name":"Trowel","value":1}],"updatedAt":1}`, "categories", 2},
		{"last seen only", `{"lastSeen":{"Seeds":[{"name":"Corn"}]}}`, "categories", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, shape, err := Normalize(decode(t, tt.doc), nil, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			if shape != tt.shape || len(items) != tt.want {
				t.Fatalf("shape=%s items=%d, want %s/%d", shape, len(items), tt.shape, tt.want)
			}
		})
	}

	_, _, err := Normalize(decode(t, `{"status":"ok"}`), nil, logx.Nop())
	if !errors.Is(err, ErrUnrecognizedShape) {
		t.Fatalf("want ErrUnrecognizedShape, got %v", err)
	}
}

func TestCategoryOverrideLaterWins(t *testing.T) {
	// gear is processed before seeds in the default order.
	doc := decode(t, `{
		"seeds": [{"name": "Seed Pod", "value": 9}],
		"gear":  [{"name": "seed pod", "value": 2}]
	}`)
	items, _, err := Normalize(doc, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got := Filter(items, tracked("seed pod"))
	if got["seed pod"] != 9 {
		t.Fatalf("seed pod = %d, want 9 from the later category", got["seed pod"])
	}

	// A custom order flips the winner.
	items, _, _ = Normalize(doc, []string{"seeds", "gear"}, logx.Nop())
	if got := Filter(items, tracked("seed pod")); got["seed pod"] != 2 {
		t.Fatalf("seed pod = %d, want 2 with reversed order", got["seed pod"])
	}
}

func TestLiveCategoryOverridesLastSeen(t *testing.T) {
	doc := decode(t, `{"lastSeen":{"seeds":[{"name":"Corn","value":0}]},"seeds":[{"name":"Corn","value":4}]}`)
	items, _, err := Normalize(doc, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if got := Filter(items, tracked("corn")); got["corn"] != 4 {
		t.Fatalf("corn = %d, want 4", got["corn"])
	}
}

func TestDiffSteadyState(t *testing.T) {
	d := NewDiffer()
	if got := d.Diff(Snapshot{"carrot": 5}); len(got) != 1 || got["carrot"] != 5 {
		t.Fatalf("poll 1: %v", got)
	}
	if got := d.Diff(Snapshot{"carrot": 5}); len(got) != 0 {
		t.Fatalf("poll 2 should report nothing, got %v", got)
	}
	if got := d.Diff(Snapshot{"carrot": 7}); len(got) != 0 {
		t.Fatalf("quantity change is not new, got %v", got)
	}
}

// The baseline is replaced, not merged: an item missing for a single poll
// is announced again when it returns. This is long-standing behavior and
// can produce duplicate announcements when the upstream flaps.
func TestDiffReappearanceReportsAgain(t *testing.T) {
	d := NewDiffer()
	d.Diff(Snapshot{"carrot": 5})
	d.Diff(Snapshot{})
	got := d.Diff(Snapshot{"carrot": 5})
	if got["carrot"] != 5 {
		t.Fatalf("reappeared item should be new again, got %v", got)
	}
}

func TestDiffReset(t *testing.T) {
	d := NewDiffer()
	d.Diff(Snapshot{"corn": 1})
	d.Reset()
	if len(d.Baseline()) != 0 {
		t.Fatal("baseline should be empty after reset")
	}
	if got := d.Diff(Snapshot{"corn": 1}); len(got) != 1 {
		t.Fatalf("after reset corn is new, got %v", got)
	}
}

func TestFormat(t *testing.T) {
	at := time.Date(2024, 5, 1, 13, 4, 5, 0, time.UTC)
	if _, ok := Format(Snapshot{}, at); ok {
		t.Fatal("empty input must not render")
	}

	one, ok := Format(Snapshot{"seed pod": 2}, at)
	if !ok || !strings.Contains(one, "New item in stock!") || !strings.Contains(one, "*Seed Pod*: `2`") {
		t.Fatalf("single item text:\n%s", one)
	}
	if !strings.HasSuffix(one, "13:04:05") {
		t.Fatalf("missing timestamp:\n%s", one)
	}

	many, _ := Format(Snapshot{"tomato": 1, "carrot": 3}, at)
	again, _ := Format(Snapshot{"carrot": 3, "tomato": 1}, at)
	if many != again {
		t.Fatal("format must be deterministic")
	}
	if !strings.Contains(many, "(2)") || strings.Index(many, "Carrot") > strings.Index(many, "Tomato") {
		t.Fatalf("plural text:\n%s", many)
	}
}

func TestSourceFetch(t *testing.T) {
	var gotUA, gotRef string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotRef = r.Header.Get("Referer")
		_, _ = w.Write([]byte(`{"seeds":[{"name":"Carrot","value":5}]}`))
	}))
	defer srv.Close()

	src := NewSource(SourceConfig{URL: srv.URL, UserAgent: "test-agent"}, srv.Client(), logx.Nop())
	items, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Name != "Carrot" || items[0].Category != "seeds" {
		t.Fatalf("items = %+v", items)
	}
	if gotUA != "test-agent" || gotRef != DefaultReferer {
		t.Fatalf("headers: ua=%q referer=%q", gotUA, gotRef)
	}
}

func TestSourceFetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		timeout time.Duration
		kind    FetchKind
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }, time.Second, KindHTTPStatus},
		{"decode", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("<html>")) }, time.Second, KindDecode},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}, 50 * time.Millisecond, KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			src := NewSource(SourceConfig{URL: srv.URL, Timeout: tt.timeout}, srv.Client(), logx.Nop())
			_, err := src.Fetch(context.Background())
			fe, ok := IsFetchError(err)
			if !ok || fe.Kind != tt.kind {
				t.Fatalf("err = %v, want kind %s", err, tt.kind)
			}
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	_, err := NewSource(SourceConfig{URL: url}, nil, logx.Nop()).Fetch(context.Background())
	if fe, ok := IsFetchError(err); !ok || fe.Kind != KindTransport {
		t.Fatalf("closed server: %v", err)
	}
}

func TestSourceUnrecognizedShapeIsNotFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"maintenance"}`))
	}))
	defer srv.Close()
	_, err := NewSource(SourceConfig{URL: srv.URL}, srv.Client(), logx.Nop()).Fetch(context.Background())
	if !errors.Is(err, ErrUnrecognizedShape) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := IsFetchError(err); ok {
		t.Fatal("shape error must not be a FetchError")
	}
}
