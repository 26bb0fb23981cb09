package stock

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Snapshot maps canonical item names to quantities (always >= 1).
type Snapshot map[string]int

// Names returns the snapshot keys in sorted order.
func (s Snapshot) Names() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Canonical lower-cases name, trims it and collapses inner whitespace.
func Canonical(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Filter keeps tracked items with a coerced quantity of at least 1. For a
// repeated name the last occurrence wins, including one that coerces to 0.
func Filter(items []Item, tracked map[string]struct{}) Snapshot {
	out := Snapshot{}
	for _, it := range items {
		name := Canonical(it.Name)
		if _, ok := tracked[name]; !ok {
			continue
		}
		q := CoerceQuantity(it.Quantity)
		if q < 1 {
			delete(out, name)
			continue
		}
		out[name] = q
	}
	return out
}

// CoerceQuantity truncates numbers and parses numeric strings. Anything
// else is 0.
func CoerceQuantity(v any) int {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return clampInt(float64(n))
		}
		f, err := x.Float64()
		if err != nil {
			return 0
		}
		return clampInt(f)
	case float64:
		return clampInt(x)
	case float32:
		return clampInt(float64(x))
	case int:
		return x
	case int64:
		return clampInt(float64(x))
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return clampInt(f)
	default:
		return 0
	}
}

func clampInt(f float64) int {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	f = math.Trunc(f)
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	if f < math.MinInt32 {
		return math.MinInt32
	}
	return int(f)
}
