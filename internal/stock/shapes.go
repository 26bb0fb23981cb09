package stock

import (
	"sort"
	"strings"

	logx "gardenbot/pkg/logx"
)

// DefaultCategoryOrder is the flattening order for category-keyed documents.
// When a name appears in several categories the later category wins.
var DefaultCategoryOrder = []string{"seasonal", "gear", "eggs", "night", "honey", "cosmetics", "seeds"}

const lastSeenKey = "lastSeen"

// Item is one raw stock entry. Quantity is whatever the upstream sent
// (json.Number, string, bool, nil) and is coerced by Filter.
type Item struct {
	Name     string
	Quantity any
	Category string
}

type shapeMatcher struct {
	name  string
	match func(doc any, order []string) ([]Item, bool)
}

// matchers are tried in order; the first match wins.
var matchers = []shapeMatcher{
	{name: "list", match: matchList},
	{name: "result.data", match: matchResultData},
	{name: "data", match: matchData},
	{name: "categories", match: matchCategories},
}

// Normalize flattens a decoded stock document into items. It returns the
// name of the matching shape, or ErrUnrecognizedShape.
func Normalize(doc any, order []string, log logx.Logger) ([]Item, string, error) {
	if len(order) == 0 {
		order = DefaultCategoryOrder
	}
	for _, m := range matchers {
		items, ok := m.match(doc, order)
		if !ok {
			log.Trace("stock shape rejected", logx.String("shape", m.name))
			continue
		}
		log.Trace("stock shape matched", logx.String("shape", m.name), logx.Int("items", len(items)))
		return items, m.name, nil
	}
	return nil, "", ErrUnrecognizedShape
}

func matchList(doc any, _ []string) ([]Item, bool) {
	list, ok := doc.([]any)
	if !ok {
		return nil, false
	}
	return itemsFromList(list, ""), true
}

func matchResultData(doc any, order []string) ([]Item, bool) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, false
	}
	result, ok := obj["result"].(map[string]any)
	if !ok {
		return nil, false
	}
	data, ok := result["data"]
	if !ok {
		return nil, false
	}
	return nested(data, order)
}

func matchData(doc any, order []string) ([]Item, bool) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, false
	}
	data, ok := obj["data"]
	if !ok {
		return nil, false
	}
	return nested(data, order)
}

// nested accepts the payload under a wrapper key: a list or a category map.
func nested(v any, order []string) ([]Item, bool) {
	if items, ok := matchList(v, order); ok {
		return items, true
	}
	return matchCategories(v, order)
}

// matchCategories accepts an object with at least one known category key
// holding a list, or a lastSeen object. lastSeen is flattened first so live
// categories override it; unknown list-valued keys follow the known ones in
// key order.
func matchCategories(doc any, order []string) ([]Item, bool) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, false
	}

	known := make(map[string]bool, len(order))
	matched := false
	for _, c := range order {
		known[strings.ToLower(c)] = true
	}
	for k, v := range obj {
		if _, isList := v.([]any); isList && known[strings.ToLower(k)] {
			matched = true
		}
	}
	lastSeen, hasLastSeen := obj[lastSeenKey].(map[string]any)
	if !matched && !hasLastSeen {
		return nil, false
	}

	var groups []group
	if hasLastSeen {
		for _, g := range orderedGroups(lastSeen, order) {
			g.category = lastSeenKey + "." + g.category
			groups = append(groups, g)
		}
	}
	rest := make(map[string]any, len(obj))
	for k, v := range obj {
		if k != lastSeenKey {
			rest[k] = v
		}
	}
	groups = append(groups, orderedGroups(rest, order)...)

	return mergeGroups(groups), true
}

type group struct {
	category string
	list     []any
}

// orderedGroups returns the list-valued entries of obj: known categories in
// order first, then the rest sorted by key.
func orderedGroups(obj map[string]any, order []string) []group {
	byLower := make(map[string]string, len(obj))
	for k := range obj {
		byLower[strings.ToLower(k)] = k
	}

	used := map[string]bool{}
	var out []group
	for _, c := range order {
		k, ok := byLower[strings.ToLower(c)]
		if !ok || used[k] {
			continue
		}
		if list, ok := obj[k].([]any); ok {
			out = append(out, group{category: strings.ToLower(c), list: list})
			used[k] = true
		}
	}

	var extra []string
	for k, v := range obj {
		if used[k] {
			continue
		}
		if _, ok := v.([]any); ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		out = append(out, group{category: strings.ToLower(k), list: obj[k].([]any)})
	}
	return out
}

// mergeGroups flattens groups in order. A repeated name keeps its first
// position but takes the later value.
func mergeGroups(groups []group) []Item {
	var out []Item
	index := map[string]int{}
	for _, g := range groups {
		for _, it := range itemsFromList(g.list, g.category) {
			key := Canonical(it.Name)
			if i, ok := index[key]; ok {
				out[i] = it
				continue
			}
			index[key] = len(out)
			out = append(out, it)
		}
	}
	return out
}

func itemsFromList(list []any, category string) []Item {
	out := make([]Item, 0, len(list))
	for _, raw := range list {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := obj["name"].(string)
		if strings.TrimSpace(name) == "" {
			continue
		}
		out = append(out, Item{Name: name, Quantity: quantityField(obj), Category: category})
	}
	return out
}

func quantityField(obj map[string]any) any {
	for _, k := range []string{"quantity", "value", "stock"} {
		if v, ok := obj[k]; ok {
			return v
		}
	}
	return nil
}
