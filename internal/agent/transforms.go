package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// TransformFunc is a deterministic step implementation. It receives the
// step-local input and returns the produced keys.
type TransformFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// Transforms is a name → function table. It is filled at startup and only
// read afterwards.
type Transforms struct {
	funcs map[string]TransformFunc
}

func NewTransforms() *Transforms {
	return &Transforms{funcs: make(map[string]TransformFunc)}
}

// DefaultTransforms returns the transforms used by the built-in workflows.
func DefaultTransforms() *Transforms {
	t := NewTransforms()
	_ = t.Register("bullet-digest", bulletDigest)
	_ = t.Register("strategy-outline", strategyOutline)
	_ = t.Register("campaign-package", campaignPackage)
	return t
}

func (t *Transforms) Register(name string, fn TransformFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("transform name and function are required")
	}
	if _, exists := t.funcs[name]; exists {
		return fmt.Errorf("transform %q already registered", name)
	}
	t.funcs[name] = fn
	return nil
}

func (t *Transforms) Get(name string) (TransformFunc, bool) {
	fn, ok := t.funcs[name]
	return fn, ok
}

// Names lists the registered transforms, sorted.
func (t *Transforms) Names() []string {
	names := make([]string, 0, len(t.funcs))
	for n := range t.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// bulletDigest renders "insights" as a markdown bullet list.
func bulletDigest(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	items := listOf(input["insights"])
	if len(items) == 0 {
		return nil, fmt.Errorf("insights is empty")
	}

	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, "- "+describe(item, "title", "insight", "text"))
	}
	return map[string]interface{}{"digest": strings.Join(lines, "\n")}, nil
}

func strategyOutline(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	pillars := listOf(input["pillars"])
	names := make([]string, 0, len(pillars))
	for _, p := range pillars {
		names = append(names, describe(p, "name", "title", "pillar"))
	}

	outline := map[string]interface{}{
		"audience":    input["audience"],
		"pillars":     names,
		"pillarCount": len(names),
	}
	if name, ok := input["businessName"].(string); ok && name != "" {
		outline["title"] = name + " content strategy"
	}
	return map[string]interface{}{"outline": outline}, nil
}

// campaignPackage groups drafted posts by platform. Posts that name no
// platform, or one the caller did not ask for, are listed under "other".
func campaignPackage(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	platforms := platformList(input["platforms"])
	if len(platforms) == 0 {
		return nil, fmt.Errorf("platforms is empty")
	}
	posts := listOf(input["posts"])

	wanted := make(map[string]bool, len(platforms))
	byPlatform := make(map[string][]interface{}, len(platforms))
	for _, p := range platforms {
		wanted[p] = true
		byPlatform[p] = []interface{}{}
	}
	for _, post := range posts {
		key := "other"
		if m, ok := post.(map[string]interface{}); ok {
			if p, ok := m["platform"].(string); ok && wanted[strings.ToLower(strings.TrimSpace(p))] {
				key = strings.ToLower(strings.TrimSpace(p))
			}
		}
		byPlatform[key] = append(byPlatform[key], post)
	}

	campaign := map[string]interface{}{
		"platforms": platforms,
		"postCount": len(posts),
		"posts":     byPlatform,
	}
	if brief, ok := input["brief"]; ok {
		campaign["brief"] = brief
	}
	return map[string]interface{}{"campaign": campaign}, nil
}

func listOf(v interface{}) []interface{} {
	switch vals := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return vals
	case []string:
		out := make([]interface{}, len(vals))
		for i, s := range vals {
			out[i] = s
		}
		return out
	default:
		return []interface{}{vals}
	}
}

// describe picks the first non-empty string field of an object, falling
// back to its JSON form.
func describe(v interface{}, fields ...string) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]interface{}:
		for _, f := range fields {
			if s, ok := val[f].(string); ok && s != "" {
				return s
			}
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// platformList accepts a list or a comma separated string.
func platformList(v interface{}) []string {
	var raw []string
	switch vals := v.(type) {
	case string:
		raw = strings.Split(vals, ",")
	default:
		for _, item := range listOf(vals) {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
