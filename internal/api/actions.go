package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/dchrostowski/mfeddie2/internal/errors"
)

// Action is a control request verb.
type Action int

const (
	ActionUnknown Action = iota
	ActionVisit
	ActionClick
	ActionEnterText
	ActionFollowLink
	ActionDownloadImage
	ActionGetHTML
	ActionGetContent
	ActionBack
	ActionForward
	ActionRenderPage
	ActionKill
	ActionWait
)

var actionNames = map[Action]string{
	ActionVisit:         "visit",
	ActionClick:         "click",
	ActionEnterText:     "enter_text",
	ActionFollowLink:    "follow_link",
	ActionDownloadImage: "download_image",
	ActionGetHTML:       "get_html",
	ActionGetContent:    "get_content",
	ActionBack:          "back",
	ActionForward:       "forward",
	ActionRenderPage:    "render_page",
	ActionKill:          "kill",
	ActionWait:          "wait",
}

// String returns the wire name of the action.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// ParseAction resolves a wire name.
func ParseAction(name string) (Action, bool) {
	for a, n := range actionNames {
		if n == name {
			return a, true
		}
	}
	return ActionUnknown, false
}

// Actions returns every known action in declaration order.
func Actions() []Action {
	out := make([]Action, 0, len(actionNames))
	for a := ActionVisit; a <= ActionWait; a++ {
		out = append(out, a)
	}
	return out
}

// ParamType is the declared type of a parameter.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeJSON   ParamType = "json"
)

// ActionSpec lists what an action accepts. Optional parameters carry their
// default in wire form.
type ActionSpec struct {
	Required []string          `yaml:"required,omitempty" json:"required,omitempty"`
	Optional map[string]string `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// Tables are the per-action parameter rules.
type Tables struct {
	Actions map[string]ActionSpec `yaml:"actions" json:"actions"`
	Types   map[string]ParamType  `yaml:"types" json:"types"`
}

// DefaultTables returns the stock rules. wait is the default settle delay
// in milliseconds for element actions.
func DefaultTables(wait int) Tables {
	settle := strconv.Itoa(wait)
	element := func(keepAlive string) map[string]string {
		return map[string]string{
			"force_selector_type": "",
			"force":               "0",
			"timeout":             settle,
			"keep_alive":          keepAlive,
		}
	}
	settleOnly := func(keepAlive string) map[string]string {
		return map[string]string{"timeout": settle, "keep_alive": keepAlive}
	}

	enterText := element("0")
	enterText["timeout"] = "100"

	return Tables{
		Actions: map[string]ActionSpec{
			"visit": {
				Required: []string{"url"},
				Optional: map[string]string{
					"get_content":       "0",
					"keep_alive":        "0",
					"user_agent":        "",
					"proxy":             "",
					"require_proxy":     "0",
					"load_external":     "0",
					"load_images":       "0",
					"load_css":          "0",
					"allowed":           "[]",
					"disallowed":        "[]",
					"page_timeout":      "30000",
					"resource_timeout":  "10000",
					"return_on_timeout": "0",
					"suppress_warn":     "0",
				},
			},
			"click":          {Required: []string{"selector"}, Optional: element("1")},
			"enter_text":     {Required: []string{"selector", "text"}, Optional: enterText},
			"follow_link":    {Required: []string{"selector"}, Optional: element("0")},
			"download_image": {Required: []string{"selector", "dl_file_loc"}, Optional: element("0")},
			"get_html":       {Optional: settleOnly("0")},
			"get_content":    {Optional: settleOnly("0")},
			"back":           {Optional: settleOnly("1")},
			"forward":        {Optional: settleOnly("0")},
			"render_page":    {Required: []string{"dl_file_loc"}, Optional: settleOnly("0")},
			"kill":           {},
			"wait":           {Optional: settleOnly("0")},
		},
		Types: map[string]ParamType{
			"action":              TypeString,
			"pid":                 TypeInt,
			"url":                 TypeString,
			"selector":            TypeString,
			"force_selector_type": TypeString,
			"force":               TypeInt,
			"text":                TypeString,
			"timeout":             TypeInt,
			"dl_file_loc":         TypeString,
			"get_content":         TypeInt,
			"keep_alive":          TypeInt,
			"user_agent":          TypeString,
			"proxy":               TypeString,
			"require_proxy":       TypeInt,
			"load_external":       TypeInt,
			"load_images":         TypeInt,
			"load_css":            TypeInt,
			"allowed":             TypeJSON,
			"disallowed":          TypeJSON,
			"page_timeout":        TypeInt,
			"resource_timeout":    TypeInt,
			"return_on_timeout":   TypeInt,
			"suppress_warn":       TypeInt,
		},
	}
}

// Validate checks the tables once at startup: every action is known and
// present, every parameter has a type and every default coerces.
func (t Tables) Validate() error {
	for _, a := range Actions() {
		if _, ok := t.Actions[a.String()]; !ok {
			return fmt.Errorf("no parameter table for action %q", a)
		}
	}

	names := make([]string, 0, len(t.Actions))
	for name := range t.Actions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, ok := ParseAction(name); !ok {
			return fmt.Errorf("unknown action %q", name)
		}
		spec := t.Actions[name]
		for _, p := range spec.Required {
			if _, ok := t.Types[p]; !ok {
				return fmt.Errorf("action %q: required parameter %q has no type", name, p)
			}
		}
		for p, def := range spec.Optional {
			typ, ok := t.Types[p]
			if !ok {
				return fmt.Errorf("action %q: optional parameter %q has no type", name, p)
			}
			if typ == TypeString {
				continue
			}
			if _, err := coerce(p, def, typ); err != nil {
				return fmt.Errorf("action %q: default for %q: %w", name, p, err)
			}
		}
	}

	for p, typ := range t.Types {
		switch typ {
		case TypeString, TypeInt, TypeJSON:
		default:
			return fmt.Errorf("parameter %q has unknown type %q", p, typ)
		}
	}
	return nil
}

// Values are coerced parameters.
type Values map[string]any

// String returns a string parameter or "".
func (v Values) String(key string) string {
	s, _ := v[key].(string)
	return s
}

// Int returns an int parameter or 0.
func (v Values) Int(key string) int {
	n, _ := v[key].(int)
	return n
}

// Flag reports whether an int parameter is non-zero.
func (v Values) Flag(key string) bool {
	return v.Int(key) != 0
}

// Strings returns a JSON parameter as a string list. A single JSON string
// is a one-element list.
func (v Values) Strings(key string) []string {
	switch val := v[key].(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}

// Bind checks p against the tables and coerces every accepted parameter.
func (t Tables) Bind(p Params) (Action, Values, error) {
	name := p["action"]
	if name == "" {
		return ActionUnknown, nil, errors.NewClientParam("No action defined.  Set mf_action parameter or header.")
	}
	action, ok := ParseAction(name)
	spec, specOK := t.Actions[name]
	if !ok || !specOK {
		return ActionUnknown, nil, errors.NewClientParam("Invalid action: " + name)
	}

	raw := map[string]string{"action": name}
	for _, param := range spec.Required {
		val, ok := p[param]
		if !ok || val == "" {
			return action, nil, errors.NewClientParam(
				fmt.Sprintf("Missing required param '%s' for action '%s'", param, name))
		}
		raw[param] = val
	}
	for param, def := range spec.Optional {
		if val, ok := p[param]; ok && val != "" {
			raw[param] = val
		} else {
			raw[param] = def
		}
	}
	if pid := p["pid"]; pid != "" {
		raw["pid"] = pid
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vals := make(Values, len(raw))
	for _, k := range keys {
		typ, ok := t.Types[k]
		if !ok {
			typ = TypeString
		}
		v, err := coerce(k, raw[k], typ)
		if err != nil {
			return action, nil, errors.NewClientParam(err.Error())
		}
		vals[k] = v
	}
	return action, vals, nil
}

func coerce(name, val string, typ ParamType) (any, error) {
	prefix := fmt.Sprintf("%s expects type %s; ", name, typ)
	switch typ {
	case TypeInt:
		n, err := strconv.Atoi(val)
		if err == nil {
			return n, nil
		}
		if _, ferr := strconv.ParseFloat(val, 64); ferr == nil {
			return nil, fmt.Errorf("%s%s is not an integer", prefix, val)
		}
		return nil, fmt.Errorf("%s%s is not a number", prefix, val)
	case TypeJSON:
		var out any
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return nil, fmt.Errorf("%sa problem occurred while parsing %s: %v", prefix, val, err)
		}
		return out, nil
	default:
		return val, nil
	}
}
