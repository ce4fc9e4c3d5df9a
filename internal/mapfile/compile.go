package mapfile

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/relaypoint/devserve/internal/mapping"
	"github.com/relaypoint/devserve/internal/statuscode"
	"github.com/relaypoint/devserve/internal/urlpath"
)

const funcKey = "$func"

var methodKeys = map[string]bool{
	"get":     true,
	"post":    true,
	"put":     true,
	"patch":   true,
	"delete":  true,
	"head":    true,
	"options": true,
}

type compiler struct {
	reg *Registry
}

// rule turns one decoded rule value into a mapping.Rule.
func (c compiler) rule(v any) (mapping.Rule, error) {
	if code, ok := asInt(v); ok {
		return mapping.Status(code), nil
	}

	switch r := v.(type) {
	case nil:
		return nil, fmt.Errorf("missing rule")
	case string:
		return mapping.Rewrite(r), nil
	case []any:
		return statusWithArgs(r)
	case map[string]any:
		if name, ok := funcRef(r); ok {
			fn, err := c.reg.dataFunc(name)
			if err != nil {
				return nil, err
			}
			return mapping.Handler(fn), nil
		}
		return c.compound(r)
	}
	return nil, fmt.Errorf("unsupported rule of type %T", v)
}

func statusWithArgs(list []any) (mapping.Rule, error) {
	if len(list) != 2 {
		return nil, fmt.Errorf("status rule must be [code, {args}], got %d items", len(list))
	}
	code, ok := asInt(list[0])
	if !ok {
		return nil, fmt.Errorf("status code must be an integer, got %v", list[0])
	}
	args, ok := list[1].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("status arguments must be a mapping, got %T", list[1])
	}
	return mapping.StatusWithArgs(code, statuscode.Args(args)), nil
}

func (c compiler) compound(m map[string]any) (mapping.Rule, error) {
	var r mapping.CompoundRule
	for key, v := range m {
		var err error
		switch key {
		case "before":
			r.Before, err = c.before(v)
		case "after":
			r.After, err = c.after(v)
		case "path":
			err = c.path(&r, v)
		case "data":
			r.Data, err = c.source(v)
		case "passThrough", "pass_through":
			b, ok := v.(bool)
			if !ok {
				err = fmt.Errorf("must be a boolean, got %T", v)
			}
			r.PassThrough = b
		default:
			method := strings.ToLower(key)
			if !methodKeys[method] {
				return nil, fmt.Errorf("unknown rule key %q", key)
			}
			if r.Methods == nil {
				r.Methods = make(map[string]mapping.Source)
			}
			r.Methods[method], err = c.source(v)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	return r, nil
}

func (c compiler) source(v any) (mapping.Source, error) {
	if m, ok := v.(map[string]any); ok {
		if name, ok := funcRef(m); ok {
			fn, err := c.reg.dataFunc(name)
			if err != nil {
				return nil, err
			}
			return fn, nil
		}
	}
	return mapping.Literal{Value: normalize(v)}, nil
}

func (c compiler) path(r *mapping.CompoundRule, v any) error {
	switch p := v.(type) {
	case string:
		r.Path = p
		return nil
	case map[string]any:
		if name, ok := funcRef(p); ok {
			fn, err := c.reg.pathFunc(name)
			r.PathFunc = fn
			return err
		}
	}
	return fmt.Errorf("must be a template string or {%s: name}", funcKey)
}

func (c compiler) before(v any) (mapping.BeforeFunc, error) {
	switch b := v.(type) {
	case string:
		return c.reg.beforeFunc(b)
	case map[string]any:
		if name, ok := funcRef(b); ok {
			return c.reg.beforeFunc(name)
		}
		return declarativeBefore(b)
	}
	return nil, fmt.Errorf("must be a hook name or a mapping, got %T", v)
}

func (c compiler) after(v any) (mapping.AfterFunc, error) {
	switch a := v.(type) {
	case string:
		return c.reg.afterFunc(a)
	case map[string]any:
		if name, ok := funcRef(a); ok {
			return c.reg.afterFunc(name)
		}
		return declarativeAfter(a)
	}
	return nil, fmt.Errorf("must be a hook name or a mapping, got %T", v)
}

// declarativeBefore handles {url, headers}: it moves matching to url and
// sets response headers.
func declarativeBefore(m map[string]any) (mapping.BeforeFunc, error) {
	var target string
	var headers map[string]string
	for key, v := range m {
		switch key {
		case "url":
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("url must be a string, got %T", v)
			}
			target = s
		case "headers":
			h, err := stringMap(v)
			if err != nil {
				return nil, fmt.Errorf("headers: %w", err)
			}
			headers = h
		default:
			return nil, fmt.Errorf("unknown before key %q", key)
		}
	}

	return func(ex *mapping.Exchange) error {
		if target != "" {
			p, q := urlpath.Normalize(target, "")
			ex.Path = p
			if len(q) > 0 {
				ex.Query = q
			}
		}
		for k, v := range headers {
			ex.Header().Set(k, v)
		}
		return nil
	}, nil
}

// declarativeAfter handles {merge, headers}: merge sets fields on the body,
// decoding it from JSON first when it is text.
func declarativeAfter(m map[string]any) (mapping.AfterFunc, error) {
	var fields map[string]any
	var headers map[string]string
	for key, v := range m {
		switch key {
		case "merge":
			f, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("merge must be a mapping, got %T", v)
			}
			fields = normalize(f).(map[string]any)
		case "headers":
			h, err := stringMap(v)
			if err != nil {
				return nil, fmt.Errorf("headers: %w", err)
			}
			headers = h
		default:
			return nil, fmt.Errorf("unknown after key %q", key)
		}
	}

	return func(ex *mapping.Exchange, body any) (any, error) {
		for k, v := range headers {
			ex.Header().Set(k, v)
		}
		if fields == nil {
			return body, nil
		}
		obj, err := asObject(body)
		if err != nil {
			return nil, err
		}
		for k, v := range fields {
			obj[k] = mapping.Clone(v)
		}
		return obj, nil
	}, nil
}

// asObject returns a fresh map holding the fields of body.
func asObject(body any) (map[string]any, error) {
	var raw []byte
	switch b := body.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		obj := make(map[string]any, len(b))
		for k, v := range b {
			obj[k] = mapping.Clone(v)
		}
		return obj, nil
	case string:
		raw = []byte(b)
	case []byte:
		raw = b
	default:
		var err error
		if raw, err = json.Marshal(b); err != nil {
			return nil, fmt.Errorf("cannot merge into %T: %w", body, err)
		}
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("cannot merge into body: %w", err)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}

func funcRef(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	name, ok := m[funcKey].(string)
	return name, ok
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case uint64:
		if n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func stringMap(v any) (map[string]string, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("must be a mapping, got %T", v)
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		switch val.(type) {
		case map[string]any, map[any]any, []any, nil:
			return nil, fmt.Errorf("value of %q must be a scalar", k)
		}
		out[k] = fmt.Sprint(val)
	}
	return out, nil
}

// normalize converts YAML's map[any]any into map[string]any so that
// literals can be encoded as JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}
