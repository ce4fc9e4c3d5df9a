package mapfile

import (
	"fmt"
	"sort"

	"github.com/relaypoint/devserve/internal/mapping"
)

// Registry holds the named functions a map file can reference with
// {$func: name}. It is not safe for concurrent registration; fill it before
// calling Load.
type Registry struct {
	data   map[string]mapping.DataFunc
	before map[string]mapping.BeforeFunc
	after  map[string]mapping.AfterFunc
	path   map[string]mapping.PathFunc
}

// NewRegistry returns a registry with the built-in data handler "echo".
func NewRegistry() *Registry {
	r := &Registry{
		data:   make(map[string]mapping.DataFunc),
		before: make(map[string]mapping.BeforeFunc),
		after:  make(map[string]mapping.AfterFunc),
		path:   make(map[string]mapping.PathFunc),
	}
	r.Data("echo", Echo)
	return r
}

func (r *Registry) Data(name string, fn mapping.DataFunc) *Registry {
	r.data[name] = fn
	return r
}

func (r *Registry) Before(name string, fn mapping.BeforeFunc) *Registry {
	r.before[name] = fn
	return r
}

func (r *Registry) After(name string, fn mapping.AfterFunc) *Registry {
	r.after[name] = fn
	return r
}

func (r *Registry) Path(name string, fn mapping.PathFunc) *Registry {
	r.path[name] = fn
	return r
}

func (r *Registry) dataFunc(name string) (mapping.DataFunc, error) {
	return lookup(r.data, "data handler", name)
}

func (r *Registry) beforeFunc(name string) (mapping.BeforeFunc, error) {
	return lookup(r.before, "before hook", name)
}

func (r *Registry) afterFunc(name string) (mapping.AfterFunc, error) {
	return lookup(r.after, "after hook", name)
}

func (r *Registry) pathFunc(name string) (mapping.PathFunc, error) {
	return lookup(r.path, "path function", name)
}

func lookup[F any](m map[string]F, kind, name string) (F, error) {
	fn, ok := m[name]
	if !ok {
		var zero F
		known := make([]string, 0, len(m))
		for k := range m {
			known = append(known, k)
		}
		sort.Strings(known)
		return zero, fmt.Errorf("unknown %s %q (registered: %v)", kind, name, known)
	}
	return fn, nil
}

// Echo answers with a description of the request.
func Echo(ex *mapping.Exchange, _ any) (any, error) {
	return map[string]any{
		"method":  ex.Request.Method,
		"path":    ex.Path,
		"query":   ex.Query,
		"headers": ex.Request.Header,
	}, nil
}
