package mapfile

import (
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/relaypoint/devserve/internal/config"
	"github.com/relaypoint/devserve/internal/mapping"
)

func sampleRegistry() *Registry {
	return NewRegistry().
		Data("plain", func(ex *mapping.Exchange, _ any) (any, error) {
			if ex.Query.Get("id") == "1" {
				return map[string]any{"success": false}, nil
			}
			return map[string]any{"success": true}, nil
		}).
		Data("noThrough", func(*mapping.Exchange, any) (any, error) {
			return map[string]any{"value": 0, "success": false}, nil
		}).
		Data("throughStart", func(*mapping.Exchange, any) (any, error) {
			return map[string]any{"value": 1}, nil
		}).
		Data("throughIncrement", func(_ *mapping.Exchange, prev any) (any, error) {
			m := prev.(map[string]any)
			m["value"] = m["value"].(int) + 1
			return m, nil
		}).
		Path("customPath", func(ex *mapping.Exchange) (string, error) {
			return "custom" + ex.Path, nil
		})
}

func evaluate(t *testing.T, entries []mapping.Entry, method, target string) (*mapping.Exchange, any) {
	t.Helper()
	req := httptest.NewRequest(method, "http://localhost"+target, nil)
	ex := mapping.NewExchange(req, nil, req.URL.Path, req.URL.Query(), nil)

	out, err := mapping.NewEngine(entries, nil).Evaluate(ex)
	if err != nil {
		t.Fatalf("%s %s: unexpected error: %v", method, target, err)
	}
	if !out.HasData {
		return ex, nil
	}
	body, err := ex.RunAfters(out.Data)
	if err != nil {
		t.Fatalf("%s %s: unexpected after error: %v", method, target, err)
	}
	return ex, body
}

func TestLoad_YAMLSample(t *testing.T) {
	entries, err := Load(filepath.Join("testdata", "sample.map.yml"), sampleRegistry(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(entries) != 18 {
		t.Fatalf("expected 18 entries, got %d", len(entries))
	}
	if got := entries[0].Pattern.String(); got != `/code/401/file\.htm` {
		t.Errorf("expected declaration order, first pattern is %q", got)
	}
	if got := entries[17].Pattern.String(); got != `/path/short/article/(\d+)/comment/(\d+)` {
		t.Errorf("expected declaration order, last pattern is %q", got)
	}

	tests := []struct {
		method     string
		target     string
		want       any
		wantStatus int
		wantPath   string
	}{
		{"GET", "/code/401/file.htm", "Unauthorized", 401, ""},
		{"GET", "/code/301/x", "Moved Permanently", 301, ""},
		{"GET", "/data/null", nil, 200, ""},
		{"GET", "/data/empty-string.htm", "", 200, ""},
		{"GET", "/data/string", "hello world", 200, ""},
		{"GET", "/data/number", 1, 200, ""},
		{"GET", "/data/json", map[string]any{"customData": "123"}, 200, ""},
		{"POST", "/data/func/plain?id=1", map[string]any{"success": false}, 200, ""},
		{"POST", "/data/func/plain", map[string]any{"success": true}, 200, ""},
		{"POST", "/post/file.htm", map[string]any{"customData": "456"}, 200, ""},
		{"POST", "/before/x.htm", map[string]any{"customData": "123"}, 200, "/data/json"},
		{"POST", "/compound/no-through", map[string]any{"value": 0, "success": false}, 200, ""},
		{"POST", "/compound/through/file.htm", map[string]any{"value": 2, "success": true}, 200, ""},
		{"GET", "/path/article/456/comment/123", nil, 200, "article_123_comment_456.json"},
		{"GET", "/path/custom/article/456/comment/123", nil, 200, "custom/path/custom/article/456/comment/123"},
		{"GET", "/path/short/article/456/comment/123", nil, 200, "article_123_comment_456.json"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			ex, body := evaluate(t, entries, tt.method, tt.target)
			if !reflect.DeepEqual(body, tt.want) {
				t.Errorf("expected body %#v, got %#v", tt.want, body)
			}
			if ex.Status() != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, ex.Status())
			}
			if tt.wantPath != "" && ex.Path != tt.wantPath {
				t.Errorf("expected path %q, got %q", tt.wantPath, ex.Path)
			}
		})
	}
}

func TestLoad_YAMLSample_Extras(t *testing.T) {
	entries, err := Load(filepath.Join("testdata", "sample.map.yml"), sampleRegistry(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ex, _ := evaluate(t, entries, "GET", "/code/301/x")
	if got := ex.Header().Get("Location"); got != "http://abc.def.com" {
		t.Errorf("expected Location header, got %q", got)
	}

	ex, _ = evaluate(t, entries, "GET", "/before/x.htm")
	if got := ex.Header().Get("X-Mocked"); got != "yes" {
		t.Errorf("expected X-Mocked header, got %q", got)
	}

	_, body := evaluate(t, entries, "PUT", "/func/file.htm?a=b")
	echo, ok := body.(map[string]any)
	if !ok {
		t.Fatalf("expected echo map, got %T", body)
	}
	if echo["method"] != "PUT" || echo["path"] != "/func/file.htm" {
		t.Errorf("unexpected echo %v", echo)
	}
}

func TestLoad_TOMLSample(t *testing.T) {
	entries, err := Load(filepath.Join("testdata", "sample.map.toml"), sampleRegistry(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 8 {
		t.Fatalf("expected 8 entries, got %d", len(entries))
	}

	tests := []struct {
		method     string
		target     string
		want       any
		wantStatus int
	}{
		{"GET", "/code/401/file.htm", "Unauthorized", 401},
		{"GET", "/code/301/x", "Moved Permanently", 301},
		{"GET", "/data/json", map[string]any{"customData": "123"}, 200},
		{"POST", "/post/file.htm", map[string]any{"customData": "456"}, 200},
		{"POST", "/compound/through/file.htm", map[string]any{"value": 2, "success": true}, 200},
	}

	for _, tt := range tests {
		ex, body := evaluate(t, entries, tt.method, tt.target)
		if !reflect.DeepEqual(body, tt.want) {
			t.Errorf("%s %s: expected body %#v, got %#v", tt.method, tt.target, tt.want, body)
		}
		if ex.Status() != tt.wantStatus {
			t.Errorf("%s %s: expected status %d, got %d", tt.method, tt.target, tt.wantStatus, ex.Status())
		}
	}
}

func TestParse_ListForm(t *testing.T) {
	entries, err := Parse([]byte(`
- pattern: /b
  rule: 404
- pattern: /a
  rule: /c
`), YAML, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 || entries[0].Pattern.String() != "/b" {
		t.Fatalf("unexpected entries %v", entries)
	}
	if _, ok := entries[0].Rule.(mapping.StatusRule); !ok {
		t.Errorf("expected a status rule, got %T", entries[0].Rule)
	}
	if r, ok := entries[1].Rule.(mapping.RewriteRule); !ok || r.Target != "/c" {
		t.Errorf("expected rewrite to /c, got %#v", entries[1].Rule)
	}
}

func TestParse_JSON(t *testing.T) {
	entries, err := Parse([]byte(`{"/z": 404, "/a": {"data": {"ok": true}}}`), YAML, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 || entries[0].Pattern.String() != "/z" {
		t.Fatalf("expected JSON key order to be kept, got %v", entries)
	}
}

func TestParse_Empty(t *testing.T) {
	entries, err := Parse(nil, YAML, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad regex", "'(': 404", "invalid pattern"},
		{"status out of range", "/x: 1000", "invalid status code"},
		{"unknown handler", "/x: {$func: nope}", "unknown data handler"},
		{"unknown key", "/x: {bogus: 1}", "unknown rule key"},
		{"bad pass through", "/x: {passThrough: yes please}", "must be a boolean"},
		{"bad status args", "/x: [301, 2]", "status arguments"},
		{"short status list", "/x: [301]", "status rule"},
		{"null rule", "/x: ~", "missing rule"},
		{"float rule", "/x: 1.5", "unsupported rule"},
		{"unknown before hook", "/x: {before: nope}", "unknown before hook"},
		{"unknown after key", "/x: {after: {replace: 1}}", "unknown after key"},
		{"scalar document", "just a string", "mapping or a list"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), YAML, nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParse_LiteralDataIsPerRequest(t *testing.T) {
	reg := NewRegistry().Data("inc", func(_ *mapping.Exchange, prev any) (any, error) {
		m := prev.(map[string]any)
		m["value"] = m["value"].(int) + 1
		m["tags"] = append(m["tags"].([]any), "seen")
		return m, nil
	})
	entries, err := Parse([]byte(`
'^/x$': {data: {value: 1, tags: [a]}, passThrough: true}
'^/x': {data: {$func: inc}}
`), YAML, reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]any{"value": 2, "tags": []any{"a", "seen"}}

	for i := 0; i < 3; i++ {
		if _, body := evaluate(t, entries, "GET", "/x"); !reflect.DeepEqual(body, want) {
			t.Fatalf("request %d: expected %v, got %v", i+1, want, body)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("GET", "/x", nil)
			ex := mapping.NewExchange(req, nil, req.URL.Path, nil, nil)
			out, err := mapping.NewEngine(entries, nil).Evaluate(ex)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if !reflect.DeepEqual(out.Data, want) {
				t.Errorf("expected %v, got %v", want, out.Data)
			}
		}()
	}
	wg.Wait()

	literal := entries[0].Rule.(mapping.CompoundRule).Data.(mapping.Literal).Value
	if !reflect.DeepEqual(literal, map[string]any{"value": 1, "tags": []any{"a"}}) {
		t.Errorf("loaded literal was modified: %v", literal)
	}
}

func TestLoad_ConfigurationErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.map.yml")
	if err := os.WriteFile(bad, []byte("/x: 42"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{bad, filepath.Join(dir, "missing.yml"), filepath.Join(dir, "map.js")} {
		_, err := Load(p, nil, nil)
		var cfgErr *config.Error
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: expected a configuration error, got %v", filepath.Base(p), err)
		}
	}
}

func TestDeclarativeAfter_MergeFileBody(t *testing.T) {
	after, err := declarativeAfter(map[string]any{
		"merge":   map[string]any{"success": true},
		"headers": map[string]any{"X-Count": 2},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest("GET", "/compound/file.json", nil)
	ex := mapping.NewExchange(req, nil, req.URL.Path, nil, nil)

	got, err := after(ex, []byte(`{"value":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]any{"value": float64(3), "success": true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if ex.Header().Get("X-Count") != "2" {
		t.Errorf("expected X-Count header, got %q", ex.Header().Get("X-Count"))
	}

	if _, err := after(ex, "<html></html>"); err == nil {
		t.Error("expected an error merging into HTML")
	}
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		name    string
		want    Format
		wantErr bool
	}{
		{"map.yml", YAML, false},
		{"map.YAML", YAML, false},
		{"map.json", YAML, false},
		{"map.toml", TOML, false},
		{"map.js", "", true},
	}

	for _, tt := range tests {
		got, err := FormatOf(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: unexpected error state %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.name, tt.want, got)
		}
	}
}
