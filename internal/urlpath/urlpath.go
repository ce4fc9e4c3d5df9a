// Package urlpath turns request URLs into the canonical keys used for map
// matching and file lookup.
package urlpath

import (
	"net/url"
	"strings"
)

// Normalize returns the lookup path for rawURL and its parsed query.
//
// The path stays percent-encoded and the query string never takes part in
// matching. Repeated slashes collapse to one, the virtual root is stripped on
// a segment boundary, and a single trailing slash is dropped, so "/" becomes
// "". Malformed input is handled on a best-effort basis and never fails.
func Normalize(rawURL, root string) (string, url.Values) {
	p, rawQuery := split(rawURL)
	query, _ := url.ParseQuery(rawQuery)

	p = collapseSlashes(p)

	if root != "" && (p == root || strings.HasPrefix(p, root+"/")) {
		p = p[len(root):]
	}

	p = strings.TrimSuffix(p, "/")
	return p, query
}

// NormalizeRoot gives root a leading slash and removes one trailing slash.
// The bare "/" root means no virtual root at all.
func NormalizeRoot(root string) string {
	if root == "" {
		return ""
	}
	if root[0] != '/' {
		root = "/" + root
	}
	return strings.TrimSuffix(root, "/")
}

func split(rawURL string) (string, string) {
	parse := url.Parse
	if strings.HasPrefix(rawURL, "/") {
		parse = url.ParseRequestURI
	}
	if u, err := parse(rawURL); err == nil {
		return u.EscapedPath(), u.RawQuery
	}

	p := rawURL
	if i := strings.IndexByte(p, '#'); i >= 0 {
		p = p[:i]
	}
	var rawQuery string
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p, rawQuery = p[:i], p[i+1:]
	}
	return p, rawQuery
}

func collapseSlashes(p string) string {
	if !strings.Contains(p, "//") {
		return p
	}

	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == '/' && i > 0 && p[i-1] == '/' {
			continue
		}
		b.WriteByte(p[i])
	}
	return b.String()
}
