// Package statuscode renders bare HTTP status codes, optionally with a
// redirect target, into a response.
package statuscode

import (
	"fmt"
	"net/http"
)

// StatusWriter is the part of a response the responder touches.
type StatusWriter interface {
	Header() http.Header
	SetStatus(code int)
}

// Args carries auxiliary data for a status code, such as {"url": "..."}.
type Args map[string]any

// URL returns the "url" argument, or "" when absent.
func (a Args) URL() string {
	if a == nil {
		return ""
	}
	switch v := a["url"].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

type handlerFunc func(w StatusWriter, code int, args Args) string

var handlers = map[int]handlerFunc{
	http.StatusMovedPermanently:  redirect,
	http.StatusFound:             redirect,
	http.StatusSeeOther:          redirect,
	http.StatusTemporaryRedirect: redirect,
	http.StatusPermanentRedirect: redirect,
}

// Respond sets code on w and returns the standard reason phrase, which
// callers send as the body. Redirect codes also set Location from args.
// Codes without a registered reason phrase yield an empty message.
func Respond(w StatusWriter, code int, args Args) string {
	if h, ok := handlers[code]; ok {
		return h(w, code, args)
	}
	return defaultHandler(w, code, args)
}

// Valid reports whether code can be written as an HTTP status line.
func Valid(code int) bool {
	return code >= 100 && code <= 999
}

func defaultHandler(w StatusWriter, code int, _ Args) string {
	w.SetStatus(code)
	return http.StatusText(code)
}

func redirect(w StatusWriter, code int, args Args) string {
	if u := args.URL(); u != "" {
		w.Header().Set("Location", u)
	}
	return defaultHandler(w, code, args)
}
