package mapping

import (
	"fmt"
	"regexp"

	"github.com/relaypoint/devserve/internal/statuscode"
)

// DataFunc produces response data. prev is the data accumulated by earlier
// pass-through matches, or nil. The result may be a Deferred.
type DataFunc func(ex *Exchange, prev any) (any, error)

// BeforeFunc runs during the first walk and may redirect matching by
// changing ex.Path.
type BeforeFunc func(ex *Exchange) error

// AfterFunc transforms the body just before it is sent. Returning nil
// sends an empty body.
type AfterFunc func(ex *Exchange, body any) (any, error)

// PathFunc computes a new lookup path.
type PathFunc func(ex *Exchange) (string, error)

// Rule is the configuration attached to a pattern. The concrete types are
// StatusRule, RewriteRule, HandlerRule and CompoundRule.
type Rule interface {
	isRule()
}

// StatusRule answers with a standard status response and stops matching.
type StatusRule struct {
	Code int
	Args statuscode.Args
}

// RewriteRule substitutes Target for the first match of the pattern in the
// current path. Target may reference groups with $1, $<name>, $& and so on.
type RewriteRule struct {
	Target string
}

// HandlerRule is shorthand for CompoundRule{Data: Fn}.
type HandlerRule struct {
	Fn DataFunc
}

// CompoundRule is the general rule form.
type CompoundRule struct {
	Before BeforeFunc
	After  AfterFunc

	// Path is a substitution template like RewriteRule.Target. PathFunc wins
	// when both are set.
	Path     string
	PathFunc PathFunc

	// Data is used unless Methods has an entry for the lowercased request
	// method. A nil Data leaves the accumulated data untouched.
	Data    Source
	Methods map[string]Source

	PassThrough bool
}

func (StatusRule) isRule()   {}
func (RewriteRule) isRule()  {}
func (HandlerRule) isRule()  {}
func (CompoundRule) isRule() {}

// Source is where a CompoundRule takes its data from: a Literal or a
// DataFunc.
type Source interface {
	isSource()
}

// Literal is response data returned as is. Each request gets its own copy
// of map and slice values, so handlers may modify what they receive.
type Literal struct {
	Value any
}

func (l Literal) value() any {
	return Clone(l.Value)
}

// Clone deep-copies the map and slice shapes produced by decoding JSON,
// YAML or TOML. Other values are returned unchanged.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = Clone(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = Clone(e)
		}
		return s
	case []map[string]any:
		s := make([]map[string]any, len(t))
		for i, e := range t {
			s[i] = Clone(e).(map[string]any)
		}
		return s
	}
	return v
}

func (Literal) isSource()  {}
func (DataFunc) isSource() {}

// Status returns a StatusRule for code.
func Status(code int) StatusRule {
	return StatusRule{Code: code}
}

// StatusWithArgs returns a StatusRule carrying args, e.g. a redirect URL.
func StatusWithArgs(code int, args statuscode.Args) StatusRule {
	return StatusRule{Code: code, Args: args}
}

// Rewrite returns a RewriteRule.
func Rewrite(target string) RewriteRule {
	return RewriteRule{Target: target}
}

// Handler returns a HandlerRule.
func Handler(fn DataFunc) HandlerRule {
	return HandlerRule{Fn: fn}
}

// Entry pairs a compiled pattern with its rule.
type Entry struct {
	Pattern *regexp.Regexp
	Rule    Rule
}

// Compile builds an Entry, rejecting invalid patterns and status codes.
func Compile(pattern string, rule Rule) (Entry, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if rule == nil {
		return Entry{}, fmt.Errorf("pattern %q has no rule", pattern)
	}
	switch r := rule.(type) {
	case StatusRule:
		if !statuscode.Valid(r.Code) {
			return Entry{}, fmt.Errorf("pattern %q: invalid status code %d", pattern, r.Code)
		}
	case HandlerRule:
		if r.Fn == nil {
			return Entry{}, fmt.Errorf("pattern %q: handler is nil", pattern)
		}
	}
	return Entry{Pattern: re, Rule: rule}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(pattern string, rule Rule) Entry {
	e, err := Compile(pattern, rule)
	if err != nil {
		panic(err)
	}
	return e
}

// Outcome is the result of evaluating the map for one request. HasData,
// not a nil check on Data, tells whether a custom response was produced.
type Outcome struct {
	Data    any
	HasData bool
	Matched bool
}

func (o Outcome) with(data any) Outcome {
	o.Data = data
	o.HasData = true
	return o
}
