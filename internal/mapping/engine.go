// Package mapping implements the response map: an ordered list of regular
// expression patterns with rules, evaluated in two walks per request.
package mapping

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/relaypoint/devserve/internal/statuscode"
)

// Engine evaluates a fixed list of entries. It holds no per-request state
// and is safe for concurrent use.
type Engine struct {
	entries []Entry
	logger  *slog.Logger
}

// NewEngine creates an engine over entries, which must not be modified
// afterwards.
func NewEngine(entries []Entry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		entries: entries,
		logger:  logger,
	}
}

// Len returns the number of entries.
func (e *Engine) Len() int {
	return len(e.entries)
}

// Evaluate walks the entries against ex.Path twice.
//
// The first walk runs before hooks and stops at the first match unless it
// passes through; a status rule found there answers immediately. The second
// walk starts over against the possibly changed path and resolves path
// rewrites, after hooks and data, again stopping at the first match that
// does not pass through.
func (e *Engine) Evaluate(ex *Exchange) (Outcome, error) {
	var out Outcome
	if len(e.entries) == 0 {
		return out, nil
	}
	log := ex.Logger

	log.Debug("traversing map, running before hooks", "path", ex.Path)
	for _, en := range e.entries {
		if !en.Pattern.MatchString(ex.Path) {
			continue
		}
		log.Debug("matched pattern", "pattern", en.Pattern.String(), "walk", 1)
		out.Matched = true

		var passThrough bool
		var err error
		if out, passThrough, err = e.before(ex, en, out); err != nil {
			return out, err
		}
		if out.HasData {
			log.Debug("status response returned", "status", ex.Status())
			return out, nil
		}
		if !passThrough {
			break
		}
	}

	log.Debug("traversing map, resolving response data", "path", ex.Path)
	for _, en := range e.entries {
		if !en.Pattern.MatchString(ex.Path) {
			continue
		}
		log.Debug("matched pattern", "pattern", en.Pattern.String(), "walk", 2)
		out.Matched = true

		var passThrough bool
		var err error
		if out, passThrough, err = e.apply(ex, en, out); err != nil {
			return out, err
		}
		if !passThrough {
			log.Debug("map processing stopped", "pattern", en.Pattern.String())
			break
		}
	}

	switch {
	case out.HasData:
		log.Debug("custom response data", "data", out.Data)
	case !out.Matched:
		log.Debug("none matched in map", "path", ex.Path)
	}
	return out, nil
}

func (e *Engine) before(ex *Exchange, en Entry, out Outcome) (Outcome, bool, error) {
	switch r := en.Rule.(type) {
	case StatusRule:
		return e.status(ex, r, out), false, nil
	case CompoundRule:
		if r.Before != nil {
			ex.Logger.Debug("running before hook", "pattern", en.Pattern.String())
			if err := r.Before(ex); err != nil {
				return out, false, err
			}
		}
		return out, r.PassThrough, nil
	}
	return out, false, nil
}

func (e *Engine) apply(ex *Exchange, en Entry, out Outcome) (Outcome, bool, error) {
	if out.HasData {
		ex.Logger.Debug("passed in data", "data", out.Data)
	}

	switch r := en.Rule.(type) {
	case StatusRule:
		return e.status(ex, r, out), false, nil
	case RewriteRule:
		rewrite(ex, en.Pattern, r.Target)
		return out, false, nil
	case HandlerRule:
		return e.compound(ex, en.Pattern, CompoundRule{Data: r.Fn}, out)
	case CompoundRule:
		return e.compound(ex, en.Pattern, r, out)
	}

	e.logger.Warn("invalid rule in map", "pattern", en.Pattern.String(), "rule", fmt.Sprintf("%T", en.Rule))
	return out, false, nil
}

func (e *Engine) status(ex *Exchange, r StatusRule, out Outcome) Outcome {
	ex.Logger.Debug("standard code response", "status", r.Code)
	return out.with(statuscode.Respond(ex, r.Code, r.Args))
}

func (e *Engine) compound(ex *Exchange, re *regexp.Regexp, r CompoundRule, out Outcome) (Outcome, bool, error) {
	switch {
	case r.PathFunc != nil:
		orig := ex.Path
		p, err := r.PathFunc(ex)
		if err != nil {
			return out, false, err
		}
		ex.Path = p
		ex.Logger.Debug("custom path function", "from", orig, "to", ex.Path)
	case r.Path != "":
		rewrite(ex, re, r.Path)
	}

	if r.After != nil {
		ex.Logger.Debug("storing after hook", "pattern", re.String())
		ex.AddAfter(r.After)
	}

	src := r.Data
	if m, ok := r.Methods[ex.Method()]; ok {
		ex.Logger.Debug("found data for method", "method", ex.Method())
		src = m
	}

	switch s := src.(type) {
	case Literal:
		out = out.with(s.value())
	case DataFunc:
		ex.Logger.Debug("executing data handler", "pattern", re.String())
		v, err := s(ex, out.Data)
		if err != nil {
			return out, false, err
		}
		if v, err = Resolve(ex.Context(), v); err != nil {
			return out, false, err
		}
		out = out.with(v)
	}

	return out, r.PassThrough, nil
}

func rewrite(ex *Exchange, re *regexp.Regexp, target string) {
	orig := ex.Path
	ex.Path = Substitute(re, ex.Path, target)
	ex.Logger.Debug("path rewritten", "from", orig, "to", ex.Path)
}
