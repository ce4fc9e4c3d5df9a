package mapping

import (
	"regexp"
	"strings"
)

// Substitute replaces the first match of re in src with template.
//
// The template understands $$, $& (whole match), $` (text before the
// match), $' (text after it), $1..$99 and $<name>. A reference to a group
// that does not exist is copied literally; a group that did not take part
// in the match expands to "".
func Substitute(re *regexp.Regexp, src, template string) string {
	m := re.FindStringSubmatchIndex(src)
	if m == nil {
		return src
	}

	var b strings.Builder
	b.WriteString(src[:m[0]])
	expand(&b, re, src, m, template)
	b.WriteString(src[m[1]:])
	return b.String()
}

func expand(b *strings.Builder, re *regexp.Regexp, src string, m []int, template string) {
	groups := re.NumSubexp()

	group := func(i int) string {
		if m[2*i] < 0 {
			return ""
		}
		return src[m[2*i]:m[2*i+1]]
	}

	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '$' || i+1 == len(template) {
			b.WriteByte(c)
			continue
		}

		next := template[i+1]
		switch {
		case next == '$':
			b.WriteByte('$')
			i++
		case next == '&':
			b.WriteString(src[m[0]:m[1]])
			i++
		case next == '`':
			b.WriteString(src[:m[0]])
			i++
		case next == '\'':
			b.WriteString(src[m[1]:])
			i++
		case isDigit(next):
			n, width := groupRef(template[i+1:], groups)
			if width == 0 {
				b.WriteByte('$')
				continue
			}
			b.WriteString(group(n))
			i += width
		case next == '<':
			end := strings.IndexByte(template[i+2:], '>')
			if end < 0 || !hasNames(re) {
				b.WriteByte('$')
				continue
			}
			name := template[i+2 : i+2+end]
			if idx := re.SubexpIndex(name); idx > 0 {
				b.WriteString(group(idx))
			}
			i += end + 2
		default:
			b.WriteByte('$')
		}
	}
}

// groupRef reads a one or two digit group number from s, preferring two
// digits when that group exists. width is 0 when no group matches.
func groupRef(s string, groups int) (n, width int) {
	if len(s) >= 2 && isDigit(s[1]) {
		if nn := int(s[0]-'0')*10 + int(s[1]-'0'); nn >= 1 && nn <= groups {
			return nn, 2
		}
	}
	if d := int(s[0] - '0'); d >= 1 && d <= groups {
		return d, 1
	}
	return 0, 0
}

func hasNames(re *regexp.Regexp) bool {
	for _, name := range re.SubexpNames() {
		if name != "" {
			return true
		}
	}
	return false
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
