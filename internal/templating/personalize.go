// Package templating substitutes @field placeholders in message templates.
package templating

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Personalize replaces every @name token in tmpl with the matching contact field.
//
// A token is '@' followed by one or more letters, digits or underscores, and only
// counts when the '@' is not itself preceded by a word character, so addresses
// like ana@example.com are left alone. Lookup tries the exact key first, then a
// case-insensitive match. Unknown fields resolve to the empty string.
// fields is never modified.
func Personalize(tmpl string, fields map[string]string) string {
	if !strings.ContainsRune(tmpl, '@') {
		return tmpl
	}

	var b strings.Builder
	b.Grow(len(tmpl))

	prev := rune(-1)
	for i := 0; i < len(tmpl); {
		r, size := utf8.DecodeRuneInString(tmpl[i:])
		if r != '@' || isWordRune(prev) {
			b.WriteString(tmpl[i : i+size])
			prev = r
			i += size
			continue
		}

		end := i + size
		for end < len(tmpl) {
			nr, nsize := utf8.DecodeRuneInString(tmpl[end:])
			if !isWordRune(nr) {
				break
			}
			end += nsize
		}

		if end == i+size {
			// bare '@'
			b.WriteRune(r)
			prev = r
			i += size
			continue
		}

		b.WriteString(lookup(fields, tmpl[i+size:end]))
		// a substituted token never glues onto the next one
		prev = -1
		i = end
	}

	return b.String()
}

// Tokens returns the distinct placeholder names referenced by tmpl, in order of appearance.
func Tokens(tmpl string) []string {
	var names []string
	seen := make(map[string]bool)

	prev := rune(-1)
	for i := 0; i < len(tmpl); {
		r, size := utf8.DecodeRuneInString(tmpl[i:])
		if r != '@' || isWordRune(prev) {
			prev = r
			i += size
			continue
		}
		end := i + size
		for end < len(tmpl) {
			nr, nsize := utf8.DecodeRuneInString(tmpl[end:])
			if !isWordRune(nr) {
				break
			}
			end += nsize
		}
		if end > i+size {
			name := tmpl[i+size : end]
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		prev = -1
		i = end
	}

	return names
}

func lookup(fields map[string]string, name string) string {
	if v, ok := fields[name]; ok {
		return v
	}

	// Sorted so that fields differing only by case resolve the same way every time.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, name) {
			return fields[k]
		}
	}
	return ""
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
