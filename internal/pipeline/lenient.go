package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// decodeLenientJSON parses tool input accumulated from input_json deltas.
// Models occasionally emit near-JSON: single-quoted strings, unquoted keys,
// trailing commas. Strict parsing is tried first; a normalisation pass
// covers the rest.
func decodeLenientJSON(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, nil
	}
	if err := json.Unmarshal([]byte(lenientNormalize(s)), &v); err == nil {
		return v, nil
	}
	return nil, fmt.Errorf("unparseable JSON payload: %.80s", s)
}

// lenientNormalize rewrites the common deviations into strict JSON. It is
// not a full parser; inputs it cannot fix still fail at Unmarshal.
func lenientNormalize(input string) string {
	runes := []rune(input)
	var out strings.Builder
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case c == '"' || c == '\'':
			i = normalizeString(runes, i, &out)
		case c == ',':
			j := i + 1
			for j < len(runes) && unicode.IsSpace(runes[j]) {
				j++
			}
			// Trailing comma before a closing bracket.
			if j < len(runes) && (runes[j] == '}' || runes[j] == ']') {
				i++
				continue
			}
			out.WriteRune(c)
			i++
		case isIdentStart(c):
			j := i
			for j < len(runes) && isIdentChar(runes[j]) {
				j++
			}
			word := string(runes[i:j])
			k := j
			for k < len(runes) && unicode.IsSpace(runes[k]) {
				k++
			}
			if k < len(runes) && runes[k] == ':' && word != "true" && word != "false" && word != "null" {
				out.WriteByte('"')
				out.WriteString(word)
				out.WriteByte('"')
			} else {
				out.WriteString(word)
			}
			i = j
		default:
			out.WriteRune(c)
			i++
		}
	}
	return out.String()
}

// normalizeString re-emits the quoted string starting at runes[start] as a
// strict double-quoted string and returns the index past it.
func normalizeString(runes []rune, start int, out *strings.Builder) int {
	quote := runes[start]
	out.WriteByte('"')
	i := start + 1
	for i < len(runes) {
		r := runes[i]
		if r == '\\' && i+1 < len(runes) {
			next := runes[i+1]
			if next == '\'' {
				// \' is not a JSON escape; a bare quote is fine.
				out.WriteRune('\'')
			} else {
				out.WriteRune(r)
				out.WriteRune(next)
			}
			i += 2
			continue
		}
		if r == quote {
			i++
			break
		}
		if r == '"' {
			out.WriteString(`\"`)
			i++
			continue
		}
		out.WriteRune(r)
		i++
	}
	out.WriteByte('"')
	return i
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentChar(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
