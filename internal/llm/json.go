package llm

import (
	"encoding/json"
	"errors"
)

var ErrNoJSON = errors.New("json not found")

// ExtractJSON returns the first balanced top-level JSON object or array in text.
// Models often wrap JSON in prose or code fences.
func ExtractJSON(text string) (string, error) {
	depth := 0
	start := -1
	var open, close byte
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			if start != -1 {
				inStr = !inStr
			}
		case '{', '[':
			if inStr {
				continue
			}
			if start == -1 {
				start = i
				open = ch
				close = '}'
				if ch == '[' {
					close = ']'
				}
			}
			if ch == open {
				depth++
			}
		case '}', ']':
			if inStr || start == -1 || ch != close {
				continue
			}
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}

// DecodeJSON extracts and unmarshals the first JSON value in text into v.
func DecodeJSON(text string, v any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}
