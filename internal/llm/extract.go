package llm

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/jsonc"
)

// ExtractObject decodes the first balanced JSON object in a reply that
// parses. Comments and trailing commas are tolerated; braces in surrounding
// prose are skipped.
func ExtractObject(response string) (map[string]any, error) {
	spans := ObjectSpans(response)
	if len(spans) == 0 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	for _, sp := range spans {
		if obj, ok := DecodeObject(sp.Text(response)); ok {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("no JSON object in response parses")
}

// Span is a balanced {...} region of a reply, as byte offsets [Start, End).
type Span struct {
	Start, End int
}

// Text returns the span's substring of s.
func (sp Span) Text(s string) string { return s[sp.Start:sp.End] }

// ObjectSpans returns every balanced brace region in s, ordered by opening
// brace, including regions nested inside others. Braces inside JSON strings
// of a region are ignored. Unterminated regions are omitted.
func ObjectSpans(s string) []Span {
	var spans []Span
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		region := scanRegion(s, i)
		if region == nil {
			continue
		}
		spans = append(spans, region...)
		i = region[0].End - 1
	}
	return spans
}

// scanRegion walks the region opened at s[open]. On success it returns the
// region's span first, followed by its nested spans in opening order.
func scanRegion(s string, open int) []Span {
	var stack []int
	var nested []Span
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, i)
		case '}':
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				sort.Slice(nested, func(a, b int) bool { return nested[a].Start < nested[b].Start })
				return append([]Span{{Start: top, End: i + 1}}, nested...)
			}
			nested = append(nested, Span{Start: top, End: i + 1})
		}
	}
	return nil
}

// DecodeObject decodes a candidate span leniently (jsonc) into a map.
func DecodeObject(raw string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal(jsonc.ToJSON([]byte(raw)), &obj); err != nil {
		return nil, false
	}
	return obj, obj != nil
}
