package integration

import (
	"encoding/json"
	"regexp"
)

// Directive is one integration request found in a model response.
type Directive struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
}

var jsonFence = regexp.MustCompile("(?s)```json[ \\t]*\\r?\\n(.*?)```")

// ParseDirectives extracts integration requests from fenced ```json blocks
// in order of appearance. A block qualifies when its top-level object has an
// "integration_request" member with a non-empty type; anything else,
// including malformed JSON, is ignored.
func ParseDirectives(text string) []Directive {
	var out []Directive
	for _, m := range jsonFence.FindAllStringSubmatch(text, -1) {
		var block struct {
			Request *Directive `json:"integration_request"`
		}
		if err := json.Unmarshal([]byte(m[1]), &block); err != nil {
			continue
		}
		if block.Request == nil || block.Request.Type == "" {
			continue
		}
		if block.Request.Parameters == nil {
			block.Request.Parameters = map[string]any{}
		}
		out = append(out, *block.Request)
	}
	return out
}
