package chat

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/agentcore/internal/shared"
)

// Content types a message may carry.
const (
	ContentText         = "text"
	ContentForm         = "form"
	ContentNotification = "notification"
	ContentCode         = "code"
	ContentMarkdown     = "markdown"
	ContentTable        = "table"
	ContentCard         = "card"
	ContentSystem       = "system"
)

const contentSchema = `{
  "oneOf": [
    {"type": "object", "required": ["type", "text"],
     "properties": {"type": {"const": "text"}, "text": {"type": "string"}}},
    {"type": "object", "required": ["type", "text", "form"],
     "properties": {"type": {"const": "form"}, "text": {"type": "string"}, "form": {"type": "object"}}},
    {"type": "object", "required": ["type", "notification"],
     "properties": {"type": {"const": "notification"},
       "notification": {"type": "object", "required": ["title", "content"],
         "properties": {"title": {"type": "string"}, "content": {"type": "string"}}}}},
    {"type": "object", "required": ["type", "code"],
     "properties": {"type": {"const": "code"},
       "code": {"type": "object", "required": ["lang", "value"],
         "properties": {"lang": {"type": "string"}, "value": {"type": "string"}}}}},
    {"type": "object", "required": ["type", "markdown"],
     "properties": {"type": {"const": "markdown"}, "markdown": {"type": "string"}}},
    {"type": "object", "required": ["type", "table"],
     "properties": {"type": {"const": "table"},
       "table": {"type": "object", "required": ["headers", "rows"],
         "properties": {"headers": {"type": "array", "items": {"type": "string"}},
                        "rows": {"type": "array", "items": {"type": "array"}}}}}},
    {"type": "object", "required": ["type", "card"],
     "properties": {"type": {"const": "card"},
       "card": {"type": "object", "required": ["title", "content"],
         "properties": {"title": {"type": "string"}, "content": {"type": "string"},
                        "actions": {"type": "array", "items": {"type": "object"}}}}}},
    {"type": "object", "required": ["type", "system"],
     "properties": {"type": {"const": "system"},
       "system": {"type": "object", "required": ["text"],
         "properties": {"text": {"type": "string"},
                        "level": {"enum": ["info", "warning", "error", "success"]}}}}}
  ]
}`

var compiledContentSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(contentSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal content schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("content.json", doc); err != nil {
		return nil, fmt.Errorf("add content schema: %w", err)
	}
	return c.Compile("content.json")
})

// ValidateContent checks a message body against the content union.
func ValidateContent(content any) error {
	schema, err := compiledContentSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return shared.Validation("message content is not JSON: %v", err)
	}
	// Round-trip through jsonschema.UnmarshalJSON so numbers arrive as json.Number.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return shared.Validation("message content is not JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return shared.Validation("invalid %s message content: %v", contentType(content), err)
	}
	return nil
}

func contentType(content any) string {
	if m, ok := content.(map[string]any); ok {
		if t, ok := m["type"].(string); ok && t != "" {
			return t
		}
	}
	return "untyped"
}

func TextContent(text string) map[string]any {
	return map[string]any{"type": ContentText, "text": text}
}

func FormContent(text string, form map[string]any) map[string]any {
	if form == nil {
		form = map[string]any{}
	}
	return map[string]any{"type": ContentForm, "text": text, "form": form}
}

// NotificationContent builds a notification body. A missing title becomes
// "Notification".
func NotificationContent(title, content string) map[string]any {
	if title == "" {
		title = "Notification"
	}
	return map[string]any{
		"type":         ContentNotification,
		"notification": map[string]any{"title": title, "content": content},
	}
}

// searchFields are the top-level keys besides text and form whose values
// take part in message search.
var searchFields = []string{"content", "title", "description", "label", "value", "message"}

// SearchableText flattens the text a user could search for in a message:
// the body's text fields plus every string leaf of a form.
func SearchableText(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case map[string]any:
		var parts []string
		if s := scalarText(c["text"]); s != "" {
			parts = append(parts, s)
		}
		if form, ok := c["form"]; ok {
			parts = append(parts, leaves(form)...)
		}
		for _, k := range searchFields {
			if s := scalarText(c[k]); s != "" {
				parts = append(parts, s)
			}
		}
		if n, ok := c["notification"].(map[string]any); ok {
			parts = append(parts, scalarText(n["title"]), scalarText(n["content"]))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(c)
	}
}

func scalarText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case map[string]any, []any:
		b, _ := json.Marshal(x)
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

// leaves collects the string form of every scalar under v. Map keys are
// visited in sorted order.
func leaves(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return []string{x}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			out = append(out, leaves(x[k])...)
		}
		return out
	case []any:
		var out []string
		for _, it := range x {
			out = append(out, leaves(it)...)
		}
		return out
	default:
		return []string{fmt.Sprint(x)}
	}
}
