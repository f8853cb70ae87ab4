package engine

import (
	"fmt"
	"regexp"
	"strings"
)

var templatePattern = regexp.MustCompile(`\{\{(.+?)\}\}`)

// Context holds the runtime state of one workflow execution: the trigger
// payload plus the output of every completed step. It is exclusively owned
// by a single run and discarded after the final snapshot is persisted.
type Context struct {
	data map[string]interface{}
}

// NewContext seeds a context from trigger data. Contact data is lifted to the
// top level so templates can use "contact.x" instead of "trigger.contact.x".
func NewContext(triggerData map[string]interface{}) *Context {
	data := make(map[string]interface{})
	if triggerData != nil {
		data["trigger"] = triggerData
		if contact, ok := triggerData["contact"]; ok {
			data["contact"] = contact
		}
	}
	return &Context{data: data}
}

func (c *Context) Set(key string, value interface{}) {
	c.data[key] = value
}

// Get resolves a dotted key path (e.g. "contact.first_name") against the
// nested context data. It returns nil the moment a key is missing or a
// non-map value is indexed; it never fails.
func (c *Context) Get(path string) interface{} {
	parts := strings.Split(path, ".")
	var current interface{} = c.data
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok || current == nil {
			return nil
		}
	}
	return current
}

// SetStepOutput stores a completed step's output under "steps.<stepID>" so
// later steps and the final snapshot can reference it.
func (c *Context) SetStepOutput(stepID string, output map[string]interface{}) {
	steps, ok := c.data["steps"].(map[string]interface{})
	if !ok {
		steps = make(map[string]interface{})
		c.data["steps"] = steps
	}
	steps[stepID] = output
}

// ResolveTemplate replaces every {{dotted.path}} placeholder with the context
// value at that path. Placeholders that resolve to nothing are left intact so
// an unresolved template is visible in the output rather than silently blank.
func (c *Context) ResolveTemplate(text string) string {
	return templatePattern.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-2])
		value := c.Get(key)
		if value == nil {
			return match
		}
		return stringify(value)
	})
}

// ResolveConfig returns a deep copy of config with every string value run
// through ResolveTemplate, including strings inside nested maps and lists.
// Non-string values pass through unchanged.
func (c *Context) ResolveConfig(config map[string]interface{}) map[string]interface{} {
	resolved := make(map[string]interface{}, len(config))
	for key, value := range config {
		resolved[key] = c.resolveValue(value)
	}
	return resolved
}

func (c *Context) resolveValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return c.ResolveTemplate(v)
	case map[string]interface{}:
		return c.ResolveConfig(v)
	case []interface{}:
		items := make([]interface{}, len(v))
		for i, item := range v {
			items[i] = c.resolveValue(item)
		}
		return items
	default:
		return value
	}
}

// Snapshot returns a shallow copy of the context data for persistence.
func (c *Context) Snapshot() map[string]interface{} {
	snapshot := make(map[string]interface{}, len(c.data))
	for key, value := range c.data {
		snapshot[key] = value
	}
	return snapshot
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// Avoid "42.000000" for whole numbers that came through JSON.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", value)
	}
}
