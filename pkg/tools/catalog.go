// Package tools defines the frozen tool catalog consumed by the mask builder
// and the tool-call handler, and the execution seam to the external
// tool-discovery/execution subsystem.
package tools

import (
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// Param describes one action parameter.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Action is one invocable operation of a tool.
type Action struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params,omitempty"`
}

// Tool is one discovered local tool. Installed reflects the discovery
// probe's verdict; the engine never offers a tool that is not installed.
type Tool struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Installed   bool     `json:"installed"`
	Actions     []Action `json:"actions"`
}

// InputSchema builds the JSON-schema object shape providers expect for one
// action's parameters.
func (a Action) InputSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(a.Params))
	var required []string
	for _, p := range a.Params {
		properties[p.Name] = map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return schema
}

// Catalog is an immutable snapshot of the discovered tools, frozen once
// before the first turn so mask computations stay referentially stable
// across rounds.
type Catalog struct {
	tools   map[string]Tool
	order   []string
	schemas map[string]*gojsonschema.Schema // "<toolID>_<action>" -> compiled schema
}

// NewCatalog freezes a snapshot of the given tools. Argument schemas are
// compiled eagerly so dispatch-time validation never pays compilation cost.
func NewCatalog(list []Tool) (*Catalog, error) {
	c := &Catalog{
		tools:   make(map[string]Tool, len(list)),
		schemas: make(map[string]*gojsonschema.Schema),
	}
	for _, tool := range list {
		if tool.ID == "" {
			return nil, fmt.Errorf("tool with empty id")
		}
		if _, exists := c.tools[tool.ID]; exists {
			return nil, fmt.Errorf("duplicate tool id: %s", tool.ID)
		}
		c.tools[tool.ID] = tool
		c.order = append(c.order, tool.ID)

		for _, action := range tool.Actions {
			loader := gojsonschema.NewGoLoader(action.InputSchema())
			schema, err := gojsonschema.NewSchema(loader)
			if err != nil {
				return nil, fmt.Errorf("tool %s action %s: invalid schema: %w", tool.ID, action.Name, err)
			}
			c.schemas[tool.ID+"_"+action.Name] = schema
		}
	}
	return c, nil
}

// Get returns the tool with the given id.
func (c *Catalog) Get(id string) (Tool, bool) {
	t, ok := c.tools[id]
	return t, ok
}

// Has reports whether an installed tool with the given id exists.
func (c *Catalog) Has(id string) bool {
	t, ok := c.tools[id]
	return ok && t.Installed
}

// IDs returns tool ids in registration order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of tools in the snapshot.
func (c *Catalog) Len() int {
	return len(c.order)
}

// Schema returns the compiled argument schema for "<toolID>_<action>", if any.
func (c *Catalog) Schema(toolID, action string) *gojsonschema.Schema {
	return c.schemas[toolID+"_"+action]
}

// Resolve splits a model-emitted tool-call name of the form
// "<toolID>_<actionName>" against the snapshot. Tool ids may themselves
// contain underscores, so the longest matching id wins.
func (c *Catalog) Resolve(name string) (Tool, string, bool) {
	var best Tool
	bestLen := -1
	for id, tool := range c.tools {
		if len(name) > len(id)+1 && name[:len(id)] == id && name[len(id)] == '_' {
			if len(id) > bestLen {
				best = tool
				bestLen = len(id)
			}
		}
	}
	if bestLen < 0 {
		return Tool{}, "", false
	}
	return best, name[bestLen+1:], true
}
