package chat

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpchat/mcp"
	"github.com/effective-security/mcpchat/pkg/llms"
	"github.com/invopop/jsonschema"
)

// ToolLister is the part of the transport session the catalog needs.
type ToolLister interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// Catalog is a snapshot of the tools the server advertises, converted to the
// shape the model's tool-calling interface requires. It is built once per
// session and not refreshed mid-conversation; call LoadCatalog again to pick
// up changes.
type Catalog struct {
	tools []mcp.Tool
	defs  []llms.Tool
}

// LoadCatalog fetches the server's tools and converts their input schemas.
// The server's order is preserved.
func LoadCatalog(ctx context.Context, lister ToolLister) (*Catalog, error) {
	tools, err := lister.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	defs := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		params := new(jsonschema.Schema)
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, params); err != nil {
				return nil, errors.Wrapf(err, "invalid input schema for tool %q", t.Name)
			}
		}
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}

	return &Catalog{
		tools: tools,
		defs:  defs,
	}, nil
}

// Tools returns the tool descriptors as advertised by the server.
func (c *Catalog) Tools() []mcp.Tool {
	return c.tools
}

// Definitions returns the tools in the model's tool-calling shape.
func (c *Catalog) Definitions() []llms.Tool {
	return c.defs
}

// Has reports whether the server advertises a tool with the given name.
func (c *Catalog) Has(name string) bool {
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Names returns the tool names in server order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.tools))
	for i, t := range c.tools {
		names[i] = t.Name
	}
	return names
}
