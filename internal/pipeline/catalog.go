package pipeline

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Catalog is the tool registry. Schema compilation happens once at
// Register time, never per-request.
type Catalog struct {
	mu       sync.RWMutex
	tools    map[string]*Descriptor
	compiled map[string]*jsonschema.Schema
}

// NewCatalog returns an empty tool catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		tools:    map[string]*Descriptor{},
		compiled: map[string]*jsonschema.Schema{},
	}
}

// Register compiles desc.Schema once and installs desc atomically,
// replacing any prior descriptor under the same name.
func (c *Catalog) Register(desc *Descriptor) error {
	compiled, err := jsonschema.CompileString(desc.Name+".schema.json", string(desc.Schema))
	if err != nil {
		return fmt.Errorf("pipeline: compile schema for %q: %w", desc.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[desc.Name] = desc
	c.compiled[desc.Name] = compiled
	return nil
}

// Lookup returns the descriptor registered under name, or nil.
func (c *Catalog) Lookup(name string) *Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools[name]
}

// Schema returns the compiled schema for name, or nil if unregistered.
func (c *Catalog) Schema(name string) *jsonschema.Schema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compiled[name]
}
