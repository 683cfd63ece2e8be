// Package tools holds the function tools offered to the base chat model.
package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
)

// SearchToolName is the name the chat model calls to start a search
const SearchToolName = "search_tool"

// BasicRegistry is a simple implementation of ToolRegistry
type BasicRegistry struct {
	mu    sync.RWMutex
	tools map[string]domain.Tool
}

// NewBasicRegistry creates a new basic tool registry
func NewBasicRegistry() *BasicRegistry {
	return &BasicRegistry{
		tools: make(map[string]domain.Tool),
	}
}

// NewDefaultRegistry returns a registry holding the search tool
func NewDefaultRegistry() *BasicRegistry {
	r := NewBasicRegistry()
	_ = r.Register(&SearchTool{})
	return r
}

// Register registers a new tool
func (r *BasicRegistry) Register(tool domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}

	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name
func (r *BasicRegistry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool %s not found", name)
	}

	return tool, nil
}

// List returns all available tools sorted by name
func (r *BasicRegistry) List() []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]domain.Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })

	return tools
}

// Schemas returns the schema of every tool, ready for domain.ChatOptions.Tools
func (r *BasicRegistry) Schemas() []domain.ToolSchema {
	tools := r.List()
	schemas := make([]domain.ToolSchema, len(tools))
	for i, t := range tools {
		schema := t.Schema()
		schema.Name = t.Name()
		schema.Description = t.Description()
		schemas[i] = schema
	}
	return schemas
}

// SearchTool lets the chat model ask for a web search. It takes no
// arguments: the conversation itself is the search input.
type SearchTool struct{}

// Name returns the tool name
func (t *SearchTool) Name() string {
	return SearchToolName
}

// Description returns the tool description
func (t *SearchTool) Description() string {
	return "Web search tool. Finds up-to-date information for the user's request. Takes no parameters; call it directly."
}

// Schema returns the tool's parameter schema
func (t *SearchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Type:       "object",
		Properties: map[string]domain.SchemaProperty{},
	}
}
