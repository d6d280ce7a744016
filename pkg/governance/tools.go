package governance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrUnknownTool     = errors.New("governance: unknown tool")
	ErrInvalidArgument = errors.New("governance: invalid arguments")
)

// ToolSpec is the governance view of one tool.
type ToolSpec struct {
	Name         string   `yaml:"name"`
	Tier         Tier     `yaml:"tier"`
	Description  string   `yaml:"description"`
	Impact       string   `yaml:"impact"`
	Rollback     string   `yaml:"rollback"`
	Alternatives []string `yaml:"alternatives"`
	Cost         string   `yaml:"cost"`
	Expensive    bool     `yaml:"expensive"`
	// Schema is a JSON Schema document for the arguments. Empty accepts any
	// object.
	Schema string `yaml:"schema"`
}

// Reversible reports whether the tool has an undo path.
func (s ToolSpec) Reversible() bool { return s.Tier != TierStateful }

// Registry holds tool specs and their compiled argument schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]ToolSpec
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]ToolSpec), schemas: make(map[string]*jsonschema.Schema)}
}

// Register adds or replaces spec, compiling its schema.
func (r *Registry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return errors.New("governance: tool name required")
	}
	if !spec.Tier.Valid() {
		return fmt.Errorf("governance: tool %q has invalid tier %q", spec.Name, spec.Tier)
	}
	var compiled *jsonschema.Schema
	if strings.TrimSpace(spec.Schema) != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://reflex.local/tools/%s.schema.json", spec.Name)
		if err := c.AddResource(url, strings.NewReader(spec.Schema)); err != nil {
			return fmt.Errorf("governance: load schema for %q: %w", spec.Name, err)
		}
		var err error
		if compiled, err = c.Compile(url); err != nil {
			return fmt.Errorf("governance: compile schema for %q: %w", spec.Name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = spec
	if compiled != nil {
		r.schemas[spec.Name] = compiled
	} else {
		delete(r.schemas, spec.Name)
	}
	return nil
}

// MustRegister registers every spec and panics on the first error. Meant for
// static tool tables.
func (r *Registry) MustRegister(specs ...ToolSpec) *Registry {
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Lookup(name string) (ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.tools[name]
	return s, ok
}

// Names lists registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	return out
}

// Stage normalizes args to plain JSON values and validates them against the
// tool's schema. The normalized copy is what gets dispatched.
func (r *Registry) Stage(tool string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	_, known := r.tools[tool]
	schema := r.schemas[tool]
	r.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}

	staged, err := normalizeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if schema != nil {
		if err := schema.Validate(staged); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidArgument, tool, err)
		}
	}
	return staged, nil
}

func normalizeArgs(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
