package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// WildcardWorkspace marks a static definition visible to every workspace.
// A development convenience only; postgres-backed definitions are always
// owned by exactly one workspace.
const WildcardWorkspace = "*"

// StaticRegistry serves action definitions loaded from a JSON file. It backs
// development and test setups where no database is configured.
type StaticRegistry struct {
	byWorkspace map[string][]*ActionDefinition
	wildcard    []*ActionDefinition
}

type staticAction struct {
	Workspace     string          `json:"workspace"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	InputSchema   json.RawMessage `json:"input_schema"`
	AdapterType   string          `json:"adapter_type"`
	AdapterConfig json.RawMessage `json:"adapter_config"`
	RateClass     string          `json:"rate_class"`
}

type staticFile struct {
	Actions []staticAction `json:"actions"`
}

// LoadStaticRegistry reads a registry file. Malformed entries fail the whole
// load; a registry that silently dropped definitions would be worse than one
// that refused to start.
func LoadStaticRegistry(path string) (*StaticRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadStaticRegistry: %w", err)
	}
	var file staticFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("LoadStaticRegistry: %w", err)
	}

	defs := make([]*ActionDefinition, 0, len(file.Actions))
	for i, a := range file.Actions {
		ws := a.Workspace
		if ws == "" {
			ws = WildcardWorkspace
		}
		def, err := parseDefinition(fmt.Sprintf("static-%d", i), ws, a.Name, a.Description,
			a.InputSchema, a.AdapterType, a.AdapterConfig, a.RateClass)
		if err != nil {
			return nil, fmt.Errorf("LoadStaticRegistry: %w", err)
		}
		defs = append(defs, def)
	}
	return NewStaticRegistry(defs), nil
}

// NewStaticRegistry builds a registry from already-parsed definitions.
func NewStaticRegistry(defs []*ActionDefinition) *StaticRegistry {
	r := &StaticRegistry{byWorkspace: make(map[string][]*ActionDefinition)}
	for _, def := range defs {
		if def.WorkspaceID == WildcardWorkspace {
			r.wildcard = append(r.wildcard, def)
			continue
		}
		r.byWorkspace[def.WorkspaceID] = append(r.byWorkspace[def.WorkspaceID], def)
	}
	return r
}

func (r *StaticRegistry) List(_ context.Context, workspaceID string) ([]*ActionDefinition, error) {
	out := make([]*ActionDefinition, 0, len(r.byWorkspace[workspaceID])+len(r.wildcard))
	out = append(out, r.byWorkspace[workspaceID]...)
	out = append(out, r.wildcard...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *StaticRegistry) Get(_ context.Context, workspaceID, name string) (*ActionDefinition, error) {
	for _, def := range r.byWorkspace[workspaceID] {
		if def.Name == name {
			return def, nil
		}
	}
	for _, def := range r.wildcard {
		if def.Name == name {
			return def, nil
		}
	}
	return nil, nil
}

// DefaultDevActions is the built-in registry used when neither POSTGRES_DSN
// nor RELAY_ACTIONS_FILE is configured, so a bare binary still has something
// to preview against.
func DefaultDevActions() []*ActionDefinition {
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"},
			"secret_note": {"type": "string", "secret": true}
		}
	}`)
	def, err := parseDefinition("builtin-0", WildcardWorkspace, "example.hello",
		"Greets the receiver. Built-in development action.",
		schema, string(AdapterWebhook), json.RawMessage(`{"url":"http://127.0.0.1:9099/relay-example"}`), "default")
	if err != nil {
		// The built-in definition is constant; a parse failure is a bug.
		panic(err)
	}
	return []*ActionDefinition{def}
}
