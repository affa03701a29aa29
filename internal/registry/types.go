package registry

import (
	"encoding/json"
	"fmt"
)

// AdapterKind is the closed set of dispatch mechanisms. Definitions naming
// anything else are rejected when they are loaded, not at dispatch time.
type AdapterKind string

const (
	AdapterWebhook AdapterKind = "webhook"
	AdapterQueue   AdapterKind = "queue"
)

// ParseAdapterKind validates a stored adapter type string.
func ParseAdapterKind(s string) (AdapterKind, error) {
	switch AdapterKind(s) {
	case AdapterWebhook, AdapterQueue:
		return AdapterKind(s), nil
	default:
		return "", fmt.Errorf("unknown adapter kind %q", s)
	}
}

// ActionDefinition is an action registered for a workspace.
type ActionDefinition struct {
	ID          string
	WorkspaceID string
	Name        string
	Description string
	// InputSchema is the JSON Schema previewed inputs are validated against.
	// It also drives audit redaction via secret/writeOnly marks.
	InputSchema json.RawMessage
	AdapterKind AdapterKind
	// Exactly one of Webhook/Queue is set, matching AdapterKind.
	Webhook   *WebhookConfig
	Queue     *QueueConfig
	RateClass string
}

// WebhookConfig is the adapter_config payload for webhook actions.
type WebhookConfig struct {
	URL string `json:"url"`
}

// QueueConfig is the adapter_config payload for queue actions.
type QueueConfig struct {
	Stream string `json:"stream"`
}

// parseDefinition builds an ActionDefinition from stored fields, enforcing
// the closed adapter set and rejecting malformed schema or config instead of
// skipping them silently.
func parseDefinition(id, workspaceID, name, description string, inputSchema []byte, adapterType string, adapterConfig []byte, rateClass string) (*ActionDefinition, error) {
	if name == "" {
		return nil, fmt.Errorf("parseDefinition: action has no name")
	}
	if !json.Valid(inputSchema) {
		return nil, fmt.Errorf("parseDefinition: action %q: input_schema is not valid JSON", name)
	}
	kind, err := ParseAdapterKind(adapterType)
	if err != nil {
		return nil, fmt.Errorf("parseDefinition: action %q: %w", name, err)
	}

	def := &ActionDefinition{
		ID:          id,
		WorkspaceID: workspaceID,
		Name:        name,
		Description: description,
		InputSchema: append(json.RawMessage(nil), inputSchema...),
		AdapterKind: kind,
		RateClass:   rateClass,
	}
	if def.RateClass == "" {
		def.RateClass = "default"
	}

	switch kind {
	case AdapterWebhook:
		var wc WebhookConfig
		if err := json.Unmarshal(adapterConfig, &wc); err != nil {
			return nil, fmt.Errorf("parseDefinition: action %q: adapter_config: %w", name, err)
		}
		if wc.URL == "" {
			return nil, fmt.Errorf("parseDefinition: action %q: webhook adapter_config has no url", name)
		}
		def.Webhook = &wc
	case AdapterQueue:
		var qc QueueConfig
		if err := json.Unmarshal(adapterConfig, &qc); err != nil {
			return nil, fmt.Errorf("parseDefinition: action %q: adapter_config: %w", name, err)
		}
		if qc.Stream == "" {
			return nil, fmt.Errorf("parseDefinition: action %q: queue adapter_config has no stream", name)
		}
		def.Queue = &qc
	}
	return def, nil
}
