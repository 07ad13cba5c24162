package eventlog

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/choiros/director/pkg/contracts"
)

// Payload schemas for the event types the projection depends on. Types
// without a schema are accepted with structural validation only; the
// projector treats their payloads as opaque.
var payloadSchemas = map[string]string{
	TypeFileWrite: `{
		"type": "object",
		"required": ["path"],
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"content_hash": {"type": "string"},
			"blob_url": {"type": "string"}
		}
	}`,
	TypeFileDelete: `{
		"type": "object",
		"required": ["path"],
		"properties": {"path": {"type": "string", "minLength": 1}}
	}`,
	TypeFileMove: `{
		"type": "object",
		"required": ["from", "to"],
		"properties": {
			"from": {"type": "string", "minLength": 1},
			"to": {"type": "string", "minLength": 1}
		}
	}`,
	TypeMessage: `{
		"type": "object",
		"required": ["role", "content"],
		"properties": {
			"role": {"type": "string"},
			"content": {"type": "string"},
			"conversation_id": {"type": "string"}
		}
	}`,
	TypeToolCall: `{
		"type": "object",
		"required": ["tool_name"],
		"properties": {"tool_name": {"type": "string", "minLength": 1}}
	}`,
	TypeCheckpoint: `{
		"type": "object",
		"required": ["commit_sha"],
		"properties": {
			"commit_sha": {"type": "string", "minLength": 1},
			"message": {"type": "string"}
		}
	}`,
	TypeReceiptAHDBDelta: `{
		"type": "object",
		"required": ["delta"],
		"properties": {"delta": {"type": "object"}}
	}`,
	TypeReceiptVerifier: `{
		"type": "object",
		"required": ["verifier_id", "result"],
		"properties": {
			"verifier_id": {"type": "string", "minLength": 1},
			"result": {"enum": ["pass", "fail", "flaky", "inconclusive"]}
		}
	}`,
	TypeReceiptCommit: `{
		"type": "object",
		"required": ["run_id", "diff_hash", "verifier_plan_id"],
		"properties": {
			"run_id": {"type": "string", "minLength": 1},
			"diff_hash": {"type": "string"},
			"verifier_plan_id": {"type": "string"}
		}
	}`,
}

// PayloadValidator checks event payloads against the registered schemas.
type PayloadValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewPayloadValidator compiles the built-in schemas.
func NewPayloadValidator() (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: make(map[string]*jsonschema.Schema, len(payloadSchemas))}
	for eventType, raw := range payloadSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://choiros.schemas.local/events/%s.schema.json", eventType)
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("eventlog: load schema for %s: %w", eventType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("eventlog: compile schema for %s: %w", eventType, err)
		}
		v.schemas[eventType] = compiled
	}
	return v, nil
}

// Validate returns a contract violation when the payload does not match the
// schema registered for the event type. Unregistered types pass.
func (v *PayloadValidator) Validate(eventType string, payload map[string]any) error {
	schema, ok := v.schemas[eventType]
	if !ok {
		return nil
	}
	// The validator expects json-decoded values (float64 numbers), so
	// round-trip payloads that were constructed with native Go types.
	raw, err := json.Marshal(payload)
	if err != nil {
		return contracts.Errorf(contracts.KindContractViolation, "eventlog.payload",
			"payload for %s is not JSON-encodable: %v", eventType, err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return contracts.Errorf(contracts.KindContractViolation, "eventlog.payload",
			"payload for %s: %v", eventType, err)
	}
	if value == nil {
		value = map[string]any{}
	}
	if err := schema.Validate(value); err != nil {
		return contracts.Errorf(contracts.KindContractViolation, "eventlog.payload",
			"payload for %s rejected: %v", eventType, err)
	}
	return nil
}

// compiledSchemas is shared by every backend; the schema set is static.
var compiledSchemas = sync.OnceValues(NewPayloadValidator)

// ValidatePayload enforces the registered schema for the event's canonical
// type. Every backend calls it on append, so a payload the projection
// cannot consume is refused at the producer instead of becoming a durable
// poison event.
func ValidatePayload(e Event) error {
	v, err := compiledSchemas()
	if err != nil {
		return contracts.Wrap(contracts.KindContractViolation, "eventlog.payload", err)
	}
	return v.Validate(e.EventType, e.Payload)
}
