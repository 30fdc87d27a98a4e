package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	TopicTasks   = "tasks"
	TopicSignals = "signals"
)

const schemaBase = "https://taskdeck.local/schema/"

var topicSchemas = map[string]string{
	TopicTasks: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "integer", "minimum": 0},
			"agent": {"type": ["integer", "null"]},
			"status": {"type": ["string", "null"]},
			"input_text": {"type": ["string", "null"]},
			"output_text": {"type": ["string", "null"]},
			"created_at": {"type": ["string", "null"]},
			"updated_at": {"type": ["string", "null"]},
			"started_at": {"type": ["string", "null"]},
			"finished_at": {"type": ["string", "null"]}
		}
	}`,
	TopicSignals: `{
		"type": "object",
		"required": ["signal_type"],
		"properties": {
			"timestamp": {"type": "string"},
			"signal_type": {"type": "string", "minLength": 1},
			"level": {"type": "string"},
			"data": {"type": ["object", "null"]}
		}
	}`,
}

// validator checks payloads against the per-topic schema. Topics without a
// schema only need to be well-formed JSON.
type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator(strict bool) (*validator, error) {
	v := &validator{schemas: make(map[string]*jsonschema.Schema)}
	if !strict {
		return v, nil
	}
	c := jsonschema.NewCompiler()
	for topic, raw := range topicSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", topic, err)
		}
		if err := c.AddResource(schemaBase+topic+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", topic, err)
		}
	}
	for topic := range topicSchemas {
		sch, err := c.Compile(schemaBase + topic + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", topic, err)
		}
		v.schemas[topic] = sch
	}
	return v, nil
}

func (v *validator) Validate(topic string, data []byte) error {
	sch, ok := v.schemas[topic]
	if !ok {
		if !json.Valid(data) {
			return fmt.Errorf("payload is not valid json")
		}
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("payload is not valid json: %w", err)
	}
	return sch.Validate(inst)
}
