package kernelmodel

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// workflowConfigSchema is the JSON Schema a WorkflowConfig submission must
// satisfy before the kernel attempts to build a DAG from it. It catches
// malformed submissions (missing id, non-array agents, unknown role/model
// tags) before the more expensive cycle-detection pass in
// dag.BuildFromWorkflow.
const workflowConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "agents"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "agents": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "role", "model"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "role": {"enum": ["orchestrator", "worker", "observer"]},
          "model": {"enum": ["fast", "reasoning", "thinking", "custom"]},
          "depends_on": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "attached_files": {"type": "array", "items": {"type": "string"}},
    "max_token_budget": {"type": "integer", "minimum": 0},
    "timeout_ms": {"type": "integer", "minimum": 0}
  }
}`

var compiledWorkflowSchema *jsonschema.Schema

func init() {
	var schemaDoc any
	if err := json.Unmarshal([]byte(workflowConfigSchema), &schemaDoc); err != nil {
		panic(fmt.Sprintf("kernelmodel: invalid embedded workflow schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("workflow_config.json", schemaDoc); err != nil {
		panic(fmt.Sprintf("kernelmodel: add schema resource: %v", err))
	}
	schema, err := c.Compile("workflow_config.json")
	if err != nil {
		panic(fmt.Sprintf("kernelmodel: compile workflow schema: %v", err))
	}
	compiledWorkflowSchema = schema
}

// ValidateWorkflowConfigJSON runs the raw submission body through the JSON
// Schema above. Callers still must run dag.Build / dag.TopologicalSort to
// catch cycles and dangling depends_on references; schema validation only
// catches structurally malformed submissions.
func ValidateWorkflowConfigJSON(body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("malformed workflow config: %w", err)
	}
	if err := compiledWorkflowSchema.Validate(doc); err != nil {
		return fmt.Errorf("workflow config schema validation: %w", err)
	}
	return nil
}
