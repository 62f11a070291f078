package gateway

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// createTaskSchemaJSON constrains POST /v1/tasks bodies: reusing the
// teacher's compile-once-validate-many idiom from
// internal/engine/structured.go, but validating inbound request bodies
// instead of an agent's structured JSON response.
const createTaskSchemaJSON = `{
	"type": "object",
	"required": ["project", "title"],
	"properties": {
		"project": {
			"type": "object",
			"required": ["github_repository_id", "owner", "name"],
			"properties": {
				"github_repository_id": {"type": "integer"},
				"owner": {"type": "string", "minLength": 1},
				"name": {"type": "string", "minLength": 1}
			}
		},
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"assignee_user_id": {"type": "string"}
	}
}`

var (
	createTaskSchemaOnce sync.Once
	createTaskSchema     *jsonschema.Schema
	createTaskSchemaErr  error
)

func compiledCreateTaskSchema() (*jsonschema.Schema, error) {
	createTaskSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(createTaskSchemaJSON))
		if err != nil {
			createTaskSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("create_task.json", doc); err != nil {
			createTaskSchemaErr = err
			return
		}
		createTaskSchema, createTaskSchemaErr = c.Compile("create_task.json")
	})
	return createTaskSchema, createTaskSchemaErr
}

// validateCreateTaskBody checks a decoded request body against
// createTaskSchemaJSON, giving callers a field-level validation message
// instead of the generic "malformed request body" a failed json.Decode
// produces.
func validateCreateTaskBody(body []byte) error {
	schema, err := compiledCreateTaskSchema()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}
