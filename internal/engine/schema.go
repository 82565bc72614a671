package engine

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// resultSchema describes the terminal "result" event of the engine stream.
const resultSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "decision"],
	"properties": {
		"type": {"const": "result"},
		"decision": {"type": "string", "minLength": 1},
		"agent": {"type": "string"},
		"content": {"type": "string"}
	}
}`

var compiledResultSchema = jsonschema.MustCompileString("result.schema.json", resultSchema)

func validateResult(line []byte) error {
	var v any
	if err := json.Unmarshal(line, &v); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	if err := compiledResultSchema.Validate(v); err != nil {
		return fmt.Errorf("engine result does not match schema: %w", err)
	}
	return nil
}
