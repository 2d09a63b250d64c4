package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// startInputSchema describes the orchestration start input
const startInputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["job_id", "bucket", "video_key", "user_id"],
  "properties": {
    "job_id":      {"type": "string", "minLength": 1},
    "bucket":      {"type": "string", "minLength": 1},
    "video_key":   {"type": "string", "minLength": 1},
    "user_id":     {"type": "string", "minLength": 1},
    "segment":     {"type": "string"},
    "file_name":   {"type": "string"},
    "file_size":   {"type": "integer", "minimum": 0},
    "upload_date": {"type": "string"},
    "created_at":  {"type": "string"},
    "meeting_id":  {"type": "string"}
  }
}`

var compileStartSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("start_input.json", strings.NewReader(startInputSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("start_input.json")
})

// ValidateStartInput checks a JSON start input
func ValidateStartInput(data []byte) error {
	schema, err := compileStartSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
