package contracts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// answerSchemaJSON is the strict JSON Schema (Draft 2020-12) for the LLM
// answer contract. additionalProperties is false: the model must return JSON
// only, with exactly these fields.
const answerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["short_answer", "supporting_ids"],
  "additionalProperties": false,
  "properties": {
    "short_answer": {
      "type": "string",
      "maxLength": 320
    },
    "supporting_ids": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    }
  }
}`

var answerSchema = mustCompileAnswerSchema()

func mustCompileAnswerSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("answer.schema.json", strings.NewReader(answerSchemaJSON)); err != nil {
		panic(fmt.Sprintf("contracts: add answer schema: %v", err))
	}
	s, err := c.Compile("answer.schema.json")
	if err != nil {
		panic(fmt.Sprintf("contracts: compile answer schema: %v", err))
	}
	return s
}

// ParseAnswer decodes and schema-validates a raw LLM answer document.
// Returns the decoded answer, or an error describing the first contract
// violation.
func ParseAnswer(raw []byte) (*Answer, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("answer is not valid JSON: %w", err)
	}
	if err := answerSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("answer violates contract: %w", err)
	}

	var a Answer
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("answer decode: %w", err)
	}
	return &a, nil
}
