package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/charlesd/internal/engine"
)

// requestSchema constrains the request body shape before decoding. Flags
// must be booleans and free-text fields strings; unknown fields are
// rejected so flag typos fail loudly instead of silently falling through
// to the chat path.
const requestSchema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string"},
		"userName": {"type": "string"},
		"isAdmin": {"type": "boolean"},
		"isLogin": {"type": "boolean"},
		"isIntrusion": {"type": "boolean"},
		"isUpdateGrant": {"type": "boolean"},
		"isOverrideToggle": {"type": "boolean"}
	},
	"additionalProperties": false
}`

type requestValidator struct {
	schema *jsonschema.Schema
}

func newRequestValidator() (*requestValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(requestSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("request.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("request.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &requestValidator{schema: schema}, nil
}

// decode reads, validates, and unmarshals a request body.
func (v *requestValidator) decode(body io.Reader) (engine.Request, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return engine.Request{}, fmt.Errorf("read body: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return engine.Request{}, fmt.Errorf("parse body: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return engine.Request{}, fmt.Errorf("invalid request: %w", err)
	}

	var req engine.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return engine.Request{}, fmt.Errorf("decode body: %w", err)
	}
	return req, nil
}
