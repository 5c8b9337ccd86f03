// Package capability is the typed contract with the external extraction
// service: instructions, scoped content and an output schema go in, a
// schema-validated JSON document comes out.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/pkg/anthropic"
)

// ErrMalformedOutput is returned when the response does not satisfy the
// request's output schema. Callers treat it as a zero-confidence result.
var ErrMalformedOutput = eris.New("capability: malformed output")

// Request is one extraction call.
type Request struct {
	// Task names the call for logging and cost attribution.
	Task         string
	Instructions string
	// Content is the scoped document text. Never the whole document for
	// field-level tasks.
	Content   string
	Schema    map[string]any
	Tier      model.Tier
	MaxTokens int64
}

// Response is a validated extraction result.
type Response struct {
	Output     json.RawMessage
	Confidence *float64
	Model      string
	Tier       model.Tier
	Usage      anthropic.TokenUsage
	CostUSD    float64
	Retries    int
}

// Extractor performs extraction calls.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Response, error)
}

// IsMalformed reports whether err is a schema validation failure.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedOutput)
}

// ValidateJSON validates data against schema.
func ValidateJSON(schema map[string]any, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return eris.Wrap(err, "capability: unmarshal output")
	}
	if schema == nil {
		return nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return eris.Wrap(err, "capability: marshal schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return eris.Wrap(err, "capability: add schema")
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return eris.Wrap(err, "capability: compile schema")
	}
	if err := compiled.Validate(v); err != nil {
		return eris.Wrap(err, "capability: output does not match schema")
	}
	return nil
}

// CleanJSON strips markdown code fences and surrounding prose from a model
// response, leaving the outermost JSON object.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// confidenceHint reads an optional top-level "confidence" number.
func confidenceHint(out []byte) *float64 {
	var head struct {
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(out, &head); err != nil || head.Confidence == nil {
		return nil
	}
	c := model.ClampConfidence(*head.Confidence)
	return &c
}
