package facilitatorserver

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// requestSchema describes the body of /verify and /settle. Semantic checks
// (version, scheme, network) stay with the facilitator so they surface as
// invalid payments rather than bad requests.
const requestSchema = `{
  "type": "object",
  "required": ["protocolVersion", "paymentHeader", "paymentRequirements"],
  "properties": {
    "protocolVersion": {"type": "integer"},
    "paymentHeader": {"type": "string", "minLength": 1},
    "paymentRequirements": {
      "type": "object",
      "required": ["scheme", "network", "maxAmountRequired", "payTo"],
      "properties": {
        "scheme": {"type": "string", "minLength": 1},
        "network": {"type": "string", "minLength": 1},
        "maxAmountRequired": {"type": "string", "pattern": "^[0-9]+$"},
        "resource": {"type": "string"},
        "description": {"type": "string"},
        "mimeType": {"type": "string"},
        "payTo": {"type": "string", "minLength": 1},
        "maxTimeoutSeconds": {"type": "integer", "minimum": 0},
        "asset": {"type": "string"},
        "extra": {"type": ["object", "null"]}
      }
    }
  }
}`

var requestSchemaLoader = gojsonschema.NewStringLoader(requestSchema)

// validateRequest checks a raw request body against requestSchema
func validateRequest(body []byte) error {
	result, err := gojsonschema.Validate(requestSchemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return fmt.Errorf("invalid request: %s", strings.Join(errs, "; "))
}
