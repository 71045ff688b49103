package reader

import (
	"embed"
	"fmt"
	"os"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/reportmill/internal/report"
)

// SchemaFS contains the embedded configuration JSON schema.
//
//go:embed config-schema.json
var SchemaFS embed.FS

// schemaFile is the embedded schema file name.
const schemaFile = "config-schema.json"

// CheckSchema validates the YAML document at path against the embedded
// configuration schema. It returns one message per violation, nil when
// the document conforms.
func CheckSchema(path string) ([]string, error) {
	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("read config: %w", readErr)
	}

	var document any

	unmarshalErr := yaml.Unmarshal(raw, &document)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("parse config: %w", unmarshalErr)
	}

	schemaBytes, embedErr := SchemaFS.ReadFile(schemaFile)
	if embedErr != nil {
		return nil, fmt.Errorf("read embedded schema: %w", embedErr)
	}

	result, validateErr := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaBytes),
		gojsonschema.NewGoLoader(normalize(document)),
	)
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	if result.Valid() {
		return nil, nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", violation.Field(), violation.Description()))
	}

	return problems, nil
}

// normalize rewrites YAML timestamp scalars into plain date strings so
// the schema sees what the config loader sees.
func normalize(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		for key, item := range typed {
			typed[key] = normalize(item)
		}

		return typed
	case []any:
		for i, item := range typed {
			typed[i] = normalize(item)
		}

		return typed
	case time.Time:
		return typed.UTC().Format(report.DateLayout)
	default:
		return value
	}
}
