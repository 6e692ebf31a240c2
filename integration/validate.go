// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package integration

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "mqtt": {
      "type": ["object", "null"],
      "properties": {
        "enabled": { "type": "boolean" },
        "url": { "type": "string", "pattern": "^$|^mqtt://|^ws://" },
        "topic": { "type": "string" },
        "messageFormat": {
          "type": "string",
          "enum": ["json", "csv", "application/json", "text/csv", "debug_plain", ""]
        },
        "decodeOptions": { "type": "string" },
        "connectionOptions": { "type": "string" }
      }
    },
    "ttn": {
      "type": ["object", "null"],
      "required": ["dev_id", "app_id"],
      "properties": {
        "dev_id": { "type": "string", "minLength": 1 },
        "app_id": { "type": "string", "minLength": 1 },
        "messageFormat": { "type": "string", "enum": ["json", "bytes"] },
        "decodeOptions": {
          "type": "object",
          "properties": {
            "profile": { "type": "string", "enum": ["custom", "sensebox/home"] },
            "byteMask": { "type": ["array", "null"], "items": { "type": "integer" } }
          },
          "if": { "properties": { "profile": { "const": "custom" } }, "required": ["profile"] },
          "then": { "required": ["byteMask"], "properties": { "byteMask": { "type": "array" } } }
        }
      },
      "if": { "properties": { "messageFormat": { "const": "bytes" } }, "required": ["messageFormat"] },
      "then": {
        "required": ["decodeOptions"],
        "properties": {
          "decodeOptions": { "required": ["profile"], "properties": { "profile": { "minLength": 1 } } }
        }
      }
    }
  }
}`

var schema *gojsonschema.Schema

func init() {
	var err error
	schema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("integration: invalid schema: %s", err))
	}
}

// FieldError is a validation failure of a single field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError enumerates every failing field of a configuration
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Field + ": " + err.Message
	}
	return "integration: invalid configuration (" + strings.Join(msgs, "; ") + ")"
}

// Fields returns the names of the failing fields
func (e *ValidationError) Fields() []string {
	fields := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		fields[i] = err.Field
	}
	return fields
}

// HasField returns true if the given field failed validation
func (e *ValidationError) HasField(field string) bool {
	for _, err := range e.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, message string) {
	for _, err := range e.Errors {
		if err.Field == field && err.Message == message {
			return
		}
	}
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message})
}

// these only summarize nested failures that are reported on their own
var skippedErrorTypes = map[string]bool{
	"condition_then": true,
	"condition_else": true,
	"number_any_of":  true,
	"number_one_of":  true,
	"number_all_of":  true,
}

// Validate checks the configuration. It never modifies it. The returned error
// is a *ValidationError listing all failing fields, or nil.
func Validate(config *Config) error {
	if config == nil {
		return nil
	}
	verr := new(ValidationError)

	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		verr.add("(root)", err.Error())
		return verr
	}
	for _, desc := range result.Errors() {
		if skippedErrorTypes[desc.Type()] {
			continue
		}
		verr.add(fieldName(desc), desc.Description())
	}

	if mqtt := config.MQTT; mqtt != nil {
		if mqtt.DecodeOptions != "" && !json.Valid([]byte(mqtt.DecodeOptions)) {
			verr.add("mqtt.decodeOptions", "decodeOptions must be valid JSON")
		}
		if mqtt.ConnectionOptions != "" {
			if !json.Valid([]byte(mqtt.ConnectionOptions)) {
				verr.add("mqtt.connectionOptions", "connectionOptions must be valid JSON")
			} else if _, err := mqtt.ParseConnectionOptions(); errors.Is(err, ErrInvalidQoS) {
				verr.add("mqtt.connectionOptions", err.Error())
			}
		}
		if mqtt.Enabled && (mqtt.URL == "" || mqtt.Topic == "" || mqtt.MessageFormat == "") {
			verr.add("mqtt", "url, topic and messageFormat are required when mqtt is enabled")
		}
	}

	if len(verr.Errors) == 0 {
		return nil
	}
	sort.SliceStable(verr.Errors, func(i, j int) bool {
		return verr.Errors[i].Field < verr.Errors[j].Field
	})
	return verr
}

func fieldName(desc gojsonschema.ResultError) string {
	field := desc.Field()
	if field == gojsonschema.STRING_ROOT_SCHEMA_PROPERTY {
		field = ""
	}
	if property, ok := desc.Details()["property"].(string); ok && property != "" {
		if field != property && !strings.HasSuffix(field, "."+property) {
			if field == "" {
				field = property
			} else {
				field += "." + property
			}
		}
	}
	if field == "" {
		return gojsonschema.STRING_ROOT_SCHEMA_PROPERTY
	}
	return field
}
