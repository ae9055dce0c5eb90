package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

const triggerSchema = `{
  "type": "object",
  "required": ["type", "persona", "userId", "cohort"],
  "properties": {
    "type": {"enum": ["session_complete", "results_viewed", "streak_at_risk", "milestone_reached", "session_rated", "practice_complete"]},
    "persona": {"enum": ["student", "parent", "tutor"]},
    "userId": {"type": "string", "minLength": 1, "maxLength": 128},
    "cohort": {"type": "string", "minLength": 1, "maxLength": 64},
    "context": {
      "type": "object",
      "properties": {
        "age": {"type": "integer", "minimum": 0, "maximum": 120},
        "grade": {"type": "integer", "minimum": 0, "maximum": 16},
        "priorInviteCount": {"type": "integer", "minimum": 0},
        "practiceScore": {"type": "number", "minimum": 0},
        "score": {"type": "number"},
        "percentile": {"type": "number", "minimum": 0, "maximum": 100},
        "currentStreak": {"type": "integer", "minimum": 0},
        "sessionRating": {"type": "integer", "minimum": 0, "maximum": 5},
        "transcript": {"type": "string", "maxLength": 20000},
        "preferredChannel": {"enum": ["sms", "email", "social", "copy_link", "push"]},
        "lastInviteAt": {"type": "string", "format": "date-time"},
        "streakExpiresAt": {"type": "string", "format": "date-time"}
      }
    }
  }
}`

const inviteeSchema = `{
  "type": "object",
  "required": ["shortCode", "invitee"],
  "properties": {
    "shortCode": {"type": "string", "minLength": 1, "maxLength": 32},
    "invitee": {
      "type": "object",
      "required": ["userId", "persona", "cohort"],
      "properties": {
        "userId": {"type": "string", "minLength": 1, "maxLength": 128},
        "persona": {"enum": ["student", "parent", "tutor"]},
        "cohort": {"type": "string", "minLength": 1, "maxLength": 64},
        "newAccount": {"type": "boolean"},
        "deviceFingerprint": {"type": "string", "maxLength": 256},
        "occurredAt": {"type": "string", "format": "date-time"}
      }
    }
  }
}`

// Only feedback events may be posted; funnel events come from the executor.
const eventSchema = `{
  "type": "object",
  "required": ["eventType", "userId", "cohort"],
  "additionalProperties": false,
  "properties": {
    "eventType": {"enum": ["COMPLAINT", "OPT_OUT", "SUPPORT_TICKET"]},
    "userId": {"type": "string", "minLength": 1, "maxLength": 128},
    "cohort": {"type": "string", "minLength": 1, "maxLength": 64},
    "referred": {"type": "boolean"},
    "loopId": {"type": "string"},
    "inviteCode": {"type": "string"},
    "timestamp": {"type": "string", "format": "date-time"},
    "extra": {"type": "object"}
  }
}`

// Schemas holds the compiled request body schemas.
type Schemas struct {
	Trigger *jsonschema.Schema
	Invitee *jsonschema.Schema
	Event   *jsonschema.Schema
}

// CompileSchemas compiles every request schema.
func CompileSchemas() (*Schemas, error) {
	var s Schemas
	for _, item := range []struct {
		name   string
		source string
		dst    **jsonschema.Schema
	}{
		{"trigger", triggerSchema, &s.Trigger},
		{"invitee", inviteeSchema, &s.Invitee},
		{"event", eventSchema, &s.Event},
	} {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		url := fmt.Sprintf("https://kfactor.schemas.local/api/%s.schema.json", item.name)
		if err := c.AddResource(url, strings.NewReader(item.source)); err != nil {
			return nil, fmt.Errorf("api: load %s schema: %w", item.name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("api: compile %s schema: %w", item.name, err)
		}
		*item.dst = compiled
	}
	return &s, nil
}

// decodeBody validates the JSON body of r against schema and decodes it into dst.
// Every failure is a VALIDATION error.
func decodeBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return contracts.Errorf(contracts.CodeValidation, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return contracts.NewError(contracts.CodeValidation, "unreadable request body")
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return contracts.NewError(contracts.CodeValidation, "request body is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return contracts.NewError(contracts.CodeValidation, schemaMessage(err))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return contracts.Errorf(contracts.CodeValidation, "request body: %v", err)
	}
	return nil
}

// schemaMessage flattens a validation error to its most specific cause.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}
