package actions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rendis/stepflow/pkg/schema"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// emptyParamsSchema accepts only an empty object.
const emptyParamsSchema = `{"type": "object", "additionalProperties": false}`

// DecodeParams strictly decodes raw into dst and runs its validator tags.
// Unknown keys are rejected.
func DecodeParams(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidParams, "decode params: %s", err.Error()).WithCause(err)
	}
	if err := validate.Struct(dst); err != nil {
		return schema.NewError(schema.ErrCodeInvalidParams, describeValidation(err)).WithCause(err)
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func invalidParams(kind schema.ActionKind, format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeInvalidParams, "%s: %s", kind, fmt.Sprintf(format, args...))
}
