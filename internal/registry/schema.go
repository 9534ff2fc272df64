package registry

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/notifyhub/event-driven-arch/internal/domain"
)

var validate = validator.New()

// ValidatePayloadAs unmarshals payload into a new T and runs struct-tag
// validation against it, giving providers a declarative way to define the
// §4.A recipient/content schemas instead of hand-rolled field checks.
func ValidatePayloadAs[T any](payload domain.RawPayload) error {
	var v T
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validate payload: %w", err)
	}
	return nil
}
