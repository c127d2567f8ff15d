package protocol

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks an outbound payload before it reaches the transport.
func Validate(payload any) error {
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
