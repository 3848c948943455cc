package v1

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxTextBytes bounds any free-text field of a send command.
const MaxTextBytes = 64 * 1024

var payloadValidate *validator.Validate

func init() {
	payloadValidate = validator.New(validator.WithRequiredStructEnabled())

	_ = payloadValidate.RegisterValidation("msisdn", validateMSISDN)
	_ = payloadValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// ValidateCommand checks the payload's field constraints.
func ValidateCommand(cmd Command) error {
	if cmd == nil {
		return errors.New("nil command")
	}
	if err := payloadValidate.Struct(cmd); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: invalid field %s (%s)", cmd.CommandType(), fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%s: %w", cmd.CommandType(), err)
	}
	return nil
}

// DigitsOnly strips everything but ASCII digits.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// validateMSISDN accepts international numbers with optional "+", spaces, dashes and parens.
func validateMSISDN(fl validator.FieldLevel) bool {
	raw := strings.TrimSpace(fl.Field().String())
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	n := len(DigitsOnly(raw))
	return n >= 8 && n <= 15
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxTextBytes
}
