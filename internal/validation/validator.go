// Package validation checks submitted forms with go-playground/validator and
// turns failures into per-field messages in the caller's language.
package validation

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/khalloda/spare-parts-system/internal/auth"
	"github.com/khalloda/spare-parts-system/internal/i18n"
)

// usernameRegex allows letters, digits, dots, dashes and underscores
var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9._-]{3,50}$`)

// Validator instance for form validation
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("form"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernameRegex.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return len(auth.ValidatePassword(fl.Field().String())) == 0
	})
}

// GetValidator returns the validator instance
func GetValidator() *validator.Validate {
	return validate
}

// Errors maps a form field to its messages
type Errors map[string][]string

// Add appends a message for field
func (e Errors) Add(field, message string) {
	e[field] = append(e[field], message)
}

// First returns the first message for field, or ""
func (e Errors) First(field string) string {
	if msgs := e[field]; len(msgs) > 0 {
		return msgs[0]
	}
	return ""
}

// Struct validates form. It returns nil when the form is valid.
func Struct(form any, loc *i18n.Localizer) Errors {
	err := validate.Struct(form)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return Errors{"_": {translate(loc, "validation.invalid")}}
	}
	out := make(Errors, len(verrs))
	for _, fe := range verrs {
		out.Add(fe.Field(), message(fe, loc))
	}
	return out
}

func message(fe validator.FieldError, loc *i18n.Localizer) string {
	switch fe.Tag() {
	case "required", "email", "eqfield", "username", "password":
		return translate(loc, "validation."+fe.Tag())
	case "min", "max":
		return translate(loc, "validation."+fe.Tag(), fe.Param())
	case "oneof":
		return translate(loc, "validation.oneof", strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return translate(loc, "validation.invalid")
	}
}

func translate(loc *i18n.Localizer, key string, args ...any) string {
	if loc == nil {
		return key
	}
	return loc.T(key, args...)
}
