// Package validation adapts go-playground/validator to echo's Validator hook.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// messages maps validator tags to the phrase shown after the field name.
var messages = map[string]string{
	"required": "is required",
	"uuid":     "must be a valid UUID",
	"oneof":    "must be one of: %s",
	"gt":       "must be greater than %s",
	"gte":      "must be at least %s",
	"lte":      "must be at most %s",
	"max":      "must be at most %s characters",
	"len":      "must be exactly %s characters",
	"datetime": "must be a date in the form %s",
	"amount":   "must be a non-negative decimal amount",
	"currency": "must be a 3-letter ISO 4217 code",
}

type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("amount", validateAmount)
	v.RegisterValidation("currency", validateCurrency)
	return &Validator{v: v}
}

// Validate implements echo.Validator. Failures come back as 400s listing every
// offending field.
func (cv *Validator) Validate(i interface{}) error {
	if err := cv.v.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, FormatErrors(err))
	}
	return nil
}

func validateAmount(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(strings.TrimSpace(fl.Field().String()))
	return err == nil && !d.IsNegative()
}

func validateCurrency(fl validator.FieldLevel) bool {
	return currencyPattern.MatchString(fl.Field().String())
}

// FormatErrors renders validator errors as "field message" pairs joined by
// commas.
func FormatErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := messages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		if strings.Contains(msg, "%s") {
			param := fe.Param()
			if fe.Tag() == "oneof" {
				param = strings.Join(strings.Fields(param), ", ")
			}
			msg = fmt.Sprintf(msg, param)
		}
		out = append(out, fieldPath(fe)+" "+msg)
	}
	return strings.Join(out, ", ")
}

// fieldPath drops the top-level struct name from the namespace so nested
// fields read like line_items[0].quantity.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}
