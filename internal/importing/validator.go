package importing

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

// rowValidator returns the shared validator. Field names in messages come
// from the `col` struct tag so errors point at spreadsheet columns.
func rowValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("col"), ",", 2)[0]
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		v.RegisterCustomTypeFunc(func(v reflect.Value) any {
			if d, ok := v.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
		_ = v.RegisterValidation("code", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return s == "" || codePattern.MatchString(s)
		})
		structValidator = v
	})
	return structValidator
}

// Validator checks row values and records failures in an ErrorCollector.
// Every check returns false when it records an error.
type Validator struct {
	errs *ErrorCollector
}

// NewValidator creates a Validator writing to errs.
func NewValidator(errs *ErrorCollector) *Validator {
	return &Validator{errs: errs}
}

// Required fails on a blank string.
func (v *Validator) Required(value, section string, row int, field string) bool {
	if strings.TrimSpace(value) == "" {
		v.errs.AddValidation(section, row, field, field+" is required")
		return false
	}
	return true
}

// ExistsInCache fails when code is blank (VALIDATION) or absent from cache (DATA).
func ExistsInCache[E any](v *Validator, cache map[string]E, code, section string, row int, field, entity string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		v.errs.AddValidation(section, row, field, entity+" code is required")
		return false
	}
	if _, ok := cache[code]; !ok {
		v.errs.Add(ImportError{
			Section:   section,
			RowNumber: row,
			Field:     field,
			Message:   fmt.Sprintf("%s %s not found", entity, code),
			Value:     code,
			Type:      ErrorTypeData,
		})
		return false
	}
	return true
}

// Code returns the trimmed code, or "" after recording an error when the
// code is blank or malformed.
func (v *Validator) Code(code, section string, row int, field string) string {
	if !v.Required(code, section, row, field) {
		return ""
	}
	code = strings.TrimSpace(code)
	if !codePattern.MatchString(code) {
		v.errs.Add(ImportError{
			Section:   section,
			RowNumber: row,
			Field:     field,
			Message:   field + " must be 1-64 letters, digits, '.', '_' or '-'",
			Value:     code,
			Type:      ErrorTypeValidation,
		})
		return ""
	}
	return code
}

// NotEmpty fails on an empty collection.
func NotEmpty[T any](v *Validator, items []T, section string, row int, field string) bool {
	if len(items) == 0 {
		v.errs.AddValidation(section, row, field, field+" must not be empty")
		return false
	}
	return true
}

// Range fails when value lies outside [lo, hi].
func (v *Validator) Range(value, lo, hi decimal.Decimal, section string, row int, field string) bool {
	if value.LessThan(lo) || value.GreaterThan(hi) {
		v.errs.AddValidation(section, row, field,
			fmt.Sprintf("%s must be between %s and %s", field, lo.String(), hi.String()))
		return false
	}
	return true
}

// MaxLength fails when value has more than max characters.
func (v *Validator) MaxLength(value string, max int, section string, row int, field string) bool {
	if utf8.RuneCountInString(value) > max {
		v.errs.AddValidation(section, row, field,
			fmt.Sprintf("%s must be at most %d characters", field, max))
		return false
	}
	return true
}

// Struct runs `validate` struct tags on a parsed row record and records one
// VALIDATION error per failing field.
func (v *Validator) Struct(record any, section string, row int) bool {
	err := rowValidator().Struct(record)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.errs.AddSystem(section, row, "", err.Error())
		return false
	}
	for _, fe := range verrs {
		v.errs.Add(ImportError{
			Section:   section,
			RowNumber: row,
			Field:     fe.Field(),
			Message:   describeFieldError(fe),
			Value:     fmt.Sprint(fe.Value()),
			Type:      ErrorTypeValidation,
		})
	}
	return false
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "code":
		return fe.Field() + " must be 1-64 letters, digits, '.', '_' or '-'"
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
