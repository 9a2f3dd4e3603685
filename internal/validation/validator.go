package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// RuleFunc checks one field against a rule argument (empty when the rule has none)
type RuleFunc func(field reflect.Value, arg string) error

// Validator validates structs from their `validate` tags
type Validator struct {
	rules map[string]RuleFunc
}

// NewValidator creates a validator with the built-in rules:
// required, email, min, max and oneof
func NewValidator() *Validator {
	v := &Validator{rules: make(map[string]RuleFunc)}
	v.Register("required", required)
	v.Register("email", email)
	v.Register("min", minLen)
	v.Register("max", maxLen)
	v.Register("oneof", oneOf)
	return v
}

// Register adds or replaces a rule
func (v *Validator) Register(name string, fn RuleFunc) {
	v.rules[name] = fn
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return fmt.Errorf("%s: %w", fieldName(fieldType), err)
		}
	}

	return nil
}

// validateField validates a single field. A zero field skips the remaining
// rules unless it is required.
func (v *Validator) validateField(field reflect.Value, tag string) error {
	for _, rule := range strings.Split(tag, ",") {
		name, arg, _ := strings.Cut(rule, "=")
		if name == "omitempty" {
			if field.IsZero() {
				return nil
			}
			continue
		}

		fn, ok := v.rules[name]
		if !ok {
			return fmt.Errorf("unknown rule %q", name)
		}
		if err := fn(field, arg); err != nil {
			return err
		}
	}

	return nil
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			return name
		}
	}
	return f.Name
}

func required(field reflect.Value, _ string) error {
	if field.IsZero() {
		return fmt.Errorf("field is required")
	}
	return nil
}

func email(field reflect.Value, _ string) error {
	if field.Kind() != reflect.String {
		return nil
	}
	local, domain, ok := strings.Cut(field.String(), "@")
	if !ok || local == "" || domain == "" {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

func length(field reflect.Value) (int, bool) {
	switch field.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return field.Len(), true
	}
	return 0, false
}

func minLen(field reflect.Value, arg string) error {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("bad min argument %q", arg)
	}
	if l, ok := length(field); ok && l < n {
		return fmt.Errorf("minimum length is %d", n)
	}
	return nil
}

func maxLen(field reflect.Value, arg string) error {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("bad max argument %q", arg)
	}
	if l, ok := length(field); ok && l > n {
		return fmt.Errorf("maximum length is %d", n)
	}
	return nil
}

// oneOf takes space separated choices, e.g. `validate:"oneof=live stored"`
func oneOf(field reflect.Value, arg string) error {
	if field.Kind() != reflect.String {
		return nil
	}
	for _, choice := range strings.Fields(arg) {
		if field.String() == choice {
			return nil
		}
	}
	return fmt.Errorf("must be one of: %s", arg)
}
