package artifact

import (
	"fmt"
	"strings"
)

// ValidationError batches every violation found in one artifact map.
type ValidationError struct {
	Context string
	Errors  []string
}

func (e *ValidationError) Error() string {
	prefix := "artifact validation failed"
	if e.Context != "" {
		prefix = e.Context + ": " + prefix
	}
	return fmt.Sprintf("%s (%d errors): %s", prefix, len(e.Errors), strings.Join(e.Errors, "; "))
}

// ValidateAndRaise runs Validate and folds any violations into a single
// *ValidationError. A malformed schema is returned as-is.
func ValidateAndRaise(artifacts map[string]any, schema *Schema, context string) error {
	errs, err := Validate(artifacts, schema)
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		return &ValidationError{Context: context, Errors: errs}
	}
	return nil
}
