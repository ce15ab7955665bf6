package config

import (
	"fmt"
	"sort"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var stageTypes = map[string]bool{
	StageTypeNoop:    true,
	StageTypeCommand: true,
	StageTypeGate:    true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.StateDir == "" {
		errs = append(errs, ValidationError{Field: "state_dir", Message: "is required"})
	}
	if err := cfg.Log.Validate(); err != nil {
		errs = append(errs, ValidationError{Field: "log", Message: err.Error()})
	}
	if cfg.MaxIterations < 0 {
		errs = append(errs, ValidationError{Field: "max_iterations", Message: "must not be negative"})
	}
	if len(cfg.Templates) == 0 {
		errs = append(errs, ValidationError{Field: "templates", Message: "at least one template is required"})
	}

	for _, name := range sortedKeys(cfg.Templates) {
		validateTemplate(name, cfg.Templates[name], &errs)
	}

	for _, name := range sortedKeys(cfg.Stages) {
		validateStage(name, cfg.Stages[name], &errs)
	}

	return errs
}

func validateTemplate(name string, order []string, errs *[]ValidationError) {
	prefix := "templates." + name
	if len(order) == 0 {
		*errs = append(*errs, ValidationError{Field: prefix, Message: "at least one stage is required"})
		return
	}
	seen := make(map[string]bool, len(order))
	for i, stage := range order {
		field := fmt.Sprintf("%s[%d]", prefix, i)
		if stage == "" {
			*errs = append(*errs, ValidationError{Field: field, Message: "stage name is required"})
			continue
		}
		if seen[stage] {
			*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate stage %q", stage)})
		}
		seen[stage] = true
	}
}

func validateStage(name string, st StageConfig, errs *[]ValidationError) {
	prefix := "stages." + name
	if !stageTypes[st.Type] {
		*errs = append(*errs, ValidationError{
			Field:   prefix + ".type",
			Message: fmt.Sprintf("unrecognized stage type %q", st.Type),
		})
	}
	if st.Type == StageTypeCommand && st.Command == "" {
		*errs = append(*errs, ValidationError{Field: prefix + ".command", Message: "command stage must set a command"})
	}
	if st.Timeout < 0 {
		*errs = append(*errs, ValidationError{Field: prefix + ".timeout", Message: "must not be negative"})
	}
	if st.OutputSchema != nil {
		if err := st.OutputSchema.Check(); err != nil {
			*errs = append(*errs, ValidationError{Field: prefix + ".output_schema", Message: err.Error()})
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
