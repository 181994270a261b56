// Package validation holds the engine's field-level validators, mapped by
// field name the way the teacher's storage/sqlite/validators.go maps update
// keys to validator functions.
package validation

import (
	"encoding/json"

	"github.com/atlas-mcp/taskengine/internal/apperr"
	"github.com/atlas-mcp/taskengine/internal/types"
)

func validateName(value any) error {
	name, ok := value.(string)
	if !ok || name == "" {
		return apperr.New(apperr.KindNameRequired, "validation.validateName", "name is required", nil)
	}
	if len(name) > types.MaxNameLength {
		return apperr.New(apperr.KindLimitExceeded, "validation.validateName", "name exceeds maximum length", map[string]any{"max": types.MaxNameLength, "actual": len(name)})
	}
	return nil
}

func validateDescription(value any) error {
	desc, _ := value.(string)
	if len(desc) > types.MaxDescriptionLength {
		return apperr.New(apperr.KindLimitExceeded, "validation.validateDescription", "description exceeds maximum length", map[string]any{"max": types.MaxDescriptionLength, "actual": len(desc)})
	}
	return nil
}

func validateReasoning(value any) error {
	reasoning, _ := value.(string)
	if len(reasoning) > types.MaxReasoningLength {
		return apperr.New(apperr.KindLimitExceeded, "validation.validateReasoning", "reasoning exceeds maximum length", map[string]any{"max": types.MaxReasoningLength, "actual": len(reasoning)})
	}
	return nil
}

func validateType(value any) error {
	t, ok := value.(types.TaskType)
	if !ok {
		if s, ok := value.(string); ok {
			t = types.TaskType(s)
		}
	}
	if !t.IsValid() {
		return apperr.New(apperr.KindStatusUnknown, "validation.validateType", "unknown task type", map[string]any{"value": value})
	}
	return nil
}

func validateStatus(value any) error {
	s, ok := value.(types.Status)
	if !ok {
		if str, ok := value.(string); ok {
			s = types.Status(str)
		}
	}
	if !s.IsValid() {
		return apperr.New(apperr.KindStatusUnknown, "validation.validateStatus", "unknown status", map[string]any{"value": value})
	}
	return nil
}

func validateMetadata(value any) error {
	m, ok := value.(map[string]any)
	if !ok || m == nil {
		return nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "validation.validateMetadata", "metadata is not serializable", err, nil)
	}
	if len(encoded) > types.MaxMetadataBytes {
		return apperr.New(apperr.KindLimitExceeded, "validation.validateMetadata", "metadata exceeds maximum size", map[string]any{"max": types.MaxMetadataBytes, "actual": len(encoded)})
	}
	return nil
}

func validatePath(value any) error {
	path, _ := value.(string)
	if err := types.ValidatePath(path); err != nil {
		return apperr.Wrap(apperr.KindPathInvalid, "validation.validatePath", "invalid path", err, map[string]any{"path": path})
	}
	return nil
}

// fieldValidators maps a Task field name to its validator, mirroring the
// teacher's fieldValidators map.
var fieldValidators = map[string]func(any) error{
	"path":        validatePath,
	"name":        validateName,
	"description": validateDescription,
	"reasoning":   validateReasoning,
	"type":        validateType,
	"status":      validateStatus,
	"metadata":    validateMetadata,
}

// ValidateField validates a single named field's value.
func ValidateField(field string, value any) error {
	if fn, ok := fieldValidators[field]; ok {
		return fn(value)
	}
	return nil
}

// ValidateTask runs every applicable validator against a full Task, the way
// the teacher validates an Issue as a whole before it reaches storage.
func ValidateTask(task *types.Task) error {
	if err := validatePath(task.Path); err != nil {
		return err
	}
	if err := validateName(task.Name); err != nil {
		return err
	}
	if err := validateDescription(task.Description); err != nil {
		return err
	}
	if err := validateReasoning(task.Reasoning); err != nil {
		return err
	}
	if err := validateType(task.Type); err != nil {
		return err
	}
	if err := validateStatus(task.Status); err != nil {
		return err
	}
	if err := validateMetadata(task.Metadata); err != nil {
		return err
	}
	if task.ParentPath != "" {
		if err := validatePath(task.ParentPath); err != nil {
			return err
		}
	}
	for _, dep := range task.Dependencies {
		if err := validatePath(dep); err != nil {
			return err
		}
	}
	return nil
}
