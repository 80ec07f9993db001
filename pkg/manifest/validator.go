package manifest

import (
	"fmt"
	"strings"
)

// ValidationError lists every problem found in one manifest
type ValidationError struct {
	Name     string
	Problems []string
}

func (e *ValidationError) Error() string {
	name := e.Name
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("workflow manifest %s is invalid:\n  - %s", name, strings.Join(e.Problems, "\n  - "))
}

// ValidateManifest checks the envelope fields, converts the manifest and
// runs the workflow's own validation, collecting every problem it can
func ValidateManifest(m *WorkflowManifest) error {
	var problems []string

	if m.APIVersion == "" {
		problems = append(problems, "apiVersion is required")
	} else if m.APIVersion != APIVersion {
		problems = append(problems, fmt.Sprintf("unsupported apiVersion: %s (expected %s)", m.APIVersion, APIVersion))
	}

	if m.Kind == "" {
		problems = append(problems, "kind is required")
	} else if m.Kind != KindWorkflow {
		problems = append(problems, fmt.Sprintf("invalid kind: %s (expected %s)", m.Kind, KindWorkflow))
	}

	if m.Metadata.Name == "" {
		problems = append(problems, "metadata.name is required")
	} else if !isValidName(m.Metadata.Name) {
		problems = append(problems, "metadata.name must be lowercase alphanumeric with hyphens")
	}

	if len(m.Spec.Steps) == 0 {
		problems = append(problems, "spec.steps must have at least one step")
	}
	for i, s := range m.Spec.Steps {
		if s.Task.Type == "" {
			problems = append(problems, fmt.Sprintf("spec.steps[%d].task.type is required", i))
		}
		if s.Task.MaxRetries < 0 {
			problems = append(problems, fmt.Sprintf("spec.steps[%d].task.maxRetries must be non-negative", i))
		}
	}

	if len(problems) == 0 {
		w, err := m.ToWorkflow()
		if err == nil {
			err = w.Validate()
		}
		if err == nil {
			for _, s := range w.Steps {
				if verr := s.Task.Instantiate().Validate(); verr != nil {
					err = fmt.Errorf("step %s: %w", s.ID, verr)
					break
				}
			}
		}
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Name: m.Metadata.Name, Problems: problems}
	}
	return nil
}

// isValidName checks if a name follows the naming convention
func isValidName(name string) bool {
	if len(name) == 0 || len(name) > 63 {
		return false
	}

	if name[0] < 'a' || name[0] > 'z' {
		return false
	}

	last := name[len(name)-1]
	if !((last >= 'a' && last <= 'z') || (last >= '0' && last <= '9')) {
		return false
	}

	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-') {
			return false
		}
	}

	return !strings.Contains(name, "--")
}
