package filter

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/prozess-io/prozess/core/task"
)

// criteriaSchema constrains what a stored filter may query on. Unknown
// criteria are rejected at save time instead of silently matching nothing.
const criteriaSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "assignee": {"type": "string"},
    "candidate_group": {"type": "string"},
    "instance_id": {"type": "string"},
    "name_like": {"type": "string"},
    "state": {"type": "string", "enum": ["open", "completed"]},
    "priority_min": {"type": "number"},
    "priority_max": {"type": "number"}
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func validateCriteria(criteria map[string]any) error {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("inmemory://filter-criteria", bytes.NewReader([]byte(criteriaSchema))); err != nil {
			compileErr = err
			return
		}
		compiledSchema, compileErr = compiler.Compile("inmemory://filter-criteria")
	})
	if compileErr != nil {
		return fmt.Errorf("compile criteria schema: %w", compileErr)
	}
	normalized := make(map[string]any, len(criteria))
	for k, v := range criteria {
		if n, ok := v.(int); ok {
			v = float64(n)
		}
		normalized[k] = v
	}
	if err := compiledSchema.Validate(normalized); err != nil {
		return fmt.Errorf("invalid filter criteria: %w", err)
	}
	return nil
}

// Filter is a stored, named task query. Owner is the user who created it;
// ownership grants full rights over the filter itself.
type Filter struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Owner      string         `json:"owner,omitempty"`
	Criteria   map[string]any `json:"criteria,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// New builds a filter after validating its criteria.
func New(name, owner string, criteria map[string]any) (*Filter, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("filter name must not be empty")
	}
	if err := validateCriteria(criteria); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Filter{
		ID:        uuid.NewString(),
		Name:      name,
		Owner:     owner,
		Criteria:  criteria,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Matches reports whether the task satisfies every criterion.
func (f *Filter) Matches(t *task.Task) bool {
	for name, raw := range f.Criteria {
		switch name {
		case "assignee":
			if t.Assignee != asString(raw) {
				return false
			}
		case "candidate_group":
			if !containsString(t.CandidateGroups, asString(raw)) {
				return false
			}
		case "instance_id":
			if t.InstanceID != asString(raw) {
				return false
			}
		case "name_like":
			if !strings.Contains(strings.ToLower(t.Name), strings.ToLower(asString(raw))) {
				return false
			}
		case "state":
			if string(t.State) != asString(raw) {
				return false
			}
		case "priority_min":
			if float64(t.Priority) < asFloat(raw) {
				return false
			}
		case "priority_max":
			if float64(t.Priority) > asFloat(raw) {
				return false
			}
		}
	}
	return true
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
