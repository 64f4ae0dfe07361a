package filter

import (
	"testing"

	"github.com/prozess-io/prozess/core/task"
)

func TestNewValidatesCriteria(t *testing.T) {
	if _, err := New("my tasks", "kermit", map[string]any{"assignee": "kermit"}); err != nil {
		t.Fatalf("valid criteria rejected: %v", err)
	}
	if _, err := New("", "kermit", nil); err == nil {
		t.Fatalf("expected empty name to be rejected")
	}
	if _, err := New("bad", "kermit", map[string]any{"no_such_criterion": "x"}); err == nil {
		t.Fatalf("expected unknown criterion to be rejected")
	}
	if _, err := New("bad", "kermit", map[string]any{"state": "bogus"}); err == nil {
		t.Fatalf("expected invalid state to be rejected")
	}
	if _, err := New("bad", "kermit", map[string]any{"priority_min": "high"}); err == nil {
		t.Fatalf("expected non-numeric priority to be rejected")
	}
}

func TestMatches(t *testing.T) {
	tk := task.New("inst-1", "exec-1", "Approve invoice")
	tk.Assignee = "kermit"
	tk.CandidateGroups = []string{"accounting", "management"}
	tk.Priority = 70

	cases := []struct {
		name     string
		criteria map[string]any
		want     bool
	}{
		{"empty criteria match everything", nil, true},
		{"assignee match", map[string]any{"assignee": "kermit"}, true},
		{"assignee mismatch", map[string]any{"assignee": "fozzie"}, false},
		{"candidate group", map[string]any{"candidate_group": "accounting"}, true},
		{"candidate group mismatch", map[string]any{"candidate_group": "sales"}, false},
		{"name substring, case insensitive", map[string]any{"name_like": "invoice"}, true},
		{"name substring mismatch", map[string]any{"name_like": "order"}, false},
		{"state", map[string]any{"state": "open"}, true},
		{"instance", map[string]any{"instance_id": "inst-1"}, true},
		{"priority window", map[string]any{"priority_min": 50, "priority_max": 80}, true},
		{"priority below min", map[string]any{"priority_min": 80}, false},
		{"combined", map[string]any{"assignee": "kermit", "state": "open", "priority_max": 90}, true},
	}
	for _, tc := range cases {
		f, err := New("f", "kermit", tc.criteria)
		if err != nil {
			t.Fatalf("%s: new: %v", tc.name, err)
		}
		if got := f.Matches(tk); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
