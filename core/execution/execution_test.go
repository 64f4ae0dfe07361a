package execution

import (
	"errors"
	"testing"
)

func TestNewInstanceHasActiveRoot(t *testing.T) {
	in := NewInstance("invoice", "order-42")
	if in.ID == "" || in.RootID == "" {
		t.Fatalf("expected ids to be assigned: %+v", in)
	}
	root, err := in.Get(in.RootID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if root.State != StateActive {
		t.Fatalf("expected active root, got %s", root.State)
	}
	if in.Ended() {
		t.Fatalf("fresh instance reported ended")
	}
}

func TestCreateChildAndEndCascade(t *testing.T) {
	in := NewInstance("invoice", "")
	child, err := in.CreateChild(in.RootID, "review")
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	grandchild, err := in.CreateChild(child.ID, "approve")
	if err != nil {
		t.Fatalf("create grandchild: %v", err)
	}

	if err := in.End(in.RootID); err != nil {
		t.Fatalf("end root: %v", err)
	}
	for _, id := range []string{in.RootID, child.ID, grandchild.ID} {
		ex, _ := in.Get(id)
		if ex.State != StateEnded || ex.EndedAt == nil {
			t.Fatalf("expected execution %s to be ended: %+v", id, ex)
		}
	}
	if !in.Ended() || in.EndedAt == nil {
		t.Fatalf("expected instance to be ended")
	}
	if _, err := in.CreateChild(in.RootID, "late"); !errors.Is(err, ErrInstanceEnded) {
		t.Fatalf("expected instance ended error, got %v", err)
	}
}

func TestEndTwiceFails(t *testing.T) {
	in := NewInstance("invoice", "")
	child, _ := in.CreateChild(in.RootID, "review")
	if err := in.End(child.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := in.End(child.ID); !errors.Is(err, ErrExecutionEnded) {
		t.Fatalf("expected ended error, got %v", err)
	}
	if _, err := in.Get("missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestForkAndJoin(t *testing.T) {
	in := NewInstance("invoice", "")
	branches, err := in.Fork(in.RootID, "ship", "bill")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if len(branches) != 2 {
		t.Fatalf("expected 2 branches, got %d", len(branches))
	}
	for _, b := range branches {
		if b.State != StateConcurrent {
			t.Fatalf("expected concurrent branch, got %s", b.State)
		}
	}

	if err := in.Join(in.RootID); !errors.Is(err, ErrJoinNotReady) {
		t.Fatalf("expected join not ready, got %v", err)
	}
	if err := in.End(branches[0].ID); err != nil {
		t.Fatalf("end branch: %v", err)
	}
	if err := in.Join(in.RootID); !errors.Is(err, ErrJoinNotReady) {
		t.Fatalf("expected join not ready with one live branch, got %v", err)
	}
	if err := in.End(branches[1].ID); err != nil {
		t.Fatalf("end branch: %v", err)
	}
	if err := in.Join(in.RootID); err != nil {
		t.Fatalf("join: %v", err)
	}
}

func TestForkRequiresTwoActivities(t *testing.T) {
	in := NewInstance("invoice", "")
	if _, err := in.Fork(in.RootID, "only-one"); err == nil {
		t.Fatalf("expected fork with one activity to fail")
	}
}

func TestVariableScoping(t *testing.T) {
	in := NewInstance("invoice", "")
	child, _ := in.CreateChild(in.RootID, "review")

	created, err := in.SetVariable(in.RootID, "amount", 100)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !created {
		t.Fatalf("expected first write to report created")
	}

	// Visible from the child through the parent chain.
	val, ok, err := in.GetVariable(child.ID, "amount")
	if err != nil || !ok {
		t.Fatalf("get from child: ok=%v err=%v", ok, err)
	}
	if val.(int) != 100 {
		t.Fatalf("unexpected value: %v", val)
	}

	// A write through the child lands in the declaring scope, not a shadow.
	created, err = in.SetVariable(child.ID, "amount", 200)
	if err != nil {
		t.Fatalf("set through child: %v", err)
	}
	if created {
		t.Fatalf("expected write to an existing name to report updated")
	}
	val, _, _ = in.GetVariable(in.RootID, "amount")
	if val.(int) != 200 {
		t.Fatalf("expected root value updated through child, got %v", val)
	}

	// Local writes shadow the outer declaration instead.
	created, err = in.SetVariableLocal(child.ID, "amount", 300)
	if err != nil || !created {
		t.Fatalf("set local: created=%v err=%v", created, err)
	}
	val, _, _ = in.GetVariable(child.ID, "amount")
	if val.(int) != 300 {
		t.Fatalf("expected child to see shadowed value, got %v", val)
	}
	val, _, _ = in.GetVariable(in.RootID, "amount")
	if val.(int) != 200 {
		t.Fatalf("expected root value untouched by local write, got %v", val)
	}

	// Removing from the child unshadows the parent value.
	removed, err := in.RemoveVariable(child.ID, "amount")
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	val, ok, _ = in.GetVariable(child.ID, "amount")
	if !ok || val.(int) != 200 {
		t.Fatalf("expected parent value after unshadow, got %v ok=%v", val, ok)
	}
	removed, err = in.RemoveVariable(child.ID, "amount")
	if err != nil || removed {
		t.Fatalf("expected second remove to be a no-op, removed=%v err=%v", removed, err)
	}
}

func TestBranchesShareForkPointVariables(t *testing.T) {
	in := NewInstance("order", "")
	if _, err := in.SetVariable(in.RootID, "total", 1); err != nil {
		t.Fatalf("set: %v", err)
	}
	branches, err := in.Fork(in.RootID, "ship", "bill")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	if _, err := in.SetVariable(branches[0].ID, "total", 2); err != nil {
		t.Fatalf("set from branch: %v", err)
	}
	val, ok, err := in.GetVariable(branches[1].ID, "total")
	if err != nil || !ok {
		t.Fatalf("get from sibling: ok=%v err=%v", ok, err)
	}
	if val.(int) != 2 {
		t.Fatalf("expected sibling to see the shared write, got %v", val)
	}
}

func TestDescendants(t *testing.T) {
	in := NewInstance("invoice", "")
	a, _ := in.CreateChild(in.RootID, "a")
	b, _ := in.CreateChild(in.RootID, "b")
	c, _ := in.CreateChild(a.ID, "c")

	got := in.Descendants(in.RootID)
	if len(got) != 3 {
		t.Fatalf("expected 3 descendants, got %d", len(got))
	}
	seen := map[string]bool{}
	for _, id := range got {
		seen[id] = true
	}
	for _, want := range []string{a.ID, b.ID, c.ID} {
		if !seen[want] {
			t.Fatalf("descendant %s missing from %v", want, got)
		}
	}
}

func TestScope(t *testing.T) {
	in := NewInstance("invoice", "")
	child, _ := in.CreateChild(in.RootID, "review")
	if _, err := in.SetVariable(in.RootID, "amount", 100); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := in.SetVariable(child.ID, "approver", "kermit"); err != nil {
		t.Fatalf("set: %v", err)
	}

	scope, err := in.ScopeOf(child.ID)
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	all := scope.All()
	if all["amount"].(int) != 100 || all["approver"].(string) != "kermit" {
		t.Fatalf("unexpected scope: %v", all)
	}
	if err := scope.Set("approved", true); err != nil {
		t.Fatalf("scope set: %v", err)
	}
	if _, ok, _ := in.GetVariable(in.RootID, "approved"); ok {
		t.Fatalf("expected scope write to stay local to the child")
	}
	if val, ok := scope.Get("approved"); !ok || val.(bool) != true {
		t.Fatalf("expected scope to read back its write, got %v ok=%v", val, ok)
	}
}
