package backend

import (
	"testing"

	"github.com/ledgerwatch/ldapd/internal/dn"
)

func mustDN(t *testing.T, raw string) dn.DN {
	t.Helper()
	d, err := dn.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize(%q): %v", raw, err)
	}
	return d
}

func TestSelectFallsBackToDefault(t *testing.T) {
	r := NewRegistry()
	be := r.Select(mustDN(t, "dc=example,dc=com"))
	if be != r.def {
		t.Errorf("expected default backend when nothing registered")
	}
	if _, ok := be.GetEntryPoint(Search); !ok {
		t.Fatalf("default backend must have a search entry point")
	}
}

func TestSelectLongestSuffixWins(t *testing.T) {
	r := NewRegistry()
	beRoot, _ := r.New("root", "ldbm", false, false)
	r.AddSuffix(beRoot, mustDN(t, "dc=example,dc=com"))
	r.Start(beRoot)

	beSub, _ := r.New("sub", "ldbm", false, false)
	r.AddSuffix(beSub, mustDN(t, "ou=people,dc=example,dc=com"))
	r.Start(beSub)

	got := r.Select(mustDN(t, "uid=bob,ou=people,dc=example,dc=com"))
	if got != beSub {
		t.Errorf("expected longest-suffix match to win (sub), got %s", got.Name())
	}

	got2 := r.Select(mustDN(t, "ou=groups,dc=example,dc=com"))
	if got2 != beRoot {
		t.Errorf("expected root backend for a sibling subtree, got %s", got2.Name())
	}
}

func TestDeletedBackendAccessorsReturnFalse(t *testing.T) {
	r := NewRegistry()
	be, _ := r.New("x", "ldbm", false, false)
	r.AddSuffix(be, mustDN(t, "dc=example,dc=com"))
	be.SetEntryPoint(Search, func(interface{}) error { return nil })
	r.Start(be)

	r.DeleteBackend(be)

	if _, ok := be.GetEntryPoint(Search); ok {
		t.Errorf("deleted backend must not return entry points")
	}
	if be.IsFlagSet(ReadOnly) {
		t.Errorf("deleted backend must report every flag unset")
	}
	if be.State() != Deleted {
		t.Errorf("state = %v, want Deleted", be.State())
	}
}

func TestDeletedBackendNoLongerSelected(t *testing.T) {
	r := NewRegistry()
	be, _ := r.New("x", "ldbm", false, false)
	target := mustDN(t, "dc=example,dc=com")
	r.AddSuffix(be, target)
	r.Start(be)

	if got := r.Select(target); got != be {
		t.Fatalf("expected be to be selected before delete")
	}
	r.DeleteBackend(be)
	if got := r.Select(target); got != r.def {
		t.Errorf("expected fallback to default after delete, got %s", got.Name())
	}
}

func TestNewRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	if _, err := r.New("dup", "ldbm", false, false); err != nil {
		t.Fatalf("first New: %v", err)
	}
	if _, err := r.New("dup", "ldbm", false, false); err == nil {
		t.Errorf("expected error registering duplicate name")
	}
}

func TestAnonymousBindIncrementsCounter(t *testing.T) {
	r := NewRegistry()
	fn, ok := r.def.GetEntryPoint(Bind)
	if !ok {
		t.Fatalf("default backend must have a bind entry point")
	}
	if err := fn(nil); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if r.AnonymousBinds() != 1 {
		t.Errorf("anonymousBinds = %d, want 1", r.AnonymousBinds())
	}
}
