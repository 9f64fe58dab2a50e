package plugin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePlugin struct {
	name      string
	preCode   int
	postCode  int
	beCode    int
	preCalls  *int
	postCalls *int
}

func (f *fakePlugin) Name() string { return f.name }
func (f *fakePlugin) PreOp(pb interface{}) int {
	if f.preCalls != nil {
		*f.preCalls++
	}
	return f.preCode
}
func (f *fakePlugin) PostOp(pb interface{}) int {
	if f.postCalls != nil {
		*f.postCalls++
	}
	return f.postCode
}
func (f *fakePlugin) BePreOp(pb interface{}) int { return f.beCode }

func TestPrecedenceOrdering(t *testing.T) {
	r := NewRegistry(nil)
	var order []string
	mk := func(name string, prec int) Config {
		return Config{
			Name: name, Type: PreOp, Precedence: prec,
			Impl: &fakePlugin{name: name},
			Start: func() error { order = append(order, name); return nil },
		}
	}
	_, _ = r.Register(mk("c", 70))
	_, _ = r.Register(mk("a", 10))
	_, _ = r.Register(mk("b", 10))
	if err := r.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if order[i] != w {
			t.Errorf("order[%d] = %s, want %s (full: %v)", i, order[i], w, order)
		}
	}
}

func TestPreOpFirstNonZeroAborts(t *testing.T) {
	r := NewRegistry(nil)
	calls2 := 0
	_, _ = r.Register(Config{Name: "p1", Type: PreOp, Precedence: 10, Impl: &fakePlugin{name: "p1", preCode: 5}})
	_, _ = r.Register(Config{Name: "p2", Type: PreOp, Precedence: 20, Impl: &fakePlugin{name: "p2", preCalls: &calls2}})
	if err := r.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	code := r.CallPreOp(PreOp, nil)
	if code != 5 {
		t.Errorf("code = %d, want 5", code)
	}
	if calls2 != 0 {
		t.Errorf("second preop plugin should not run after first aborts")
	}
}

func TestBeOpBitwiseOrWithFailureShortCircuit(t *testing.T) {
	r := NewRegistry(nil)
	calls2 := 0
	_, _ = r.Register(Config{Name: "p1", Type: BePreOp, Precedence: 10, Impl: &fakePlugin{name: "p1", beCode: FailureCode}})
	_, _ = r.Register(Config{Name: "p2", Type: BePreOp, Precedence: 20, Impl: &fakePlugin{name: "p2", beCode: 1, preCalls: &calls2}})
	if err := r.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	code := r.CallBeOp(BePreOp, nil)
	if code != FailureCode {
		t.Errorf("code = %d, want FailureCode", code)
	}
}

func TestStartupStallReportsUnresolved(t *testing.T) {
	r := NewRegistry(nil)
	_, _ = r.Register(Config{Name: "a", Type: Database, Dependencies: []Dependency{{NamedPlugin: "b"}},
		Impl: &fakePlugin{name: "a"}})
	_, _ = r.Register(Config{Name: "b", Type: Database, Dependencies: []Dependency{{NamedPlugin: "a"}},
		Impl: &fakePlugin{name: "b"}})
	if err := r.Startup(); err == nil {
		t.Fatalf("expected a cyclic dependency to stall startup")
	}
}

func TestPlannedOrderMatchesDependencyWaves(t *testing.T) {
	r := NewRegistry(nil)
	_, _ = r.Register(Config{Name: "schema check", Type: PreOp, Impl: &fakePlugin{name: "schema check"}})
	_, _ = r.Register(Config{Name: "ldbm database", Type: Database,
		Dependencies: []Dependency{{NamedPlugin: "schema check"}}, Impl: &fakePlugin{name: "ldbm database"}})

	order, err := r.PlannedOrder()
	if err != nil {
		t.Fatalf("PlannedOrder: %v", err)
	}
	if len(order) != 2 || order[0] != "schema check" || order[1] != "ldbm database" {
		t.Errorf("order = %v, want [schema check, ldbm database]", order)
	}

	// PlannedOrder must not mutate registry state: Startup should still
	// run (and start) every plugin afterward.
	if err := r.Startup(); err != nil {
		t.Fatalf("Startup after PlannedOrder: %v", err)
	}
}

func TestPlannedOrderReportsUnresolvedWithoutMutatingState(t *testing.T) {
	r := NewRegistry(nil)
	_, _ = r.Register(Config{Name: "a", Type: Database, Dependencies: []Dependency{{NamedPlugin: "b"}},
		Impl: &fakePlugin{name: "a"}})
	_, _ = r.Register(Config{Name: "b", Type: Database, Dependencies: []Dependency{{NamedPlugin: "a"}},
		Impl: &fakePlugin{name: "b"}})
	if _, err := r.PlannedOrder(); err == nil {
		t.Fatalf("expected a cyclic dependency to be reported")
	}
}

func TestCriticalPluginCannotBeDeleted(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Add(Config{Name: "ldbm database", Type: Database, Impl: &fakePlugin{name: "ldbm database"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Delete("ldbm database"); err == nil {
		t.Fatalf("expected critical plugin delete to be refused")
	}
}

func TestDeleteRefusedWhenDependedOn(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Add(Config{Name: "base", Type: Database, Impl: &fakePlugin{name: "base"}}), "Add base")
	require.NoError(t, r.Add(Config{Name: "dependent", Type: Database, Dependencies: []Dependency{{NamedPlugin: "base"}},
		Impl: &fakePlugin{name: "dependent"}}), "Add dependent")
	require.Error(t, r.Delete("base"), "expected delete of a depended-on plugin to be refused")
}

func TestPluginAddThenDeleteEqualsRestart(t *testing.T) {
	r1 := NewRegistry(nil)
	cfgBefore := Config{Name: "x", Type: Database, Impl: &fakePlugin{name: "x"}}
	require.NoError(t, r1.Add(cfgBefore), "Add")
	require.NoError(t, r1.Delete("x"), "Delete")
	cfgAfter := Config{Name: "x", Type: Database, Impl: &fakePlugin{name: "x"}}
	require.NoError(t, r1.Add(cfgAfter), "re-Add")

	r2 := NewRegistry(nil)
	require.NoError(t, r2.Add(cfgBefore), "Add")
	require.NoError(t, r2.Restart("x", cfgAfter), "Restart")

	if _, ok := r1.byName["x"]; !ok {
		t.Errorf("delete+add path should leave plugin registered")
	}
	if _, ok := r2.byName["x"]; !ok {
		t.Errorf("restart path should leave plugin registered")
	}
}

func TestShutdownDrainsOpCounterBeforeClose(t *testing.T) {
	r := NewRegistry(nil)
	closed := make(chan struct{})
	cfg := Config{
		Name: "x", Type: PreOp, Impl: &fakePlugin{name: "x"},
		Stop: func() error { close(closed); return nil },
	}
	reg, err := r.Register(cfg)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if !r.enterOp(reg) {
		t.Fatalf("enterOp should succeed before stop")
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		r.exitOp(reg)
	}()
	r.Shutdown(5 * time.Millisecond)
	select {
	case <-closed:
	default:
		t.Errorf("expected close to have run after op counter drained")
	}
}
