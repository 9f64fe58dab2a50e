package dse

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/ledgerwatch/ldapd/internal/dn"
	"github.com/ledgerwatch/ldapd/internal/eventq"
	"github.com/ledgerwatch/ldapd/internal/valueset"
)

func mustDN(t *testing.T, raw string) dn.DN {
	t.Helper()
	d, err := dn.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize(%q): %v", raw, err)
	}
	return d
}

func entryWithAttr(t *testing.T, rawDN, attr, val string) *Entry {
	t.Helper()
	e := &Entry{DN: mustDN(t, rawDN), Attrs: make(map[string]*valueset.ValueSet)}
	if attr != "" {
		e.setSingle(attr, val)
	}
	return e
}

func TestWalkOrdersSuffixBeforeSubtree(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "dse.ldif"))
	s.SetDontEverWrite(true)

	for _, raw := range []string{
		"uid=bob,ou=people,dc=example,dc=com",
		"dc=example,dc=com",
		"ou=people,dc=example,dc=com",
		"uid=alice,ou=people,dc=example,dc=com",
	} {
		if err := s.Add(entryWithAttr(t, raw, "", "")); err != nil {
			t.Fatalf("Add(%q): %v", raw, err)
		}
	}

	var order []string
	s.Walk(func(e *Entry) bool {
		order = append(order, e.DN.Canonical())
		return true
	})

	want := []string{
		"dc=example,dc=com",
		"ou=people,dc=example,dc=com",
		"uid=alice,ou=people,dc=example,dc=com",
		"uid=bob,ou=people,dc=example,dc=com",
	}
	if len(order) != len(want) {
		t.Fatalf("Walk order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Walk[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestAddMaintainsNumSubordinates(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "dse.ldif"))
	s.SetDontEverWrite(true)

	if err := s.Add(entryWithAttr(t, "dc=example,dc=com", "", "")); err != nil {
		t.Fatalf("Add parent: %v", err)
	}
	parent, _ := s.Get(mustDN(t, "dc=example,dc=com"))
	if _, ok := parent.get("numSubordinates"); ok {
		t.Fatalf("parent should have no numSubordinates before any child is added")
	}

	child := entryWithAttr(t, "ou=people,dc=example,dc=com", "", "")
	if err := s.Add(child); err != nil {
		t.Fatalf("Add child: %v", err)
	}
	parent, _ = s.Get(mustDN(t, "dc=example,dc=com"))
	vs, ok := parent.get("numSubordinates")
	if !ok || string(vs.Values()[0].Bytes) != "1" {
		t.Fatalf("expected numSubordinates=1 after first child added")
	}

	second := entryWithAttr(t, "ou=groups,dc=example,dc=com", "", "")
	if err := s.Add(second); err != nil {
		t.Fatalf("Add second child: %v", err)
	}
	parent, _ = s.Get(mustDN(t, "dc=example,dc=com"))
	vs, _ = parent.get("numSubordinates")
	if string(vs.Values()[0].Bytes) != "2" {
		t.Fatalf("expected numSubordinates=2 after second child added, got %s", vs.Values()[0].Bytes)
	}

	if err := s.Delete(mustDN(t, "ou=groups,dc=example,dc=com")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	parent, _ = s.Get(mustDN(t, "dc=example,dc=com"))
	vs, _ = parent.get("numSubordinates")
	if string(vs.Values()[0].Bytes) != "1" {
		t.Fatalf("expected numSubordinates=1 after deleting one of two children")
	}

	if err := s.Delete(mustDN(t, "ou=people,dc=example,dc=com")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	parent, _ = s.Get(mustDN(t, "dc=example,dc=com"))
	if _, ok := parent.get("numSubordinates"); ok {
		t.Fatalf("numSubordinates must be removed entirely on 1->0 transition")
	}
}

func TestAddRejectsDuplicate(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "dse.ldif"))
	s.SetDontEverWrite(true)
	e := entryWithAttr(t, "dc=example,dc=com", "", "")
	if err := s.Add(e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(e); err == nil {
		t.Fatalf("expected duplicate Add to be rejected")
	}
}

func TestDeleteUnknownDNFails(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "dse.ldif"))
	if err := s.Delete(mustDN(t, "dc=nope,dc=com")); err == nil {
		t.Fatalf("expected deleting an absent entry to fail")
	}
}

func TestPreCallbackVetoesAdd(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "dse.ldif"))
	s.SetDontEverWrite(true)
	s.RegisterCallback(OpAdd, Pre, nil, func(e *Entry) error {
		return errVeto
	})
	if err := s.Add(entryWithAttr(t, "dc=example,dc=com", "", "")); err == nil {
		t.Fatalf("expected pre-add callback veto to reject the add")
	}
	if s.Len() != 0 {
		t.Fatalf("vetoed add must not be inserted")
	}
}

func TestPostCallbackErrorDoesNotUndoAdd(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "dse.ldif"))
	s.SetDontEverWrite(true)
	s.RegisterCallback(OpAdd, Post, nil, func(e *Entry) error {
		return errVeto
	})
	if err := s.Add(entryWithAttr(t, "dc=example,dc=com", "", "")); err != nil {
		t.Fatalf("post callback errors must not fail the add: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected entry to remain inserted despite post callback error")
	}
}

func TestCallbackFilterScopesByBase(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "dse.ldif"))
	s.SetDontEverWrite(true)
	var fired int
	s.RegisterCallback(OpAdd, Post, &Filter{Base: mustDN(t, "ou=people,dc=example,dc=com"), Scope: dn.Subtree}, func(e *Entry) error {
		fired++
		return nil
	})
	_ = s.Add(entryWithAttr(t, "dc=example,dc=com", "", ""))
	_ = s.Add(entryWithAttr(t, "ou=people,dc=example,dc=com", "", ""))
	_ = s.Add(entryWithAttr(t, "uid=bob,ou=people,dc=example,dc=com", "", ""))
	if fired != 2 {
		t.Errorf("expected the filtered callback to fire for the base and its subtree, got %d", fired)
	}
}

func TestWriteFileThenLoadFileRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dse.ldif")
	s := NewStore(path)

	root := entryWithAttr(t, "dc=example,dc=com", "o", "Example Corp")
	_ = s.Add(root)
	child := entryWithAttr(t, "ou=people,dc=example,dc=com", "description", "a value with\x01 non-ASCII\x02 bytes")
	_ = s.Add(child)

	if err := s.WriteFile(); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected record file to exist: %v", err)
	}

	loaded := NewStore(path)
	if err := loaded.LoadFile(); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.Len() != s.Len() {
		t.Fatalf("loaded.Len() = %d, want %d", loaded.Len(), s.Len())
	}

	gotChild, ok := loaded.Get(mustDN(t, "ou=people,dc=example,dc=com"))
	if !ok {
		t.Fatalf("expected child entry to survive the round trip")
	}
	vs, ok := gotChild.get("description")
	if !ok || string(vs.Values()[0].Bytes) != "a value with\x01 non-ASCII\x02 bytes" {
		t.Errorf("description value did not round-trip through base64 encoding:\n%s", spew.Sdump(gotChild))
	}

	gotRoot, ok := loaded.Get(mustDN(t, "dc=example,dc=com"))
	if !ok {
		t.Fatalf("expected root entry to survive the round trip")
	}
	if _, ok := gotRoot.get("numSubordinates"); !ok {
		t.Errorf("expected numSubordinates to be recomputed after load:\n%s", spew.Sdump(gotRoot))
	}
	if root.DN.Canonical() != gotRoot.DN.Canonical() {
		t.Errorf("root DN did not round-trip:\nwant:\n%s\ngot:\n%s", spew.Sdump(root), spew.Sdump(gotRoot))
	}
}

func TestLoadFileStripsPersistedNumSubordinates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dse.ldif")
	if err := os.WriteFile(path, []byte("dn: dc=example,dc=com\nnumSubordinates: 99\no: stale\n\n"), 0600); err != nil {
		t.Fatalf("WriteFile fixture: %v", err)
	}
	s := NewStore(path)
	if err := s.LoadFile(); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	e, ok := s.Get(mustDN(t, "dc=example,dc=com"))
	if !ok {
		t.Fatalf("expected entry to load")
	}
	if _, ok := e.get("numSubordinates"); ok {
		t.Errorf("persisted numSubordinates must be stripped and recomputed, not kept")
	}
}

func TestStripOperationalOmitsOperationalAttrsFromWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dse.ldif")
	s := NewStore(path)
	s.SetStripOperational(true)

	root := entryWithAttr(t, "dc=example,dc=com", "o", "Example Corp")
	_ = s.Add(root)
	_ = s.Add(entryWithAttr(t, "ou=people,dc=example,dc=com", "o", "People"))

	if err := s.WriteFile(); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(raw), "numSubordinates") {
		t.Errorf("record file should not contain numSubordinates with stripOperational set, got:\n%s", raw)
	}
	if strings.Contains(string(raw), "createTimestamp") || strings.Contains(string(raw), "modifiersName") {
		t.Errorf("record file should not contain operational attributes with stripOperational set, got:\n%s", raw)
	}
	if !strings.Contains(string(raw), "o: Example Corp") {
		t.Errorf("record file should still contain ordinary attributes, got:\n%s", raw)
	}
}

func TestWithoutStripOperationalKeepsNumSubordinates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dse.ldif")
	s := NewStore(path)

	root := entryWithAttr(t, "dc=example,dc=com", "o", "Example Corp")
	_ = s.Add(root)
	_ = s.Add(entryWithAttr(t, "ou=people,dc=example,dc=com", "o", "People"))

	if err := s.WriteFile(); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(raw), "numSubordinates") {
		t.Errorf("record file should contain numSubordinates by default, got:\n%s", raw)
	}
}

func TestDumpHonorsStripOperational(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dse.ldif")
	s := NewStore(path)
	s.SetStripOperational(true)
	_ = s.Add(entryWithAttr(t, "dc=example,dc=com", "o", "Example Corp"))
	_ = s.Add(entryWithAttr(t, "ou=people,dc=example,dc=com", "o", "People"))

	var buf bytes.Buffer
	if err := s.Dump(&buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if strings.Contains(buf.String(), "numSubordinates") {
		t.Errorf("Dump should honor stripOperational, got:\n%s", buf.String())
	}
}

func TestDontEverWriteSkipsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dse.ldif")
	s := NewStore(path)
	s.SetDontEverWrite(true)
	_ = s.Add(entryWithAttr(t, "dc=example,dc=com", "", ""))
	if err := s.WriteFile(); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Errorf("expected no record file to be written when dontEverWrite is set")
	}
}

func TestNotUpdateableRejectsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dse.ldif")
	s := NewStore(path)
	s.SetUpdateable(false)
	_ = s.Add(entryWithAttr(t, "dc=example,dc=com", "", ""))
	if err := s.WriteFile(); err == nil {
		t.Errorf("expected WriteFile to fail when the store is marked not updateable")
	}
}

func TestWriteBehindDebounceCoalescesMultipleWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dse.ldif")
	s := NewStore(path)

	q := eventq.New()
	q.Start()
	defer q.Stop()
	s.EnableWriteBehind(q, 30*time.Millisecond)

	_ = s.Add(entryWithAttr(t, "dc=example,dc=com", "", ""))
	_ = s.Add(entryWithAttr(t, "ou=people,dc=example,dc=com", "", ""))
	_ = s.Add(entryWithAttr(t, "ou=groups,dc=example,dc=com", "", ""))

	if _, err := os.Stat(path); err == nil {
		t.Fatalf("write-behind must not flush synchronously")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected debounced write-behind to eventually flush the record file")
}

var errVeto = vetoError{}

type vetoError struct{}

func (vetoError) Error() string { return "vetoed" }
