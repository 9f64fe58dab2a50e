// Package valueset implements the ordered/sortable attribute value
// multiset: a dual array+sorted-index representation that switches
// strategy once the set grows past a small threshold.
package valueset

import (
	"bytes"
	"sort"

	"github.com/ledgerwatch/ldapd/internal/csn"
	"github.com/ledgerwatch/ldapd/internal/ldaperr"
	"github.com/ledgerwatch/ldapd/internal/schema"
)

// sortThreshold is the point past which the sorted-indices array is
// built; below it, Add/Find/Remove do a linear scan.
const sortThreshold = 10

// CSNKind distinguishes the three logical change types a value's CSN
// set may carry entries for.
type CSNKind int

const (
	Distinguished CSNKind = iota
	Updated
	DeletedOnSubtype
)

// Flag bits controlling Add/Remove behavior.
type Flag int

const (
	PassIn Flag = 1 << iota
	DupCheck
	PreserveCsnSet
	Operational
)

// Value is a single attribute value: a byte string plus an optional
// per-kind CSN set and flags.
type Value struct {
	Bytes []byte
	CSNs  map[CSNKind]csn.CSN
	Flags Flag
}

func (v Value) hasFlag(f Flag) bool { return v.Flags&f != 0 }

// ValueSet is an unordered multiset of Values for one attribute.
type ValueSet struct {
	attrType string
	va       []Value
	sorted   []int // nil until count exceeds sortThreshold, else a permutation of [0,len(va))
	keyFn    schema.KeyFunc
}

// New constructs an empty value set for attrType, resolving its
// matching-rule key function from the schema lookup.
func New(attrType string) *ValueSet {
	return &ValueSet{attrType: attrType, keyFn: schema.MatchingRuleKeyFunc(attrType)}
}

// Count returns the number of values currently stored.
func (vs *ValueSet) Count() int { return len(vs.va) }

func (vs *ValueSet) key(v []byte) []byte {
	if vs.keyFn != nil {
		if k := safeKey(vs.keyFn, v); k != nil {
			return k
		}
	}
	return bytes.ToLower(v)
}

// safeKey guards against a panicking matching-rule key function,
// falling back to case-insensitive compare and letting the caller log
// a diagnostic.
func safeKey(fn schema.KeyFunc, v []byte) (out []byte) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	return fn(v)
}

func (vs *ValueSet) ensureSorted() {
	if vs.sorted != nil {
		return
	}
	idx := make([]int, len(vs.va))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return bytes.Compare(vs.key(vs.va[idx[i]].Bytes), vs.key(vs.va[idx[j]].Bytes)) < 0
	})
	vs.sorted = idx
}

// findIndex returns the index into va of a value equal to needle, or -1.
func (vs *ValueSet) findIndex(needle []byte) int {
	nk := vs.key(needle)
	if len(vs.va) > sortThreshold || vs.sorted != nil {
		vs.ensureSorted()
		lo, hi := 0, len(vs.sorted)
		for lo < hi {
			mid := (lo + hi) / 2
			if bytes.Compare(vs.key(vs.va[vs.sorted[mid]].Bytes), nk) < 0 {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo < len(vs.sorted) && bytes.Equal(vs.key(vs.va[vs.sorted[lo]].Bytes), nk) {
			return vs.sorted[lo]
		}
		return -1
	}
	for i, v := range vs.va {
		if bytes.Equal(vs.key(v.Bytes), nk) {
			return i
		}
	}
	return -1
}

// Find returns the stored value matching v, if present.
func (vs *ValueSet) Find(v []byte) (*Value, bool) {
	i := vs.findIndex(v)
	if i < 0 {
		return nil, false
	}
	return &vs.va[i], true
}

// Add inserts v. With DupCheck set, a duplicate returns
// ldaperr.ErrTypeOrValueExists and leaves vs unchanged.
func (vs *ValueSet) Add(v Value, flags Flag) error {
	needDup := flags&DupCheck != 0
	if needDup || len(vs.va) == sortThreshold {
		vs.ensureSorted()
	}
	if vs.findIndex(v.Bytes) >= 0 {
		if needDup {
			return ldaperr.ErrTypeOrValueExists
		}
	}
	v.Flags |= flags &^ (PassIn | DupCheck | PreserveCsnSet)
	vs.va = append(vs.va, v)
	if vs.sorted != nil {
		newIdx := len(vs.va) - 1
		nk := vs.key(v.Bytes)
		pos := sort.Search(len(vs.sorted), func(i int) bool {
			return bytes.Compare(vs.key(vs.va[vs.sorted[i]].Bytes), nk) >= 0
		})
		vs.sorted = append(vs.sorted, 0)
		copy(vs.sorted[pos+1:], vs.sorted[pos:])
		vs.sorted[pos] = newIdx
	}
	return nil
}

// AddArray inserts vals in order. If flags has DupCheck and an element
// at index k duplicates an existing or earlier value, the whole
// operation is rolled back and the error names k via
// *DupIndexError.
func (vs *ValueSet) AddArray(vals []Value, flags Flag) error {
	needDup := flags&DupCheck != 0
	if !needDup {
		for _, v := range vals {
			if err := vs.Add(v, flags&^DupCheck); err != nil {
				return err
			}
		}
		return nil
	}

	snapshot := vs.snapshot()
	for k, v := range vals {
		if err := vs.Add(v, flags); err != nil {
			vs.restore(snapshot)
			return &DupIndexError{Index: k, Err: err}
		}
	}
	return nil
}

// DupIndexError reports the 0-based index of the offending input value
// in AddArray/Replace duplicate-check failures.
type DupIndexError struct {
	Index int
	Err   error
}

func (e *DupIndexError) Error() string { return e.Err.Error() }
func (e *DupIndexError) Unwrap() error { return e.Err }

type snapshotState struct {
	va     []Value
	sorted []int
}

func (vs *ValueSet) snapshot() snapshotState {
	va := make([]Value, len(vs.va))
	copy(va, vs.va)
	var sorted []int
	if vs.sorted != nil {
		sorted = make([]int, len(vs.sorted))
		copy(sorted, vs.sorted)
	}
	return snapshotState{va: va, sorted: sorted}
}

func (vs *ValueSet) restore(s snapshotState) {
	vs.va = s.va
	vs.sorted = s.sorted
}

// Remove deletes the first value equal to v, returning it. The
// returned Value always carries its CSN set intact, so PreserveCsnSet
// is a documented no-op here: unlike a free-list-backed allocator,
// nothing is freed out from under the caller, and the flag is accepted
// only for call-site symmetry with Add/AddArray.
func (vs *ValueSet) Remove(v []byte, flags Flag) (*Value, bool) {
	i := vs.findIndex(v)
	if i < 0 {
		return nil, false
	}
	removed := vs.va[i]
	vs.va = append(vs.va[:i], vs.va[i+1:]...)
	vs.sorted = nil // indices shifted; rebuilt lazily on next use
	return &removed, true
}

// Replace installs vals as the entire contents of vs. A single new
// value installs in O(1); otherwise duplicates are checked and, if
// found, vs is left unchanged and the offending index is returned.
func (vs *ValueSet) Replace(vals []Value) error {
	if len(vals) == 1 {
		vs.va = []Value{vals[0]}
		vs.sorted = nil
		return nil
	}
	fresh := New(vs.attrType)
	fresh.keyFn = vs.keyFn
	if err := fresh.AddArray(vals, DupCheck); err != nil {
		return err
	}
	vs.va = fresh.va
	vs.sorted = fresh.sorted
	return nil
}

// Purge removes every CSN in every value's CSN set whose value is less
// than threshold; a value that carried a CSN set and whose set becomes
// empty is dropped entirely. A value with no CSN set at all (plain,
// untracked) is never touched. The sorted index is rebuilt lazily on
// next use.
func (vs *ValueSet) Purge(threshold csn.CSN) {
	kept := vs.va[:0]
	for _, v := range vs.va {
		if v.CSNs == nil {
			kept = append(kept, v)
			continue
		}
		for kind, c := range v.CSNs {
			if c.Less(threshold) {
				delete(v.CSNs, kind)
			}
		}
		if len(v.CSNs) > 0 {
			kept = append(kept, v)
		}
	}
	vs.va = kept
	vs.sorted = nil
}

// Values returns a snapshot slice of all stored values in insertion
// order (First/Next are expressed as plain iteration in Go).
func (vs *ValueSet) Values() []Value {
	out := make([]Value, len(vs.va))
	copy(out, vs.va)
	return out
}

// Invariant reports whether vs satisfies its public invariants:
// len(va)==num is implicit in the slice, sorted (if present) indexes
// only valid positions, and is sorted under the key function.
func (vs *ValueSet) Invariant() bool {
	if vs.sorted == nil {
		return true
	}
	if len(vs.sorted) != len(vs.va) {
		return false
	}
	seen := make([]bool, len(vs.va))
	for _, i := range vs.sorted {
		if i < 0 || i >= len(vs.va) || seen[i] {
			return false
		}
		seen[i] = true
	}
	for i := 1; i < len(vs.sorted); i++ {
		if bytes.Compare(vs.key(vs.va[vs.sorted[i-1]].Bytes), vs.key(vs.va[vs.sorted[i]].Bytes)) > 0 {
			return false
		}
	}
	return true
}
