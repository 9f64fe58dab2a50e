// Package dse implements the DSE (DSA-Specific Entry) config store: an
// in-memory ordered entry tree backed by a text record file, pre/post
// callbacks around add/delete/modify and record-file read/write
// (no modrdn or search callbacks are fired), automatic
// numSubordinates maintenance, and a write-behind debouncer.
package dse

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/RoaringBitmap/roaring"
	"github.com/c2h5oh/datasize"
	"github.com/ethereum/go-ethereum/log"
	"github.com/petar/GoLLRB/llrb"

	"github.com/ledgerwatch/ldapd/internal/dn"
	"github.com/ledgerwatch/ldapd/internal/eventq"
	"github.com/ledgerwatch/ldapd/internal/ldaperr"
	"github.com/ledgerwatch/ldapd/internal/valueset"
)

// MaxRecordFileSize is the size past which write_file logs a warning,
// so an unbounded tree does not silently produce an unmanageable file.
// The write itself is not capped and still completes.
const MaxRecordFileSize = 512 * datasize.MB

// Entry is one DSE tree node: a DN plus its attribute value sets.
type Entry struct {
	DN    dn.DN
	Attrs map[string]*valueset.ValueSet
}

// Clone deep-copies e's attribute value sets, used before the write
// path hands an entry to Pre callbacks to protect against concurrent
// modify.
func (e *Entry) Clone() *Entry {
	out := &Entry{DN: e.DN, Attrs: make(map[string]*valueset.ValueSet, len(e.Attrs))}
	for k, vs := range e.Attrs {
		fresh := valueset.New(k)
		_ = fresh.AddArray(vs.Values(), 0)
		out.Attrs[k] = fresh
	}
	return out
}

func (e *Entry) get(attr string) (*valueset.ValueSet, bool) {
	vs, ok := e.Attrs[attr]
	return vs, ok
}

func (e *Entry) setSingle(attr, val string) {
	vs := valueset.New(attr)
	_ = vs.Add(valueset.Value{Bytes: []byte(val)}, 0)
	e.Attrs[attr] = vs
}

// item adapts Entry to llrb.Item using a suffix-before-subtree
// comparator: entries are ordered by their root-to-leaf RDN ancestry so
// that a suffix always sorts immediately before every entry in its own
// subtree.
type item struct{ e *Entry }

func (a item) Less(than llrb.Item) bool {
	b := than.(item)
	aa, ba := dn.Ancestry(a.e.DN), dn.Ancestry(b.e.DN)
	n := len(aa)
	if len(ba) < n {
		n = len(ba)
	}
	for i := 0; i < n; i++ {
		if aa[i] != ba[i] {
			return aa[i] < ba[i]
		}
	}
	return len(aa) < len(ba)
}

// Phase is the pre/post moment a callback fires at.
type Phase int

const (
	Pre Phase = iota
	Post
)

// Op is the DSE operation a callback is registered against.
type Op int

const (
	OpAdd Op = iota
	OpDelete
	OpModify
	OpModRDN
	OpSearch
	OpRead
	OpWrite
)

// Filter optionally narrows a callback registration to entries
// matching a base DN and scope; a nil Filter matches everything.
type Filter struct {
	Base  dn.DN
	Scope dn.Scope
	Match func(e *Entry) bool
}

func (f *Filter) matches(e *Entry) bool {
	if f == nil {
		return true
	}
	if !f.Base.IsEmpty() && !dn.ScopeTest(e.DN, f.Base, f.Scope) {
		return false
	}
	if f.Match != nil {
		return f.Match(e)
	}
	return true
}

// CallbackFunc is invoked for a matching entry. Pre callbacks may veto
// by returning an error; Post callbacks are advisory and their error
// is only logged.
type CallbackFunc func(e *Entry) error

type callback struct {
	op     Op
	phase  Phase
	filter *Filter
	fn     CallbackFunc
}

// Store is the DSE tree plus its backing record file.
type Store struct {
	mu   sync.RWMutex
	tree *llrb.LLRB

	callbacks []callback

	path, backPath, tmpPath string
	dontEverWrite           bool
	isUpdateable            bool
	warnedNotUpdateable     bool
	stripOperational        bool

	debounce *debouncer

	log log.Logger
}

// NewStore constructs an empty store rooted at path (its ".bak" and
// ".tmp" siblings are derived automatically).
func NewStore(path string) *Store {
	return &Store{
		tree:         llrb.New(),
		path:         path,
		backPath:     path + ".bak",
		tmpPath:      path + ".tmp",
		isUpdateable: true,
		log:          log.New("component", "dse"),
	}
}

// SetDontEverWrite inhibits all writes, for offline tooling.
func (s *Store) SetDontEverWrite(v bool) { s.dontEverWrite = v }

// SetUpdateable records the result of probing read/write/create
// permission on the record file triad at startup.
func (s *Store) SetUpdateable(v bool) { s.isUpdateable = v }

// SetStripOperational controls whether WriteFile/Dump omit
// operationalAttrs from their output. Default is false: write everything.
func (s *Store) SetStripOperational(v bool) { s.stripOperational = v }

// RegisterCallback adds a callback for (op, phase), optionally scoped
// by filter (nil matches every entry).
func (s *Store) RegisterCallback(op Op, phase Phase, filter *Filter, fn CallbackFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, callback{op: op, phase: phase, filter: filter, fn: fn})
}

func (s *Store) fire(op Op, phase Phase, e *Entry) error {
	for _, cb := range s.callbacks {
		if cb.op != op || cb.phase != phase || !cb.filter.matches(e) {
			continue
		}
		if err := cb.fn(e); err != nil {
			if phase == Pre {
				return err
			}
			s.log.Error("dse: post callback error", "op", op, "dn", e.DN.Canonical(), "err", err)
		}
	}
	return nil
}

// Get returns the entry stored at d, if any.
func (s *Store) Get(d dn.DN) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := s.tree.Get(item{&Entry{DN: d}})
	if found == nil {
		return nil, false
	}
	return found.(item).e, true
}

// Add inserts e, firing Pre/Post Add callbacks and maintaining the
// parent's numSubordinates.
func (s *Store) Add(e *Entry) error {
	s.mu.Lock()
	if s.tree.Has(item{e}) {
		s.mu.Unlock()
		return ldaperr.ErrAlreadyExists
	}
	s.mu.Unlock()

	if err := s.fire(OpAdd, Pre, e); err != nil {
		return err
	}

	s.mu.Lock()
	s.tree.ReplaceOrInsert(item{e})
	s.bumpNumSubordinatesLocked(e.DN, 1)
	s.mu.Unlock()

	s.markDirty(e.DN)
	_ = s.fire(OpAdd, Post, e)
	return nil
}

// Delete removes the entry at d.
func (s *Store) Delete(d dn.DN) error {
	s.mu.RLock()
	found := s.tree.Get(item{&Entry{DN: d}})
	s.mu.RUnlock()
	if found == nil {
		return ldaperr.ErrNoSuchObject
	}
	e := found.(item).e

	if err := s.fire(OpDelete, Pre, e); err != nil {
		return err
	}

	s.mu.Lock()
	s.tree.Delete(item{e})
	s.bumpNumSubordinatesLocked(d, -1)
	s.mu.Unlock()

	s.markDirty(d)
	_ = s.fire(OpDelete, Post, e)
	return nil
}

// Modify applies mutate to the entry at d, firing Pre/Post Modify
// callbacks around it. mutate runs with the store's write lock held,
// matching Add/Delete's treatment of the tree mutation itself.
func (s *Store) Modify(d dn.DN, mutate func(e *Entry) error) error {
	s.mu.RLock()
	found := s.tree.Get(item{&Entry{DN: d}})
	s.mu.RUnlock()
	if found == nil {
		return ldaperr.ErrNoSuchObject
	}
	e := found.(item).e

	if err := s.fire(OpModify, Pre, e); err != nil {
		return err
	}

	s.mu.Lock()
	err := mutate(e)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.markDirty(d)
	_ = s.fire(OpModify, Post, e)
	return nil
}

// bumpNumSubordinatesLocked adjusts the parent's numSubordinates
// count by delta, adding the attribute on a 0->1 transition and
// removing it on a 1->0 transition. Caller must hold mu.
func (s *Store) bumpNumSubordinatesLocked(d dn.DN, delta int) {
	parent, ok := dn.Parent(d)
	if !ok {
		return
	}
	found := s.tree.Get(item{&Entry{DN: parent}})
	if found == nil {
		return
	}
	pe := found.(item).e

	cur := 0
	if vs, ok := pe.get("numSubordinates"); ok {
		if values := vs.Values(); len(values) > 0 {
			cur, _ = strconv.Atoi(string(values[0].Bytes))
		}
	}
	next := cur + delta
	switch {
	case cur == 0 && next > 0:
		pe.setSingle("numSubordinates", strconv.Itoa(next))
	case next <= 0:
		delete(pe.Attrs, "numSubordinates")
	default:
		pe.setSingle("numSubordinates", strconv.Itoa(next))
	}
}

// Walk visits every entry in ordered (suffix-before-subtree) traversal.
func (s *Store) Walk(fn func(e *Entry) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.AscendGreaterOrEqual(s.tree.Min(), func(i llrb.Item) bool {
		return fn(i.(item).e)
	})
}

// Len returns the number of entries currently in the tree.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// markDirty records d as changed since the last write. With no
// debouncer installed, writes are synchronous: WriteFile should be
// called directly by the caller in that configuration.
func (s *Store) markDirty(d dn.DN) {
	if s.debounce != nil {
		s.debounce.mark(d)
	}
}

// EnableWriteBehind installs a debounced flush on q, coalescing
// changes for interval before calling WriteFile. interval==0 disables
// debouncing; the caller is then expected to call WriteFile
// synchronously after each mutation.
func (s *Store) EnableWriteBehind(q *eventq.Queue, interval time.Duration) {
	if interval <= 0 {
		s.debounce = nil
		return
	}
	s.debounce = newDebouncer(s, q, interval)
}

// WriteFile implements write_file: walk the tree in order, clone each
// entry, run its Write-phase Pre callback, emit LDIF to tmp, then
// rename file -> back and tmp -> file.
func (s *Store) WriteFile() error {
	if s.dontEverWrite {
		return nil
	}
	if !s.isUpdateable {
		if !s.warnedNotUpdateable {
			s.warnedNotUpdateable = true
			s.log.Warn("dse: record file is not updateable, refusing to write", "path", s.path)
		}
		return ldaperr.ErrUnwillingToPerform
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		s.log.Error("dse: failed to open tmp record file", "path", s.tmpPath, "err", err)
		return ldaperr.Wrap("OperationsError", ldaperr.OperationsError, err, "open %s", s.tmpPath)
	}

	w := bufio.NewWriter(f)
	var walkErr error
	s.tree.AscendGreaterOrEqual(s.tree.Min(), func(i llrb.Item) bool {
		e := i.(item).e.Clone()
		if err := s.fire(OpWrite, Pre, e); err != nil {
			walkErr = err
			return false
		}
		writeRecord(w, e, s.stripOperational)
		return true
	})
	if walkErr == nil {
		walkErr = w.Flush()
	}
	closeErr := f.Close()
	if walkErr != nil {
		s.log.Error("dse: write_file failed, leaving tmp file for the next attempt", "err", walkErr)
		return walkErr
	}
	if closeErr != nil {
		return closeErr
	}

	if fi, err := os.Stat(s.tmpPath); err == nil && datasize.ByteSize(fi.Size()) > MaxRecordFileSize {
		s.log.Warn("dse: record file exceeds size guard", "path", s.tmpPath, "size", datasize.ByteSize(fi.Size()).HumanReadable(), "limit", MaxRecordFileSize.HumanReadable())
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.backPath); err != nil {
			return ldaperr.Wrap("OperationsError", ldaperr.OperationsError, err, "rename %s -> %s", s.path, s.backPath)
		}
	}
	if err := os.Rename(s.tmpPath, s.path); err != nil {
		return ldaperr.Wrap("OperationsError", ldaperr.OperationsError, err, "rename %s -> %s", s.tmpPath, s.path)
	}
	return nil
}

// Dump writes the tree's current LDIF form to w in dump order, without
// touching the backing file. Entries are cloned and passed through the
// Write-phase Pre callback exactly as WriteFile does, so dse-dump
// reflects what a real flush would have persisted.
func (s *Store) Dump(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bw := bufio.NewWriter(w)
	var walkErr error
	s.tree.AscendGreaterOrEqual(s.tree.Min(), func(i llrb.Item) bool {
		e := i.(item).e.Clone()
		if err := s.fire(OpWrite, Pre, e); err != nil {
			walkErr = err
			return false
		}
		writeRecord(bw, e, s.stripOperational)
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	return bw.Flush()
}

// LoadFile reads the primary record file at s.path followed by each
// auxiliary path in order, inserting every record into the tree. A
// record's numSubordinates attribute is stripped on load and recomputed
// by a full pass over the loaded tree; WriteFile still writes it out
// unless operational attributes are being stripped.
func (s *Store) LoadFile(auxiliary ...string) error {
	paths := append([]string{s.path}, auxiliary...)
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) && p != s.path {
				continue
			}
			return ldaperr.Wrap("OperationsError", ldaperr.OperationsError, err, "open %s", p)
		}
		err = s.loadRecords(f)
		f.Close()
		if err != nil {
			return err
		}
	}
	s.recomputeNumSubordinates()
	return nil
}

func (s *Store) loadRecords(r io.Reader) error {
	records, err := splitRecords(r)
	if err != nil {
		return err
	}
	for _, rec := range records {
		e, err := parseRecord(rec)
		if err != nil {
			s.log.Error("dse: skipping malformed record", "err", err)
			continue
		}
		if err := s.fire(OpRead, Pre, e); err != nil {
			s.log.Warn("dse: record rejected by read callback", "dn", e.DN.Canonical(), "err", err)
			continue
		}
		delete(e.Attrs, "numSubordinates")
		s.mu.Lock()
		s.tree.ReplaceOrInsert(item{e})
		s.mu.Unlock()
	}
	return nil
}

// recomputeNumSubordinates rebuilds every entry's numSubordinates from
// scratch by counting immediate children in the loaded tree.
func (s *Store) recomputeNumSubordinates() {
	counts := make(map[string]int)
	s.mu.RLock()
	s.tree.AscendGreaterOrEqual(s.tree.Min(), func(i llrb.Item) bool {
		e := i.(item).e
		if parent, ok := dn.Parent(e.DN); ok {
			counts[parent.Canonical()]++
		}
		return true
	})
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.AscendGreaterOrEqual(s.tree.Min(), func(i llrb.Item) bool {
		e := i.(item).e
		if n, ok := counts[e.DN.Canonical()]; ok && n > 0 {
			e.setSingle("numSubordinates", strconv.Itoa(n))
		}
		return true
	})
}

// debouncer coalesces dirty marks over interval before triggering a
// single WriteFile. Dirty DNs are tracked in a roaring bitmap keyed by
// an fnv hash of the canonical DN, so repeated churn on the same entry
// (or thousands of distinct ones) costs a handful of set bits rather
// than a growing queue of pending timers.
type debouncer struct {
	mu       sync.Mutex
	store    *Store
	q        *eventq.Queue
	interval time.Duration
	dirty    *roaring.Bitmap
	pending  bool
}

func newDebouncer(s *Store, q *eventq.Queue, interval time.Duration) *debouncer {
	return &debouncer{store: s, q: q, interval: interval, dirty: roaring.New()}
}

func dnHash(d dn.DN) uint32 {
	h := fnv.New32a()
	h.Write([]byte(d.Canonical()))
	return h.Sum32()
}

func (d *debouncer) mark(target dn.DN) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty.Add(dnHash(target))
	if d.pending {
		return
	}
	d.pending = true
	d.q.Once(func(interface{}) {
		d.mu.Lock()
		n := d.dirty.GetCardinality()
		d.dirty.Clear()
		d.pending = false
		d.mu.Unlock()
		d.store.log.Debug("dse: write-behind flush", "dirty_entries", n)
		if err := d.store.WriteFile(); err != nil {
			d.store.log.Error("dse: write-behind flush failed", "err", err)
		}
	}, nil, time.Now().Add(d.interval))
}

// recordSeparator is the blank-line terminator between records in the
// LDIF-like record file format.
const recordSeparator = "\n\n"

// splitRecords breaks r's contents into raw per-entry blocks, dropping
// comment lines (leading '#') and the blank lines that separate
// records.
func splitRecords(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	normalized := strings.ReplaceAll(string(data), "\r\n", "\n")
	var records []string
	for _, raw := range strings.Split(normalized, recordSeparator) {
		var lines []string
		for _, line := range strings.Split(raw, "\n") {
			if strings.HasPrefix(line, "#") {
				continue
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			continue
		}
		records = append(records, joinContinuations(lines))
	}
	return records, nil
}

// joinContinuations folds LDIF continuation lines (a line beginning
// with a single space is a wrapped continuation of the previous
// attribute line) back into one logical line per attribute.
func joinContinuations(lines []string) string {
	var out []string
	for _, line := range lines {
		if strings.HasPrefix(line, " ") && len(out) > 0 {
			out[len(out)-1] += line[1:]
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// parseRecord decodes one joined record block into an Entry. The
// first line must be "dn: <value>"; subsequent lines are
// "attr: value" or "attr:: base64value" per LDIF convention.
func parseRecord(rec string) (*Entry, error) {
	lines := strings.Split(rec, "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty record")
	}
	dnLine := lines[0]
	var dnVal string
	switch {
	case strings.HasPrefix(dnLine, "dn:: "):
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(dnLine[len("dn:: "):]))
		if err != nil {
			return nil, fmt.Errorf("decode dn: %w", err)
		}
		dnVal = string(decoded)
	case strings.HasPrefix(dnLine, "dn: "):
		dnVal = dnLine[len("dn: "):]
	default:
		return nil, fmt.Errorf("record does not start with dn:")
	}
	d, err := dn.Normalize(dnVal)
	if err != nil {
		return nil, fmt.Errorf("normalize dn %q: %w", dnVal, err)
	}

	e := &Entry{DN: d, Attrs: make(map[string]*valueset.ValueSet)}
	for _, line := range lines[1:] {
		attr, val, err := parseAttrLine(line)
		if err != nil {
			return nil, err
		}
		vs, ok := e.Attrs[attr]
		if !ok {
			vs = valueset.New(attr)
			e.Attrs[attr] = vs
		}
		_ = vs.Add(valueset.Value{Bytes: val}, 0)
	}
	return e, nil
}

func parseAttrLine(line string) (attr string, val []byte, err error) {
	if idx := strings.Index(line, ":: "); idx >= 0 {
		attr = line[:idx]
		decoded, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(line[idx+3:]))
		if derr != nil {
			return "", nil, fmt.Errorf("decode %s: %w", attr, derr)
		}
		return attr, decoded, nil
	}
	if idx := strings.Index(line, ": "); idx >= 0 {
		return line[:idx], []byte(line[idx+2:]), nil
	}
	return "", nil, fmt.Errorf("malformed attribute line %q", line)
}

// isSafeString reports whether s can be written as plain "attr: s"
// without base64 encoding: printable ASCII, no leading space/colon,
// no embedded NUL or newline (LDIF safe-string rule).
func isSafeString(s string) bool {
	if s == "" {
		return true
	}
	if s[0] == ' ' || s[0] == ':' || s[0] == '<' {
		return false
	}
	for _, r := range s {
		if r == 0 || r == '\n' || r == '\r' || r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// operationalAttrs names the server-maintained attributes a record
// file write can optionally strip via SetStripOperational.
var operationalAttrs = map[string]bool{
	"numSubordinates": true,
	"createTimestamp": true,
	"creatorsName":    true,
	"modifyTimestamp": true,
	"modifiersName":   true,
}

// writeRecord emits one entry as a dn: header followed by its
// attribute-value lines in sorted attribute-name order, base64
// encoding any value that is not a safe string, then the blank-line
// record terminator. When stripOperational is set, operationalAttrs
// entries are omitted from the output.
func writeRecord(w *bufio.Writer, e *Entry, stripOperational bool) {
	fmt.Fprintf(w, "dn: %s\n", e.DN.Canonical())

	names := make([]string, 0, len(e.Attrs))
	for name := range e.Attrs {
		if stripOperational && operationalAttrs[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, v := range e.Attrs[name].Values() {
			if isSafeString(string(v.Bytes)) {
				fmt.Fprintf(w, "%s: %s\n", name, v.Bytes)
			} else {
				fmt.Fprintf(w, "%s:: %s\n", name, base64.StdEncoding.EncodeToString(v.Bytes))
			}
		}
	}
	w.WriteString("\n")
}
