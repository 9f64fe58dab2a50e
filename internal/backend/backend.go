// Package backend implements the named-backend registry:
// suffix-routed backend lookup, a Stopped/Started/Deleted state
// machine per backend, and a "backend of last resort" default.
package backend

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ledgerwatch/ldapd/internal/dn"
	"github.com/ledgerwatch/ldapd/internal/ldaperr"
)

var (
	errDefaultBackendNoSuchObject = ldaperr.New("NoSuchObject", ldaperr.NoSuchObject, "no backend configured for this suffix")
	errBackendAlreadyExists       = ldaperr.New("AlreadyExists", ldaperr.AlreadyExists, "backend already registered under this name")
	errBackendDeleted             = ldaperr.New("Unavailable", ldaperr.Unavailable, "backend has been deleted")
)

// State is a backend's lifecycle state.
type State int

const (
	Stopped State = iota
	Started
	Deleted
)

// EntryPointSlot names a backend operation entry point.
type EntryPointSlot int

const (
	Bind EntryPointSlot = iota
	Unbind
	Search
	Compare
	Modify
	ModRDN
	Add
	Delete
	NextSearchEntry
)

// EntryPoint is a backend-supplied operation handler.
type EntryPoint func(args interface{}) error

// Flag is a per-backend boolean capability/config bit.
type Flag int

const (
	Private Flag = 1 << iota
	LogChanges
	ReadOnly
)

// Be is one registered backend.
type Be struct {
	name    string
	beType  string
	private bool

	mu       sync.Mutex // guards suffixes (append-only) and flags
	suffixes []dn.DN
	flags    Flag

	stateMu sync.RWMutex
	state   State

	entryMu sync.RWMutex
	entries map[EntryPointSlot]EntryPoint

	opMu sync.RWMutex // rwlock guarding import/reindex vs concurrent reads
}

// Name returns the backend's registered name.
func (b *Be) Name() string { return b.name }

// Type returns the backend's declared type string (e.g. "ldbm").
func (b *Be) Type() string { return b.beType }

// AddSuffix appends dn to the backend's suffix list. Suffixes are
// append-only; the per-backend mutex serializes writers, and readers
// take the same mutex through Suffixes.
func (b *Be) AddSuffix(d dn.DN) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suffixes = append(b.suffixes, d)
}

// Suffixes returns a snapshot of the backend's registered suffixes.
func (b *Be) Suffixes() []dn.DN {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]dn.DN, len(b.suffixes))
	copy(out, b.suffixes)
	return out
}

// State returns the backend's current lifecycle state.
func (b *Be) State() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// setState transitions the backend's state. Transitions are not
// validated against Stopped->Started->Deleted ordering here; the
// registry enforces sequencing via Start/Stop/Delete.
func (b *Be) setState(s State) {
	b.stateMu.Lock()
	b.state = s
	b.stateMu.Unlock()
}

// IsFlagSet reports whether flag is set. A Deleted backend reports
// false for every flag.
func (b *Be) IsFlagSet(flag Flag) bool {
	if b.State() == Deleted {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags&flag != 0
}

// SetReadOnly toggles the ReadOnly flag.
func (b *Be) SetReadOnly(ro bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ro {
		b.flags |= ReadOnly
	} else {
		b.flags &^= ReadOnly
	}
}

// GetEntryPoint returns the handler registered for slot, or false if
// the backend is Deleted or has none registered.
func (b *Be) GetEntryPoint(slot EntryPointSlot) (EntryPoint, bool) {
	if b.State() == Deleted {
		return nil, false
	}
	b.entryMu.RLock()
	defer b.entryMu.RUnlock()
	fn, ok := b.entries[slot]
	return fn, ok
}

// SetEntryPoint registers fn as the handler for slot.
func (b *Be) SetEntryPoint(slot EntryPointSlot, fn EntryPoint) {
	b.entryMu.Lock()
	defer b.entryMu.Unlock()
	if b.entries == nil {
		b.entries = make(map[EntryPointSlot]EntryPoint)
	}
	b.entries[slot] = fn
}

// LockBulkOp acquires the rwlock guarding whole-backend operations
// (import, reindex) against concurrent reads; unlock with
// UnlockBulkOp.
func (b *Be) LockBulkOp()   { b.opMu.Lock() }
func (b *Be) UnlockBulkOp() { b.opMu.Unlock() }

// Registry is the process-wide set of named backends plus the default
// "backend of last resort".
type Registry struct {
	mu             sync.RWMutex
	byName         map[string]*Be
	order          []*Be // registration order, for Select's tie-break
	def            *Be
	anonymousBinds uint64
	cache          *lru.Cache // read-through cache: normalized target DN -> *Be
}

const selectCacheSize = 4096

// NewRegistry constructs a registry with an installed default backend.
func NewRegistry() *Registry {
	cache, _ := lru.New(selectCacheSize)
	r := &Registry{
		byName: make(map[string]*Be),
		cache:  cache,
	}
	r.def = &Be{name: "%default_backend%", beType: "default", state: Started}
	r.installDefaultEntryPoints()
	return r
}

func (r *Registry) installDefaultEntryPoints() {
	notHandled := func(interface{}) error { return errDefaultBackendNoSuchObject }
	for _, slot := range []EntryPointSlot{Search, Compare, Modify, ModRDN, Add, Delete} {
		r.def.SetEntryPoint(slot, notHandled)
	}
	r.def.SetEntryPoint(Bind, func(interface{}) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.anonymousBinds++
		return nil
	})
}

// AnonymousBinds counts anonymous simple binds accepted by the
// default backend.
func (r *Registry) AnonymousBinds() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anonymousBinds
}

// New registers a new backend named name. private backends are not
// exposed over search of cn=config-style listings (the caller is
// responsible for that filtering); logChanges controls whether the
// backend records changes for retro-changelog style consumers.
func (r *Registry) New(name, beType string, private, logChanges bool) (*Be, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return nil, errBackendAlreadyExists
	}
	var flags Flag
	if private {
		flags |= Private
	}
	if logChanges {
		flags |= LogChanges
	}
	be := &Be{name: name, beType: beType, private: private, flags: flags, state: Stopped}
	r.byName[name] = be
	return be, nil
}

// SelectByName looks up a backend by its registered name.
func (r *Registry) SelectByName(name string) (*Be, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	be, ok := r.byName[name]
	return be, ok
}

// Select resolves targetDN to the backend with the longest matching
// suffix, falling back to the default backend of last resort. Ties
// among equal-length suffixes are broken by registration order; the
// result is cached until the next Start/Stop/Delete or AddSuffix
// invalidates it.
func (r *Registry) Select(target dn.DN) *Be {
	key := target.Canonical()
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v.(*Be)
		}
	}

	r.mu.RLock()
	var best *Be
	bestLen := -1
	for _, be := range r.order {
		if be.State() == Deleted {
			continue
		}
		for _, suf := range be.Suffixes() {
			if dn.IsSuffix(target, suf) {
				l := len(suf.Canonical())
				if l > bestLen {
					best = be
					bestLen = l
				}
				break
			}
		}
	}
	r.mu.RUnlock()

	if best == nil {
		best = r.def
	}
	if r.cache != nil {
		r.cache.Add(key, best)
	}
	return best
}

func (r *Registry) invalidateCache() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

// Start transitions be to Started. Returns an error if be has been
// Deleted.
func (r *Registry) Start(be *Be) error {
	if be.State() == Deleted {
		return errBackendDeleted
	}
	be.setState(Started)
	r.invalidateCache()
	return nil
}

// Stop transitions be to Stopped.
func (r *Registry) Stop(be *Be) error {
	if be.State() == Deleted {
		return errBackendDeleted
	}
	be.setState(Stopped)
	r.invalidateCache()
	return nil
}

// DeleteBackend transitions be to Deleted, permanently. After this,
// every op accessor on be returns zero values.
func (r *Registry) DeleteBackend(be *Be) {
	be.setState(Deleted)
	r.mu.Lock()
	delete(r.byName, be.name)
	for i, o := range r.order {
		if o == be {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.invalidateCache()
}

// AddSuffix appends a suffix to be and invalidates the select cache,
// also recording be in the registration-order list Select iterates
// (used the first time a backend is given a suffix).
func (r *Registry) AddSuffix(be *Be, d dn.DN) {
	be.AddSuffix(d)
	r.mu.Lock()
	found := false
	for _, o := range r.order {
		if o == be {
			found = true
			break
		}
	}
	if !found {
		r.order = append(r.order, be)
	}
	r.mu.Unlock()
	r.invalidateCache()
}
