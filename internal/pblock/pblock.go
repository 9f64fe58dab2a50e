// Package pblock implements the dynamically-typed per-operation
// context map: a dense array for well-known keys with a spill map for
// everything else, read by integer key, and freed in a fixed order
// when the operation completes.
package pblock

import (
	"sync"

	"github.com/ledgerwatch/ldapd/internal/ldaperr"
)

// Key identifies a slot in the block. The well-known keys below are
// assigned small dense values so they land in the fixed-size array;
// anything else (plugin-private keys, future additions) spills into a
// map and costs a lookup instead of an index.
type Key int

const (
	OperationType Key = iota
	Requestor
	Controls
	TargetDN
	Mods
	ConnID
	OpID
	ResultCode
	ResultText
	IsInternalOp
	NoAccessCheck

	numWellKnown
)

// freeClass buckets owned keys into the three drain groups: mods
// before target SDN before operation. Keys outside Mods and TargetDN
// fall into the general "operation" class.
type freeClass int

const (
	classOperation freeClass = iota
	classTargetDN
	classMods
)

func classOf(k Key) freeClass {
	switch k {
	case Mods:
		return classMods
	case TargetDN:
		return classTargetDN
	default:
		return classOperation
	}
}

type slot struct {
	val     interface{}
	set     bool
	owned   bool
	free    func()
}

// Block is one operation's parameter block. Every method takes the
// block's mutex, so concurrently running plugin calls may share one
// block.
type Block struct {
	mu     sync.Mutex
	dense  [numWellKnown]slot
	spill  map[Key]*slot
	done   bool
}

// New constructs an empty parameter block.
func New() *Block {
	return &Block{}
}

func (b *Block) slotFor(k Key, create bool) *slot {
	if k >= 0 && int(k) < int(numWellKnown) {
		return &b.dense[k]
	}
	if b.spill == nil {
		if !create {
			return nil
		}
		b.spill = make(map[Key]*slot)
	}
	s, ok := b.spill[k]
	if !ok {
		if !create {
			return nil
		}
		s = &slot{}
		b.spill[k] = s
	}
	return s
}

// Get reads key. An unset key returns ldaperr.ErrInvalidKey.
func (b *Block) Get(k Key) (interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slotFor(k, false)
	if s == nil || !s.set {
		return nil, ldaperr.ErrInvalidKey
	}
	return s.val, nil
}

// GetOr reads key, returning def if it is unset instead of an error.
func (b *Block) GetOr(k Key, def interface{}) interface{} {
	v, err := b.Get(k)
	if err != nil {
		return def
	}
	return v
}

// Set writes key with a borrowed value: pblock does not own it and
// will not free it on Done. Writing is always accepted.
func (b *Block) Set(k Key, v interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slotFor(k, true)
	s.val = v
	s.set = true
	s.owned = false
	s.free = nil
}

// SetOwned writes key and registers free to run during Done, in the
// fixed drain order (mods, then target SDN, then everything else).
func (b *Block) SetOwned(k Key, v interface{}, free func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slotFor(k, true)
	s.val = v
	s.set = true
	s.owned = true
	s.free = free
}

// Has reports whether key currently holds a value.
func (b *Block) Has(k Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slotFor(k, false)
	return s != nil && s.set
}

// Done frees every owned key in the order mods, target SDN, operation
//.  It is idempotent; a second call is a no-op.
func (b *Block) Done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true

	var byClass [3][]*slot
	collect := func(k Key, s *slot) {
		if s == nil || !s.set || !s.owned || s.free == nil {
			return
		}
		byClass[classOf(k)] = append(byClass[classOf(k)], s)
	}
	for k := Key(0); int(k) < int(numWellKnown); k++ {
		collect(k, &b.dense[k])
	}
	for k, s := range b.spill {
		collect(k, s)
	}

	for _, class := range []freeClass{classMods, classTargetDN, classOperation} {
		for _, s := range byClass[class] {
			s.free()
			s.val = nil
			s.set = false
		}
	}
}
