// Package ldbm wires a backend.Be's entry points to a dse.Store,
// giving the default backend registered by cmd/ldapd an actual
// database engine to drive. Entry-point slots are defined by whichever
// engine a deployment plugs in; a DSE-tree-backed one is the only
// storage this module provides.
package ldbm

import (
	"github.com/ledgerwatch/ldapd/internal/backend"
	"github.com/ledgerwatch/ldapd/internal/dn"
	"github.com/ledgerwatch/ldapd/internal/dse"
	"github.com/ledgerwatch/ldapd/internal/internalop"
	"github.com/ledgerwatch/ldapd/internal/ldaperr"
	"github.com/ledgerwatch/ldapd/internal/pblock"
	"github.com/ledgerwatch/ldapd/internal/valueset"
)

// EntryFetcher adapts a dse.Store to dispatch.EntryFetcher, so a bind
// can resolve its target entry for password-policy checks without the
// dispatcher depending on internal/dse directly.
type EntryFetcher struct {
	Store *dse.Store
}

// FetchForBind resolves d against the store.
func (f EntryFetcher) FetchForBind(d dn.DN) (interface{}, error) {
	e, ok := f.Store.Get(d)
	if !ok {
		return nil, ldaperr.ErrNoSuchObject
	}
	return e, nil
}

// ModOp names a modify operation, mirroring LDAP's add/delete/replace
// triad.
type ModOp int

const (
	ModAdd ModOp = iota
	ModDelete
	ModReplace
)

// Mod is one attribute-level change; a Modify's Mods field is a []Mod.
type Mod struct {
	Op     ModOp
	Attr   string
	Values []valueset.Value
}

// CompareArgs is the opaque payload a Compare entry point expects.
type CompareArgs struct {
	Attr  string
	Value []byte
}

// Wire installs Add/Delete/Modify/Search/Compare entry points on be
// that read and write through store. Search selects entries by scope
// only; the filter in SearchArgs is not evaluated. ModRDN is left
// unwired: renaming a subtree root would require re-keying every
// descendant's ancestry in the DSE tree, which this module does not
// implement.
func Wire(be *backend.Be, store *dse.Store) {
	be.SetEntryPoint(backend.Add, func(args interface{}) error {
		pb := args.(*pblock.Block)
		raw, err := pb.Get(pblock.Mods)
		if err != nil {
			return err
		}
		entry, ok := raw.(*dse.Entry)
		if !ok {
			return ldaperr.New("ProtocolError", ldaperr.ProtocolError, "add requires a *dse.Entry payload")
		}
		return store.Add(entry)
	})

	be.SetEntryPoint(backend.Delete, func(args interface{}) error {
		pb := args.(*pblock.Block)
		raw, err := pb.Get(pblock.TargetDN)
		if err != nil {
			return err
		}
		return store.Delete(raw.(dn.DN))
	})

	be.SetEntryPoint(backend.Modify, func(args interface{}) error {
		pb := args.(*pblock.Block)
		targetRaw, err := pb.Get(pblock.TargetDN)
		if err != nil {
			return err
		}
		modsRaw, err := pb.Get(pblock.Mods)
		if err != nil {
			return err
		}
		mods, ok := modsRaw.([]Mod)
		if !ok {
			return ldaperr.New("ProtocolError", ldaperr.ProtocolError, "modify requires a []ldbm.Mod payload")
		}
		return store.Modify(targetRaw.(dn.DN), func(e *dse.Entry) error {
			applyMods(e, mods)
			return nil
		})
	})

	be.SetEntryPoint(backend.Compare, func(args interface{}) error {
		pb := args.(*pblock.Block)
		targetRaw, err := pb.Get(pblock.TargetDN)
		if err != nil {
			return err
		}
		entry, ok := store.Get(targetRaw.(dn.DN))
		if !ok {
			return ldaperr.ErrNoSuchObject
		}
		modsRaw, err := pb.Get(pblock.Mods)
		if err != nil {
			return err
		}
		cmp, ok := modsRaw.(CompareArgs)
		if !ok {
			return ldaperr.New("ProtocolError", ldaperr.ProtocolError, "compare requires a ldbm.CompareArgs payload")
		}
		vs, ok := entry.Attrs[cmp.Attr]
		if !ok {
			return ldaperr.ErrNoSuchAttribute
		}
		if _, found := vs.Find(cmp.Value); found {
			return nil
		}
		return ldaperr.New("CompareFalse", ldaperr.CompareFalse, "no matching value")
	})

	be.SetEntryPoint(backend.Search, func(args interface{}) error {
		pb := args.(*pblock.Block)
		baseRaw, err := pb.Get(pblock.TargetDN)
		if err != nil {
			return err
		}
		base := baseRaw.(dn.DN)
		modsRaw, err := pb.Get(pblock.Mods)
		if err != nil {
			return err
		}
		sa, ok := modsRaw.(internalop.SearchArgs)
		if !ok {
			return ldaperr.New("ProtocolError", ldaperr.ProtocolError, "search requires an internalop.SearchArgs payload")
		}
		var walkErr error
		store.Walk(func(e *dse.Entry) bool {
			if !dn.ScopeTest(e.DN, base, sa.Scope) {
				return true
			}
			if sa.OnEntry == nil {
				return true
			}
			if err := sa.OnEntry(e); err != nil {
				walkErr = err
				return false
			}
			return true
		})
		return walkErr
	})
}

func applyMods(e *dse.Entry, mods []Mod) {
	for _, m := range mods {
		switch m.Op {
		case ModDelete:
			if len(m.Values) == 0 {
				delete(e.Attrs, m.Attr)
				continue
			}
			vs, ok := e.Attrs[m.Attr]
			if !ok {
				continue
			}
			for _, v := range m.Values {
				vs.Remove(v.Bytes, 0)
			}
			if vs.Count() == 0 {
				delete(e.Attrs, m.Attr)
			}
		case ModReplace:
			if len(m.Values) == 0 {
				delete(e.Attrs, m.Attr)
				continue
			}
			vs := valueset.New(m.Attr)
			_ = vs.AddArray(m.Values, valueset.DupCheck)
			e.Attrs[m.Attr] = vs
		default: // ModAdd
			vs, ok := e.Attrs[m.Attr]
			if !ok {
				vs = valueset.New(m.Attr)
				e.Attrs[m.Attr] = vs
			}
			_ = vs.AddArray(m.Values, 0)
		}
	}
}
