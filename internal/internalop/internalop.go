// Package internalop implements a same-process operation API: plugins
// and startup code call search/add/modify/delete through the
// dispatcher without a wire connection, collecting results via a
// callback instead of a network response writer.
package internalop

import (
	"github.com/ledgerwatch/ldapd/internal/dispatch"
	"github.com/ledgerwatch/ldapd/internal/dn"
	"github.com/ledgerwatch/ldapd/internal/dse"
)

// EntryCallback is invoked once per entry a search returns, mirroring
// plugin_internal_op.c's plugin_search_entry_callback; returning an
// error stops the walk early, and the backend's search then fails with
// that error.
type EntryCallback func(e *dse.Entry) error

// SearchArgs is the opaque payload passed through dispatch.Request.Mods
// for an internal search; the selected backend decodes it.
type SearchArgs struct {
	Scope  dn.Scope
	Filter string
	Attrs  []string
	OnEntry EntryCallback
}

// collector implements dispatch.ResultSink, capturing the final result
// of one internal operation synchronously (there is no wire connection
// to stream a response over).
type collector struct {
	res dispatch.Result
}

func (c *collector) SendResult(r dispatch.Result) { c.res = r }

// Search runs an internal search rooted at base, calling onEntry for
// each matching entry the selected backend yields.
func Search(d *dispatch.Dispatcher, base dn.DN, scope dn.Scope, filter string, requestor dn.DN, onEntry EntryCallback) (dispatch.Result, error) {
	c := &collector{}
	req := &dispatch.Request{
		Kind:      dispatch.OpSearch,
		TargetDN:  base,
		Requestor: requestor,
		Flags:     dispatch.Internal,
		Mods:      SearchArgs{Scope: scope, Filter: filter, OnEntry: onEntry},
		Sink:      c,
	}
	res := d.Dispatch(req)
	return res, res.Err
}

// Add performs an internal add of entry as requestor.
func Add(d *dispatch.Dispatcher, entry *dse.Entry, requestor dn.DN) (dispatch.Result, error) {
	c := &collector{}
	req := &dispatch.Request{
		Kind:      dispatch.OpAdd,
		TargetDN:  entry.DN,
		Requestor: requestor,
		Flags:     dispatch.Internal,
		Mods:      entry,
		Sink:      c,
	}
	res := d.Dispatch(req)
	return res, res.Err
}

// Modify performs an internal modify of target as requestor. mods is
// opaque and interpreted by the selected backend, matching the wire
// path's Request.Mods contract.
func Modify(d *dispatch.Dispatcher, target dn.DN, mods interface{}, requestor dn.DN) (dispatch.Result, error) {
	c := &collector{}
	req := &dispatch.Request{
		Kind:      dispatch.OpModify,
		TargetDN:  target,
		Requestor: requestor,
		Flags:     dispatch.Internal,
		Mods:      mods,
		Sink:      c,
	}
	res := d.Dispatch(req)
	return res, res.Err
}

// Delete performs an internal delete of target as requestor.
func Delete(d *dispatch.Dispatcher, target dn.DN, requestor dn.DN) (dispatch.Result, error) {
	c := &collector{}
	req := &dispatch.Request{
		Kind:      dispatch.OpDelete,
		TargetDN:  target,
		Requestor: requestor,
		Flags:     dispatch.Internal,
		Sink:      c,
	}
	res := d.Dispatch(req)
	return res, res.Err
}

// entryStore is the minimal lookup internal/dse.Store already
// provides; declared locally so GetEntry depends on a method set, not
// the concrete *dse.Store type.
type entryStore interface {
	Get(d dn.DN) (*dse.Entry, bool)
}

// GetEntry is the slapi_search_internal_get_entry convenience: a
// direct base-scope fetch against the DSE tree, bypassing the
// dispatcher entirely since the DSE tree has no ACL model of its own
// to enforce.
func GetEntry(store entryStore, target dn.DN) (*dse.Entry, error) {
	e, ok := store.Get(target)
	if !ok {
		return nil, &entryNotFoundError{target}
	}
	return e, nil
}

type entryNotFoundError struct{ target dn.DN }

func (e *entryNotFoundError) Error() string {
	return "internalop: no such entry: " + e.target.Canonical()
}
