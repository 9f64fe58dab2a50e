// Package dispatch implements the operation dispatcher: the
// eleven-step pipeline that takes a request from backend selection
// through preop, backend-transactional, backend, and postop phases to
// a final result.
package dispatch

import (
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ledgerwatch/ldapd/internal/audit"
	"github.com/ledgerwatch/ldapd/internal/backend"
	"github.com/ledgerwatch/ldapd/internal/control"
	"github.com/ledgerwatch/ldapd/internal/dn"
	"github.com/ledgerwatch/ldapd/internal/ldaperr"
	"github.com/ledgerwatch/ldapd/internal/pblock"
	"github.com/ledgerwatch/ldapd/internal/plugin"
)

// opName renders an OpKind the way audit events name operations.
func (k OpKind) opName() string {
	switch k {
	case OpBind:
		return "bind"
	case OpUnbind:
		return "unbind"
	case OpSearch:
		return "search"
	case OpCompare:
		return "compare"
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	case OpModify:
		return "modify"
	case OpModRDN:
		return "modrdn"
	case OpExtended:
		return "extended"
	default:
		return "unknown"
	}
}

// OpKind identifies the LDAP operation being dispatched.
type OpKind int

const (
	OpBind OpKind = iota
	OpUnbind
	OpSearch
	OpCompare
	OpAdd
	OpDelete
	OpModify
	OpModRDN
	OpExtended
)

func (k OpKind) controlOp() control.Op {
	switch k {
	case OpBind:
		return control.OpBind
	case OpUnbind:
		return control.OpUnbind
	case OpSearch:
		return control.OpSearch
	case OpCompare:
		return control.OpCompare
	case OpAdd:
		return control.OpAdd
	case OpDelete:
		return control.OpDelete
	case OpModify:
		return control.OpModify
	case OpModRDN:
		return control.OpModDN
	case OpExtended:
		return control.OpExtended
	default:
		return control.OpNone
	}
}

func (k OpKind) entryPointSlot() backend.EntryPointSlot {
	switch k {
	case OpBind:
		return backend.Bind
	case OpUnbind:
		return backend.Unbind
	case OpSearch:
		return backend.Search
	case OpCompare:
		return backend.Compare
	case OpAdd:
		return backend.Add
	case OpDelete:
		return backend.Delete
	case OpModify:
		return backend.Modify
	case OpModRDN:
		return backend.ModRDN
	default:
		return backend.Search
	}
}

// Flag bits describing how the request was issued.
type Flag int

const (
	Internal Flag = 1 << iota
	NoAccessCheck
)

// Result is the accumulated outcome of one dispatched operation.
type Result struct {
	Code    ldaperr.Code
	Message string
	Sent    bool // true once the backend (or an abort) has delivered a response
	Err     error
}

// ResultSink receives the final result. The wire layer implements this
// with a BER response writer; internal operations implement it with a
// callback closure.
type ResultSink interface {
	SendResult(Result)
}

// Request is one operation's dispatch-time inputs.
type Request struct {
	Kind      OpKind
	TargetDN  dn.DN
	Requestor dn.DN
	Controls  []control.Control
	Flags     Flag
	Mods      interface{} // opaque: modify-list, add entry, etc, passed through to the backend
	BindCreds []byte      // simple bind credential; zero-length means anonymous
	Sink      ResultSink
}

// PasswordChecker hooks the password-policy evaluator (out of scope
// here) into bind; a nil Checker skips both hooks.
type PasswordChecker interface {
	// VerifyPassword compares creds against entry's stored credential
	// via the configured storage-scheme plugin.
	VerifyPassword(entry interface{}, creds []byte) bool
	// CheckAccountLock evaluates nsAccountLock/accountUnlockTime/
	// passwordRetryCount for entry.
	CheckAccountLock(entry interface{}) error
	// NeedNewPassword evaluates passwordExpirationTime/passwordExpWarned/
	// passwordGraceUserTime for entry, returning a warning control, or
	// an error to fail the bind outright. The dispatcher logs a non-nil
	// warning control; Result carries no controls, so it is not sent.
	NeedNewPassword(entry interface{}) (warnControl *control.Control, err error)
}

// EntryFetcher resolves a DN to the entry the bind/ACL checks need;
// the entry representation itself belongs to internal/dse and is
// passed through opaquely.
type EntryFetcher interface {
	FetchForBind(d dn.DN) (entry interface{}, err error)
}

// Dispatcher wires the backend registry, plugin registry, and control
// registry together to run the eleven-step pipeline.
type Dispatcher struct {
	backends *backend.Registry
	plugins  *plugin.Registry
	controls *control.Registry
	pwPolicy PasswordChecker
	entries  EntryFetcher

	readOnly bool
	rootDN   string

	audit    audit.Sink
	auditCfg audit.Config

	backendOps    *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec

	log log.Logger
}

// New constructs a Dispatcher. pwPolicy and entries may be nil when
// bind-specific hooks are not needed (e.g. a test harness exercising
// only the write path).
func New(backends *backend.Registry, plugins *plugin.Registry, controls *control.Registry, rootDN string, pwPolicy PasswordChecker, entries EntryFetcher) *Dispatcher {
	return &Dispatcher{
		backends: backends,
		plugins:  plugins,
		controls: controls,
		rootDN:   rootDN,
		pwPolicy: pwPolicy,
		entries:  entries,
		audit:    audit.NoopSink{},
		auditCfg: audit.DefaultConfig(),
		log:      log.New("component", "dispatch"),
	}
}

// SetReadOnly toggles server-wide read-only mode.
func (d *Dispatcher) SetReadOnly(ro bool) { d.readOnly = ro }

// SetMetrics installs the Prometheus collectors built at the
// composition root (internal/metrics.Collectors); either may be nil to
// skip that half of the wiring.
func (d *Dispatcher) SetMetrics(backendOps *prometheus.CounterVec, phaseDuration *prometheus.HistogramVec) {
	d.backendOps = backendOps
	d.phaseDuration = phaseDuration
}

func (d *Dispatcher) observePhase(phase string, start time.Time) {
	if d.phaseDuration != nil {
		d.phaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	}
}

// SetAudit installs sink and cfg for the access/audit/change log hook
// points of the tri-state sink config. A nil sink restores the no-op
// default.
func (d *Dispatcher) SetAudit(sink audit.Sink, cfg audit.Config) {
	if sink == nil {
		sink = audit.NoopSink{}
	}
	d.audit = sink
	d.auditCfg = cfg
}

// recordAudit emits the access/audit/change events for one completed
// request, gated by the tri-state config installed via SetAudit. The
// access log records every completed operation; the audit log records
// every write attempt (including rejected ones, for accountability);
// the change log records only writes the backend actually committed.
func (d *Dispatcher) recordAudit(req *Request, res Result) {
	ev := audit.Event{
		Op:        req.Kind.opName(),
		TargetDN:  req.TargetDN.Canonical(),
		Requestor: req.Requestor.Canonical(),
		Code:      int(res.Code),
		Message:   res.Message,
	}
	if d.auditCfg.Access.Enabled(true) {
		d.audit.LogAccess(ev)
	}
	if !isWrite(req.Kind) {
		return
	}
	if d.auditCfg.Audit.Enabled(true) {
		d.audit.LogAudit(ev)
	}
	if res.Err == nil && d.auditCfg.Change.Enabled(true) {
		d.audit.LogChange(ev)
	}
}

func isWrite(k OpKind) bool {
	switch k {
	case OpAdd, OpDelete, OpModify, OpModRDN:
		return true
	default:
		return false
	}
}

// Dispatch runs the full eleven-step pipeline for req.
func (d *Dispatcher) Dispatch(req *Request) Result {
	pb := pblock.New()
	defer pb.Done()

	// Step 1: pblock setup.
	pb.Set(pblock.OperationType, req.Kind)
	pb.Set(pblock.Requestor, req.Requestor)
	pb.Set(pblock.Controls, req.Controls)
	pb.Set(pblock.TargetDN, req.TargetDN)
	pb.Set(pblock.Mods, req.Mods)
	pb.Set(pblock.IsInternalOp, req.Flags&Internal != 0)
	pb.Set(pblock.NoAccessCheck, req.Flags&NoAccessCheck != 0)

	// Step 2: access/state - read-only mode.
	if d.readOnly && isWrite(req.Kind) && req.Flags&NoAccessCheck == 0 {
		return d.abort(req, ldaperr.UnwillingToPerform, "server is in read-only mode")
	}

	// Proxied authorization, resolved before backend selection so the
	// effective requestor is in place for every later phase.
	effectiveRequestor := req.Requestor
	if pc, ok := control.Present(req.Controls, control.OIDProxiedAuthV2); ok {
		dnStr, err := parseProxiedAuth(pc)
		if err != nil {
			// Missing dn: prefix is refused regardless of criticality.
			return d.abort(req, ldaperr.InsufficientAccess, err.Error())
		}
		target, nErr := dn.Normalize(dnStr)
		if nErr != nil || dn.Equal(target, mustRootDN(d.rootDN)) {
			return d.abort(req, ldaperr.InsufficientAccess, "proxied auth to root DN is refused")
		}
		effectiveRequestor = target
		pb.Set(pblock.Requestor, effectiveRequestor)
	}

	// Step 3: backend selection.
	be := d.backends.Select(req.TargetDN)
	if be.State() == backend.Deleted {
		return d.abort(req, ldaperr.Unavailable, "selected backend is unavailable")
	}

	// Step 4: controls.
	if err := d.controls.Validate(req.Controls, req.Kind.controlOp()); err != nil {
		return d.sendErr(req, err)
	}
	manageDsaIT, pwPolicyCtl := control.Convenience(req.Controls)
	pb.Set(pblock.Key(1000), manageDsaIT) // spill keys: convenience flags are plugin-private, not well-known
	pb.Set(pblock.Key(1001), pwPolicyCtl)

	// Step 5: preop phase.
	preopStart := time.Now()
	preopCode := d.plugins.CallPreOp(plugin.PreOp, pb)
	d.observePhase("preop", preopStart)
	if preopCode != 0 {
		return d.abort(req, ldaperr.Code(preopCode), "preop plugin aborted the operation")
	}

	if req.Kind == OpBind {
		if res, handled := d.dispatchBind(req, pb); handled {
			return res
		}
	}

	// Step 6: backend pre-txn phase.
	betxnStart := time.Now()
	betxnCode := d.plugins.CallPreOp(plugin.BeTxnPreOp, pb)
	d.observePhase("betxnpreop", betxnStart)
	var backendErr error
	if betxnCode != 0 {
		backendErr = ldaperr.New("OperationsError", ldaperr.Code(betxnCode), "betxnpreop plugin rolled back the transaction")
	} else {
		// Step 7: backend op.
		backendStart := time.Now()
		fn, ok := be.GetEntryPoint(req.Kind.entryPointSlot())
		if !ok {
			backendErr = ldaperr.ErrNoSuchObject
		} else if err := fn(pb); err != nil {
			backendErr = err
		}
		d.observePhase("backend", backendStart)
		if d.backendOps != nil {
			d.backendOps.WithLabelValues(be.Name(), req.Kind.opName()).Inc()
		}
	}

	// Step 8: backend post-txn phase (informational only).
	d.plugins.CallBeOp(plugin.BeTxnPostOp, pb)

	// Step 9: backend post phase.
	d.plugins.CallBeOp(plugin.BePostOp, pb)

	// Step 10: postop phase.
	postopStart := time.Now()
	d.plugins.CallPostOp(pb)
	d.observePhase("postop", postopStart)

	// Step 11: send accumulated result if the backend has not already.
	res := Result{Err: backendErr}
	if backendErr != nil {
		if le, ok := backendErr.(*ldaperr.Err); ok {
			res.Code = le.Code
			res.Message = le.Message
		} else {
			res.Code = ldaperr.OperationsError
			res.Message = backendErr.Error()
		}
	}
	res.Sent = true
	d.recordAudit(req, res)
	if req.Sink != nil {
		req.Sink.SendResult(res)
	}
	return res
}

// dispatchBind implements the bind-specific logic: an anonymous simple
// bind always succeeds without touching the connection's bound DN; a
// credentialed bind verifies against userPassword and then runs the
// password-policy hooks.
func (d *Dispatcher) dispatchBind(req *Request, pb *pblock.Block) (Result, bool) {
	if len(req.BindCreds) == 0 {
		res := Result{Code: ldaperr.Success, Sent: true}
		d.recordAudit(req, res)
		if req.Sink != nil {
			req.Sink.SendResult(res)
		}
		return res, true
	}

	if d.entries == nil || d.pwPolicy == nil {
		return Result{}, false
	}

	entry, err := d.entries.FetchForBind(req.TargetDN)
	if err != nil {
		return d.sendErr(req, err), true
	}
	if !d.pwPolicy.VerifyPassword(entry, req.BindCreds) {
		return d.sendErr(req, ldaperr.ErrInvalidCredentials), true
	}
	if err := d.pwPolicy.CheckAccountLock(entry); err != nil {
		return d.sendErr(req, err), true
	}
	warnCtl, err := d.pwPolicy.NeedNewPassword(entry)
	if err != nil {
		return d.sendErr(req, err), true
	}
	res := Result{Code: ldaperr.Success, Sent: true}
	if warnCtl != nil {
		d.log.Info("bind succeeded with password-expiry warning", "dn", req.TargetDN.Canonical())
	}
	d.recordAudit(req, res)
	if req.Sink != nil {
		req.Sink.SendResult(res)
	}
	return res, true
}

func (d *Dispatcher) abort(req *Request, code ldaperr.Code, msg string) Result {
	res := Result{Code: code, Message: msg, Err: ldaperr.New("OperationsError", code, "%s", msg), Sent: true}
	d.recordAudit(req, res)
	if req.Sink != nil {
		req.Sink.SendResult(res)
	}
	return res
}

func (d *Dispatcher) sendErr(req *Request, err error) Result {
	res := Result{Err: err, Sent: true}
	if le, ok := err.(*ldaperr.Err); ok {
		res.Code = le.Code
		res.Message = le.Message
	} else {
		res.Code = ldaperr.OperationsError
		res.Message = err.Error()
	}
	d.recordAudit(req, res)
	if req.Sink != nil {
		req.Sink.SendResult(res)
	}
	return res
}

// parseProxiedAuth extracts the dn:... authorization ID from a
// ProxiedAuth v2 control value. A control missing the dn: prefix is
// rejected with InsufficientAccess.
func parseProxiedAuth(c *control.Control) (dnStr string, err error) {
	const prefix = "dn:"
	v := string(c.Value)
	if len(v) < len(prefix) || v[:len(prefix)] != prefix {
		return "", ldaperr.ErrInsufficientAccess
	}
	return v[len(prefix):], nil
}

func mustRootDN(raw string) dn.DN {
	d, err := dn.Normalize(raw)
	if err != nil {
		return dn.DN{}
	}
	return d
}
