// Package plugin implements the plugin registry: typed plugin lists
// ordered by precedence, a dependency-wave startup and reverse-order
// shutdown, a critical-plugin allow-list, and the precedence-ordered
// call-and-fold contract dispatch uses to invoke them.
package plugin

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerwatch/ldapd/internal/ldaperr"
)

// Type identifies one of the plugin-list kinds.
type Type int

const (
	PreOp Type = iota
	PostOp
	BePreOp
	BePostOp
	BeTxnPreOp
	BeTxnPostOp
	ExtendedOp
	MatchingRule
	Syntax
	Database
	PwdStorageScheme
	VAttrSP
	Object

	numTypes
)

func (t Type) String() string {
	names := [...]string{"preop", "postop", "bepreop", "bepostop", "betxnpreop", "betxnpostop",
		"extended-op", "matching-rule", "syntax", "database", "pwd-storage", "vattr-sp", "object"}
	if int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}

// Fold describes how a plugin list's return codes combine into a
// single dispatch outcome.
type Fold int

const (
	FoldFirstNonZeroAborts Fold = iota // Preop
	FoldLoggedOnly                     // Postop
	FoldBitwiseOrFailureWins           // Backend pre/postop
)

func (t Type) fold() Fold {
	switch t {
	case PreOp, BeTxnPreOp:
		return FoldFirstNonZeroAborts
	case PostOp:
		return FoldLoggedOnly
	case BePreOp, BePostOp:
		return FoldBitwiseOrFailureWins
	default:
		return FoldLoggedOnly
	}
}

// FailureCode is SLAPI_PLUGIN_FAILURE: it wins and short-circuits a
// FoldBitwiseOrFailureWins fold.
const FailureCode = -1

// Capability is implemented by any concrete plugin object; individual
// capability interfaces (PreOpPlugin, PostOpPlugin, ...) are satisfied
// selectively, as capability traits rather than a function-pointer
// union.
type Capability interface {
	// Name is the plugin's unique identity, used for dependency
	// resolution and the critical-plugin allow-list.
	Name() string
}

// PreOpFunc, PostOpFunc, ... are the callable shapes for each list.
// Each plugin's fn_slot collapses into "the interface method the
// registry found on this plugin for this list".
type PreOpFunc func(pb interface{}) int
type PostOpFunc func(pb interface{}) int
type BeTxnFunc func(pb interface{}) int
type BeOpFunc func(pb interface{}) int

type PreOpPlugin interface {
	Capability
	PreOp(pb interface{}) int
}
type PostOpPlugin interface {
	Capability
	PostOp(pb interface{}) int
}
type BeTxnPreOpPlugin interface {
	Capability
	BeTxnPreOp(pb interface{}) int
}
type BeTxnPostOpPlugin interface {
	Capability
	BeTxnPostOp(pb interface{}) int
}
type BePreOpPlugin interface {
	Capability
	BePreOp(pb interface{}) int
}
type BePostOpPlugin interface {
	Capability
	BePostOp(pb interface{}) int
}
type ExtendedOpPlugin interface {
	Capability
	OID() string
	ExtendedOp(pb interface{}) int
}
type PwdStorageSchemePlugin interface {
	Capability
	Scheme() string
	Hash(plain []byte) ([]byte, error)
	Compare(plain, hashed []byte) bool
}
type MatchingRulePlugin interface {
	Capability
	OID() string
}
type SyntaxPlugin interface {
	Capability
	OID() string
}
type DatabasePlugin interface {
	Capability
}

// Dependency describes one edge of the startup dependency graph.
type Dependency struct {
	NamedPlugin string // depends-on-named(X); empty if this is a type dependency
	OnType      Type   // depends-on-type(T); meaningful only if NamedPlugin == ""
}

// Config is the registration-time descriptor for one plugin instance.
type Config struct {
	Name         string
	Type         Type
	Precedence   int // [1,99]; 0 means "absent", resolved to 50
	ComponentID  string
	Dependencies []Dependency
	Critical     bool
	Start        func() error
	Stop         func() error
	Impl         Capability
}

const defaultPrecedence = 50

func (c *Config) effectivePrecedence(groupPrecedence map[string]int) int {
	if c.Precedence != 0 {
		return c.Precedence
	}
	if c.ComponentID != "" {
		if p, ok := groupPrecedence[c.ComponentID]; ok {
			return p
		}
	}
	return defaultPrecedence
}

type registered struct {
	cfg        Config
	precedence int
	seq        int // insertion order, tie-break
	started    bool
	stopped    bool
	closed     bool
	opCounter  int64
	counterVec prometheus.Counter
}

// criticalPlugins is the fixed allow-list: these may never be disabled
// or deleted at runtime.
var criticalPlugins = map[string]bool{
	"ldbm database":                  true,
	"ACL Plugin":                     true,
	"ACL preoperation":               true,
	"chaining database":              true,
	"Multimaster Replication Plugin": true,
}

// Registry holds every registered plugin, indexed both by list and by
// name, plus the reverse shutdown order established at startup.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*registered
	byType   map[Type][]*registered
	shutdown []*registered // reverse-start order, populated by Startup

	log log.Logger
	ops *prometheus.CounterVec
}

// NewRegistry constructs an empty registry. ops, if non-nil, is used
// to export a per-plugin operation counter; pass nil to skip metrics
// wiring.
func NewRegistry(ops *prometheus.CounterVec) *Registry {
	return &Registry{
		byName: make(map[string]*registered),
		byType: make(map[Type][]*registered),
		log:    log.New("component", "pluginreg"),
		ops:    ops,
	}
}

// Register adds a plugin without starting it. The caller must call
// Startup to bring it (and everything else pending) online.
func (r *Registry) Register(cfg Config) (*registered, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[cfg.Name]; exists {
		return nil, ldaperr.New("AlreadyExists", ldaperr.AlreadyExists, "plugin %q already registered", cfg.Name)
	}
	reg := &registered{cfg: cfg, seq: len(r.byName)}
	r.byName[cfg.Name] = reg
	r.insertSorted(cfg.Type, reg)
	return reg, nil
}

// insertSorted keeps byType[t] ascending by precedence, ties broken by
// insertion order. Precedence is computed once at registration using
// any group precedence already on file.
func (r *Registry) insertSorted(t Type, reg *registered) {
	group := make(map[string]int)
	for _, other := range r.byName {
		if other.cfg.ComponentID != "" && other.cfg.Precedence != 0 {
			group[other.cfg.ComponentID] = other.cfg.Precedence
		}
	}
	reg.precedence = reg.cfg.effectivePrecedence(group)

	list := r.byType[t]
	list = append(list, reg)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].precedence != list[j].precedence {
			return list[i].precedence < list[j].precedence
		}
		return list[i].seq < list[j].seq
	})
	r.byType[t] = list
}

// list returns a snapshot of byType[t], already precedence-ordered.
func (r *Registry) list(t Type) []*registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*registered, len(r.byType[t]))
	copy(out, r.byType[t])
	return out
}

// Startup runs plugin_dependency_startall: resolves the registered
// plugins in dependency waves and starts each as it
// becomes ready. A stalled wave aborts with every plugin still
// unresolved named in the error.
func (r *Registry) Startup() error {
	r.mu.Lock()
	pending := make([]*registered, 0, len(r.byName))
	for _, reg := range r.byName {
		if !reg.started {
			pending = append(pending, reg)
		}
	}
	r.mu.Unlock()

	typeNotStarted := make(map[Type]int)
	for t, list := range r.byType {
		for _, reg := range list {
			if !reg.started {
				typeNotStarted[t]++
			}
		}
	}

	for len(pending) > 0 {
		var ready []*registered
		var notReady []*registered
		for _, reg := range pending {
			if r.dependenciesSatisfied(reg, typeNotStarted) {
				ready = append(ready, reg)
			} else {
				notReady = append(notReady, reg)
			}
		}
		if len(ready) == 0 {
			names := make([]string, len(pending))
			for i, reg := range pending {
				names[i] = reg.cfg.Name
			}
			r.log.Crit("plugin startup stalled: unresolved dependencies", "plugins", names)
			return ldaperr.New("OperationsError", ldaperr.OperationsError, "plugin startup stalled, unresolved: %v", names)
		}

		sort.SliceStable(ready, func(i, j int) bool { return startsBefore(ready[i], ready[j]) })
		for _, reg := range ready {
			if err := r.start(reg); err != nil {
				return err
			}
			typeNotStarted[reg.cfg.Type]--
		}
		pending = notReady
	}
	return nil
}

// PlannedOrder computes the same dependency-wave order Startup would
// follow, without starting anything or mutating registry state; used
// by tooling that wants to show the would-be startup order.
func (r *Registry) PlannedOrder() ([]string, error) {
	r.mu.RLock()
	pending := make([]*registered, 0, len(r.byName))
	for _, reg := range r.byName {
		pending = append(pending, reg)
	}
	typeRemaining := make(map[Type]int)
	for t, list := range r.byType {
		typeRemaining[t] = len(list)
	}
	r.mu.RUnlock()

	started := make(map[string]bool, len(pending))
	var order []string
	for len(pending) > 0 {
		var ready, notReady []*registered
		for _, reg := range pending {
			if plannedDependenciesSatisfied(reg, started, typeRemaining) {
				ready = append(ready, reg)
			} else {
				notReady = append(notReady, reg)
			}
		}
		if len(ready) == 0 {
			names := make([]string, len(pending))
			for i, reg := range pending {
				names[i] = reg.cfg.Name
			}
			return order, ldaperr.New("OperationsError", ldaperr.OperationsError, "plugin startup stalled, unresolved: %v", names)
		}
		sort.SliceStable(ready, func(i, j int) bool { return startsBefore(ready[i], ready[j]) })
		for _, reg := range ready {
			order = append(order, reg.cfg.Name)
			started[reg.cfg.Name] = true
			typeRemaining[reg.cfg.Type]--
		}
		pending = notReady
	}
	return order, nil
}

// startsBefore orders the plugins of one startup wave by precedence,
// ties broken by registration order.
func startsBefore(a, b *registered) bool {
	if a.precedence != b.precedence {
		return a.precedence < b.precedence
	}
	return a.seq < b.seq
}

func plannedDependenciesSatisfied(reg *registered, started map[string]bool, typeRemaining map[Type]int) bool {
	for _, dep := range reg.cfg.Dependencies {
		if dep.NamedPlugin != "" {
			if !started[dep.NamedPlugin] {
				return false
			}
			continue
		}
		if typeRemaining[dep.OnType] > 0 {
			return false
		}
	}
	return true
}

func (r *Registry) dependenciesSatisfied(reg *registered, typeNotStarted map[Type]int) bool {
	for _, dep := range reg.cfg.Dependencies {
		if dep.NamedPlugin != "" {
			r.mu.RLock()
			other, ok := r.byName[dep.NamedPlugin]
			r.mu.RUnlock()
			if !ok || !other.started {
				return false
			}
			continue
		}
		if typeNotStarted[dep.OnType] > 0 {
			return false
		}
	}
	return true
}

func (r *Registry) start(reg *registered) error {
	if reg.cfg.Start != nil {
		if err := reg.cfg.Start(); err != nil {
			return ldaperr.Wrap("OperationsError", ldaperr.OperationsError, err, "plugin %q failed to start", reg.cfg.Name)
		}
	}
	r.mu.Lock()
	reg.started = true
	r.shutdown = append(r.shutdown, reg)
	if r.ops != nil {
		reg.counterVec = r.ops.WithLabelValues(reg.cfg.Name, reg.cfg.Type.String())
	}
	r.mu.Unlock()
	r.log.Info("plugin started", "name", reg.cfg.Name, "type", reg.cfg.Type)
	return nil
}

// Shutdown runs plugin_dependency_closeall: iterate the shutdown list
// in reverse start order, stop accepting new entries, drain
// op_counter, close, then mark closed.
func (r *Registry) Shutdown(drainPoll time.Duration) {
	r.mu.Lock()
	order := make([]*registered, len(r.shutdown))
	copy(order, r.shutdown)
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		reg := order[i]
		r.mu.Lock()
		reg.stopped = true
		r.mu.Unlock()

		for atomic.LoadInt64(&reg.opCounter) > 0 {
			time.Sleep(drainPoll)
		}

		if reg.cfg.Stop != nil {
			if err := reg.cfg.Stop(); err != nil {
				r.log.Error("plugin close failed", "name", reg.cfg.Name, "err", err)
			}
		}
		r.mu.Lock()
		reg.closed = true
		r.mu.Unlock()
		r.log.Info("plugin stopped", "name", reg.cfg.Name)
	}
}

// IsCritical reports whether name is on the critical-plugin allow-list:
// these may not be disabled or deleted at runtime.
func IsCritical(name string) bool { return criticalPlugins[name] }

// Delete removes a plugin, refusing when doing so would violate the
// dependency and type-exhaustion rules. Syntax, matchingrule and
// database plugins skip the type-exhaustion check and, like every other
// type, are removed from the lists immediately; nothing is deferred to
// a restart.
func (r *Registry) Delete(name string) error {
	if IsCritical(name) {
		return ldaperr.ErrUnwillingToPerform
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byName[name]
	if !ok {
		return ldaperr.ErrNoSuchObject
	}

	for _, other := range r.byName {
		if other == reg || other.closed {
			continue
		}
		for _, dep := range other.cfg.Dependencies {
			if dep.NamedPlugin == name {
				return ldaperr.New("UnwillingToPerform", ldaperr.UnwillingToPerform, "plugin %q is depended on by %q", name, other.cfg.Name)
			}
		}
	}

	if reg.cfg.Type != Syntax && reg.cfg.Type != MatchingRule && reg.cfg.Type != Database {
		remaining := 0
		for _, other := range r.byType[reg.cfg.Type] {
			if other != reg && !other.closed {
				remaining++
			}
		}
		if remaining == 0 {
			for _, other := range r.byName {
				if other == reg || other.closed {
					continue
				}
				for _, dep := range other.cfg.Dependencies {
					if dep.NamedPlugin == "" && dep.OnType == reg.cfg.Type {
						return ldaperr.New("UnwillingToPerform", ldaperr.UnwillingToPerform,
							"deleting last plugin of type %v would break %q's type dependency", reg.cfg.Type, other.cfg.Name)
					}
				}
			}
		}
	}

	delete(r.byName, name)
	list := r.byType[reg.cfg.Type]
	for i, o := range list {
		if o == reg {
			r.byType[reg.cfg.Type] = append(list[:i], list[i+1:]...)
			break
		}
	}
	for i, o := range r.shutdown {
		if o == reg {
			r.shutdown = append(r.shutdown[:i], r.shutdown[i+1:]...)
			break
		}
	}
	return nil
}

// Add is plugin_add: setup then start. On startup failure the plugin
// is rolled back via Delete.
func (r *Registry) Add(cfg Config) error {
	reg, err := r.Register(cfg)
	if err != nil {
		return err
	}
	if err := r.start(reg); err != nil {
		_ = r.Delete(cfg.Name)
		return err
	}
	return nil
}

// Restart is plugin_restart: delete(before) then add(after). If add
// fails, before is re-added and the failure logged.
func (r *Registry) Restart(before string, after Config) error {
	beforeCfg, ok := r.configOf(before)
	if !ok {
		return ldaperr.ErrNoSuchObject
	}
	if err := r.Delete(before); err != nil {
		return err
	}
	if err := r.Add(after); err != nil {
		r.log.Error("plugin restart: re-adding previous config after failed add", "plugin", before, "err", err)
		if reAddErr := r.Add(beforeCfg); reAddErr != nil {
			r.log.Crit("plugin restart: failed to roll back to previous config", "plugin", before, "err", reAddErr)
		}
		return err
	}
	return nil
}

func (r *Registry) configOf(name string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	if !ok {
		return Config{}, false
	}
	return reg.cfg, true
}

// enterOp / exitOp track op_counter: entering increments, leaving
// decrements; plugin_set_stopped (Shutdown) prevents new entries by
// checking stopped first.
func (r *Registry) enterOp(reg *registered) bool {
	r.mu.RLock()
	stopped := reg.stopped
	r.mu.RUnlock()
	if stopped {
		return false
	}
	atomic.AddInt64(&reg.opCounter, 1)
	if reg.counterVec != nil {
		reg.counterVec.Inc()
	}
	return true
}

func (r *Registry) exitOp(reg *registered) {
	atomic.AddInt64(&reg.opCounter, -1)
}

// CallPreOp runs plugin_call_plugins for a PreOp-shaped list
// (PreOp or BeTxnPreOp): first non-zero return aborts and is returned.
func (r *Registry) CallPreOp(t Type, pb interface{}) int {
	for _, reg := range r.list(t) {
		if !r.enterOp(reg) {
			continue
		}
		code := callOne(t, reg.cfg.Impl, pb)
		r.exitOp(reg)
		if code != 0 {
			return code
		}
	}
	return 0
}

// CallPostOp runs plugin_call_plugins for the Postop list: errors are
// logged, overall result is always 0. Each independent invocation is
// safe to run concurrently since no result folding happens; CallPostOp
// fans them out with an errgroup purely to bound wall time under many
// postop plugins.
func (r *Registry) CallPostOp(pb interface{}) {
	list := r.list(PostOp)
	var g errgroup.Group
	for _, reg := range list {
		reg := reg
		if !r.enterOp(reg) {
			continue
		}
		g.Go(func() error {
			defer r.exitOp(reg)
			if code := callOne(PostOp, reg.cfg.Impl, pb); code != 0 {
				r.log.Error("postop plugin returned non-zero", "name", reg.cfg.Name, "code", code)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// CallBeOp runs plugin_call_plugins for a bepreop/bepostop list:
// bitwise-OR fold, but FailureCode wins and short-circuits.
func (r *Registry) CallBeOp(t Type, pb interface{}) int {
	result := 0
	for _, reg := range r.list(t) {
		if !r.enterOp(reg) {
			continue
		}
		code := callOne(t, reg.cfg.Impl, pb)
		r.exitOp(reg)
		if code == FailureCode {
			return FailureCode
		}
		result |= code
	}
	return result
}

func callOne(t Type, impl Capability, pb interface{}) int {
	switch t {
	case PreOp:
		if p, ok := impl.(PreOpPlugin); ok {
			return p.PreOp(pb)
		}
	case PostOp:
		if p, ok := impl.(PostOpPlugin); ok {
			return p.PostOp(pb)
		}
	case BeTxnPreOp:
		if p, ok := impl.(BeTxnPreOpPlugin); ok {
			return p.BeTxnPreOp(pb)
		}
	case BeTxnPostOp:
		if p, ok := impl.(BeTxnPostOpPlugin); ok {
			return p.BeTxnPostOp(pb)
		}
	case BePreOp:
		if p, ok := impl.(BePreOpPlugin); ok {
			return p.BePreOp(pb)
		}
	case BePostOp:
		if p, ok := impl.(BePostOpPlugin); ok {
			return p.BePostOp(pb)
		}
	}
	panic(fmt.Sprintf("plugin registered for list %v does not implement the matching capability interface", t))
}
