package commands

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ledgerwatch/ldapd/internal/backend"
	"github.com/ledgerwatch/ldapd/internal/control"
	"github.com/ledgerwatch/ldapd/internal/csn"
	"github.com/ledgerwatch/ldapd/internal/dse"
	"github.com/ledgerwatch/ldapd/internal/eventq"
	"github.com/ledgerwatch/ldapd/internal/plugin"
)

// ServerCore gathers what the original keeps as scattered process
// globals (g_sampled_time, the plugin lists, the DSE singleton, the
// supported-controls list) into one struct built at startup and
// threaded explicitly through the dispatcher, per the design note on
// global mutable state: no thread-local plugin_locked flag, just this
// struct's fields passed to whatever needs them.
type ServerCore struct {
	DSE      *dse.Store
	Backends *backend.Registry
	Plugins  *plugin.Registry
	CSN      *csn.Gen
	Events   *eventq.Queue
	Controls *control.Registry
}

// NewServerCore wires the six pieces together. The event queue is
// constructed but not started; callers start it once the rest of
// startup has registered whatever it needs to schedule (write-behind
// flush, CSN housekeeping).
func NewServerCore(dsePath string, replicaID uint16, pluginOps *prometheus.CounterVec) (*ServerCore, error) {
	gen, err := csn.New(replicaID, nil, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	return &ServerCore{
		DSE:      dse.NewStore(dsePath),
		Backends: backend.NewRegistry(),
		Plugins:  plugin.NewRegistry(pluginOps),
		CSN:      gen,
		Events:   eventq.New(),
		Controls: control.NewRegistry(),
	}, nil
}

// noopCapability is a named plugin with no hooks of its own, used to
// occupy a slot in the dependency graph (e.g. "schema check" gating
// the database plugin) without implementing real syntax checking,
// which is out of scope.
type noopCapability struct{ name string }

func (c noopCapability) Name() string { return c.name }

// registerBuiltinPlugins registers the fixed built-in plugin set: enough
// real entries to exercise dependency-wave resolution, without
// implementing ACL enforcement or schema checking themselves.
func registerBuiltinPlugins(r *plugin.Registry) error {
	if _, err := r.Register(plugin.Config{
		Name: "schema check", Type: plugin.PreOp, Critical: false,
		Impl: noopCapability{"schema check"},
	}); err != nil {
		return err
	}
	if _, err := r.Register(plugin.Config{
		Name: "ldbm database", Type: plugin.Database, Critical: true,
		Dependencies: []plugin.Dependency{{NamedPlugin: "schema check"}},
		Impl:         noopCapability{"ldbm database"},
	}); err != nil {
		return err
	}
	return nil
}
