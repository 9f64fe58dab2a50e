package commands

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ledgerwatch/ldapd/internal/audit"
	"github.com/ledgerwatch/ldapd/internal/dispatch"
	"github.com/ledgerwatch/ldapd/internal/dn"
	"github.com/ledgerwatch/ldapd/internal/ldbm"
	"github.com/ledgerwatch/ldapd/internal/metrics"
)

var (
	dseFile          string
	rootDN           string
	replicaID        uint16
	backendName      string
	suffix           string
	readOnly         bool
	writeBehind      time.Duration
	drainTimeout     time.Duration
	stripOperational bool
)

func init() {
	startCmd.Flags().StringVar(&dseFile, "dse-file", "dse.ldif", "path to the DSE record file")
	startCmd.Flags().StringVar(&rootDN, "root-dn", "cn=directory manager", "root DN exempt from access control")
	startCmd.Flags().Uint16Var(&replicaID, "replica-id", 1, "replica ID embedded in generated CSNs")
	startCmd.Flags().StringVar(&backendName, "backend-name", "main", "name of the default backend instance")
	startCmd.Flags().StringVar(&suffix, "suffix", "dc=example,dc=com", "suffix served by the default backend")
	startCmd.Flags().BoolVar(&readOnly, "read-only", false, "reject all write operations server-wide")
	startCmd.Flags().DurationVar(&writeBehind, "write-behind", 5*time.Second, "DSE write-behind coalescing interval; 0 disables it")
	startCmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 5*time.Second, "poll interval while waiting, without an upper bound, for in-flight plugin operations to drain on shutdown")
	startCmd.Flags().BoolVar(&stripOperational, "strip-operational", false, "omit operational attributes (numSubordinates, createTimestamp, ...) when flushing the DSE record file")
	RootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Construct a ServerCore, wire the default backend, and serve internal operations until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		collectors := metrics.New(prometheus.DefaultRegisterer)

		core, err := NewServerCore(dseFile, replicaID, collectors.PluginOps)
		if err != nil {
			return err
		}
		if err := core.DSE.LoadFile(); err != nil {
			return err
		}
		core.DSE.EnableWriteBehind(core.Events, writeBehind)
		core.DSE.SetStripOperational(stripOperational)

		be, err := core.Backends.New(backendName, "ldbm", false, true)
		if err != nil {
			return err
		}
		suffixDN, err := dn.Normalize(suffix)
		if err != nil {
			return err
		}
		core.Backends.AddSuffix(be, suffixDN)
		ldbm.Wire(be, core.DSE)
		if err := core.Backends.Start(be); err != nil {
			return err
		}

		if err := registerBuiltinPlugins(core.Plugins); err != nil {
			return err
		}

		// Step: plugin_dependency_startall.
		if err := core.Plugins.Startup(); err != nil {
			return err
		}

		disp := dispatch.New(core.Backends, core.Plugins, core.Controls, rootDN, nil, ldbm.EntryFetcher{Store: core.DSE})
		disp.SetReadOnly(readOnly)
		disp.SetMetrics(collectors.BackendOps, collectors.DispatchPhase)
		disp.SetAudit(audit.NewLogSink(), audit.DefaultConfig())

		core.Events.Start()
		defer core.Events.Stop()

		log.Info("ldapd started", "dse_file", dseFile, "suffix", suffix, "backend", backendName, "read_only", readOnly)

		<-cmd.Context().Done()
		log.Info("ldapd shutting down")

		core.Plugins.Shutdown(drainTimeout)
		if err := core.DSE.WriteFile(); err != nil {
			log.Error("final DSE flush failed", "err", err)
		}
		return nil
	},
}
