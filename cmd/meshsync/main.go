package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/meshsync/pkg/blobs"
	"github.com/cuemby/meshsync/pkg/config"
	"github.com/cuemby/meshsync/pkg/contexts"
	"github.com/cuemby/meshsync/pkg/events"
	"github.com/cuemby/meshsync/pkg/gossip"
	"github.com/cuemby/meshsync/pkg/identity"
	"github.com/cuemby/meshsync/pkg/log"
	"github.com/cuemby/meshsync/pkg/metrics"
	"github.com/cuemby/meshsync/pkg/network"
	"github.com/cuemby/meshsync/pkg/oracle"
	"github.com/cuemby/meshsync/pkg/sandbox"
	"github.com/cuemby/meshsync/pkg/storage"
	msync "github.com/cuemby/meshsync/pkg/sync"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meshsync",
	Short: "Meshsync - Peer synchronization runtime for CRDT contexts",
	Long: `Meshsync keeps decentralized application contexts convergent:
content-addressed causal deltas gossip between member nodes, Merkle-backed
state trees reconcile through CRDT merges, and a fresh node bootstraps from
a snapshot without ever overwriting initialized state.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Meshsync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(identityCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the meshsync node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return fmt.Errorf("data dir: %w", err)
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		ids, err := identity.NewService(store)
		if err != nil {
			return err
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		node, err := network.New(cmd.Context(), network.Config{
			ListenAddrs:    cfg.Network.ListenAddrs,
			BootstrapPeers: cfg.Network.BootstrapPeers,
			DiscoveryTag:   cfg.Network.DiscoveryTag,
		})
		if err != nil {
			return err
		}
		defer node.Close()

		broadcaster := gossip.NewBroadcaster(&gossip.Libp2pBus{Node: node}, gossip.DefaultBufferSize)
		broadcaster.Start()
		defer broadcaster.Stop()

		ctxMgr, err := contexts.NewManager(contexts.Options{
			Store:       store,
			Identities:  ids,
			Oracle:      oracle.NewClient(oracle.NewStatic(), cfg.Sync.RecvTimeout),
			Executor:    sandbox.NewWasmRuntime(),
			Blobs:       blobs.NewStore(store),
			Broker:      broker,
			Broadcaster: broadcaster,
		})
		if err != nil {
			return err
		}

		syncMgr := msync.NewManager(msync.Config{
			TickInterval:  cfg.Sync.TickInterval,
			SessionBudget: cfg.Sync.SessionBudget,
			RecvTimeout:   cfg.Sync.RecvTimeout,
			PeersPerTick:  cfg.Sync.PeersPerTick,
			Budgets: msync.Budgets{
				MaxRoundTrips:  cfg.Sync.MaxRoundTrips,
				MaxLeafFetches: cfg.Sync.MaxLeafFetches,
				MaxInFlight:    msync.DefaultBudgets.MaxInFlight,
				MaxDepth:       msync.DefaultBudgets.MaxDepth,
				MaxCatchupHops: cfg.Sync.MaxCatchupHops,
			},
			Tracker: msync.TrackerConfig{
				BackoffBase:  cfg.Sync.BackoffBase,
				BackoffMax:   cfg.Sync.BackoffMax,
				JitterFrac:   msync.DefaultTrackerConfig.JitterFrac,
				StrikeLimit:  cfg.Sync.StrikeLimit,
				StrikeWindow: cfg.Sync.StrikeWindow,
				BanDuration:  cfg.Sync.BanDuration,
			},
		}, node, ctxMgr, ids, broker)
		syncMgr.Start()
		defer syncMgr.Stop()

		metrics.Register()
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				log.Errorf("metrics server stopped", err)
			}
		}()

		log.Logger.Info().
			Str("peer_id", node.ID().String()).
			Strs("listen", cfg.Network.ListenAddrs).
			Msg("meshsync node running")

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		log.Info("shutting down")
		return nil
	},
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Inspect local contexts",
}

var contextListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List contexts on this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		ids, err := identity.NewService(store)
		if err != nil {
			return err
		}

		ctxMgr, err := contexts.NewManager(contexts.Options{
			Store:      store,
			Identities: ids,
			Oracle:     oracle.NewClient(oracle.NewStatic(), cfg.Sync.RecvTimeout),
			Blobs:      blobs.NewStore(store),
		})
		if err != nil {
			return err
		}

		for _, id := range ctxMgr.List() {
			h, _ := ctxMgr.Get(id)
			meta := h.Meta()
			fmt.Printf("%s  members=%d  root=%s\n", id, len(meta.Members), meta.RootHash)
		}
		return nil
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage per-context identities",
}

var identityNewCmd = &cobra.Command{
	Use:   "new <context-id>",
	Short: "Generate an identity for a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctxID, err := types.ParseContextID(args[0])
		if err != nil {
			return err
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		ids, err := identity.NewService(store)
		if err != nil {
			return err
		}
		ident, err := ids.Create(ctxID)
		if err != nil {
			return err
		}
		fmt.Printf("identity %s created for context %s\n", ident.Public, ctxID)
		return nil
	},
}

func init() {
	contextCmd.AddCommand(contextListCmd)
	identityCmd.AddCommand(identityNewCmd)
}
