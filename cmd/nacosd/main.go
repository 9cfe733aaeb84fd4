package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nacosd/nacosd/pkg/api"
	"github.com/nacosd/nacosd/pkg/clock"
	"github.com/nacosd/nacosd/pkg/codec"
	"github.com/nacosd/nacosd/pkg/configsvc"
	"github.com/nacosd/nacosd/pkg/connmgr"
	"github.com/nacosd/nacosd/pkg/consensus"
	"github.com/nacosd/nacosd/pkg/lockservice"
	"github.com/nacosd/nacosd/pkg/log"
	"github.com/nacosd/nacosd/pkg/naming"
	"github.com/nacosd/nacosd/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nacosd",
	Short: "nacosd - a Nacos-compatible config and naming control plane",
	Long: `nacosd is a single-binary, Raft-replicated control plane providing
Nacos-compatible config management, service discovery, and distributed
locking over a single bidirectional gRPC stream per client.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nacosd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(joinCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Bootstrap and run a single-node nacosd cluster",
	Long: `Bootstrap a new nacosd cluster with this node as its only Raft
member. Additional nodes join it later with "nacosd join".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
		healthAddr, _ := cmd.Flags().GetString("health-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		tlsEnabled, _ := cmd.Flags().GetBool("tls")

		deps, node, err := buildDeps(nodeID, bindAddr, dataDir)
		if err != nil {
			return err
		}

		fmt.Println("Bootstrapping nacosd cluster...")
		fmt.Printf("  Node ID: %s\n", nodeID)
		fmt.Printf("  Raft Address: %s\n", bindAddr)
		fmt.Printf("  gRPC Address: %s\n", grpcAddr)
		fmt.Printf("  Data Directory: %s\n", dataDir)

		if err := node.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %v", err)
		}
		fmt.Println("✓ Cluster bootstrapped")

		return runNode(deps, node, grpcAddr, healthAddr, tlsEnabled)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Start this node and join it to an existing cluster",
	Long: `Starts Raft on this node without bootstrapping a configuration.
The cluster leader must separately call AddVoter (via its own admin surface)
before this node starts receiving log entries.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
		healthAddr, _ := cmd.Flags().GetString("health-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		tlsEnabled, _ := cmd.Flags().GetBool("tls")

		deps, node, err := buildDeps(nodeID, bindAddr, dataDir)
		if err != nil {
			return err
		}

		fmt.Println("Joining nacosd cluster...")
		fmt.Printf("  Node ID: %s\n", nodeID)
		fmt.Printf("  Raft Address: %s\n", bindAddr)

		if err := node.Join(); err != nil {
			return fmt.Errorf("failed to start raft: %v", err)
		}
		fmt.Println("✓ Raft started, waiting for the leader to add this node as a voter")

		return runNode(deps, node, grpcAddr, healthAddr, tlsEnabled)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{startCmd, joinCmd} {
		cmd.Flags().String("node-id", "nacosd-1", "Unique node ID")
		cmd.Flags().String("bind-addr", "127.0.0.1:8848", "Address for Raft communication")
		cmd.Flags().String("grpc-addr", "127.0.0.1:9848", "Address for the gRPC connection listener")
		cmd.Flags().String("health-addr", "127.0.0.1:8080", "Address for the plain-HTTP health/metrics listener")
		cmd.Flags().String("data-dir", "./nacosd-data", "Data directory for Raft log and state machine storage")
		cmd.Flags().Bool("tls", false, "Serve the gRPC listener over mTLS using pkg/security's on-disk CA material")
	}
}

// buildDeps wires every component the API layer dispatches into: the Raft
// node, the connection registry and its teardown cascade (I3), config
// publish/subscribe, naming with fuzzy-watch, and distributed locks.
func buildDeps(nodeID, bindAddr, dataDir string) (api.Deps, *consensus.Node, error) {
	node, err := consensus.NewNode(&consensus.Config{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  dataDir,
	})
	if err != nil {
		return api.Deps{}, nil, fmt.Errorf("failed to create node: %v", err)
	}

	clk := clock.System{}

	var connMgr *connmgr.Manager
	configs := configsvc.NewManager(func(connectionID string, key types.ConfigKey, md5 string) {
		_ = connMgr.Push(connectionID, pushNotification(configsvc.PushTypeConfigChangeNotify, map[string]string{
			"namespace": key.Namespace, "group": key.Group, "dataId": key.DataID, "md5": md5,
		}))
	})

	fuzzy := naming.NewFuzzyWatchManager()
	registry := naming.NewRegistry(clk, fuzzy, func(connectionID string, pushType string, key types.ServiceKey, checksum string) {
		_ = connMgr.Push(connectionID, pushNotification(pushType, map[string]string{
			"namespace": key.Namespace, "group": key.Group, "serviceName": key.Name, "checksum": checksum,
		}))
	})

	locks := lockservice.NewManager(node, clk)

	connMgr = connmgr.NewManager(clk, connmgr.Cleanup{
		UnsubscribeAllConfigs: configs.UnsubscribeAll,
		DeregisterNaming: func(connectionID string) {
			registry.DeregisterConnectionInstances(connectionID)
			fuzzy.UnregisterConnection(connectionID)
		},
		ReleaseLocksByOwner: locks.ReleaseByOwner,
	})

	deps := api.Deps{
		Node:       node,
		Conns:      connMgr,
		Configs:    configs,
		Naming:     registry,
		FuzzyWatch: fuzzy,
		Locks:      locks,
		Clock:      clk,
	}
	return deps, node, nil
}

// pushNotification builds a server-push frame for the connmgr push queue.
// Notifications carry no request ID (the client did not ask for them).
func pushNotification(respType string, body interface{}) codec.Response {
	raw, _ := json.Marshal(body)
	return codec.Response{Type: respType, Success: true, ResultCode: codec.ResultSuccess, Body: raw}
}

func runNode(deps api.Deps, node *consensus.Node, grpcAddr, healthAddr string, tlsEnabled bool) error {
	var serverTLS *tls.Config
	if tlsEnabled {
		cfg, err := api.ServerTLSConfig(node.NodeID())
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %v", err)
		}
		serverTLS = cfg
	}

	server := api.NewServer(deps, serverTLS)
	healthServer := api.NewHealthServer(node)
	healthReaper := naming.NewHealthReaper(deps.Naming, 5*time.Second)
	lockReaper := lockservice.NewExpiryReaper(deps.Locks, node, 1*time.Second)

	healthReaper.Start()
	lockReaper.Start()

	errCh := make(chan error, 2)
	go func() {
		if err := server.Start(grpcAddr); err != nil {
			errCh <- fmt.Errorf("gRPC listener error: %v", err)
		}
	}()
	go func() {
		if err := healthServer.Start(healthAddr); err != nil {
			errCh <- fmt.Errorf("health listener error: %v", err)
		}
	}()

	time.Sleep(200 * time.Millisecond)
	fmt.Printf("✓ gRPC connection listener on %s\n", grpcAddr)
	fmt.Printf("✓ Health/metrics listener on %s\n", healthAddr)
	fmt.Println()
	fmt.Println("nacosd is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	healthReaper.Stop()
	lockReaper.Stop()
	server.Stop()
	if err := node.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %v", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
