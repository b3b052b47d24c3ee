// Command sms runs the Metadata Server: the authoritative event bus,
// task/node registry, projections, and execution log store behind a
// single mTLS gRPC listener. Grounded on the teacher's cmd/warren
// root-command layout (persistent flags, cobra.OnInitialize logging,
// "run"-shaped subcommands) -- here split into its own binary because
// spec.md §1 models the MS as a distinct process from the WA.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/spearworks/spearctl/pkg/config"
	"github.com/spearworks/spearctl/pkg/eventbus"
	"github.com/spearworks/spearctl/pkg/executionlog"
	"github.com/spearworks/spearctl/pkg/kv"
	"github.com/spearworks/spearctl/pkg/log"
	"github.com/spearworks/spearctl/pkg/metrics"
	"github.com/spearworks/spearctl/pkg/projection"
	"github.com/spearworks/spearctl/pkg/registry"
	"github.com/spearworks/spearctl/pkg/rpcserver"
	"github.com/spearworks/spearctl/pkg/security"
)

var (
	Version = "dev"

	cfgFile   string
	clusterID string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sms",
	Short:   "spearctl Metadata Server",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a TOML config file (overrides env vars, overridden by flags)")
	rootCmd.PersistentFlags().StringVar(&clusterID, "cluster-id", "", "cluster id used to derive the CA sealing key")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Metadata Server",
	RunE:  runMS,
}

func init() {
	runCmd.Flags().String("grpc-addr", "", "override the gRPC listen address")
	runCmd.Flags().String("http-addr", "", "override the HTTP (metrics/health) listen address")
	runCmd.Flags().String("log-level", "", "override the log level")
	runCmd.Flags().String("data-dir", "", "override the KV/execution-log data directory")
}

func runMS(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadMS(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("grpc-addr"); v != "" {
		cfg.GrpcAddr = v
	}
	if v, _ := cmd.Flags().GetString("http-addr"); v != "" {
		cfg.HTTPAddr = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: false})
	logger := log.WithComponent("sms")

	if clusterID == "" {
		clusterID = envOr("MS_CLUSTER_ID", "spearctl-default-cluster")
	}
	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterID)); err != nil {
		return fmt.Errorf("set cluster encryption key: %w", err)
	}

	store, err := kv.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer store.Close()

	bus := eventbus.New(store, 0, 0)
	reg := registry.New(store, bus, registry.DefaultHeartbeatTimeoutS)
	logs := executionlog.New(cfg.DataDir+"/execution_logs", cfg.ExecutionLogMaxBytes)

	idx := projection.New(store, 0, 0, 0)
	driver := projection.NewDriver(idx, bus, "ms", eventbus.AllStream())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := driver.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("projection driver stopped")
		}
	}()

	ca := security.NewCertAuthority(store)
	if err := ca.LoadFromStore(ctx); err != nil {
		logger.Info().Msg("no existing CA found, initializing a new one")
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initialize CA: %w", err)
		}
		if err := ca.SaveToStore(ctx); err != nil {
			return fmt.Errorf("save CA: %w", err)
		}
	}

	nodeID := envOr("MS_NODE_ID", uuid.NewString())
	backend := rpcserver.NewDefaultBackend(reg, bus, logs)
	server, err := rpcserver.NewServer(ca, nodeID, backend)
	if err != nil {
		return fmt.Errorf("build rpc server: %w", err)
	}

	go serveHTTP(cfg.HTTPAddr, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(cfg.GrpcAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info().Msg("shutting down")
		server.Stop()
		cancel()
		return nil
	}
}

func serveHTTP(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("http server stopped")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
