// Command wa runs a Worker Agent: registers with the Metadata Server,
// consumes its per-node task event stream, and executes tasks through
// pkg/runtime. Entry-point shape grounded on the teacher's cmd/warren
// root command (persistent flags, cobra.OnInitialize logging); the
// register/consume/execute wiring itself is grounded on
// pkg/worker/worker.go's Start method, which performs the same three
// steps against a single manager connection.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/spearworks/spearctl/pkg/agent/consumer"
	"github.com/spearworks/spearctl/pkg/agent/execmgr"
	"github.com/spearworks/spearctl/pkg/agent/registration"
	"github.com/spearworks/spearctl/pkg/config"
	"github.com/spearworks/spearctl/pkg/log"
	"github.com/spearworks/spearctl/pkg/metrics"
	"github.com/spearworks/spearctl/pkg/rpcserver"
	"github.com/spearworks/spearctl/pkg/runtime"
)

var (
	Version = "dev"
	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "wa",
	Short:   "spearctl Worker Agent",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a TOML config file (overrides env vars, overridden by flags)")
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("node-name", "", "override the worker agent's node name")
	runCmd.Flags().String("ms-grpc-addr", "", "override the Metadata Server gRPC address")
	runCmd.Flags().String("grpc-addr", "", "override this agent's own gRPC address")
	runCmd.Flags().String("log-level", "", "override the log level")
	runCmd.Flags().String("storage-data-dir", "", "override the cursor/state directory")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a Worker Agent",
	RunE:  runWA,
}

func runWA(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWA(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyStringFlag(cmd, "node-name", &cfg.NodeName)
	applyStringFlag(cmd, "ms-grpc-addr", &cfg.MSGrpcAddr)
	applyStringFlag(cmd, "grpc-addr", &cfg.GrpcAddr)
	applyStringFlag(cmd, "log-level", &cfg.LogLevel)
	applyStringFlag(cmd, "storage-data-dir", &cfg.StorageDataDir)

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogFormat == "json"})
	logger := log.WithComponent("wa")

	if err := os.MkdirAll(cfg.StorageDataDir, 0o755); err != nil {
		return fmt.Errorf("create storage data dir: %w", err)
	}

	nodeUUID := registration.DeriveNodeUUID(cfg.GrpcAddr, cfg.NodeName)

	client, err := rpcserver.Dial(cfg.MSGrpcAddr, nodeUUID)
	if err != nil {
		return fmt.Errorf("dial metadata server: %w", err)
	}
	defer client.Close()

	runtimes := buildRuntimes()
	execManager := execmgr.New(nodeUUID, client, runtimes)
	dispatcher := &execmgr.EventDispatcher{Manager: execManager, Tasks: client}

	agentCfg := registration.Config{
		NodeName:          cfg.NodeName,
		GrpcAddr:          cfg.GrpcAddr,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond,
		ConnectTimeout:    time.Duration(cfg.SMSConnectTimeoutMs) * time.Millisecond,
		ConnectRetry:      time.Duration(cfg.SMSConnectRetryMs) * time.Millisecond,
		ReconnectDeadline: time.Duration(cfg.ReconnectTotalTimeoutMs) * time.Millisecond,
	}
	agent := registration.New(agentCfg, client, func(code int) { os.Exit(code) })

	c := consumer.New(nodeUUID, cfg.StorageDataDir, client, dispatcher, time.Duration(cfg.SMSConnectRetryMs)*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serveHTTP(cfg.HTTPAddr, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- agent.Run(ctx) }()
	go func() { errCh <- c.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info().Msg("shutting down")
		cancel()
		return nil
	}
}

// buildRuntimes wires every runtime pkg/runtime ships: the process
// runtime always works, the container runtime is attached best-effort
// since it needs a reachable containerd socket, and the wasm runtime
// shells out to a wasmtime binary on PATH.
func buildRuntimes() map[execmgr.ArtifactType]runtime.Runtime {
	runtimes := map[execmgr.ArtifactType]runtime.Runtime{
		execmgr.ArtifactProcess: runtime.NewProcessRuntime(),
		execmgr.ArtifactWasm:    runtime.NewWasmRuntime(""),
	}
	if cr, err := runtime.NewContainerRuntime(""); err == nil {
		runtimes[execmgr.ArtifactContainer] = cr
	}
	return runtimes
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

func applyStringFlag(cmd *cobra.Command, name string, dst *string) {
	if v, _ := cmd.Flags().GetString(name); v != "" {
		*dst = v
	}
}
