package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/quillhq/sessionstore/pkg/backend"
	"github.com/quillhq/sessionstore/pkg/checkpointstore"
	"github.com/quillhq/sessionstore/pkg/config"
	"github.com/quillhq/sessionstore/pkg/engine"
	"github.com/quillhq/sessionstore/pkg/events"
	"github.com/quillhq/sessionstore/pkg/index"
	"github.com/quillhq/sessionstore/pkg/log"
	"github.com/quillhq/sessionstore/pkg/metrics"
	"github.com/quillhq/sessionstore/pkg/reconciler"
	"github.com/quillhq/sessionstore/pkg/replay"
	"github.com/quillhq/sessionstore/pkg/rpc"
	"github.com/quillhq/sessionstore/pkg/walstore"
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
	Use:   "sessionstored",
	Short: "sessionstored serves the versioned session storage core over gRPC",
	Long: `sessionstored wires a Backend (local bbolt database file, or a remote
gRPC Backend), the WAL/Checkpoint/Index components, the SessionEngine,
and the ExternalReconciler behind the SessionStore facade RPC service.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sessionstored version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to a YAML config file (optional, defaults apply otherwise)")
	rootCmd.Flags().String("data-dir", "", "Override Config.DataDir")
	rootCmd.Flags().String("listen-addr", "", "Override Config.ListenAddr")
	rootCmd.Flags().String("metrics-addr", "", "Override Config.MetricsAddr")
	rootCmd.Flags().String("backend-addr", "", "Dial a remote gRPC Backend instead of using the local bbolt one")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	backendAddr, _ := cmd.Flags().GetString("backend-addr")

	logger := log.WithComponent("sessionstored")

	b, closeBackend, err := buildBackend(cfg, backendAddr)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}
	defer closeBackend()

	wal := walstore.New(b)
	ckpt := checkpointstore.New(b)
	idx := index.New(b, time.Duration(cfg.LockTTLSeconds)*time.Second)
	eng := engine.New(b, wal, ckpt, idx, replay.JSONParagraphs{}, uint64(cfg.WalCompactThreshold))

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	rec := reconciler.New(eng, idx, broker, time.Duration(cfg.DebounceMS)*time.Millisecond)

	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&rpc.ServiceDesc, rpc.NewServer(eng, rec, broker, b))

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	go serveMetrics(cfg.MetricsAddr, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		grpcServer.GracefulStop()
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Str("data_dir", cfg.DataDir).Msg("sessionstored listening")
	return grpcServer.Serve(lis)
}

// buildBackend returns the local bbolt-backed Backend, unless
// backendAddr is set, in which case it dials a remote backend.GRPC
// server instead. closeBackend is always safe to call.
func buildBackend(cfg config.Config, backendAddr string) (backend.Backend, func(), error) {
	if backendAddr != "" {
		conn, err := grpc.NewClient(backendAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, func() {}, fmt.Errorf("dial backend at %s: %w", backendAddr, err)
		}
		client := backend.NewClient(conn)
		return client, func() { conn.Close() }, nil
	}

	local, err := backend.NewLocal(cfg.DataDir, cfg.CheckpointChunkSize)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open local backend at %s: %w", cfg.DataDir, err)
	}
	return local, func() { local.Close() }, nil
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}
