// Command bridge runs the inspector bridge: it spawns Node debuggee
// processes, proxies their inspector WebSocket to UI clients, and exposes a
// small REST surface for session management.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/velab/inspector-bridge/internal/correlator"
	"github.com/velab/inspector-bridge/internal/dispatch"
	"github.com/velab/inspector-bridge/internal/domains"
	"github.com/velab/inspector-bridge/internal/execstate"
	"github.com/velab/inspector-bridge/internal/logging"
	"github.com/velab/inspector-bridge/internal/relay"
	"github.com/velab/inspector-bridge/internal/server"
	"github.com/velab/inspector-bridge/internal/session"
	"github.com/velab/inspector-bridge/internal/storage"
	"github.com/velab/inspector-bridge/internal/supervisor"
)

var (
	flagAddr        string
	flagWorkspace   string
	flagDataDir     string
	flagInspectHost string
	flagInspectPort int
	flagNodeBin     string
	flagLogLevel    string
	flagPretty      bool
)

func main() {
	root := &cobra.Command{
		Use:   "bridge",
		Short: "Node inspector debugging bridge",
		Long: `bridge launches Node scripts under the V8 inspector and relays the
inspector WebSocket to one or more UI clients, remapping request ids so
independent clients never collide.`,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	serve.Flags().StringVar(&flagAddr, "addr", envOr("BRIDGE_ADDR", "127.0.0.1:9230"), "listen address")
	serve.Flags().StringVar(&flagWorkspace, "workspace", ".", "workspace root for target scripts")
	serve.Flags().StringVar(&flagDataDir, "data-dir", "", "directory for the session database (empty disables persistence)")
	serve.Flags().StringVar(&flagInspectHost, "inspect-host", "127.0.0.1", "interface the debuggee inspector binds")
	serve.Flags().IntVar(&flagInspectPort, "inspect-port", 9229, "debuggee inspector port")
	serve.Flags().StringVar(&flagNodeBin, "node-bin", "node", "Node.js binary")
	serve.Flags().StringVar(&flagLogLevel, "log-level", envOr("BRIDGE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	serve.Flags().BoolVar(&flagPretty, "pretty", true, "human-readable log output")

	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	logger := logging.New(logging.Config{
		Level:  flagLogLevel,
		Pretty: flagPretty,
	})

	workspace, err := filepath.Abs(flagWorkspace)
	if err != nil {
		return fmt.Errorf("invalid workspace root: %w", err)
	}

	var store *storage.Store
	if flagDataDir != "" {
		if err := os.MkdirAll(flagDataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		store, err = storage.NewStore(filepath.Join(flagDataDir, "bridge.db"), logger)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	dispatcher := dispatch.New(logger)
	rel := relay.New(dispatcher, correlator.DefaultTimeout, logger)
	machine := execstate.New(dispatcher, logger)
	controllers := domains.NewSet(rel.Correlator(), dispatcher, machine)
	sup := supervisor.New(supervisor.Config{NodeBin: flagNodeBin}, logger)

	proxyPort := listenPort(flagAddr)
	registry := session.New(session.Config{
		WorkspaceRoot: workspace,
		InspectHost:   flagInspectHost,
		InspectPort:   flagInspectPort,
		ProxyPort:     proxyPort,
	}, sup, rel, machine, controllers, store, logger)

	srv := server.New(flagAddr, registry, rel, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-errCh
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// listenPort extracts the port from a listen address for session metadata.
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
