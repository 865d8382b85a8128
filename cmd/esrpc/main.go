package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/esrpc/internal/config"
	"github.com/codewiresh/esrpc/internal/connection"
	"github.com/codewiresh/esrpc/internal/rpc"
	"github.com/codewiresh/esrpc/internal/servicemodel"
	"github.com/codewiresh/esrpc/internal/store"
	"github.com/codewiresh/esrpc/internal/transport"
)

var (
	serverFlag  string
	tokenFlag   string
	serviceFlag string
	outputFlag  string
	verboseFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "esrpc",
		Short:        "Event-stream RPC client",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(verboseFlag)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "Server name from servers.toml or an endpoint URL")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Auth token sent in the Connect message")
	rootCmd.PersistentFlags().StringVar(&serviceFlag, "service", "", "YAML service description")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "", "Output format: json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging to stderr")

	rootCmd.AddCommand(
		callCmd(),
		streamCmd(),
		pingCmd(),
		operationsCmd(),
		serversCmd(),
		historyCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func setupLogging(verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func dataDir() string {
	dir, err := config.DataDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "[esrpc] WARNING: no home directory, using", filepath.Join(os.TempDir(), ".esrpc"))
		return filepath.Join(os.TempDir(), ".esrpc")
	}
	return dir
}

// target is a resolved endpoint plus the config it came from.
type target struct {
	name  string
	entry config.ServerEntry
	cfg   *config.Config
}

func resolveTarget() (*target, error) {
	dir := dataDir()
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	servers, err := config.LoadServersConfig(dir)
	if err != nil {
		return nil, err
	}
	entry, err := servers.Resolve(serverFlag, cfg)
	if err != nil {
		return nil, err
	}
	if tokenFlag != "" {
		entry.Token = tokenFlag
	}
	name := serverFlag
	if name == "" {
		name = entry.URL
	}
	return &target{name: name, entry: entry, cfg: cfg}, nil
}

func loadModel(cfg *config.Config) (*servicemodel.Registry, error) {
	path := serviceFlag
	if path == "" && cfg != nil {
		path = cfg.ServiceFile
	}
	if path == "" {
		return nil, fmt.Errorf("no service description (use --service or service_file in config.toml)")
	}
	return servicemodel.LoadServiceFile(path)
}

// connect performs the handshake, bounded by the configured timeout.
func connect(ctx context.Context, t *target, h rpc.LifecycleHandler) (*rpc.Connection, error) {
	timeout, err := t.cfg.Timeout()
	if err != nil {
		return nil, err
	}

	log := slog.Default().With("server", t.name)
	tr := transport.New(&connection.Target{URL: t.entry.URL, Token: t.entry.Token}, log)
	opts := []rpc.Option{rpc.WithLogger(log)}
	if t.entry.Token != "" {
		opts = append(opts, rpc.WithAmender(rpc.AuthTokenAmender(t.entry.Token)))
	}
	conn := rpc.NewConnection(tr, opts...)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done, err := conn.Connect(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", t.entry.URL, err)
	}
	if _, err := done.Wait(ctx); err != nil {
		conn.Disconnect()
		return nil, fmt.Errorf("connecting to %s: %w", t.entry.URL, err)
	}
	return conn, nil
}

// openJournal opens the call journal. Journaling is best effort: a nil
// store is returned if it cannot be opened.
func openJournal() store.Store {
	dir := dataDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Warn("call journal unavailable", "err", err)
		return nil
	}
	st, err := store.NewSQLiteStore(dir)
	if err != nil {
		slog.Warn("call journal unavailable", "err", err)
		return nil
	}
	return st
}

// closeGracefully disconnects and waits briefly for the peer to see it.
func closeGracefully(conn *rpc.Connection, lost <-chan struct{}) {
	conn.Disconnect()
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
	}
}
