package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go-slotreg/bootstrap"
	"go-slotreg/lease"
	"go-slotreg/metaclient"
	"go-slotreg/slot"
	"go-slotreg/transport"
)

var (
	config       = bootstrap.DefaultConfig()
	advertiseIP  string
	dataCenter   string
	metaAddrs    []string
	pullInterval time.Duration
	startTimeout time.Duration
	nodeLease    int
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "datanode",
		Short: "A data server of the slot registry",
		Long: `Datanode opens its notify, session, sync and admin ports, registers with
the meta tier and waits for a slot table before it starts serving slots.`,
		RunE: runNode,
	}

	rootCmd.Flags().StringVar(&config.BindHost, "bind", "", "Host the listeners bind to")
	rootCmd.Flags().IntVar(&config.SessionPort, "session-port", config.SessionPort, "Port serving session servers")
	rootCmd.Flags().IntVar(&config.SyncPort, "sync-port", config.SyncPort, "Port serving data sync between data servers")
	rootCmd.Flags().IntVar(&config.HTTPPort, "http-port", config.HTTPPort, "Admin HTTP port")
	rootCmd.Flags().IntVar(&config.NotifyPort, "notify-port", config.NotifyPort, "Port receiving meta tier notifications")
	rootCmd.Flags().IntVar(&config.LowWaterMark, "low-water-mark", config.LowWaterMark, "Connections at which a paused listener accepts again")
	rootCmd.Flags().IntVar(&config.HighWaterMark, "high-water-mark", config.HighWaterMark, "Connections at which a listener pauses")
	rootCmd.Flags().IntVar(&config.SessionLeaseSecs, "session-lease", config.SessionLeaseSecs, "Session lease in seconds, unless the meta tier overrides it")
	rootCmd.Flags().IntVar(&config.SyncSessionIntervalSecs, "sync-interval", config.SyncSessionIntervalSecs, "Sync session interval in seconds, unless the meta tier overrides it")
	rootCmd.Flags().IntVar(&nodeLease, "node-lease", 30, "Lease in seconds this node holds with the meta tier")
	rootCmd.Flags().StringVar(&advertiseIP, "ip", "127.0.0.1", "IP this node registers under")
	rootCmd.Flags().StringVar(&dataCenter, "dc", "dc1", "Data center of this node")
	rootCmd.Flags().StringSliceVar(&metaAddrs, "meta", []string{"127.0.0.1:9700"}, "Meta replica addresses")
	rootCmd.Flags().DurationVar(&pullInterval, "pull-interval", time.Second, "Slot table poll interval")
	rootCmd.Flags().DurationVar(&startTimeout, "start-timeout", 3*time.Minute, "Upper bound on the start sequence")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newMetaClient holds this node's own lease, which is independent of the
// session lease the node grants.
func newMetaClient(node lease.Node, logger *slog.Logger) (*metaclient.Client, error) {
	if nodeLease <= 0 {
		return nil, fmt.Errorf("invalid --node-lease %d: must be positive", nodeLease)
	}
	return metaclient.New(metaAddrs, node,
		metaclient.WithLease(nodeLease),
		metaclient.WithLogger(logger))
}

func runNode(cmd *cobra.Command, args []string) error {
	var (
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		node  = lease.Node{IP: advertiseIP, Port: config.SessionPort, DataCenter: dataCenter}
		slots = slot.NewManager(logger)
	)

	client, err := newMetaClient(node, logger)
	if err != nil {
		return err
	}

	var pullCtx, stopPuller = context.WithCancel(context.Background())
	defer stopPuller()
	client.StartSlotTablePuller(pullCtx, slots, pullInterval)

	var orchestrator *bootstrap.Orchestrator
	var currentConfig = func() bootstrap.Config { return orchestrator.Config() }

	orchestrator = bootstrap.New(config, client, slots,
		bootstrap.WithLogger(logger),
		bootstrap.WithSessionHandlers(pingHandler(node, slots), slotsHandler(node, slots), slotHandler(slots)),
		bootstrap.WithSyncHandlers(slotTableHandler(slots), slotHandler(slots)),
		bootstrap.WithNotifyHandlers(pingHandler(node, slots)),
		bootstrap.WithHTTPHandlers(slotTableHandler(slots), slotsHandler(node, slots), configHandler(currentConfig)),
		bootstrap.WithExchange(transport.NewTCPExchange(transport.WithLogger(logger))),
		bootstrap.WithHTTPExchange(transport.NewHTTPExchange(transport.WithLogger(logger))),
	)

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var startCtx, cancelStart = context.WithTimeout(cmd.Context(), startTimeout)
	defer cancelStart()

	var started = make(chan error, 1)
	go func() {
		started <- orchestrator.Start(startCtx)
	}()

	var shutdown = func() {
		orchestrator.Destroy()
		stopPuller()

		var cancelCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Cancel(cancelCtx); err != nil {
			logger.Warn("failed to cancel lease", "error", err)
		}
	}

	select {
	case err := <-started:
		if err != nil {
			shutdown()
			return fmt.Errorf("failed to start data node: %w", err)
		}
	case sig := <-sigCh:
		logger.Info("received signal during start, shutting down", "signal", sig.String())
		shutdown()
		return nil
	}

	logger.Info("data node in service",
		"node", node.String(),
		"epoch", slots.Epoch(),
		"config", orchestrator.Config().String())

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())
	shutdown()
	return nil
}
