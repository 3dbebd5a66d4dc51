package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/eiannone/keyboard"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go-slotreg/database"
	"go-slotreg/lease"
	"go-slotreg/meta"
	"go-slotreg/metaclient"
	"go-slotreg/raftchannel"
)

var (
	nodeID      uint64
	peerList    string
	listenAddr  string
	dbURL       string
	tableName   string
	slotNum     int
	replicas    int
	leaseSecs   int
	interactive bool

	metaAddrs []string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "metanode",
		Short: "A meta tier replica of the slot registry",
		Long: `Metanode runs one replica of the meta tier. Replicas agree through raft on
the leases of data and session servers, and the leader assigns slots to the
live data servers and publishes the resulting slot table.`,
		RunE: runNode,
	}

	rootCmd.Flags().Uint64Var(&nodeID, "id", 1, "Raft id of this replica")
	rootCmd.Flags().StringVar(&peerList, "peers", "1=http://127.0.0.1:9700", "Comma separated id=url list of every replica, this one included")
	rootCmd.Flags().StringVar(&listenAddr, "listen", ":9700", "Address serving the API and raft traffic")
	rootCmd.Flags().StringVar(&dbURL, "db", "", "PostgreSQL connection URL for provide data; empty keeps it in memory")
	rootCmd.Flags().StringVar(&tableName, "table", "slotreg", "Table name prefix in the database")
	rootCmd.Flags().IntVar(&slotNum, "slots", 256, "Number of slots")
	rootCmd.Flags().IntVar(&replicas, "replicas", 2, "Replicas per slot, leader included")
	rootCmd.Flags().IntVar(&leaseSecs, "lease", 30, "Default lease duration in seconds")
	rootCmd.Flags().BoolVar(&interactive, "interactive", true, "Show the status console")

	var provideCmd = &cobra.Command{
		Use:   "provide",
		Short: "Read and write provide data",
	}
	provideCmd.PersistentFlags().StringSliceVar(&metaAddrs, "meta", []string{"127.0.0.1:9700"}, "Meta replica addresses")

	provideCmd.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "Print a provide data value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := metaclient.New(metaAddrs, lease.Node{})
			if err != nil {
				return err
			}
			data, err := client.FetchData(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s=%q (version %d)\n", data.Key, data.Value, data.Version)
			return nil
		},
	})
	provideCmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a provide data value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := metaclient.New(metaAddrs, lease.Node{})
			if err != nil {
				return err
			}
			data, err := client.PutData(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s=%q (version %d)\n", data.Key, data.Value, data.Version)
			return nil
		},
	})
	rootCmd.AddCommand(provideCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parsePeers parses "1=http://a:9700,2=http://b:9700".
func parsePeers(list string) (map[uint64]string, error) {
	var peers = make(map[uint64]string)
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		idStr, url, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid peer %q, expected id=url", item)
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid peer id %q", idStr)
		}
		peers[id] = strings.TrimRight(url, "/")
	}
	if len(peers) == 0 {
		return nil, errors.New("no peers")
	}
	return peers, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	var (
		ctx    = context.Background()
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	)

	peers, err := parsePeers(peerList)
	if err != nil {
		return err
	}
	if _, ok := peers[nodeID]; !ok {
		return fmt.Errorf("peers do not include id %d", nodeID)
	}

	var (
		ids    = make([]uint64, 0, len(peers))
		remote = make(map[uint64]string, len(peers)-1)
	)
	for id, url := range peers {
		ids = append(ids, id)
		if id != nodeID {
			remote[id] = url
		}
	}

	var metaOpts = []meta.Option{
		meta.WithSlots(slotNum, replicas),
		meta.WithLeaseDuration(leaseSecs),
		meta.WithLogger(logger),
	}

	if dbURL != "" {
		fmt.Printf("Connecting to database...\n")
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
		if err := database.Migrate(db, tableName); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		metaOpts = append(metaOpts, meta.WithQueries(database.NewQueries(db, tableName)))
	}

	raftLogger, err := zap.NewProduction(zap.IncreaseLevel(zap.WarnLevel))
	if err != nil {
		return fmt.Errorf("failed to create raft logger: %w", err)
	}
	defer raftLogger.Sync()

	var transport = raftchannel.NewHTTPTransport(remote, logger)
	defer transport.Close()

	var node = raftchannel.NewNode(nodeID, ids, transport,
		raftchannel.WithLogger(logger),
		raftchannel.WithRaftLogger(raftLogger))
	var server = meta.NewServer(node, append(metaOpts, meta.WithLeaderID(node.Leader))...)

	var mux = http.NewServeMux()
	mux.Handle(raftchannel.RaftPath, raftchannel.Handler(node))
	mux.Handle("/api/", server.Handler())

	var httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	var serveErr = make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	fmt.Printf("Starting meta replica %d on %s...\n", nodeID, listenAddr)
	node.Start()
	server.Start()

	var shutdown = func() {
		server.Stop()
		node.Stop()

		var shutdownCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shut down http server", "error", err)
		}
	}

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if !interactive {
		select {
		case err := <-serveErr:
			shutdown()
			return fmt.Errorf("failed to serve: %w", err)
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			shutdown()
			return nil
		}
	}

	// Set up periodic status updates
	var ticker = time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	if err := keyboard.Open(); err != nil {
		shutdown()
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	var keyCh = make(chan rune)
	go func() {
		for {
			char, _, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- char
		}
	}()

	printStatus(server)

	for {
		select {
		case <-ticker.C:
			printStatus(server)
		case key := <-keyCh:
			switch key {
			case 'a', 'A':
				published, err := server.Assign(ctx)
				switch {
				case err != nil:
					fmt.Fprintf(os.Stderr, "\n❌ Failed to assign slots: %v\n", err)
				case published:
					fmt.Fprintf(os.Stderr, "\n✓ Published slot table epoch %d\n", server.Slots().Epoch())
				default:
					fmt.Fprintf(os.Stderr, "\nNo slot table change\n")
				}
			case 'c', 'C':
				fmt.Printf("\n\n💥 Crashing immediately (no cleanup)...\n")
				os.Exit(1)
			case 'q', 'Q':
				fmt.Printf("\n\nShutting down gracefully...\n")
				shutdown()
				return nil
			}
		case err := <-serveErr:
			shutdown()
			return fmt.Errorf("failed to serve: %w", err)
		case sig := <-sigCh:
			fmt.Printf("\n\nReceived signal %v, shutting down...\n", sig)
			shutdown()
			return nil
		}
	}
}

func printStatus(server *meta.Server) {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	fmt.Println(server.String())

	fmt.Printf("\nControls:\n")
	if server.IsLeader() {
		fmt.Printf("  [a] Assign slots now\n")
	}
	fmt.Printf("  [c] Crash without cleanup\n")
	fmt.Printf("  [q] Quit gracefully\n")
}
