// Command rtm-reshard bin-packs a weighted key set across a backend
// cluster's master nodes and migrates the hash slots those keys land on.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rtmbroker/rtmbroker/internal/backend"
	"github.com/rtmbroker/rtmbroker/internal/reshard"
)

func main() {
	addr := flag.String("addr", "localhost:6379", "bootstrap backend node address")
	password := flag.String("password", "", "backend auth password")
	weightsPath := flag.String("weights", "", "path to a key,weight CSV file")
	dry := flag.Bool("dry", false, "log planned slot moves without migrating")
	onlyNode := flag.String("only-node", "", "restrict migration to slots bound for this master node id")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if *weightsPath == "" {
		logger.Error("missing required -weights flag")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *addr, *password, *weightsPath, *dry, *onlyNode); err != nil {
		logger.Error("reshard failed", "error", err)
		os.Exit(1)
	}

	logger.Info("reshard complete")
}

func run(ctx context.Context, logger *slog.Logger, addr, password, weightsPath string, dry bool, onlyNode string) error {
	weights, err := reshard.LoadWeights(weightsPath)
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}

	be, err := backend.New(ctx, backend.Config{
		Node: backend.NodeClientConfig{
			Addr:       addr,
			Password:   password,
			PoolSize:   10,
			MaxRetries: 3,
		},
		Cluster:         true,
		ClusterSlotsTTL: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connect to backend: %w", err)
	}
	defer be.Close()

	coord := reshard.New(be, be.Locks(), logger)
	coord.Dry = dry
	coord.OnlyNodeID = onlyNode

	return coord.Run(ctx, weights)
}
