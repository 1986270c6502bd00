package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stationhq/station/internal/config"
	"github.com/stationhq/station/internal/hub"
)

func main() {
	// 1. Locate the configuration file
	configPath := os.Getenv("STATION_CONFIG")
	if configPath == "" {
		configPath = "station.yml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load %s: %v\n", configPath, err)
		os.Exit(1)
	}

	// 2. Optional environment overrides for containerized deployments
	if instance := os.Getenv("STATION_INSTANCE_NAME"); instance != "" {
		cfg.Instance = instance
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}

	// 3. Build the hub
	h, err := hub.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to build hub: %v\n", err)
		os.Exit(1)
	}
	defer h.Close()

	// 4. Connect; a Redis failure degrades to in-memory mode rather than
	// aborting startup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h.Connect(ctx)

	fmt.Printf("stationd starting for instance '%s' with %d agent(s)\n", cfg.Instance, len(cfg.Agents))

	// 5. Run until SIGINT/SIGTERM
	if err := h.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("stationd stopped")
}
