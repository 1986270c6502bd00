package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/stationhq/station/internal/config"
	"github.com/stationhq/station/pkg/eventbus"
	"github.com/stationhq/station/pkg/statestore"
)

var (
	version    string
	commit     string
	date       string
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "station",
	Short: "Station - multi-agent coordination hub",
	Long: `Station is a coordination hub for a fleet of specialized agents.
It accepts high-level missions, decomposes them into capability-tagged
tasks, routes the tasks to the best available agent, and tracks progress
through an explicit state machine backed by Redis.

The station CLI inspects and administers a running instance.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "station.yml", "Path to station.yml")

	// Silence Cobra's default error and usage printing
	// Errors are rendered by internal/printer before they reach main
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
}

// session bundles the connections one CLI invocation needs.
type session struct {
	cfg   *config.Config
	store *statestore.Store
	bus   *eventbus.Bus
}

// connect loads configuration and attaches to the instance's Redis. CLI
// commands require durable state; unlike the daemon they fail rather than
// fall back to in-memory mode.
func connect(ctx context.Context) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	store, err := statestore.NewStore(redis.NewClient(redisOpts), cfg.Instance)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}

	bus, err := eventbus.NewBus(redisOpts, cfg.Instance)
	if err != nil {
		return nil, err
	}
	if err := bus.Connect(ctx); err != nil {
		return nil, err
	}

	return &session{cfg: cfg, store: store, bus: bus}, nil
}

func (s *session) close() {
	s.bus.Close()
}

// commandContext gives each CLI invocation a bounded lifetime.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
