package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dchrostowski/mfeddie2/internal/logger"
	"github.com/dchrostowski/mfeddie2/internal/session"
	"github.com/dchrostowski/mfeddie2/internal/state"
	"github.com/dchrostowski/mfeddie2/internal/websocket"
	"github.com/dchrostowski/mfeddie2/pkg/mfeddie"
)

var (
	version = "2.0.0"

	// Global flags
	configFile string
	debug      bool

	// Serve flags
	port         int
	maxInstances int
	registryPath string

	// Watch flags
	watchURL string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mfeddie",
		Short: "mfeddie - headless browser control plane",
		Long: `mfeddie - an HTTP control plane for headless browser sessions.

Remote crawlers drive browser sessions with mf_ prefixed parameters or
headers: visit pages, click, type, follow links, take screenshots and walk
the history. Sessions are bound to clients with a pid cookie, capped by an
admission ceiling and reaped when idle.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control server",
		RunE:  runServe,
	}

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions recorded in the registry",
		Long:  "List the worker sessions recorded in the registry file. Stop the server first; the registry is locked while it runs.",
		RunE:  runSessions,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE:  runConfig,
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream session lifecycle events from a running server",
		RunE:  runWatch,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug logging")

	// Serve flags
	serveCmd.Flags().IntVarP(&port, "port", "p", 8315, "Listen port")
	serveCmd.Flags().IntVarP(&maxInstances, "max-instances", "m", 8, "Maximum concurrent browser sessions")

	// Sessions flags
	sessionsCmd.Flags().StringVar(&registryPath, "registry", "", "Registry file (default: registry_path from the config)")

	// Watch flags
	watchCmd.Flags().StringVar(&watchURL, "url", "http://127.0.0.1:8315/events", "Event stream URL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(watchCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file if one was given and applies flags
// the user set explicitly.
func loadConfig(cmd *cobra.Command) (*mfeddie.Config, error) {
	config := mfeddie.DefaultConfig()
	if configFile != "" {
		fileConfig, err := mfeddie.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = fileConfig
	}

	if cmd.Flags().Changed("port") {
		config.Port = port
	}
	if cmd.Flags().Changed("max-instances") {
		config.MaxInstances = maxInstances
	}
	if debug {
		config.Log.Level = "debug"
	}
	return config, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	lc, err := config.LoggerConfig()
	if err != nil {
		return err
	}
	log := logger.New(lc)
	logger.SetGlobal(log)

	srv, err := mfeddie.New(config, mfeddie.WithLogger(log))
	if err != nil {
		return err
	}

	// Signals are handled inside Run.
	return srv.Run(context.Background())
}

func runSessions(cmd *cobra.Command, args []string) error {
	path := registryPath
	if path == "" {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path = config.RegistryPath
	}
	if path == "" {
		return fmt.Errorf("no registry configured; set registry_path or --registry")
	}

	store, err := state.NewBoltStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.List()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No sessions recorded")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tCREATED\tAGE\tUSER AGENT\tPROXY\tLAST URL")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.PID,
			rec.CreatedAt.Format(time.RFC3339),
			time.Since(rec.CreatedAt).Round(time.Second),
			dash(rec.UserAgent), dash(rec.Proxy), dash(rec.LastURL))
	}
	return tw.Flush()
}

func runConfig(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(config.Effective())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := websocket.NewWatcher()
	fmt.Fprintf(os.Stderr, "Watching %s\n", watchURL)

	return w.Watch(ctx, watchURL, func(ev session.Event) error {
		line := fmt.Sprintf("%s  %-13s pid=%d active=%d", ev.Time.Format("15:04:05"), ev.Kind, ev.PID, ev.Active)
		if ev.Reason != "" {
			line += " reason=" + ev.Reason
		}
		fmt.Println(line)
		return nil
	})
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
