// Command portd is the single-host coordination daemon: it binds a
// Unix domain socket and (optionally) a loopback TCP port and serves
// the service registry, lock, message bus, agent, session, and
// webhook primitives described by the project's JSON HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/portdaddy/portd/internal/codehash"
	"github.com/portdaddy/portd/internal/config"
	"github.com/portdaddy/portd/internal/daemon"
)

var (
	cfgPath      string
	debugLogging bool
	debugMetrics bool
)

var rootCmd = &cobra.Command{
	Use:   "portd",
	Short: "portd - local port and coordination daemon for developer services",
	Long:  `Assigns and tracks TCP ports for developer services, and coordinates agents sharing them through locks, a message bus, and structured sessions.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build's code hash",
	RunE:  runVersion,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively write a starting configuration file",
	RunE:  runInit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running daemon's health",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "port-daddy.json", "path to the daemon's JSON config file")
	serveCmd.Flags().BoolVar(&debugLogging, "dev", false, "use a human-readable text log handler instead of JSON")
	serveCmd.Flags().BoolVar(&debugMetrics, "debug", false, "also stream metrics to stdout")

	rootCmd.AddCommand(serveCmd, versionCmd, initCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := newLogger(cfg, debugLogging)

	d, err := daemon.Boot(cfg, log, daemon.Options{DebugMetrics: debugMetrics})
	if err != nil {
		return fmt.Errorf("boot daemon: %w", err)
	}

	watcher, err := config.Watch(cfgPath, log, d.SetConfig)
	if err != nil {
		log.Warn("config hot-reload disabled", "error", err)
	} else {
		defer func() { _ = watcher.Close() }()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("portd starting", "version", d.Version(), "tcp_port", cfg.Service.TCPPort, "socket", cfg.Service.SocketPath)
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon exited: %w", err)
	}
	log.Info("portd stopped")
	return nil
}

func runVersion(cmd *cobra.Command, args []string) error {
	hash, err := codehash.Compute("cmd/portd/main.go", "internal")
	if err != nil {
		hash = "unknown"
	}
	fmt.Printf("portd %s (config: %s)\n", hash, cfgPath)
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	var dbPath, socketPath string
	tcpPort := fmt.Sprintf("%d", cfg.Service.TCPPort)
	rangeStart := fmt.Sprintf("%d", cfg.Ports.RangeStart)
	rangeEnd := fmt.Sprintf("%d", cfg.Ports.RangeEnd)
	dbPath = cfg.Service.DBPath
	socketPath = cfg.Service.SocketPath

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Database path").Value(&dbPath),
			huh.NewInput().Title("Unix socket path").Value(&socketPath),
			huh.NewInput().Title("TCP port").Value(&tcpPort),
			huh.NewInput().Title("Port range start").Value(&rangeStart),
			huh.NewInput().Title("Port range end").Value(&rangeEnd),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("init wizard: %w", err)
	}

	cfg.Service.DBPath = dbPath
	cfg.Service.SocketPath = socketPath
	fmt.Sscanf(tcpPort, "%d", &cfg.Service.TCPPort)
	fmt.Sscanf(rangeStart, "%d", &cfg.Ports.RangeStart)
	fmt.Sscanf(rangeEnd, "%d", &cfg.Ports.RangeEnd)

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	style := lipgloss.NewStyle().Bold(true)
	fmt.Println(style.Render("wrote " + cfgPath))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%d/status", cfg.Service.Host, cfg.Service.TCPPort))
	if err != nil {
		return fmt.Errorf("query daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	labelWidth := 20
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && w < 40 {
		labelWidth = w / 2
	}
	labelStyle := lipgloss.NewStyle().Bold(true).Width(labelWidth)
	for _, key := range []string{"version", "uptime", "longPollConnections", "streamConnections"} {
		fmt.Printf("%s%v\n", labelStyle.Render(key+":"), status[key])
	}
	return nil
}
