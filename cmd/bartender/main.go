// Command bartender hosts the CHP server and the forwarder relay, plus a
// small HTTP status page over the live CHP map.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dustingooding/lager-go/internal/chp"
	"github.com/dustingooding/lager-go/internal/config"
	"github.com/dustingooding/lager-go/internal/dashboard"
	"github.com/dustingooding/lager-go/internal/forwarder"
	"github.com/dustingooding/lager-go/internal/maphub"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bartender",
		Short: "CHP server, forwarder relay, and status dashboard",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("host", "0.0.0.0", "host address reported at startup (listeners bind on all interfaces)")
	f.Int("base-port", 9000, "base port for the CHP snapshot/publisher/collector listeners")
	f.Int("heartbeat-millis", 1000, "CHP publisher heartbeat cadence in milliseconds")
	f.Int("dashboard-port", 8080, "HTTP port for the status dashboard")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("host", "host")
	bindFlag("base_port", "base-port")
	bindFlag("heartbeat_millis", "heartbeat-millis")
	bindFlag("dashboard_port", "dashboard-port")

	viper.SetEnvPrefix("BARTENDER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	fmt.Printf("bartender starting\n")
	fmt.Printf("  host: %s\n", cfg.Host)
	fmt.Printf("  base port: %d\n", cfg.BasePort)
	fmt.Printf("  dashboard: :%d\n", cfg.DashboardPort)
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := chp.NewServer(cfg.BasePort)
	if cfg.HeartbeatMillis > 0 {
		server.SetHeartbeatInterval(time.Duration(cfg.HeartbeatMillis) * time.Millisecond)
	}
	if err := server.Init(ctx); err != nil {
		return fmt.Errorf("chp server init: %w", err)
	}

	fwd := forwarder.New(cfg.BasePort)
	if err := fwd.Init(ctx); err != nil {
		return fmt.Errorf("forwarder init: %w", err)
	}

	hub := maphub.New()
	server.SetUpdateHook(func(key, value string, seq int64) {
		hub.Publish(maphub.Update{Key: key, Value: value, Sequence: seq})
	})

	if err := server.Start(); err != nil {
		return fmt.Errorf("chp server start: %w", err)
	}
	if err := fwd.Start(); err != nil {
		return fmt.Errorf("forwarder start: %w", err)
	}

	dash := dashboard.New(cfg.DashboardPort, server, fwd, hub)
	fwd.SetRelayHook(dash.RecordSample)
	go func() {
		if err := dash.Start(); err != nil {
			log.Printf("dashboard error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %s, shutting down...", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := dash.Shutdown(shutdownCtx); err != nil {
		log.Printf("dashboard shutdown: %v", err)
	}
	if err := fwd.Stop(); err != nil {
		log.Printf("forwarder stop: %v", err)
	}
	if err := server.Stop(); err != nil {
		log.Printf("chp server stop: %v", err)
	}

	return nil
}
