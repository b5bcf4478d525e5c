// Command mug is a reference telemetry consumer: it resolves schemas via
// CHP and persists every sample it receives into a keg.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dustingooding/lager-go/internal/mug"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mug",
		Short: "Reference telemetry consumer",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("host", "127.0.0.1", "address of the bartender host")
	f.Int("base-port", 9000, "bartender's base port")
	f.String("keg-dir", "./keg-data", "directory for the keg's SQLite store")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("host", "host")
	bindFlag("base_port", "base-port")
	bindFlag("keg_dir", "keg-dir")

	viper.SetEnvPrefix("MUG")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	host := viper.GetString("host")
	basePort := viper.GetInt("base_port")
	kegDir := viper.GetString("keg_dir")

	if err := os.MkdirAll(kegDir, 0o755); err != nil {
		return fmt.Errorf("mug: create keg dir: %w", err)
	}

	fmt.Printf("mug starting: host=%s base_port=%d keg_dir=%s\n", host, basePort, kegDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := mug.New()
	if err := m.Init(ctx, host, basePort, kegDir); err != nil {
		return fmt.Errorf("mug init: %w", err)
	}
	if err := m.Start(); err != nil {
		return fmt.Errorf("mug start: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	fmt.Printf("received %s, shutting down...\n", sig)
	cancel()

	return m.Stop()
}
