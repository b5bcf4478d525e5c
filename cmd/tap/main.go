// Command tap is a reference telemetry producer: it registers a simple
// one-counter schema under a CHP key and publishes a new sample every
// tick.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dustingooding/lager-go/internal/schema"
	"github.com/dustingooding/lager-go/internal/tap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tap",
		Short: "Reference telemetry producer",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("host", "127.0.0.1", "address of the bartender host")
	f.Int("base-port", 9000, "bartender's base port")
	f.String("key", "tap.counter", "CHP key the schema is registered under")
	f.String("schema-file", "", "path to an XML schema descriptor; generated if empty")
	f.Duration("log-interval", 1*time.Second, "how often to emit a new sample")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("host", "host")
	bindFlag("base_port", "base-port")
	bindFlag("key", "key")
	bindFlag("schema_file", "schema-file")
	bindFlag("log_interval", "log-interval")

	viper.SetEnvPrefix("TAP")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	host := viper.GetString("host")
	basePort := viper.GetInt("base_port")
	key := viper.GetString("key")
	schemaFile := viper.GetString("schema_file")
	logInterval := viper.GetDuration("log_interval")

	fmt.Printf("tap starting: host=%s base_port=%d key=%s\n", host, basePort, key)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t := tap.New()
	if err := t.Init(ctx, host, basePort); err != nil {
		return fmt.Errorf("tap init: %w", err)
	}

	var counter uint32
	t.AddItem(tap.Item{
		Name: "counter",
		Get: func() []byte {
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, atomic.LoadUint32(&counter))
			return b
		},
	})

	schemaSource, isFile := schemaFile, true
	if schemaFile == "" {
		_, xmlStr, err := schema.CreateFromItems([]schema.Item{
			{Name: "counter", Type: "u32", Size: 4, Offset: 0},
		}, "v1.0.0")
		if err != nil {
			return fmt.Errorf("tap: generate schema: %w", err)
		}
		schemaSource, isFile = xmlStr, false
	}

	if err := t.Start(key, schemaSource, isFile); err != nil {
		return fmt.Errorf("tap start: %w", err)
	}

	ticker := time.NewTicker(logInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for {
		select {
		case <-ticker.C:
			atomic.AddUint32(&counter, 1)
			t.Log()
		case sig := <-sigCh:
			fmt.Printf("received %s, shutting down...\n", sig)
			cancel()
			return t.Stop()
		}
	}
}
