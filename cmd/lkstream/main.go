package main

import (
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lkstream/lkstream/broker"
	"github.com/lkstream/lkstream/metrics"
	"github.com/lkstream/lkstream/utils"
	"github.com/lkstream/lkstream/utils/log"
)

const defaultConfigPath = "lkstream.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:          "lkstream",
	Short:        "Single-node file-backed event log with Kafka-style semantics",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "YAML configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	start := time.Now()

	data, err := os.ReadFile(configPath)
	if err != nil {
		log.Fatal("Failed to read configuration file - Error: %v", err)
	}
	cfg := utils.NewDefaultConfig("")
	if err := cfg.Parse(data); err != nil {
		log.Fatal("Failed to parse configuration file - Error: %v", err)
	}
	cfg.StartTime = start

	log.Info("Initializing LKSTREAM...")
	log.Info("Root Directory: %s", cfg.RootDirectory)

	bkr, err := broker.Open(cfg)
	if err != nil {
		log.Fatal("Failed to open broker - Error: %v", err)
	}
	metrics.StartupTime.Set(time.Since(start).Seconds())

	sigChannel := make(chan os.Signal, 1)
	go func() {
		for sig := range sigChannel {
			switch sig {
			case syscall.SIGUSR1:
				log.Info("Dumping stack traces due to SIGUSR1 request")
				pprof.Lookup("goroutine").WriteTo(os.Stdout, 1)
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("Initiating graceful shutdown due to %v request", sig)
				log.Info("Waiting a grace period of %v to shutdown...", cfg.StopGracePeriod)
				time.Sleep(cfg.StopGracePeriod)
				if err := bkr.Close(); err != nil {
					log.Error("Error during broker shutdown: %v", err)
				}
				log.Info("Exiting...")
				os.Exit(0)
			}
		}
	}()
	signal.Notify(sigChannel, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)

	if cfg.ListenPort == "" {
		log.Info("No listen_port configured; running without ops endpoint")
		select {}
	}

	http.Handle("/metrics", promhttp.Handler())
	log.Info("Launching ops listener on %s...", cfg.ListenPort)
	if err := http.ListenAndServe(cfg.ListenPort, nil); err != nil {
		log.Fatal("Failed to start ops listener - Error: %s", err)
	}
	return nil
}
