// cmd/netwatch/main.go
package main

import (
    "context"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/sirupsen/logrus"
    "github.com/spf13/cobra"
    "netwatch/internal/config"
    "netwatch/internal/database"
    "netwatch/internal/inventory"
    "netwatch/internal/metrics"
    "netwatch/internal/monitoring"
    "netwatch/internal/web"
)

var configFile string

var rootCmd = &cobra.Command{
    Use:           "netwatch",
    Short:         "netwatch - network device monitoring and alerting",
    Version:       web.Version,
    SilenceUsage:  true,
    SilenceErrors: true,
    RunE: func(cmd *cobra.Command, args []string) error {
        return runServer(configFile)
    },
}

var runCmd = &cobra.Command{
    Use:   "run",
    Short: "Start the monitoring engine and API server",
    RunE: func(cmd *cobra.Command, args []string) error {
        return runServer(configFile)
    },
}

var validateCmd = &cobra.Command{
    Use:   "validate",
    Short: "Check the configuration, rules and inventory without starting",
    RunE: func(cmd *cobra.Command, args []string) error {
        cfg, err := config.Load(configFile)
        if err != nil {
            return err
        }
        devices, err := inventory.FromConfig(cfg).Devices(cmd.Context())
        if err != nil {
            return fmt.Errorf("inventory: %w", err)
        }
        fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK: %d devices, %d alert rules\n", len(devices), len(cfg.Alerting.AllRules()))
        return nil
    },
}

var versionCmd = &cobra.Command{
    Use:   "version",
    Short: "Print version information",
    Run: func(cmd *cobra.Command, args []string) {
        info := web.CurrentBuildInfo()
        out := cmd.OutOrStdout()
        fmt.Fprintf(out, "netwatch %s\n", info.Version)
        if info.BuildTime != "unknown" {
            fmt.Fprintf(out, "Built: %s\n", info.BuildTime)
        }
        if info.GitCommit != "unknown" {
            fmt.Fprintf(out, "Commit: %s\n", info.GitCommit)
        }
        fmt.Fprintf(out, "Go: %s %s/%s\n", info.GoVersion, info.GoOS, info.GoArch)
    },
}

func init() {
    rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "Configuration file path")
    rootCmd.AddCommand(runCmd)
    rootCmd.AddCommand(validateCmd)
    rootCmd.AddCommand(versionCmd)
}

func main() {
    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "Error: %v\n", err)
        os.Exit(1)
    }
}

func runServer(path string) error {
    cfg, err := config.Load(path)
    if err != nil {
        return fmt.Errorf("failed to load config: %w", err)
    }

    config.SetupLogging(cfg.Logging)

    logrus.WithFields(logrus.Fields{
        "config_file":   path,
        "port":          cfg.Server.Port,
        "devices":       len(cfg.Devices),
        "metrics_store": cfg.MetricsStore.Backend,
    }).Info("Starting netwatch")

    metricsCollector := metrics.NewCollector()

    store, err := database.NewBoltStore(cfg.Database.Path, metricsCollector)
    if err != nil {
        return fmt.Errorf("failed to initialize database: %w", err)
    }
    defer store.Close()

    engine, err := monitoring.NewEngine(cfg, monitoring.Deps{
        Store:   store,
        Metrics: metricsCollector,
    })
    if err != nil {
        return fmt.Errorf("failed to initialize monitoring engine: %w", err)
    }

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    if err := engine.Start(ctx); err != nil {
        return fmt.Errorf("failed to start monitoring engine: %w", err)
    }

    var webServer *web.Server
    if cfg.Server.IsEnabled() {
        webServer = web.NewServer(cfg, engine, metricsCollector)
        if err := webServer.Start(ctx); err != nil {
            return fmt.Errorf("failed to start web server: %w", err)
        }
    }

    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

    sig := <-sigChan
    logrus.WithField("signal", sig).Info("Received shutdown signal")

    shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
    defer shutdownCancel()

    if webServer != nil {
        if err := webServer.Stop(shutdownCtx); err != nil {
            logrus.WithError(err).Warn("Web server shutdown incomplete")
        }
    }
    if err := engine.Stop(shutdownCtx); err != nil {
        logrus.WithError(err).Error("Monitoring engine shutdown incomplete")
    }
    cancel()

    logrus.Info("Shutdown complete")
    return nil
}
