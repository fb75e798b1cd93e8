package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/startd/pkg/config"
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/rpc"
	"github.com/cuemby/startd/pkg/setup"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "startd",
	Short: "startd - self-hosted server OS service manager",
	Long: `startd installs, runs, supervises and interconnects services
packaged as signed s9pk archives: one isolated container per service,
a managed networking fabric with onion and LAN reachability, and a
patch-structured database shared with operators over JSON-RPC.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"startd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to the daemon config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(setupCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig() (config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	return config.Load(path)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the service manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rpc.Version = Version
		rpc.Commit = Commit
		rpc.BuildTime = BuildTime

		ctx, err := rpc.Init(cfg)
		if err != nil {
			return err
		}
		if err := ctx.CleanupAndInitialize(cmd.Context()); err != nil {
			return err
		}

		server := rpc.NewServer(ctx)
		if err := server.Start(); err != nil {
			return err
		}

		log.Info("startd is up")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info(fmt.Sprintf("Received %s, shutting down", sig))
		case <-ctx.ShutdownRequested():
			log.Info("Shutdown requested over RPC")
		}

		server.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		ctx.Shutdown(shutdownCtx)
		return nil
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "First-boot setup flows",
}

var setupFreshCmd = &cobra.Command{
	Use:   "fresh",
	Short: "Initialize a fresh data volume",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		password, _ := cmd.Flags().GetString("password")
		hostname, _ := cmd.Flags().GetString("hostname")
		device, _ := cmd.Flags().GetString("device")

		hash, err := rpc.HashPassword(password)
		if err != nil {
			return err
		}
		result, err := setup.Fresh(cfg, setup.Account{Hostname: hostname, PasswordHash: hash}, device)
		if err != nil {
			return err
		}
		fmt.Printf("Server ID:   %s\n", result.ServerId)
		fmt.Printf("Hostname:    %s\n", result.Hostname)
		fmt.Printf("LAN address: %s\n", result.LanAddress)
		fmt.Printf("Tor address: %s\n", result.TorAddress)
		return nil
	},
}

var setupMigrateCmd = &cobra.Command{
	Use:   "migrate <old-data-root>",
	Short: "Import an older data volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var progress setup.Progress
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					fmt.Printf("\rMigrating... %d/%d bytes", progress.Copied.Load(), progress.Total.Load())
				case <-done:
					return
				}
			}
		}()
		err = setup.Migrate(cfg, args[0], &progress)
		close(done)
		fmt.Println()
		return err
	},
}

var setupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-target>",
	Short: "Restore package volumes from a backup target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		restored, err := setup.Restore(cfg, args[0])
		if err != nil {
			return err
		}
		for _, pkg := range restored {
			fmt.Printf("Restored %s\n", pkg)
		}
		return nil
	},
}

func init() {
	setupFreshCmd.Flags().String("password", "", "Operator password")
	setupFreshCmd.Flags().String("hostname", "", "Server hostname (default start9-<id>)")
	setupFreshCmd.Flags().String("device", "", "Block device for the encrypted data volume")
	setupCmd.AddCommand(setupFreshCmd)
	setupCmd.AddCommand(setupMigrateCmd)
	setupCmd.AddCommand(setupRestoreCmd)
}
