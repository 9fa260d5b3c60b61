package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cernvm/cernvm-webapi/internal/api"
	"github.com/cernvm/cernvm-webapi/internal/brand"
	"github.com/cernvm/cernvm-webapi/internal/config"
	"github.com/cernvm/cernvm-webapi/internal/daemon"
	"github.com/cernvm/cernvm-webapi/internal/downloader"
	"github.com/cernvm/cernvm-webapi/internal/host"
	"github.com/cernvm/cernvm-webapi/internal/hypervisor"
	"github.com/cernvm/cernvm-webapi/internal/keystore"
	"github.com/cernvm/cernvm-webapi/internal/logging"
	"github.com/cernvm/cernvm-webapi/internal/scheduler"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", filepath.Join(brand.DefaultConfigDir, brand.ConfigFileName), "Configuration file")
		startFlags.StringVar(configFile, "c", filepath.Join(brand.DefaultConfigDir, brand.ConfigFileName), "Configuration file (short)")
		startFlags.Parse(os.Args[2:])

		if err := runStart(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", brand.BinaryName, err)
			os.Exit(1)
		}

	case "version":
		fmt.Printf("%s %s (%s)\n", brand.Name, brand.Version, brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runStart(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:  parseLevel(cfg.Log.Level),
		Output: os.Stderr,
		JSON:   cfg.Log.JSON,
	})
	logging.SetDefault(logger)

	lock, err := host.AcquireInstanceLock(brand.GetRunDir(), brand.BinaryName)
	if err != nil {
		return err
	}
	defer lock.Release()

	store, err := hypervisor.OpenStore(cfg.Hypervisor.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ks := keystore.NewSignedStore(
		cfg.Keystore.Path,
		cfg.Keystore.LocalAuthKey,
		cfg.Keystore.AuthorizedURL,
		keystore.WithLogger(logger.WithComponent("keystore")),
	)

	core := daemon.NewCore(daemon.CoreOptions{
		Config:     cfg,
		Logger:     logger,
		Keystore:   ks,
		Downloader: downloader.NewHTTP(0),
		Store:      store,
	})
	core.SyncHypervisor()

	sched := scheduler.New(logger, core.Clock())
	sched.AddTask(&scheduler.Task{
		ID:       "keystore-refresh",
		Name:     "Authorized keystore refresh",
		Schedule: scheduler.Daily(3, 30),
		Timeout:  time.Minute,
		Func: func(ctx context.Context) error {
			if code := ks.UpdateAuthorized(ctx, core.Downloader()); code.IsError() {
				return fmt.Errorf("keystore refresh failed: %s", code)
			}
			return nil
		},
	})
	sched.AddTask(&scheduler.Task{
		ID:       "hypervisor-detect",
		Name:     "Hypervisor re-detection",
		Schedule: scheduler.Every(5 * time.Minute),
		Func: func(ctx context.Context) error {
			core.SyncHypervisor()
			return nil
		},
	})
	sched.Start()
	defer sched.Stop()

	logger.Info("starting", "version", brand.Version, "port", cfg.Listen.Port)
	return api.NewServer(core, logger).ListenAndServe()
}

func parseLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage:
  %s start [-config FILE]   Start the daemon in the foreground
  %s version                Print version information
  %s help                   Show this help
`, brand.Name, brand.Description, brand.BinaryName, brand.BinaryName, brand.BinaryName)
}
