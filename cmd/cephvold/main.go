package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/cephvol/pkg/fsutil"
	"github.com/cuemby/cephvol/pkg/lifecycle"
	"github.com/cuemby/cephvol/pkg/log"
	"github.com/cuemby/cephvol/pkg/luks"
	"github.com/cuemby/cephvol/pkg/metrics"
	"github.com/cuemby/cephvol/pkg/plugin"
	"github.com/cuemby/cephvol/pkg/rbd"
	"github.com/cuemby/cephvol/pkg/registry"
	"github.com/cuemby/cephvol/pkg/shell"
	"github.com/cuemby/cephvol/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile string
	cfg     = types.DefaultConfig()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cephvold",
	Short: "Cephvol - Ceph RBD volume plugin for Docker",
	Long: `Cephvold backs Docker volumes with Ceph RBD images: it creates
images on demand, maps them to kernel devices, prepares an ext4
filesystem on first use, optionally layers LUKS encryption, and mounts
the result for containers. Devices are unmapped as soon as the last
container releases them.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			data, err := os.ReadFile(cfgFile)
			if err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("parsing config file: %w", err)
			}
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cephvol version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.Flags()
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file")
	flags.StringVar(&cfg.CephUser, "user", cfg.CephUser, "Ceph user for rbd commands")
	flags.StringVar(&cfg.CephConfigFile, "ceph-conf", cfg.CephConfigFile, "Ceph cluster config file")
	flags.StringVar(&cfg.DefaultPool, "pool", cfg.DefaultPool, "Default storage pool for unqualified volume names")
	flags.StringVar(&cfg.DefaultSize, "size", cfg.DefaultSize, "Default image size for implicitly created volumes")
	flags.StringVar(&cfg.MountRoot, "mount-root", cfg.MountRoot, "Base directory for volume mountpoints")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for the volume registry database")
	flags.StringVar(&cfg.SocketName, "socket", cfg.SocketName, "Plugin socket name under /run/docker/plugins")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (empty: disabled)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Log JSON instead of console output")
	flags.BoolVar(&cfg.NameAsKey, "name-as-key", cfg.NameAsKey, "Derive LUKS passphrases from volume names when no key option is given")
	flags.DurationVar(&cfg.CommandTimeout, "command-timeout", cfg.CommandTimeout, "Timeout for external commands")
	flags.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "Periodic reconciliation interval (0: startup only)")
}

func serve() error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Msg("starting cephvold")

	defaultSize, err := units.RAMInBytes(cfg.DefaultSize)
	if err != nil {
		return fmt.Errorf("invalid default size %q: %w", cfg.DefaultSize, err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	reg, err := registry.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening volume registry: %w", err)
	}
	defer reg.Close()

	runner := shell.NewExecRunner(cfg.CommandTimeout)
	manager := lifecycle.NewManager(
		lifecycle.Config{
			DefaultPool:       cfg.DefaultPool,
			DefaultSize:       defaultSize,
			MountRoot:         cfg.MountRoot,
			NameAsKey:         cfg.NameAsKey,
			ReconcileInterval: cfg.ReconcileInterval,
		},
		reg,
		rbd.New(cfg.CephUser, cfg.CephConfigFile, runner),
		luks.New(runner),
		fsutil.New(runner),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	defer manager.Stop()

	metrics.Register()
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	driver := plugin.NewDriver(manager, cfg.DefaultPool)
	errCh := make(chan error, 1)
	go func() {
		errCh <- driver.Serve(cfg.SocketName)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		return nil
	case err := <-errCh:
		return fmt.Errorf("plugin server: %w", err)
	}
}
