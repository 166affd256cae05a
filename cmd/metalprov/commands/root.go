package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fly-io/metalprov/internal/config"
	"github.com/fly-io/metalprov/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "metalprov",
	Short: "Bare metal provisioning conductor",
	Long: `Controls bare metal nodes through their management controllers: power,
boot device, serial console and imaging over iSCSI.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		log, err := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(log)
		loaded = cfg
		return nil
	},
}

// loaded is the configuration of the running command.
var loaded *config.Config

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetOut(os.Stdout)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.HiRedString("Error: %v", err))
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("sqlite-path", ".artifacts/inventory.db", "SQLite inventory path")
	flags.String("fsm-db-path", ".artifacts/fsm", "FSM state directory")
	flags.String("image-cache-dir", ".artifacts/images", "Directory images are cached in")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.String("root-helper", "sudo", "Command prefix for privileged commands, empty to disable")
	flags.String("lock-policy", "fail-fast", "Behaviour when a node is locked: fail-fast or wait")
	flags.Duration("lock-timeout", 30*time.Second, "How long to wait for a node lock under the wait policy")
	flags.String("remote-endpoint", "http://localhost:6385/v1/", "Remote provisioning service endpoint")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "text", "Log format: text or json")

	bindFlags(flags, "sqlite-path", "fsm-db-path", "image-cache-dir", "s3-region", "root-helper",
		"lock-policy", "lock-timeout", "remote-endpoint", "metrics-addr", "log-level", "log-format")
}

// bindFlags makes viper read the named flags. A flag overrides env and the
// config file only when set explicitly.
func bindFlags(fs *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := viper.BindPFlag(name, fs.Lookup(name)); err != nil {
			panic(err)
		}
	}
}
