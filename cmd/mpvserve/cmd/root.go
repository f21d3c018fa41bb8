// Package cmd holds the mpvserve command line.
package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mpvserve/mpvserve/internal/config"
	"github.com/mpvserve/mpvserve/internal/slogutil"
)

var (
	configFile string
	v          = viper.New()
)

var rootCmd = &cobra.Command{
	Use:          "mpvserve",
	Short:        "Serve movies to mpv and remember where you stopped",
	Long:         `mpvserve lists a media directory with mpv:// links, streams the files with byte range support and records how far each user got.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./config.yaml or ~/.mpvserve/config.yaml)")
	flags.String("db-type", "", "progress storage: sqlite or mongo")
	flags.String("db-path", "", "SQLite database path")
	flags.String("log-level", "", "log level: debug, info, warn or error")

	bindFlag(rootCmd, "database.type", "db-type")
	bindFlag(rootCmd, "database.path", "db-path")
	bindFlag(rootCmd, "log.level", "log-level")
}

// bindFlag lets a command line flag override the config key
func bindFlag(cmd *cobra.Command, key, name string) {
	flag := cmd.PersistentFlags().Lookup(name)
	if flag == nil {
		flag = cmd.Flags().Lookup(name)
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

// loadConfig reads and validates the configuration and installs the logger.
// The returned closer flushes the log file.
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, err
	}

	logger, closer := slogutil.Setup(cfg.Log)
	slog.SetDefault(logger)

	return cfg, closer, nil
}
