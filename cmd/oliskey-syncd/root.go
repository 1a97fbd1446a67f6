package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Oliskey-School/offline-sync/internal/config"
	"github.com/Oliskey-School/offline-sync/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "oliskey-syncd",
	Short:         "Offline-first sync daemon for the Oliskey school platform",
	Long:          "oliskey-syncd keeps a local SQLite copy of school records (students, attendance, fees, exams and more) in sync with the hosted backend, queuing writes while offline and reconciling them on reconnect.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logging.Init(logOutput(cfg.Log), cfg.Log.Level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars OLISKEY_SYNC_* override")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
}

// logOutput builds the log writer: stderr always, plus a size-rotated
// file when one is configured.
func logOutput(lc config.LogConfig) io.Writer {
	if lc.File == "" {
		return os.Stderr
	}
	rotated := &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
		Compress:   true,
	}
	return io.MultiWriter(os.Stderr, rotated)
}
